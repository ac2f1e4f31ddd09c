package scanner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/discovery/internal/adapters/helius"
	"github.com/nexus-trading/discovery/internal/bus"
	"github.com/nexus-trading/discovery/internal/solana"
	"github.com/nexus-trading/discovery/internal/storage"
)

// ---------------------------------------------------------------------------
// Detection strategies
// ---------------------------------------------------------------------------

// Strategy is one way of finding candidate mints.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, limit int) ([]solana.Pubkey, error)
}

// StrategyConfig tunes the polling strategies.
type StrategyConfig struct {
	// Signatures listed per query.
	SignaturePageSize int `yaml:"signature_page_size"`
	// Transactions resolved per strategy call.
	MaxTransactions int `yaml:"max_transactions"`
	// DEXes scanned by the liquidity pool scanner.
	DEXes []string `yaml:"dexes"`
}

// DefaultStrategyConfig returns production defaults.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		SignaturePageSize: 200,
		MaxTransactions:   100,
		DEXes:             []string{"raydium", "orca"},
	}
}

func (c StrategyConfig) withDefaults() StrategyConfig {
	def := DefaultStrategyConfig()
	if c.SignaturePageSize <= 0 {
		c.SignaturePageSize = def.SignaturePageSize
	}
	if c.MaxTransactions <= 0 {
		c.MaxTransactions = def.MaxTransactions
	}
	if len(c.DEXes) == 0 {
		c.DEXes = def.DEXes
	}
	return c
}

// cursor reads key, treating a missing cursor as empty.
func cursor(ctx context.Context, store storage.CursorStore, key string) (string, error) {
	v, err := store.GetCursor(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// mintsOf resolves sigs oldest first and collects the mints the program parser
// reports for events of the wanted types. It stops at limit mints or budget
// fetches and returns how many signatures, counted from the oldest, were fully
// examined. A transaction whose mints do not fit under limit is left for the
// next call.
func mintsOf(ctx context.Context, rpc solana.RPCClient, program solana.Pubkey, sigs []solana.SignatureInfo,
	budget, limit int, wanted ...bus.EventType) ([]solana.Pubkey, int, error) {

	want := make(map[bus.EventType]bool, len(wanted))
	for _, t := range wanted {
		want[t] = true
	}
	cfg := solana.DefaultListenerConfig()

	var out []solana.Pubkey
	consumed, fetched := 0, 0
	for i := len(sigs) - 1; i >= 0 && len(out) < limit; i-- {
		if sigs[i].Failed {
			consumed++
			continue
		}
		if fetched >= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, consumed, err
		}
		fetched++
		tx, err := rpc.GetTransaction(ctx, sigs[i].Signature)
		if err != nil {
			log.Debug().Err(err).Str("sig", string(sigs[i].Signature)).Msg("detector: skip unresolved transaction")
			consumed++
			continue
		}
		var found []solana.Pubkey
		for _, ev := range solana.ParseEvents(program, tx, cfg) {
			if want[ev.Type] {
				found = append(found, solana.Pubkey(ev.TokenAddress))
			}
		}
		if len(out) > 0 && len(out)+len(found) > limit {
			break
		}
		if len(found) > limit {
			found = found[:limit]
		}
		out = append(out, found...)
		consumed++
	}
	return out, consumed, nil
}

// ---------------------------------------------------------------------------
// program_account_scanner: token program mints since the slot cursor
// ---------------------------------------------------------------------------

// ProgramAccountScanner lists token-program transactions newer than the last
// scanned slot and collects initializeMint mints.
type ProgramAccountScanner struct {
	cfg     StrategyConfig
	rpc     solana.RPCClient
	cursors storage.CursorStore
}

func NewProgramAccountScanner(cfg StrategyConfig, rpc solana.RPCClient, cursors storage.CursorStore) *ProgramAccountScanner {
	return &ProgramAccountScanner{cfg: cfg.withDefaults(), rpc: rpc, cursors: cursors}
}

func (s *ProgramAccountScanner) Name() string { return "program_account_scanner" }

func (s *ProgramAccountScanner) Detect(ctx context.Context, limit int) ([]solana.Pubkey, error) {
	current, err := s.rpc.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("program_account_scanner: get slot: %w", err)
	}
	raw, err := cursor(ctx, s.cursors, storage.CursorProgramSlot)
	if err != nil {
		return nil, fmt.Errorf("program_account_scanner: read cursor: %w", err)
	}
	last, lastSig, err := parseSlotCursor(raw)
	if err != nil {
		log.Warn().Str("cursor", raw).Msg("detector: corrupt slot cursor, rescanning")
		last, lastSig = 0, ""
	}
	if current < last || (current == last && lastSig == "") {
		return nil, nil
	}

	sigs, err := s.rpc.GetSignaturesForAddress(ctx, solana.TokenProgramID, solana.SignaturesOpts{Limit: s.cfg.SignaturePageSize})
	if err != nil {
		return nil, fmt.Errorf("program_account_scanner: list signatures: %w", err)
	}
	// Listing is newest first: within the cursor slot only signatures listed
	// before lastSig are unexamined.
	var window []solana.SignatureInfo
	seen := false
	for _, sig := range sigs {
		if sig.Signature == lastSig {
			seen = true
		}
		switch {
		case sig.Slot > current:
		case sig.Slot > last:
			window = append(window, sig)
		case sig.Slot == last && lastSig != "" && !seen:
			window = append(window, sig)
		}
	}

	mints, consumed, err := mintsOf(ctx, s.rpc, solana.TokenProgramID, window, s.cfg.MaxTransactions, limit, bus.EventTokenMint)
	if err != nil {
		return nil, err
	}
	next := strconv.FormatUint(current, 10)
	if consumed < len(window) && consumed > 0 {
		newest := window[len(window)-consumed]
		next = slotCursor(newest.Slot, newest.Signature)
	}
	if consumed > 0 || len(window) == 0 {
		if err := s.cursors.SetCursor(ctx, storage.CursorProgramSlot, next); err != nil {
			log.Warn().Err(err).Msg("detector: persist slot cursor failed")
		}
	}
	log.Debug().Uint64("from_slot", last).Str("cursor", next).Int("mints", len(mints)).
		Msg("detector: program account scan")
	return mints, nil
}

// slotCursor marks a scan that stopped inside slot after examining sig.
func slotCursor(slot uint64, sig solana.Signature) string {
	return strconv.FormatUint(slot, 10) + ":" + string(sig)
}

// parseSlotCursor reads "slot" (slot fully scanned) or "slot:signature".
func parseSlotCursor(raw string) (uint64, solana.Signature, error) {
	if raw == "" {
		return 0, "", nil
	}
	slotPart, sig, _ := strings.Cut(raw, ":")
	slot, err := strconv.ParseUint(slotPart, 10, 64)
	if err != nil {
		return 0, "", err
	}
	return slot, solana.Signature(sig), nil
}

// ---------------------------------------------------------------------------
// liquidity_pool_scanner: new SOL pools per DEX since the last signature
// ---------------------------------------------------------------------------

// LiquidityPoolScanner finds new SOL-paired pools on the configured DEXes.
type LiquidityPoolScanner struct {
	cfg     StrategyConfig
	rpc     solana.RPCClient
	cursors storage.CursorStore
}

func NewLiquidityPoolScanner(cfg StrategyConfig, rpc solana.RPCClient, cursors storage.CursorStore) *LiquidityPoolScanner {
	return &LiquidityPoolScanner{cfg: cfg.withDefaults(), rpc: rpc, cursors: cursors}
}

func (s *LiquidityPoolScanner) Name() string { return "liquidity_pool_scanner" }

// Detect scans each DEX in order until limit mints are found. A failing DEX is
// logged and skipped.
func (s *LiquidityPoolScanner) Detect(ctx context.Context, limit int) ([]solana.Pubkey, error) {
	var out []solana.Pubkey
	for _, dex := range s.cfg.DEXes {
		if len(out) >= limit {
			break
		}
		mints, err := s.scanDEX(ctx, dex, limit-len(out))
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Warn().Err(err).Str("dex", dex).Msg("detector: dex scan failed")
			continue
		}
		out = append(out, mints...)
	}
	return out, nil
}

func (s *LiquidityPoolScanner) scanDEX(ctx context.Context, dex string, limit int) ([]solana.Pubkey, error) {
	program := solana.DEXProgramID(dex)
	if program == "" {
		return nil, fmt.Errorf("unknown dex %q", dex)
	}
	key := storage.DEXCursorKey(dex)
	until, err := cursor(ctx, s.cursors, key)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	sigs, err := s.rpc.GetSignaturesForAddress(ctx, program, solana.SignaturesOpts{
		Limit: s.cfg.SignaturePageSize,
		Until: solana.Signature(until),
	})
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	mints, consumed, err := mintsOf(ctx, s.rpc, program, sigs, s.cfg.MaxTransactions, limit, bus.EventLiquidityPool)
	if err != nil {
		return nil, err
	}
	if consumed > 0 {
		// Newest signature actually examined.
		newest := sigs[len(sigs)-consumed].Signature
		if err := s.cursors.SetCursor(ctx, key, string(newest)); err != nil {
			log.Warn().Err(err).Str("dex", dex).Msg("detector: persist dex cursor failed")
		}
	}
	return mints, nil
}

// ---------------------------------------------------------------------------
// helius_api_scanner: Helius new-token feed
// ---------------------------------------------------------------------------

// NewTokensFeed is the cursor-paginated new-token listing.
type NewTokensFeed interface {
	NewTokens(ctx context.Context, cursor string, limit int) (helius.NewTokensPage, error)
}

// HeliusAPIScanner pages through the Helius new-token feed.
type HeliusAPIScanner struct {
	feed    NewTokensFeed
	cursors storage.CursorStore
}

func NewHeliusAPIScanner(feed NewTokensFeed, cursors storage.CursorStore) *HeliusAPIScanner {
	return &HeliusAPIScanner{feed: feed, cursors: cursors}
}

func (s *HeliusAPIScanner) Name() string { return "helius_api_scanner" }

func (s *HeliusAPIScanner) Detect(ctx context.Context, limit int) ([]solana.Pubkey, error) {
	last, err := cursor(ctx, s.cursors, storage.CursorHelius)
	if err != nil {
		return nil, fmt.Errorf("helius_api_scanner: read cursor: %w", err)
	}
	page, err := s.feed.NewTokens(ctx, last, limit)
	if err != nil {
		return nil, fmt.Errorf("helius_api_scanner: %w", err)
	}
	if page.NextCursor != "" {
		if err := s.cursors.SetCursor(ctx, storage.CursorHelius, page.NextCursor); err != nil {
			log.Warn().Err(err).Msg("detector: persist helius cursor failed")
		}
	}
	tokens := page.Tokens
	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens, nil
}
