package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/adapters/helius"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ---------------------------------------------------------------------------
// Token Parser: mint address -> ParsedToken
// ---------------------------------------------------------------------------

// ParserConfig configures the token parser.
type ParserConfig struct {
	// Largest accounts sampled when no source reports a holder count.
	HolderSampleLimit int `yaml:"holder_sample_limit"`

	// Signature pages walked back to find the first transaction of a mint.
	SignaturePageSize int `yaml:"signature_page_size"`
	MaxSignaturePages int `yaml:"max_signature_pages"`

	// Off-chain metadata JSON (the Metaplex uri).
	FetchOffchain   bool          `yaml:"fetch_offchain"`
	OffchainTimeout time.Duration `yaml:"offchain_timeout"`
	IPFSGateway     string        `yaml:"ipfs_gateway"`
}

// DefaultParserConfig returns production defaults.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		HolderSampleLimit: 20,
		SignaturePageSize: 1000,
		MaxSignaturePages: 3,
		FetchOffchain:     true,
		OffchainTimeout:   5 * time.Second,
		IPFSGateway:       "https://ipfs.io/ipfs/",
	}
}

// MetadataFallback supplies name/symbol/uri when no Metaplex account exists.
type MetadataFallback interface {
	TokenMetadata(ctx context.Context, mint solana.Pubkey) (*helius.TokenMetadata, error)
}

// Parser enriches mint addresses. Safe for concurrent use.
type Parser struct {
	cfg      ParserConfig
	rpc      solana.RPCClient
	sources  []adapters.MarketDataSource
	fallback MetadataFallback
	offchain *adapters.Fetcher
	now      func() time.Time

	parsed atomic.Int64
	failed atomic.Int64
}

// NewParser creates a parser. sources are merged in the given priority order;
// fallback may be nil.
func NewParser(cfg ParserConfig, rpc solana.RPCClient, sources []adapters.MarketDataSource, fallback MetadataFallback) *Parser {
	def := DefaultParserConfig()
	if cfg.HolderSampleLimit <= 0 {
		cfg.HolderSampleLimit = def.HolderSampleLimit
	}
	if cfg.SignaturePageSize <= 0 {
		cfg.SignaturePageSize = def.SignaturePageSize
	}
	if cfg.MaxSignaturePages <= 0 {
		cfg.MaxSignaturePages = def.MaxSignaturePages
	}
	if cfg.OffchainTimeout <= 0 {
		cfg.OffchainTimeout = def.OffchainTimeout
	}
	if cfg.IPFSGateway == "" {
		cfg.IPFSGateway = def.IPFSGateway
	}
	return &Parser{
		cfg:      cfg,
		rpc:      rpc,
		sources:  sources,
		fallback: fallback,
		offchain: adapters.NewFetcher(adapters.FetcherConfig{
			Name:          "offchain",
			Timeout:       cfg.OffchainTimeout,
			RatePerSecond: 20,
			MaxConcurrent: 8,
			MaxRetries:    1,
		}),
		now: time.Now,
	}
}

// Parse builds a ParsedToken for addr. Only a missing or unreadable mint
// account is an error; every other sub-fetch degrades to zero values.
func (p *Parser) Parse(ctx context.Context, addr solana.Pubkey) (*ParsedToken, error) {
	info, err := p.rpc.GetTokenInfo(ctx, addr)
	if err != nil {
		p.failed.Add(1)
		return nil, fmt.Errorf("parser: mint account %s: %w", addr.Short(), err)
	}

	token := &ParsedToken{
		Address: addr,
		Metadata: TokenMetadata{
			Decimals:        info.Decimals,
			TotalSupply:     info.Supply,
			MintAuthority:   info.MintAuthority,
			FreezeAuthority: info.FreezeAuthority,
		},
		OnChain: OnChainData{
			ProgramID:              info.Owner,
			AssociatedTokenProgram: solana.AssociatedTokenProgramID,
			MintAuthority:          authorityStatus(info.MintAuthority),
			FreezeAuthority:        authorityStatus(info.FreezeAuthority),
		},
	}

	// The three enrichments touch disjoint fields of token.
	var g errgroup.Group
	g.Go(func() error {
		p.fillMetadata(ctx, token)
		return nil
	})
	g.Go(func() error {
		token.MarketData = p.marketData(ctx, addr)
		return nil
	})
	g.Go(func() error {
		p.fillCreation(ctx, token)
		return nil
	})
	_ = g.Wait()

	token.OnChain.HolderCount = p.holderCount(ctx, token)
	token.ParsedAt = p.now()
	p.parsed.Add(1)

	log.Debug().
		Str("token", string(addr)).
		Str("symbol", token.Metadata.Symbol).
		Int64("age_s", token.OnChain.AgeSeconds).
		Int64("holders", token.OnChain.HolderCount).
		Strs("sources", token.MarketData.Sources).
		Msg("parser: token parsed")
	return token, nil
}

// fillMetadata reads the Metaplex account, then the off-chain JSON it points to.
func (p *Parser) fillMetadata(ctx context.Context, token *ParsedToken) {
	addr := token.Address
	md, err := p.metaplex(ctx, addr)
	switch {
	case err == nil:
		token.Metadata.Name = md.Name
		token.Metadata.Symbol = md.Symbol
		token.Metadata.URI = md.URI
		token.Metadata.MetadataProgram = solana.MetadataProgramID
		token.Metadata.IsVerified = md.verified()
		token.OnChain.IsMutable = md.IsMutable
	case p.fallback != nil:
		log.Debug().Err(err).Str("token", addr.Short()).Msg("parser: no metaplex account, trying fallback")
		fb, ferr := p.fallback.TokenMetadata(ctx, addr)
		if ferr != nil {
			log.Debug().Err(ferr).Str("token", addr.Short()).Msg("parser: metadata fallback failed")
			return
		}
		token.Metadata.Name = fb.Name
		token.Metadata.Symbol = fb.Symbol
		token.Metadata.URI = fb.URI
	default:
		log.Debug().Err(err).Str("token", addr.Short()).Msg("parser: no metadata")
	}

	if p.cfg.FetchOffchain && token.Metadata.URI != "" {
		links, err := p.socialLinks(ctx, token.Metadata.URI)
		if err != nil {
			log.Debug().Err(err).Str("uri", token.Metadata.URI).Msg("parser: off-chain metadata unavailable")
			return
		}
		token.Metadata.SocialLinks = links
	}
}

func (p *Parser) metaplex(ctx context.Context, mint solana.Pubkey) (*metaplexMetadata, error) {
	pda, err := MetadataPDA(mint)
	if err != nil {
		return nil, err
	}
	acct, err := p.rpc.GetAccountInfo(ctx, pda)
	if err != nil {
		return nil, err
	}
	if acct.Owner != "" && acct.Owner != solana.MetadataProgramID {
		return nil, fmt.Errorf("metaplex: account %s owned by %s", pda.Short(), acct.Owner)
	}
	return decodeMetaplex(acct.Data)
}

// offchainMetadata is the JSON document at a Metaplex uri. Links appear either
// at the top level or under extensions, depending on the launchpad.
type offchainMetadata struct {
	Website    string `json:"website"`
	Twitter    string `json:"twitter"`
	Telegram   string `json:"telegram"`
	Discord    string `json:"discord"`
	Extensions *struct {
		Website  string `json:"website"`
		Twitter  string `json:"twitter"`
		Telegram string `json:"telegram"`
		Discord  string `json:"discord"`
	} `json:"extensions"`
}

func (p *Parser) socialLinks(ctx context.Context, uri string) (adapters.SocialLinks, error) {
	target := uri
	if rest, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		target = p.cfg.IPFSGateway + rest
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return adapters.SocialLinks{}, fmt.Errorf("parser: unsupported metadata uri scheme: %s", uri)
	}

	var doc offchainMetadata
	if err := p.offchain.GetJSON(ctx, target, nil, &doc); err != nil {
		return adapters.SocialLinks{}, err
	}
	links := adapters.SocialLinks{
		Website:  doc.Website,
		Twitter:  doc.Twitter,
		Telegram: doc.Telegram,
		Discord:  doc.Discord,
	}
	if doc.Extensions != nil {
		links = links.Merge(adapters.SocialLinks{
			Website:  doc.Extensions.Website,
			Twitter:  doc.Extensions.Twitter,
			Telegram: doc.Extensions.Telegram,
			Discord:  doc.Extensions.Discord,
		})
	}
	return links, nil
}

// marketData queries every source concurrently and merges in priority order.
func (p *Parser) marketData(ctx context.Context, mint solana.Pubkey) adapters.MarketData {
	if len(p.sources) == 0 {
		return adapters.MarketData{}
	}
	results := make([]*adapters.MarketData, len(p.sources))
	var wg sync.WaitGroup
	for i, src := range p.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := src.MarketData(ctx, mint)
			if err != nil {
				log.Debug().Err(err).Str("source", src.Name()).Str("token", mint.Short()).Msg("parser: market source failed")
				return
			}
			if len(md.Sources) == 0 {
				md.Sources = []string{src.Name()}
			}
			results[i] = md
		}()
	}
	wg.Wait()
	return adapters.Merge(results...)
}

// fillCreation finds the oldest signature of the mint; its block time gives
// the age and its fee payer the creator.
func (p *Parser) fillCreation(ctx context.Context, token *ParsedToken) {
	var oldest *solana.SignatureInfo
	opts := solana.SignaturesOpts{Limit: p.cfg.SignaturePageSize}
	complete := false
	for page := 0; page < p.cfg.MaxSignaturePages; page++ {
		sigs, err := p.rpc.GetSignaturesForAddress(ctx, token.Address, opts)
		if err != nil {
			log.Debug().Err(err).Str("token", token.Address.Short()).Msg("parser: signature history unavailable")
			break
		}
		if len(sigs) == 0 {
			complete = true
			break
		}
		last := sigs[len(sigs)-1]
		oldest = &last
		if len(sigs) < opts.Limit {
			complete = true
			break
		}
		opts.Before = last.Signature
	}
	if oldest == nil {
		return
	}

	token.OnChain.FirstTxSignature = oldest.Signature
	token.OnChain.HistoryTruncated = !complete
	if t := oldest.Time(); !t.IsZero() {
		token.OnChain.AgeKnown = true
		if age := int64(p.now().Sub(t).Seconds()); age > 0 {
			token.OnChain.AgeSeconds = age
		}
	}
	tx, err := p.rpc.GetTransaction(ctx, oldest.Signature)
	if err != nil {
		log.Debug().Err(err).Str("signature", string(oldest.Signature)).Msg("parser: creation transaction unavailable")
		return
	}
	token.OnChain.CreatorAddress = tx.FeePayer
}

// holderCount prefers the market sources, then counts non-empty largest accounts.
func (p *Parser) holderCount(ctx context.Context, token *ParsedToken) int64 {
	if token.MarketData.HolderCount != nil {
		return *token.MarketData.HolderCount
	}
	holders, err := p.rpc.GetTopHolders(ctx, token.Address, p.cfg.HolderSampleLimit)
	if err != nil {
		log.Debug().Err(err).Str("token", token.Address.Short()).Msg("parser: holder sample unavailable")
		return 0
	}
	var n int64
	for _, h := range holders {
		if h.Balance.IsPositive() {
			n++
		}
	}
	return n
}

// ParserStats is a snapshot of parser counters.
type ParserStats struct {
	Parsed int64 `json:"parsed"`
	Failed int64 `json:"failed"`
}

func (p *Parser) Stats() ParserStats {
	return ParserStats{Parsed: p.parsed.Load(), Failed: p.failed.Load()}
}
