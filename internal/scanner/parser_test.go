package scanner

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/adapters/helius"
	"github.com/nexus-trading/discovery/internal/solana"
)

// encodeMetaplex builds Metadata v1 account bytes with NUL-padded fields.
func encodeMetaplex(name, symbol, uri string, creators []metaplexCreator, mutable bool) []byte {
	str := func(s string, width int) []byte {
		padded := make([]byte, width)
		copy(padded, s)
		out := binary.LittleEndian.AppendUint32(nil, uint32(width))
		return append(out, padded...)
	}
	var b []byte
	b = append(b, 4) // key: MetadataV1
	b = append(b, make([]byte, 32)...)
	b = append(b, solanago.MustPublicKeyFromBase58(string(testMintA)).Bytes()...)
	b = append(b, str(name, 32)...)
	b = append(b, str(symbol, 10)...)
	b = append(b, str(uri, 200)...)
	b = binary.LittleEndian.AppendUint16(b, 500)
	if len(creators) == 0 {
		b = append(b, 0)
	} else {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(creators)))
		for _, c := range creators {
			b = append(b, solanago.MustPublicKeyFromBase58(string(c.Address)).Bytes()...)
			verified := byte(0)
			if c.Verified {
				verified = 1
			}
			b = append(b, verified, c.Share)
		}
	}
	b = append(b, 0) // primary sale
	if mutable {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

type fakeSource struct {
	name  string
	md    *adapters.MarketData
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) MarketData(_ context.Context, _ solana.Pubkey) (*adapters.MarketData, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.md
	return &cp, nil
}

type fakeFallback struct {
	md    *helius.TokenMetadata
	calls atomic.Int32
}

func (f *fakeFallback) TokenMetadata(_ context.Context, _ solana.Pubkey) (*helius.TokenMetadata, error) {
	f.calls.Add(1)
	if f.md == nil {
		return nil, adapters.ErrNoData
	}
	return f.md, nil
}

var parserNow = time.Unix(1_700_000_000, 0)

func newTestParser(rpc solana.RPCClient, sources []adapters.MarketDataSource, fb MetadataFallback) *Parser {
	p := NewParser(DefaultParserConfig(), rpc, sources, fb)
	p.now = func() time.Time { return parserNow }
	return p
}

func TestMetadataPDA_Deterministic(t *testing.T) {
	a, err := MetadataPDA(testMintA)
	require.NoError(t, err)
	b, err := MetadataPDA(testMintA)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, a.Valid())

	c, err := MetadataPDA(testMintB)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = MetadataPDA("not-a-key")
	assert.Error(t, err)
}

func TestDecodeMetaplex(t *testing.T) {
	data := encodeMetaplex("Popcat", "POPCAT", "https://example.com/p.json",
		[]metaplexCreator{{Address: testMintB, Verified: true, Share: 100}}, true)

	md, err := decodeMetaplex(data)
	require.NoError(t, err)
	assert.Equal(t, "Popcat", md.Name)
	assert.Equal(t, "POPCAT", md.Symbol)
	assert.Equal(t, "https://example.com/p.json", md.URI)
	assert.Equal(t, testMintA, md.Mint)
	assert.Equal(t, uint16(500), md.SellerFeeBps)
	require.Len(t, md.Creators, 1)
	assert.Equal(t, testMintB, md.Creators[0].Address)
	assert.True(t, md.verified())
	assert.True(t, md.IsMutable)

	_, err = decodeMetaplex(data[:80])
	assert.ErrorIs(t, err, errShortMetadata)
}

func TestParser_Parse_FullEnrichment(t *testing.T) {
	offchain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Popcat","website":"https://popcat.io","extensions":{"twitter":"https://x.com/popcat","website":"ignored"}}`))
	}))
	defer offchain.Close()

	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{
		Mint:            testMintA,
		Owner:           solana.TokenProgramID,
		Decimals:        9,
		Supply:          decimal.NewFromInt(1_000_000_000),
		FreezeAuthority: "freezer",
	})
	pda, err := MetadataPDA(testMintA)
	require.NoError(t, err)
	rpc.AddAccount(solana.AccountInfo{
		Address: pda,
		Owner:   solana.MetadataProgramID,
		Data: encodeMetaplex("Popcat", "POPCAT", offchain.URL+"/meta.json",
			[]metaplexCreator{{Address: testMintB, Verified: true, Share: 100}}, true),
	})
	rpc.AddTransaction(solana.ParsedTransaction{
		Signature: "sig-create", Slot: 100, BlockTime: parserNow.Unix() - 600, FeePayer: "creator",
	}, testMintA)
	rpc.AddTransaction(solana.ParsedTransaction{
		Signature: "sig-later", Slot: 200, BlockTime: parserNow.Unix() - 10, FeePayer: "trader",
	}, testMintA)

	holders := int64(42)
	birdeye := &fakeSource{name: "birdeye", md: &adapters.MarketData{
		PriceUSD: adapters.NullDecimal(decimal.NewFromFloat(0.5)),
	}}
	heliusSrc := &fakeSource{name: "helius", md: &adapters.MarketData{
		PriceUSD:     adapters.NullDecimal(decimal.NewFromFloat(0.7)),
		LiquiditySOL: adapters.NullDecimal(decimal.NewFromInt(12)),
		HolderCount:  &holders,
	}}

	p := newTestParser(rpc, []adapters.MarketDataSource{birdeye, heliusSrc}, nil)
	tok, err := p.Parse(context.Background(), testMintA)
	require.NoError(t, err)

	assert.Equal(t, testMintA, tok.Address)
	assert.Equal(t, "Popcat", tok.Metadata.Name)
	assert.Equal(t, "POPCAT", tok.Metadata.Symbol)
	assert.Equal(t, uint8(9), tok.Metadata.Decimals)
	assert.Equal(t, solana.MetadataProgramID, tok.Metadata.MetadataProgram)
	assert.True(t, tok.Metadata.IsVerified)
	assert.Equal(t, "https://popcat.io", tok.Metadata.SocialLinks.Website)
	assert.Equal(t, "https://x.com/popcat", tok.Metadata.SocialLinks.Twitter)

	assert.Equal(t, "0.5", tok.MarketData.PriceUSD.Decimal.String(), "first source wins")
	assert.Equal(t, "12", tok.MarketData.LiquiditySOL.Decimal.String())
	assert.Equal(t, []string{"birdeye", "helius"}, tok.MarketData.Sources)

	assert.Equal(t, int64(600), tok.OnChain.AgeSeconds)
	assert.True(t, tok.OnChain.AgeKnown)
	assert.False(t, tok.OnChain.HistoryTruncated)
	assert.Equal(t, solana.Signature("sig-create"), tok.OnChain.FirstTxSignature)
	assert.Equal(t, solana.Pubkey("creator"), tok.OnChain.CreatorAddress)
	assert.Equal(t, int64(42), tok.OnChain.HolderCount)
	assert.Equal(t, solana.TokenProgramID, tok.OnChain.ProgramID)
	assert.True(t, tok.OnChain.IsMutable)
	assert.Equal(t, AuthorityDisabled, tok.OnChain.MintAuthority.State)
	assert.Equal(t, AuthorityStatus{State: AuthorityActive, Address: "freezer"}, tok.OnChain.FreezeAuthority)
	assert.Equal(t, parserNow, tok.ParsedAt)

	assert.Equal(t, 0, rpc.Calls("getTokenLargestAccounts"), "holder count came from market data")
	assert.Equal(t, ParserStats{Parsed: 1}, p.Stats())
}

func TestParser_Parse_MissingMintIsFatal(t *testing.T) {
	p := newTestParser(solana.NewStubRPCClient(), nil, nil)
	_, err := p.Parse(context.Background(), testMintA)
	require.Error(t, err)
	assert.ErrorIs(t, err, solana.ErrAccountNotFound)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestParser_Parse_DegradesWithoutMetaplex(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{Mint: testMintA, Owner: solana.Token2022ProgramID, MintAuthority: "minter"})
	rpc.AddHolders(testMintA, []solana.HolderInfo{
		{Address: "h1", Balance: decimal.NewFromInt(10)},
		{Address: "h2", Balance: decimal.NewFromInt(5)},
		{Address: "h3", Balance: decimal.Zero},
	})

	fb := &fakeFallback{md: &helius.TokenMetadata{Name: "Fallback", Symbol: "FB"}}
	broken := &fakeSource{name: "birdeye", err: errors.New("birdeye: HTTP 500")}

	p := newTestParser(rpc, []adapters.MarketDataSource{broken}, fb)
	tok, err := p.Parse(context.Background(), testMintA)
	require.NoError(t, err)

	assert.Equal(t, "Fallback", tok.Metadata.Name)
	assert.Equal(t, "FB", tok.Metadata.Symbol)
	assert.Empty(t, tok.Metadata.MetadataProgram)
	assert.Equal(t, int32(1), fb.calls.Load())
	assert.Equal(t, int64(2), tok.OnChain.HolderCount)
	assert.Equal(t, AuthorityStatus{State: AuthorityActive, Address: "minter"}, tok.OnChain.MintAuthority)
	assert.Equal(t, solana.Token2022ProgramID, tok.OnChain.ProgramID)
	assert.False(t, tok.MarketData.LiquiditySOL.Valid)
	assert.Zero(t, tok.OnChain.AgeSeconds)
	assert.False(t, tok.OnChain.AgeKnown)
	assert.Empty(t, tok.OnChain.CreatorAddress)
}

func TestParser_Parse_WalksSignaturePages(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{Mint: testMintA, Owner: solana.TokenProgramID})
	for i, sig := range []solana.Signature{"s1", "s2", "s3", "s4", "s5"} {
		rpc.AddTransaction(solana.ParsedTransaction{
			Signature: sig,
			Slot:      uint64(100 + i),
			BlockTime: parserNow.Unix() - int64(1000-i*100),
			FeePayer:  solana.Pubkey("payer-" + string(sig)),
		}, testMintA)
	}

	cfg := DefaultParserConfig()
	cfg.SignaturePageSize = 2
	cfg.FetchOffchain = false
	p := NewParser(cfg, rpc, nil, nil)
	p.now = func() time.Time { return parserNow }

	tok, err := p.Parse(context.Background(), testMintA)
	require.NoError(t, err)
	assert.Equal(t, solana.Signature("s1"), tok.OnChain.FirstTxSignature)
	assert.Equal(t, solana.Pubkey("payer-s1"), tok.OnChain.CreatorAddress)
	assert.Equal(t, int64(1000), tok.OnChain.AgeSeconds)
	assert.Equal(t, 3, rpc.Calls("getSignaturesForAddress"))
}

func TestParser_Parse_NoBlockTimeLeavesAgeUnknown(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{Mint: testMintA, Owner: solana.TokenProgramID})
	rpc.AddTransaction(solana.ParsedTransaction{Signature: "s1", Slot: 100, FeePayer: "creator"}, testMintA)

	cfg := DefaultParserConfig()
	cfg.FetchOffchain = false
	p := NewParser(cfg, rpc, nil, nil)
	p.now = func() time.Time { return parserNow }

	tok, err := p.Parse(context.Background(), testMintA)
	require.NoError(t, err)
	assert.Equal(t, solana.Signature("s1"), tok.OnChain.FirstTxSignature)
	assert.False(t, tok.OnChain.AgeKnown)
	assert.Zero(t, tok.OnChain.AgeSeconds)

	f, err := NewTokenFilter(DefaultFilterCriteria())
	require.NoError(t, err)
	assert.NotContains(t, f.Apply(tok).FilterResults, "token_age")
}

func TestParser_Parse_PageBudgetMarksTruncated(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{Mint: testMintA, Owner: solana.TokenProgramID})
	for i, sig := range []solana.Signature{"s1", "s2", "s3", "s4", "s5"} {
		rpc.AddTransaction(solana.ParsedTransaction{
			Signature: sig,
			Slot:      uint64(100 + i),
			BlockTime: parserNow.Unix() - int64(1000-i*100),
		}, testMintA)
	}

	cfg := DefaultParserConfig()
	cfg.SignaturePageSize = 2
	cfg.MaxSignaturePages = 1
	cfg.FetchOffchain = false
	p := NewParser(cfg, rpc, nil, nil)
	p.now = func() time.Time { return parserNow }

	tok, err := p.Parse(context.Background(), testMintA)
	require.NoError(t, err)
	assert.Equal(t, solana.Signature("s4"), tok.OnChain.FirstTxSignature)
	assert.True(t, tok.OnChain.AgeKnown)
	assert.True(t, tok.OnChain.HistoryTruncated)
	assert.Equal(t, int64(700), tok.OnChain.AgeSeconds)
}

func TestParser_SocialLinks_RejectsUnknownScheme(t *testing.T) {
	p := newTestParser(solana.NewStubRPCClient(), nil, nil)
	_, err := p.socialLinks(context.Background(), "ar://abc")
	assert.Error(t, err)
}
