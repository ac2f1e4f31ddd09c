package scanner

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ---------------------------------------------------------------------------
// Parsed token model
// ---------------------------------------------------------------------------

// AuthorityState is the status of a mint or freeze authority.
type AuthorityState string

const (
	AuthorityActive   AuthorityState = "active"
	AuthorityDisabled AuthorityState = "disabled"
	AuthorityUnknown  AuthorityState = "unknown"
)

// AuthorityStatus records an authority and, when active, who holds it.
type AuthorityStatus struct {
	State   AuthorityState `json:"state"`
	Address solana.Pubkey  `json:"address,omitempty"`
}

// authorityStatus derives the status from a mint account field. An empty
// authority is disabled.
func authorityStatus(authority solana.Pubkey) AuthorityStatus {
	if authority == "" {
		return AuthorityStatus{State: AuthorityDisabled}
	}
	return AuthorityStatus{State: AuthorityActive, Address: authority}
}

// TokenMetadata is the static description of a mint.
type TokenMetadata struct {
	Symbol          string               `json:"symbol,omitempty"`
	Name            string               `json:"name,omitempty"`
	URI             string               `json:"uri,omitempty"`
	Decimals        uint8                `json:"decimals"`
	TotalSupply     decimal.Decimal      `json:"total_supply"` // raw base units
	MintAuthority   solana.Pubkey        `json:"mint_authority,omitempty"`
	FreezeAuthority solana.Pubkey        `json:"freeze_authority,omitempty"`
	MetadataProgram solana.Pubkey        `json:"metadata_program,omitempty"`
	IsVerified      bool                 `json:"is_verified"`
	SocialLinks     adapters.SocialLinks `json:"social_links"`
}

// OnChainData is what the chain itself says about a mint.
type OnChainData struct {
	AgeSeconds             int64            `json:"age_seconds"`
	AgeKnown               bool             `json:"age_known"`         // oldest signature had a block time
	HistoryTruncated       bool             `json:"history_truncated"` // page budget hit; age is a lower bound
	HolderCount            int64            `json:"holder_count"`
	CreatorAddress         solana.Pubkey    `json:"creator_address,omitempty"`
	FirstTxSignature       solana.Signature `json:"first_tx_signature,omitempty"`
	ProgramID              solana.Pubkey    `json:"program_id"`
	AssociatedTokenProgram solana.Pubkey    `json:"associated_token_program,omitempty"`
	IsMutable              bool             `json:"is_mutable"`
	MintAuthority          AuthorityStatus  `json:"mint_authority_status"`
	FreezeAuthority        AuthorityStatus  `json:"freeze_authority_status"`
}

// ParsedToken is a candidate enriched with metadata, market and on-chain data.
type ParsedToken struct {
	Address    solana.Pubkey       `json:"address"`
	Metadata   TokenMetadata       `json:"metadata"`
	MarketData adapters.MarketData `json:"market_data"`
	OnChain    OnChainData         `json:"on_chain_data"`
	ParsedAt   time.Time           `json:"parsed_at"`
}

// ---------------------------------------------------------------------------
// Filter results & detections
// ---------------------------------------------------------------------------

// FilterCheck is the outcome of one filter.
type FilterCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Value    any    `json:"value,omitempty"`
	Expected any    `json:"expected,omitempty"`
	Details  string `json:"details,omitempty"`
}

// FilterResult is the outcome of the whole filter chain.
type FilterResult struct {
	Passed           bool                   `json:"passed"`
	FilterResults    map[string]FilterCheck `json:"filter_results"`
	RejectionReasons []string               `json:"rejection_reasons"`
	Warnings         []string               `json:"warnings"`
	SafetyScore      uint8                  `json:"safety_score"` // 0-100
}

// DetectedToken is a token that passed the filters, as handed downstream.
type DetectedToken struct {
	ID                 uuid.UUID     `json:"id"`
	Address            solana.Pubkey `json:"address"`
	Metadata           TokenMetadata `json:"metadata"`
	FilterResult       FilterResult  `json:"filter_result"`
	DetectedAt         time.Time     `json:"detected_at"`
	EventSource        string        `json:"event_source"`
	DetectionLatencyMs int64         `json:"detection_latency_ms"`
}

// newDetectedToken stamps a passing token.
func newDetectedToken(token *ParsedToken, result FilterResult, source string, latencyMs int64) DetectedToken {
	return DetectedToken{
		ID:                 uuid.New(),
		Address:            token.Address,
		Metadata:           token.Metadata,
		FilterResult:       result,
		DetectedAt:         time.Now(),
		EventSource:        source,
		DetectionLatencyMs: latencyMs,
	}
}
