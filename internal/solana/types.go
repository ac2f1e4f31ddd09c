package solana

import (
	"errors"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Valid reports whether the key decodes to exactly 32 bytes of base58.
func (p Pubkey) Valid() bool {
	if p == "" {
		return false
	}
	raw, err := base58.Decode(string(p))
	return err == nil && len(raw) == 32
}

// Short returns the first 8 characters, for log fields.
func (p Pubkey) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

// Signature is a Solana transaction signature.
type Signature string

// Commitment is the RPC commitment level.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment maps a config string to a Commitment, defaulting to confirmed.
func ParseCommitment(s string) Commitment {
	switch Commitment(strings.ToLower(strings.TrimSpace(s))) {
	case CommitmentProcessed:
		return CommitmentProcessed
	case CommitmentFinalized:
		return CommitmentFinalized
	default:
		return CommitmentConfirmed
	}
}

// ValidCommitment reports whether s names a known commitment level.
func ValidCommitment(s string) bool {
	switch Commitment(strings.ToLower(strings.TrimSpace(s))) {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return true
	}
	return false
}

var (
	// ErrAccountNotFound is returned when an account does not exist at the requested commitment.
	ErrAccountNotFound = errors.New("solana: account not found")
	// ErrTransactionNotFound is returned when getTransaction yields null.
	ErrTransactionNotFound = errors.New("solana: transaction not found")
)

// ---------------------------------------------------------------------------
// Program IDs & well-known mints
// ---------------------------------------------------------------------------

const (
	SystemProgramID          Pubkey = "11111111111111111111111111111111"
	TokenProgramID           Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID       Pubkey = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	AssociatedTokenProgramID Pubkey = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	MetadataProgramID        Pubkey = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

	RaydiumAMMProgramID    Pubkey = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8" // Raydium AMM V4
	OrcaWhirlpoolProgramID Pubkey = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"
	MeteoraPoolsProgramID  Pubkey = "Eo7WjKq67rjJQSZxS6z3YkapzY3eMj6Xy8X5EQVn5UaB"
	MeteoraDLMMProgramID   Pubkey = "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"
	PumpFunProgramID       Pubkey = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
)

const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// dexPrograms maps DEX names to their mainnet program IDs.
var dexPrograms = map[string]Pubkey{
	"raydium":      RaydiumAMMProgramID,
	"orca":         OrcaWhirlpoolProgramID,
	"meteora":      MeteoraPoolsProgramID,
	"meteora_dlmm": MeteoraDLMMProgramID,
	"pumpfun":      PumpFunProgramID,
}

var programToDEX map[Pubkey]string

func init() {
	programToDEX = make(map[Pubkey]string, len(dexPrograms))
	for dex, pid := range dexPrograms {
		programToDEX[pid] = dex
	}
}

// DEXProgramID returns the program ID for a DEX name, or "" if unknown.
func DEXProgramID(dex string) Pubkey {
	return dexPrograms[strings.ToLower(dex)]
}

// ProgramIDToDEX returns the DEX name for a program ID, or "unknown".
func ProgramIDToDEX(programID Pubkey) string {
	if dex, ok := programToDEX[programID]; ok {
		return dex
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Account types
// ---------------------------------------------------------------------------

// TokenInfo is the decoded state of an SPL mint account.
type TokenInfo struct {
	Mint            Pubkey          `json:"mint"`
	Owner           Pubkey          `json:"owner"` // token program that owns the mint
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`           // raw base units
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
	IsInitialized   bool            `json:"is_initialized"`
}

// IsMintRenounced returns true if the mint authority is empty.
func (t TokenInfo) IsMintRenounced() bool {
	return t.MintAuthority == ""
}

// IsFreezeRenounced returns true if the freeze authority is empty.
func (t TokenInfo) IsFreezeRenounced() bool {
	return t.FreezeAuthority == ""
}

// UISupply returns the supply scaled by the mint decimals.
func (t TokenInfo) UISupply() decimal.Decimal {
	return t.Supply.Shift(-int32(t.Decimals))
}

// AccountInfo is a raw account fetched with base64 encoding.
type AccountInfo struct {
	Address    Pubkey `json:"address"`
	Owner      Pubkey `json:"owner"`
	Lamports   uint64 `json:"lamports"`
	Data       []byte `json:"data"`
	Executable bool   `json:"executable"`
}

// HolderInfo describes a token account holding a mint.
type HolderInfo struct {
	Address  Pubkey          `json:"address"`
	Balance  decimal.Decimal `json:"balance"` // raw base units
	Decimals uint8           `json:"decimals"`
}

// SignatureInfo is one entry returned by getSignaturesForAddress.
type SignatureInfo struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	BlockTime int64     `json:"block_time"` // unix seconds, 0 if unknown
	Failed    bool      `json:"failed"`
}

// Time returns the block time, or the zero time when unknown.
func (s SignatureInfo) Time() time.Time {
	if s.BlockTime == 0 {
		return time.Time{}
	}
	return time.Unix(s.BlockTime, 0)
}

// SignaturesOpts narrows getSignaturesForAddress.
type SignaturesOpts struct {
	Limit  int
	Before Signature
	Until  Signature
}
