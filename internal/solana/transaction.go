package solana

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ParsedTransaction is the subset of a jsonParsed getTransaction result
// the discovery pipeline reads.
type ParsedTransaction struct {
	Signature   Signature `json:"signature"`
	Slot        uint64    `json:"slot"`
	BlockTime   int64     `json:"block_time"`
	Failed      bool      `json:"failed"`
	FeePayer    Pubkey    `json:"fee_payer"`
	AccountKeys []Pubkey  `json:"account_keys"`
	Logs        []string  `json:"logs"`

	// Instructions holds every outer instruction followed by its inner
	// (CPI) instructions, in execution order.
	Instructions []Instruction `json:"instructions"`

	PreTokenBalances  []TokenBalance `json:"pre_token_balances"`
	PostTokenBalances []TokenBalance `json:"post_token_balances"`
}

// Instruction is one parsed or partially decoded instruction.
type Instruction struct {
	ProgramID Pubkey         `json:"program_id"`
	Type      string         `json:"type,omitempty"` // set for jsonParsed programs (spl-token, system)
	Info      map[string]any `json:"info,omitempty"`
	Accounts  []Pubkey       `json:"accounts,omitempty"` // set for programs the node cannot parse
	Data      string         `json:"data,omitempty"`
	Inner     bool           `json:"inner"`
}

// InfoKey returns a string field of a parsed instruction's info as a Pubkey.
func (i Instruction) InfoKey(key string) Pubkey {
	if v, ok := i.Info[key].(string); ok {
		return Pubkey(v)
	}
	return ""
}

// Account returns the n-th account of an unparsed instruction.
func (i Instruction) Account(n int) (Pubkey, bool) {
	if n < 0 || n >= len(i.Accounts) {
		return "", false
	}
	return i.Accounts[n], true
}

// TokenBalance is a pre/post SPL balance entry from transaction meta.
type TokenBalance struct {
	AccountIndex int             `json:"account_index"`
	Account      Pubkey          `json:"account"`
	Mint         Pubkey          `json:"mint"`
	Owner        Pubkey          `json:"owner"`
	Amount       decimal.Decimal `json:"amount"` // raw base units
	Decimals     uint8           `json:"decimals"`
}

// InstructionsFor returns the instructions executed by program, outer and inner.
func (tx *ParsedTransaction) InstructionsFor(program Pubkey) []Instruction {
	var out []Instruction
	for _, ix := range tx.Instructions {
		if ix.ProgramID == program {
			out = append(out, ix)
		}
	}
	return out
}

// Mints returns the distinct mints appearing in post token balances, in order.
func (tx *ParsedTransaction) Mints() []Pubkey {
	seen := make(map[Pubkey]struct{})
	var out []Pubkey
	for _, b := range tx.PostTokenBalances {
		if _, ok := seen[b.Mint]; ok || b.Mint == "" {
			continue
		}
		seen[b.Mint] = struct{}{}
		out = append(out, b.Mint)
	}
	return out
}

// MaxInflow returns the largest positive balance change of mint across all
// token accounts touched by the transaction, in raw base units.
func (tx *ParsedTransaction) MaxInflow(mint Pubkey) decimal.Decimal {
	pre := make(map[int]decimal.Decimal)
	for _, b := range tx.PreTokenBalances {
		if b.Mint == mint {
			pre[b.AccountIndex] = b.Amount
		}
	}
	best := decimal.Zero
	for _, b := range tx.PostTokenBalances {
		if b.Mint != mint {
			continue
		}
		delta := b.Amount.Sub(pre[b.AccountIndex])
		if delta.GreaterThan(best) {
			best = delta
		}
	}
	return best
}

// ---------------------------------------------------------------------------
// Wire decoding
// ---------------------------------------------------------------------------

type instructionWire struct {
	ProgramID string          `json:"programId"`
	Accounts  []string        `json:"accounts"`
	Data      string          `json:"data"`
	Parsed    json.RawMessage `json:"parsed"`
}

type tokenBalanceWire struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

type transactionWire struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               json.RawMessage    `json:"err"`
		LogMessages       []string           `json:"logMessages"`
		PreTokenBalances  []tokenBalanceWire `json:"preTokenBalances"`
		PostTokenBalances []tokenBalanceWire `json:"postTokenBalances"`
		InnerInstructions []struct {
			Index        int               `json:"index"`
			Instructions []instructionWire `json:"instructions"`
		} `json:"innerInstructions"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
				Signer bool   `json:"signer"`
			} `json:"accountKeys"`
			Instructions []instructionWire `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// DecodeTransaction decodes a jsonParsed getTransaction result.
func DecodeTransaction(sig Signature, raw json.RawMessage) (*ParsedTransaction, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig)
	}

	var w transactionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("rpc: parse transaction: %w", err)
	}

	tx := &ParsedTransaction{
		Signature: sig,
		Slot:      w.Slot,
	}
	if w.BlockTime != nil {
		tx.BlockTime = *w.BlockTime
	}
	if tx.Signature == "" && len(w.Transaction.Signatures) > 0 {
		tx.Signature = Signature(w.Transaction.Signatures[0])
	}

	keys := w.Transaction.Message.AccountKeys
	tx.AccountKeys = make([]Pubkey, 0, len(keys))
	for _, k := range keys {
		tx.AccountKeys = append(tx.AccountKeys, Pubkey(k.Pubkey))
	}
	if len(tx.AccountKeys) > 0 {
		tx.FeePayer = tx.AccountKeys[0]
	}

	inner := make(map[int][]instructionWire)
	if m := w.Meta; m != nil {
		errField := bytes.TrimSpace(m.Err)
		tx.Failed = len(errField) > 0 && !bytes.Equal(errField, []byte("null"))
		tx.Logs = m.LogMessages
		tx.PreTokenBalances = tx.decodeBalances(m.PreTokenBalances)
		tx.PostTokenBalances = tx.decodeBalances(m.PostTokenBalances)
		for _, ii := range m.InnerInstructions {
			inner[ii.Index] = append(inner[ii.Index], ii.Instructions...)
		}
	}

	for i, ix := range w.Transaction.Message.Instructions {
		tx.Instructions = append(tx.Instructions, decodeInstruction(ix, false))
		for _, in := range inner[i] {
			tx.Instructions = append(tx.Instructions, decodeInstruction(in, true))
		}
	}

	return tx, nil
}

func (tx *ParsedTransaction) decodeBalances(in []tokenBalanceWire) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		amount, _ := decimal.NewFromString(b.UITokenAmount.Amount)
		var account Pubkey
		if b.AccountIndex >= 0 && b.AccountIndex < len(tx.AccountKeys) {
			account = tx.AccountKeys[b.AccountIndex]
		}
		out = append(out, TokenBalance{
			AccountIndex: b.AccountIndex,
			Account:      account,
			Mint:         Pubkey(b.Mint),
			Owner:        Pubkey(b.Owner),
			Amount:       amount,
			Decimals:     b.UITokenAmount.Decimals,
		})
	}
	return out
}

func decodeInstruction(w instructionWire, inner bool) Instruction {
	ix := Instruction{
		ProgramID: Pubkey(w.ProgramID),
		Data:      w.Data,
		Inner:     inner,
	}
	for _, a := range w.Accounts {
		ix.Accounts = append(ix.Accounts, Pubkey(a))
	}

	// Parsed is an object for spl-token/system and a bare string for memo.
	if p := bytes.TrimSpace(w.Parsed); len(p) > 0 && p[0] == '{' {
		var parsed struct {
			Type string         `json:"type"`
			Info map[string]any `json:"info"`
		}
		if json.Unmarshal(p, &parsed) == nil {
			ix.Type = parsed.Type
			ix.Info = parsed.Info
		}
	}
	return ix
}
