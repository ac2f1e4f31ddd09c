package solana

import (
	"encoding/json"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/discovery/internal/bus"
)

// ---------------------------------------------------------------------------
// Per-program event parsers: ParsedTransaction -> []bus.TokenEvent
// ---------------------------------------------------------------------------

// Raydium AMM v4 instruction tags (first byte of instruction data).
const (
	raydiumTagInitialize2 = 1
	raydiumTagDeposit     = 3
)

// Raydium AMM v4 initialize2 account layout.
const (
	raydiumInitCoinMintIndex = 8
	raydiumInitPcMintIndex   = 9
)

// Raydium AMM v4 deposit account layout.
const (
	raydiumDepositCoinVaultIndex = 6
	raydiumDepositPcVaultIndex   = 7
)

// logMarkers are the log substrings that make a transaction worth fetching.
var logMarkers = map[Pubkey][]string{
	TokenProgramID:         {"Instruction: InitializeMint"},
	Token2022ProgramID:     {"Instruction: InitializeMint"},
	RaydiumAMMProgramID:    {"initialize2", "InitializeInstruction2", "deposit"},
	OrcaWhirlpoolProgramID: {"Instruction: InitializePool"},
	MeteoraPoolsProgramID:  {"InitializePermissionless", "InitializeCustomizablePermissionless"},
	MeteoraDLMMProgramID:   {"InitializeLbPair", "InitializeCustomizablePermissionlessLbPair"},
}

// isCandidate reports whether logs of a transaction mentioning program carry
// one of the program's creation markers.
func isCandidate(program Pubkey, logs []string) bool {
	if program == PumpFunProgramID {
		return isPumpFunCreate(logs)
	}
	markers, ok := logMarkers[program]
	if !ok {
		return false
	}
	for _, l := range logs {
		lower := strings.ToLower(l)
		for _, m := range markers {
			if strings.Contains(lower, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

// isPumpFunCreate requires both markers, which appear on separate log lines.
func isPumpFunCreate(logs []string) bool {
	hasCreate, hasInitMint := false, false
	for _, l := range logs {
		if strings.Contains(l, "Instruction: Create") {
			hasCreate = true
		}
		if strings.Contains(l, "InitializeMint2") {
			hasInitMint = true
		}
	}
	return hasCreate && hasInitMint
}

// eventParser turns a fetched transaction into zero or more events.
type eventParser func(tx *ParsedTransaction, cfg ListenerConfig) []bus.TokenEvent

// parserFor returns the parser for a monitored program.
func parserFor(program Pubkey) eventParser {
	switch program {
	case TokenProgramID, Token2022ProgramID:
		return parseTokenProgram
	case RaydiumAMMProgramID:
		return parseRaydium
	case PumpFunProgramID:
		return parsePumpFun
	case OrcaWhirlpoolProgramID, MeteoraPoolsProgramID, MeteoraDLMMProgramID:
		return poolInitParser(program)
	}
	return nil
}

// ParseEvents runs the parser of program over tx. Programs without a parser
// yield nothing.
func ParseEvents(program Pubkey, tx *ParsedTransaction, cfg ListenerConfig) []bus.TokenEvent {
	parse := parserFor(program)
	if parse == nil || tx == nil || tx.Failed {
		return nil
	}
	return parse(tx, cfg)
}

type eventRaw struct {
	Program     Pubkey   `json:"program"`
	Instruction string   `json:"instruction"`
	Pair        []Pubkey `json:"pair,omitempty"`
	Amount      string   `json:"amount_lamports,omitempty"`
}

func newEvent(t bus.EventType, mint Pubkey, source string, raw eventRaw) bus.TokenEvent {
	ev := bus.NewTokenEvent(t, string(mint), source)
	ev.RawData, _ = json.Marshal(raw)
	return ev
}

// parseTokenProgram emits TokenMint for initializeMint/initializeMint2.
func parseTokenProgram(tx *ParsedTransaction, _ ListenerConfig) []bus.TokenEvent {
	var out []bus.TokenEvent
	seen := make(map[Pubkey]bool)
	for _, ix := range tx.Instructions {
		if ix.ProgramID != TokenProgramID && ix.ProgramID != Token2022ProgramID {
			continue
		}
		if ix.Type != "initializeMint" && ix.Type != "initializeMint2" {
			continue
		}
		mint := ix.InfoKey("mint")
		if mint == "" || seen[mint] {
			continue
		}
		seen[mint] = true
		out = append(out, newEvent(bus.EventTokenMint, mint, "token_program", eventRaw{
			Program:     ix.ProgramID,
			Instruction: ix.Type,
		}))
	}
	return out
}

// raydiumTag decodes the instruction discriminator from base58 data.
func raydiumTag(ix Instruction) (byte, bool) {
	data, err := base58.Decode(ix.Data)
	if err != nil || len(data) == 0 {
		return 0, false
	}
	return data[0], true
}

// otherSide returns the non-SOL mint of a pair, or false when neither side is SOL.
func otherSide(a, b Pubkey) (Pubkey, bool) {
	switch {
	case a == SOLMint && b != SOLMint:
		return b, true
	case b == SOLMint && a != SOLMint:
		return a, true
	}
	return "", false
}

// parseRaydium emits LiquidityPool for SOL-pair initialize2 and
// LiquidityAdded for deposits moving more than the configured SOL threshold.
func parseRaydium(tx *ParsedTransaction, cfg ListenerConfig) []bus.TokenEvent {
	var out []bus.TokenEvent
	for _, ix := range tx.InstructionsFor(RaydiumAMMProgramID) {
		tag, ok := raydiumTag(ix)
		if !ok {
			continue
		}
		switch tag {
		case raydiumTagInitialize2:
			coin, ok1 := ix.Account(raydiumInitCoinMintIndex)
			pc, ok2 := ix.Account(raydiumInitPcMintIndex)
			if !ok1 || !ok2 {
				continue
			}
			mint, ok := otherSide(coin, pc)
			if !ok {
				continue
			}
			out = append(out, newEvent(bus.EventLiquidityPool, mint, "raydium", eventRaw{
				Program:     RaydiumAMMProgramID,
				Instruction: "initialize2",
				Pair:        []Pubkey{coin, pc},
			}))

		case raydiumTagDeposit:
			inflow := tx.MaxInflow(SOLMint)
			if !inflow.GreaterThan(decimal.NewFromInt(int64(cfg.LargeDepositLamports))) {
				continue
			}
			coinVault, ok1 := ix.Account(raydiumDepositCoinVaultIndex)
			pcVault, ok2 := ix.Account(raydiumDepositPcVaultIndex)
			if !ok1 || !ok2 {
				continue
			}
			mint, ok := otherSide(tx.mintOf(coinVault), tx.mintOf(pcVault))
			if !ok {
				continue
			}
			out = append(out, newEvent(bus.EventLiquidityAdded, mint, "raydium", eventRaw{
				Program:     RaydiumAMMProgramID,
				Instruction: "deposit",
				Amount:      inflow.String(),
			}))
		}
	}
	return out
}

// mintOf returns the mint of a token account touched by the transaction.
func (tx *ParsedTransaction) mintOf(account Pubkey) Pubkey {
	for _, b := range tx.PostTokenBalances {
		if b.Account == account {
			return b.Mint
		}
	}
	for _, b := range tx.PreTokenBalances {
		if b.Account == account {
			return b.Mint
		}
	}
	return ""
}

// poolInitParser handles programs whose instructions the node cannot parse;
// the pair is read from the token balances the transaction touched.
func poolInitParser(program Pubkey) eventParser {
	source := ProgramIDToDEX(program)
	if program == MeteoraDLMMProgramID {
		source = "meteora"
	}
	return func(tx *ParsedTransaction, _ ListenerConfig) []bus.TokenEvent {
		if len(tx.InstructionsFor(program)) == 0 {
			return nil
		}
		mints := tx.Mints()
		hasSOL := false
		for _, m := range mints {
			if m == SOLMint {
				hasSOL = true
				break
			}
		}
		if !hasSOL {
			return nil
		}
		var out []bus.TokenEvent
		for _, m := range mints {
			if m == SOLMint {
				continue
			}
			out = append(out, newEvent(bus.EventLiquidityPool, m, source, eventRaw{
				Program:     program,
				Instruction: "initialize_pool",
				Pair:        []Pubkey{m, SOLMint},
			}))
		}
		return out
	}
}

// parsePumpFun emits LiquidityPool for the mint created by a bonding-curve
// Create. Pump.fun curves are always quoted in native SOL.
func parsePumpFun(tx *ParsedTransaction, _ ListenerConfig) []bus.TokenEvent {
	if len(tx.InstructionsFor(PumpFunProgramID)) == 0 {
		return nil
	}
	var out []bus.TokenEvent
	for _, ix := range tx.Instructions {
		if ix.ProgramID != TokenProgramID || ix.Type != "initializeMint2" {
			continue
		}
		mint := ix.InfoKey("mint")
		if mint == "" {
			continue
		}
		out = append(out, newEvent(bus.EventLiquidityPool, mint, "pumpfun", eventRaw{
			Program:     PumpFunProgramID,
			Instruction: "create",
			Pair:        []Pubkey{mint, SOLMint},
		}))
	}
	return out
}
