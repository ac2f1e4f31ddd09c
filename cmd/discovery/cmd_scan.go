package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one detection cycle and print the tokens that pass",
	Long: `Scan runs every detection strategy once, parses and filters the new
addresses and prints each passing token as one JSON line on stdout.

Examples:
  discovery scan
  discovery scan --max 10 --timeout 30s`,
	RunE: runScan,
}

var (
	scanMax     int
	scanTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanMax, "max", 0, "Maximum new tokens to process (default: scanner.max_tokens_per_scan)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute, "Deadline for the whole scan")
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer p.Close()

	scCfg := cfg.Scanner
	if scanMax > 0 {
		scCfg.MaxTokensPerScan = scanMax
	}
	// Every passing token of one scan must fit in the buffer.
	if scCfg.BroadcastBuffer < scCfg.MaxTokensPerScan {
		scCfg.BroadcastBuffer = scCfg.MaxTokensPerScan
	}
	sc := p.newScanner(scCfg)
	rx := sc.Subscribe()
	defer rx.Close()

	passed, err := sc.TriggerScan(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	printed := 0
	for {
		tok, ok := rx.TryRecv()
		if !ok {
			break
		}
		if err := enc.Encode(tok); err != nil {
			return err
		}
		printed++
	}

	st := sc.State()
	log.Info().
		Int64("detected", st.TotalDetected).
		Int("passed", passed).
		Int("printed", printed).
		Strs("strategies", p.detector.Strategies()).
		Msg("scan: done")
	return nil
}
