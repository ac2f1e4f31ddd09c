package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/discovery/internal/bus"
	"github.com/nexus-trading/discovery/internal/scanner"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow detected tokens published to Kafka",
	Long: `Tail joins a consumer group on the detected-token topic and prints each
record. With --summary only the address, symbol, source and safety score are
shown.`,
	RunE: runTail,
}

var (
	tailFromStart bool
	tailSummary   bool
	tailGroup     string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailFromStart, "from-start", false, "Start a new group at the earliest offset")
	tailCmd.Flags().BoolVar(&tailSummary, "summary", false, "Print one short line per token")
	tailCmd.Flags().StringVar(&tailGroup, "group", "", "Consumer group (default: kafka.group_id)")
}

func runTail(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group := tailGroup
	if group == "" {
		group = cfg.Kafka.GroupID
	}
	topic := bus.Topics.DetectedTokens()

	var opts []bus.ConsumerOption
	if !tailFromStart {
		opts = append(opts, bus.FromLatest())
	}
	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, group, []string{topic}, opts...)
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Info().Str("topic", topic).Str("group", group).Msg("tail: consuming")
	return consumer.Consume(ctx, func(_ context.Context, msg bus.Message) error {
		if !tailSummary {
			_, err := fmt.Fprintln(os.Stdout, string(msg.Value))
			return err
		}
		line, err := summarize(msg.Value)
		if err != nil {
			return fmt.Errorf("tail: decode %s: %w", msg.Key, err)
		}
		_, err = fmt.Fprintln(os.Stdout, line)
		return err
	})
}

// summarize renders one detected-token record as a short line.
func summarize(value []byte) (string, error) {
	var tok scanner.DetectedToken
	if err := json.Unmarshal(value, &tok); err != nil {
		return "", err
	}
	symbol := tok.Metadata.Symbol
	if symbol == "" {
		symbol = "?"
	}
	return fmt.Sprintf("%s %-44s %-10s %-20s score=%3d latency=%dms",
		tok.DetectedAt.UTC().Format("15:04:05.000"), tok.Address, symbol, tok.EventSource,
		tok.FilterResult.SafetyScore, tok.DetectionLatencyMs), nil
}
