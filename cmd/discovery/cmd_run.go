package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/discovery/internal/api"
	"github.com/nexus-trading/discovery/internal/bus"
	"github.com/nexus-trading/discovery/internal/clickhouse"
	"github.com/nexus-trading/discovery/internal/observability"
	"github.com/nexus-trading/discovery/internal/scanner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery pipeline until interrupted",
	Long: `Run starts the event listener and the periodic scanner, serves the admin
API and publishes every token that passes the filter chain to the configured
sinks (Kafka topic discovery.tokens.detected, ClickHouse).`,
	RunE: runDiscovery,
}

var statsInterval time.Duration

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().DurationVar(&statsInterval, "stats-interval", 30*time.Second, "Interval of the periodic stats log line")
}

func runDiscovery(cmd *cobra.Command, _ []string) error {
	log.Info().
		Str("environment", cfg.General.Environment).
		Str("rpc", cfg.Solana.RPCURL).
		Int("fallbacks", len(cfg.Solana.FallbackRPCURLs)).
		Bool("event_listener", cfg.Scanner.EnableEventListener).
		Bool("periodic_scan", cfg.Scanner.EnablePeriodicScan).
		Int("scan_interval_ms", cfg.Scanner.ScanIntervalMs).
		Msg("discovery: configuration loaded")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("discovery: shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	p, err := buildPipeline(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer p.Close()

	// Metrics.
	var opts []scanner.Option
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		opts = append(opts, scanner.WithMetricsSink(metrics))
	}
	sc := p.newScanner(cfg.Scanner, opts...)

	// Sinks.
	var sinks []scanner.Sink
	if cfg.Kafka.Enabled {
		producer, err := bus.NewProducer(cfg.Kafka.Brokers,
			bus.WithInstanceID(cfg.General.InstanceID),
			bus.WithSchemaVersion(cfg.Kafka.SchemaVersion),
			bus.WithLinger(time.Duration(cfg.Kafka.LingerMs)*time.Millisecond),
		)
		if err != nil {
			return err
		}
		defer producer.Close()
		sinks = append(sinks, scanner.NewProducerSink(producer))
	}
	var writer *clickhouse.DetectionWriter
	if cfg.ClickHouse.Enabled {
		client, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.EnsureSchema(ctx, cfg.ClickHouse.Database); err != nil {
			return err
		}
		writer = clickhouse.NewDetectionWriter(client, cfg.ClickHouse.Database, cfg.ClickHouse.BatchSize,
			time.Duration(cfg.ClickHouse.FlushIntervalMs)*time.Millisecond)
		writer.Start(ctx)
		defer func() {
			if err := writer.Close(); err != nil {
				log.Error().Err(err).Msg("clickhouse: close writer")
			}
		}()
		sinks = append(sinks, writer)
	}

	// Health.
	var monitorOpts []observability.MonitorOption
	if metrics != nil {
		monitorOpts = append(monitorOpts, observability.WithTransitionObserver(metrics))
	}
	monitor := observability.NewHealthMonitor(15*time.Second, monitorOpts...)
	monitor.Register("rpc_pool", observability.PoolCheck(p.pool))
	monitor.Register("scanner", observability.ScannerCheck(sc))
	if p.listener != nil {
		monitor.Register("event_listener", observability.ListenerCheck(p.listener))
	}
	go monitor.Start(ctx)
	defer monitor.Stop()

	if metrics != nil {
		registerGauges(metrics, p, sc, writer)
	}

	rx := sc.Subscribe()
	if err := sc.Start(ctx); err != nil {
		rx.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scanner.Drain(gctx, rx, sinks...)
	})

	if cfg.API.Enabled {
		deps := api.Deps{Scanner: sc, Health: monitor, Pool: p.pool}
		if p.listener != nil {
			deps.Listener = p.listener
		}
		if metrics != nil {
			deps.Metrics = metrics.Handler()
		}
		srv := api.NewServer(api.Config{
			ListenAddr:     cfg.API.ListenAddr,
			AllowedOrigins: cfg.API.AllowedOrigins,
		}, deps)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	g.Go(func() error {
		logStats(gctx, sc, monitor, statsInterval)
		return nil
	})

	log.Info().Int("sinks", len(sinks)).Msg("discovery: running")

	<-gctx.Done()
	log.Info().Msg("discovery: shutting down")
	sc.Stop()
	err = g.Wait()

	st := sc.State()
	m := sc.Metrics()
	log.Info().
		Int64("total_detected", st.TotalDetected).
		Int64("total_passed", st.TotalPassed).
		Int64("scans", m.TotalScans).
		Int64("failed_scans", m.FailedScans).
		Float64("pass_rate", m.FilterPassRate).
		Msg("discovery: final statistics")
	return err
}

// funcMetric is a metric sampled from a component at scrape time.
type funcMetric struct {
	subsystem, name, help string
	fn                    func() float64
}

func registerGauges(m *observability.Metrics, p *pipeline, sc *scanner.Scanner, writer *clickhouse.DetectionWriter) {
	gauges := []funcMetric{
		{"rpc", "healthy_endpoints", "RPC endpoints currently marked healthy",
			func() float64 { return float64(p.pool.HealthyCount()) }},
		{"rpc", "active_endpoint", "Index of the active RPC endpoint, 0 is the primary",
			func() float64 { return float64(p.pool.Active()) }},
		{"scanner", "subscribers", "Receivers of the detected token stream",
			func() float64 { return float64(sc.Broadcaster().Receivers()) }},
		{"detector", "known_tokens", "Addresses in the known-address cache",
			func() float64 { return float64(p.detector.Statistics().KnownTokensCount) }},
	}
	counters := []funcMetric{
		{"scanner", "broadcast_dropped_total", "Detected tokens dropped for lagging receivers",
			func() float64 { return float64(sc.Broadcaster().Dropped()) }},
	}
	if p.listener != nil {
		counters = append(counters,
			funcMetric{"listener", "events_total", "Token events emitted by the listener",
				func() float64 { return float64(p.listener.Stats().TotalEvents) }},
			funcMetric{"listener", "reconnects_total", "Subscription reconnect attempts",
				func() float64 { return float64(p.listener.Stats().Reconnects) }},
		)
	}
	if writer != nil {
		counters = append(counters, funcMetric{"clickhouse", "rows_written_total", "Detection rows flushed to ClickHouse",
			func() float64 { return float64(writer.Stats().Written) }})
	}

	for _, g := range gauges {
		if err := m.GaugeFunc(g.subsystem, g.name, g.help, g.fn); err != nil {
			log.Warn().Err(err).Str("metric", g.name).Msg("metrics: register gauge")
		}
	}
	for _, c := range counters {
		if err := m.CounterFunc(c.subsystem, c.name, c.help, c.fn); err != nil {
			log.Warn().Err(err).Str("metric", c.name).Msg("metrics: register counter")
		}
	}
}

// logStats emits one summary line per interval until ctx is done.
func logStats(ctx context.Context, sc *scanner.Scanner, monitor *observability.HealthMonitor, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sc.State()
			m := sc.Metrics()
			log.Info().
				Bool("running", st.IsRunning).
				Int64("detected", st.TotalDetected).
				Int64("passed", st.TotalPassed).
				Int64("scans", m.TotalScans).
				Int64("failed_scans", m.FailedScans).
				Int64("avg_scan_ms", m.AvgScanDurationMs).
				Float64("pass_rate", m.FilterPassRate).
				Uint64("dropped", m.Dropped).
				Str("health", string(monitor.Snapshot().Status)).
				Msg("discovery: stats")
		}
	}
}
