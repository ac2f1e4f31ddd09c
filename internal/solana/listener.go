package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/nexus-trading/discovery/internal/bus"
)

// ---------------------------------------------------------------------------
// Event Listener: one supervised logsSubscribe stream per monitored program
// ---------------------------------------------------------------------------

// ErrListenerRunning is returned by Start on a running listener.
var ErrListenerRunning = errors.New("event listener already running")

// ListenerConfig configures the event listener.
type ListenerConfig struct {
	Programs             []Pubkey   `yaml:"programs"`
	Commitment           Commitment `yaml:"commitment"`
	ReconnectBaseMs      int        `yaml:"reconnect_base_ms"`
	ReconnectMaxMs       int        `yaml:"reconnect_max_ms"`
	MaxReconnects        int        `yaml:"max_reconnects"` // 0 = unlimited
	PingIntervalS        int        `yaml:"ping_interval_s"`
	BufferSize           int        `yaml:"buffer_size"`
	MaxPendingFetches    int        `yaml:"max_pending_fetches"`
	FetchTimeoutMs       int        `yaml:"fetch_timeout_ms"`
	LargeDepositLamports uint64     `yaml:"large_deposit_lamports"`
}

// DefaultListenerConfig returns defaults for mainnet monitoring.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Programs: []Pubkey{
			TokenProgramID,
			RaydiumAMMProgramID,
			OrcaWhirlpoolProgramID,
			MeteoraPoolsProgramID,
			PumpFunProgramID,
		},
		Commitment:           CommitmentConfirmed,
		ReconnectBaseMs:      1000,
		ReconnectMaxMs:       64000,
		MaxReconnects:        0,
		PingIntervalS:        30,
		BufferSize:           10000,
		MaxPendingFetches:    64,
		FetchTimeoutMs:       10000,
		LargeDepositLamports: LamportsPerSOL,
	}
}

// ConnectionStatus is the state of one program subscription.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

type subscription struct {
	program     Pubkey
	status      ConnectionStatus
	reconnects  int64
	connectedAt time.Time
	lastError   string
}

// Listener streams program logs, resolves candidate transactions and
// publishes TokenEvents on a lossy broadcaster.
type Listener struct {
	config ListenerConfig
	rpc    RPCClient
	wsURL  func() string
	dialer websocket.Dialer
	events *bus.Broadcaster[bus.TokenEvent]

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fetches *semaphore.Weighted

	statsMu      sync.RWMutex
	subs         map[Pubkey]*subscription
	eventsByType map[bus.EventType]int64
	lastEventAt  time.Time

	nextReqID       atomic.Int64
	totalEvents     atomic.Int64
	messagesRecv    atomic.Int64
	candidates      atomic.Int64
	droppedFetches  atomic.Int64
	failedFetches   atomic.Int64
	reconnectsTotal atomic.Int64
}

// NewListener creates a listener. rpc resolves transactions; wsURL is
// consulted on every (re)connect so failover in the pool is picked up.
func NewListener(config ListenerConfig, rpc RPCClient, wsURL func() string) *Listener {
	def := DefaultListenerConfig()
	if len(config.Programs) == 0 {
		config.Programs = def.Programs
	}
	if config.Commitment == "" {
		config.Commitment = def.Commitment
	}
	if config.ReconnectBaseMs <= 0 {
		config.ReconnectBaseMs = def.ReconnectBaseMs
	}
	if config.ReconnectMaxMs < config.ReconnectBaseMs {
		config.ReconnectMaxMs = max(def.ReconnectMaxMs, config.ReconnectBaseMs)
	}
	if config.PingIntervalS <= 0 {
		config.PingIntervalS = def.PingIntervalS
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.MaxPendingFetches <= 0 {
		config.MaxPendingFetches = def.MaxPendingFetches
	}
	if config.FetchTimeoutMs <= 0 {
		config.FetchTimeoutMs = def.FetchTimeoutMs
	}
	if config.LargeDepositLamports == 0 {
		config.LargeDepositLamports = def.LargeDepositLamports
	}

	l := &Listener{
		config:       config,
		rpc:          rpc,
		wsURL:        wsURL,
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:       bus.NewBroadcaster[bus.TokenEvent](config.BufferSize),
		fetches:      semaphore.NewWeighted(int64(config.MaxPendingFetches)),
		subs:         make(map[Pubkey]*subscription, len(config.Programs)),
		eventsByType: make(map[bus.EventType]int64),
	}
	for _, p := range config.Programs {
		l.subs[p] = &subscription{program: p, status: StatusDisconnected}
	}
	return l
}

// Subscribe returns a receiver for every event published from now on.
// Slow receivers lose the oldest events.
func (l *Listener) Subscribe() *bus.Receiver[bus.TokenEvent] {
	return l.events.Subscribe()
}

// Broadcaster exposes the underlying fan-out for metrics.
func (l *Listener) Broadcaster() *bus.Broadcaster[bus.TokenEvent] {
	return l.events
}

// Running reports whether Start has been called without a matching Stop.
func (l *Listener) Running() bool { return l.running.Load() }

// Start launches one supervised subscription per program and returns.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrListenerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	for _, program := range l.config.Programs {
		l.wg.Add(1)
		go l.supervise(runCtx, program)
	}

	log.Info().
		Int("programs", len(l.config.Programs)).
		Str("commitment", string(l.config.Commitment)).
		Msg("listener: started")
	return nil
}

// Stop cancels every subscription and waits for in-flight work to finish.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	log.Info().Int64("events", l.totalEvents.Load()).Msg("listener: stopped")
}

// supervise keeps one program subscription alive with capped exponential
// backoff (base * 2^attempts, no jitter) until ctx is cancelled.
func (l *Listener) supervise(ctx context.Context, program Pubkey) {
	defer l.wg.Done()
	defer l.setStatus(program, StatusDisconnected, nil)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("program", program.Short()).Msg("listener: subscription panic recovered")
		}
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(l.config.ReconnectBaseMs) * time.Millisecond
	policy.MaxInterval = time.Duration(l.config.ReconnectMaxMs) * time.Millisecond
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if attempts == 0 {
			l.setStatus(program, StatusConnecting, nil)
		} else {
			l.setStatus(program, StatusReconnecting, nil)
		}

		connected, err := l.stream(ctx, program)
		if ctx.Err() != nil {
			return
		}
		if connected {
			policy.Reset()
			attempts = 0
		}

		attempts++
		l.reconnectsTotal.Add(1)
		l.statsMu.Lock()
		l.subs[program].reconnects++
		l.statsMu.Unlock()

		if l.config.MaxReconnects > 0 && attempts > l.config.MaxReconnects {
			log.Error().
				Str("program", program.Short()).
				Int("max", l.config.MaxReconnects).
				Msg("listener: max reconnects reached, giving up on program")
			return
		}

		wait := policy.NextBackOff()
		l.setStatus(program, StatusReconnecting, err)
		log.Warn().Err(err).
			Str("program", program.Short()).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("listener: stream ended, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stream connects, subscribes and reads until the connection fails.
// connected reports whether the subscription was confirmed.
func (l *Listener) stream(ctx context.Context, program Pubkey) (connected bool, err error) {
	url := l.wsURL()
	conn, _, err := l.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return false, fmt.Errorf("listener: dial: %w", err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	reqID := l.nextReqID.Add(1)
	err = conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{string(program)}},
			map[string]any{"commitment": l.config.Commitment},
		},
	})
	if err != nil {
		return false, fmt.Errorf("listener: write subscribe: %w", err)
	}

	readTimeout := time.Duration(l.config.PingIntervalS)*time.Second*2 + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	subID, err := readSubscriptionAck(conn)
	if err != nil {
		return false, err
	}
	l.setStatus(program, StatusConnected, nil)
	log.Info().
		Str("program", program.Short()).
		Str("dex", ProgramIDToDEX(program)).
		Int64("sub_id", subID).
		Msg("listener: subscribed to program logs")

	pingDone := make(chan struct{})
	defer close(pingDone)
	go l.pingLoop(conn, pingDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, fmt.Errorf("listener: connection closed")
			}
			return true, fmt.Errorf("listener: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		l.messagesRecv.Add(1)
		l.handleMessage(ctx, program, message, time.Now())
	}
}

func readSubscriptionAck(conn *websocket.Conn) (int64, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("listener: read subscribe ack: %w", err)
	}
	var ack struct {
		Result *int64 `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return 0, fmt.Errorf("listener: parse subscribe ack: %w", err)
	}
	if ack.Error != nil {
		return 0, fmt.Errorf("listener: subscribe rejected %d: %s", ack.Error.Code, ack.Error.Message)
	}
	if ack.Result == nil {
		return 0, fmt.Errorf("listener: unexpected subscribe ack: %s", truncate(string(data), 120))
	}
	return *ack.Result, nil
}

func (l *Listener) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(l.config.PingIntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Msg("listener: ping failed")
				return
			}
		}
	}
}

// logsNotification is the payload of a logsSubscribe push.
type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (l *Listener) handleMessage(ctx context.Context, program Pubkey, data []byte, receivedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("listener: handleMessage panic recovered")
		}
	}()

	var n logsNotification
	if err := json.Unmarshal(data, &n); err != nil || n.Method != "logsNotification" {
		return
	}
	v := n.Params.Result.Value
	if errField := string(v.Err); errField != "" && errField != "null" {
		return
	}
	if !isCandidate(program, v.Logs) {
		return
	}
	l.candidates.Add(1)

	if !l.fetches.TryAcquire(1) {
		l.droppedFetches.Add(1)
		log.Warn().Str("sig", truncate(v.Signature, 12)).Msg("listener: fetch queue full, dropping candidate")
		return
	}

	sig := Signature(v.Signature)
	slot := n.Params.Result.Context.Slot
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.fetches.Release(1)
		l.resolve(ctx, program, sig, slot, receivedAt)
	}()
}

// resolve fetches the transaction, runs the program parser and publishes.
func (l *Listener) resolve(ctx context.Context, program Pubkey, sig Signature, slot uint64, receivedAt time.Time) {
	parse := parserFor(program)
	if parse == nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(l.config.FetchTimeoutMs)*time.Millisecond)
	defer cancel()

	tx, err := l.rpc.GetTransaction(fetchCtx, sig)
	if errors.Is(err, ErrTransactionNotFound) {
		// Notification can outrun transaction indexing by a few hundred ms.
		select {
		case <-fetchCtx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		tx, err = l.rpc.GetTransaction(fetchCtx, sig)
	}
	if err != nil {
		l.failedFetches.Add(1)
		log.Debug().Err(err).Str("sig", truncate(string(sig), 12)).Msg("listener: fetch transaction failed")
		return
	}
	if tx.Failed {
		return
	}

	for _, ev := range parse(tx, l.config) {
		ev.Signature = string(sig)
		ev.Slot = slot
		ev.LatencyMs = time.Since(receivedAt).Milliseconds()
		l.publish(ev)
	}
}

func (l *Listener) publish(ev bus.TokenEvent) {
	l.events.Publish(ev)
	l.totalEvents.Add(1)

	l.statsMu.Lock()
	l.eventsByType[ev.Type]++
	l.lastEventAt = ev.Timestamp
	l.statsMu.Unlock()

	log.Info().
		Str("type", string(ev.Type)).
		Str("token", ev.TokenAddress).
		Str("source", ev.Source).
		Int64("latency_ms", ev.LatencyMs).
		Msg("listener: token event")
}

func (l *Listener) setStatus(program Pubkey, status ConnectionStatus, err error) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	sub, ok := l.subs[program]
	if !ok {
		return
	}
	sub.status = status
	if status == StatusConnected {
		sub.connectedAt = time.Now()
		sub.lastError = ""
	}
	if err != nil {
		sub.lastError = err.Error()
	}
}

// SubscriptionStats is the state of one program stream.
type SubscriptionStats struct {
	Program     Pubkey           `json:"program"`
	DEX         string           `json:"dex"`
	Status      ConnectionStatus `json:"status"`
	Reconnects  int64            `json:"reconnects"`
	ConnectedAt time.Time        `json:"connected_at,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// ListenerStats is a snapshot of listener counters.
type ListenerStats struct {
	Running          bool                    `json:"is_running"`
	TotalEvents      int64                   `json:"total_events"`
	EventsByType     map[bus.EventType]int64 `json:"events_by_type"`
	LastEventAt      time.Time               `json:"last_event,omitempty"`
	Subscriptions    []SubscriptionStats     `json:"connection_status"`
	MessagesRecv     int64                   `json:"messages_recv"`
	Candidates       int64                   `json:"candidates"`
	DroppedFetches   int64                   `json:"dropped_fetches"`
	FailedFetches    int64                   `json:"failed_fetches"`
	Reconnects       int64                   `json:"reconnects"`
	BroadcastDropped uint64                  `json:"broadcast_dropped"`
}

// Connected returns how many subscriptions are currently connected.
func (s ListenerStats) Connected() int {
	n := 0
	for _, sub := range s.Subscriptions {
		if sub.Status == StatusConnected {
			n++
		}
	}
	return n
}

func (l *Listener) Stats() ListenerStats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()

	byType := make(map[bus.EventType]int64, len(l.eventsByType))
	for k, v := range l.eventsByType {
		byType[k] = v
	}
	subs := make([]SubscriptionStats, 0, len(l.config.Programs))
	for _, p := range l.config.Programs {
		s := l.subs[p]
		subs = append(subs, SubscriptionStats{
			Program:     p,
			DEX:         ProgramIDToDEX(p),
			Status:      s.status,
			Reconnects:  s.reconnects,
			ConnectedAt: s.connectedAt,
			LastError:   s.lastError,
		})
	}

	return ListenerStats{
		Running:          l.running.Load(),
		TotalEvents:      l.totalEvents.Load(),
		EventsByType:     byType,
		LastEventAt:      l.lastEventAt,
		Subscriptions:    subs,
		MessagesRecv:     l.messagesRecv.Load(),
		Candidates:       l.candidates.Load(),
		DroppedFetches:   l.droppedFetches.Load(),
		FailedFetches:    l.failedFetches.Load(),
		Reconnects:       l.reconnectsTotal.Load(),
		BroadcastDropped: l.events.Dropped(),
	}
}
