package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/bus"
)

// fakeNode is a websocket endpoint speaking just enough logsSubscribe.
type fakeNode struct {
	server      *httptest.Server
	connections atomic.Int32
	subscribed  chan []any
	push        chan string
	closeAfter  bool // drop the connection right after the ack
}

func newFakeNode(t *testing.T, closeAfter bool) *fakeNode {
	t.Helper()
	n := &fakeNode{
		subscribed: make(chan []any, 16),
		push:       make(chan string, 16),
		closeAfter: closeAfter,
	}
	upgrader := websocket.Upgrader{}
	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n.connections.Add(1)

		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil || req.Method != "logsSubscribe" {
			return
		}
		select {
		case n.subscribed <- req.Params:
		default:
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 42})
		if n.closeAfter {
			return
		}

		for {
			select {
			case msg := <-n.push:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Second):
				return
			}
		}
	}))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) wsURL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

func logsNotification(sig string, slot uint64, failed bool, logs ...string) string {
	var errField any
	if failed {
		errField = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]any{
			"subscription": 42,
			"result": map[string]any{
				"context": map[string]any{"slot": slot},
				"value": map[string]any{
					"signature": sig,
					"err":       errField,
					"logs":      logs,
				},
			},
		},
	})
	return string(b)
}

func testListenerConfig(programs ...Pubkey) ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.Programs = programs
	cfg.ReconnectBaseMs = 5
	cfg.ReconnectMaxMs = 20
	cfg.PingIntervalS = 1
	cfg.BufferSize = 16
	cfg.FetchTimeoutMs = 2000
	return cfg
}

func TestListener_PublishesTokenMint(t *testing.T) {
	node := newFakeNode(t, false)
	rpc := NewStubRPCClient()
	rpc.AddTransaction(ParsedTransaction{
		Signature: "sig-mint",
		Slot:      500,
		Instructions: []Instruction{
			{ProgramID: TokenProgramID, Type: "initializeMint2", Info: map[string]any{"mint": string(testMint)}},
		},
	})

	l := NewListener(testListenerConfig(TokenProgramID), rpc, node.wsURL)
	rx := l.Subscribe()
	defer rx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	params := <-node.subscribed
	require.Len(t, params, 2)
	assert.Equal(t, map[string]any{"mentions": []any{string(TokenProgramID)}}, params[0])
	assert.Equal(t, map[string]any{"commitment": "confirmed"}, params[1])

	node.push <- logsNotification("sig-failed", 499, true, "Program log: Instruction: InitializeMint2")
	node.push <- logsNotification("sig-transfer", 499, false, "Program log: Instruction: Transfer")
	node.push <- logsNotification("sig-mint", 500, false, "Program log: Instruction: InitializeMint2")

	ev, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, bus.EventTokenMint, ev.Type)
	assert.Equal(t, string(testMint), ev.TokenAddress)
	assert.Equal(t, "sig-mint", ev.Signature)
	assert.Equal(t, uint64(500), ev.Slot)
	assert.GreaterOrEqual(t, ev.LatencyMs, int64(0))
	assert.NotEmpty(t, ev.EventID)

	assert.Equal(t, 1, rpc.Calls("getTransaction"), "only the candidate is fetched")

	stats := l.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.EventsByType[bus.EventTokenMint])
	assert.Equal(t, 1, stats.Connected())
	assert.Equal(t, int64(3), stats.MessagesRecv)
	assert.Equal(t, int64(1), stats.Candidates)
}

func TestListener_StartTwiceFails(t *testing.T) {
	node := newFakeNode(t, false)
	l := NewListener(testListenerConfig(TokenProgramID), NewStubRPCClient(), node.wsURL)

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()
	assert.ErrorIs(t, l.Start(context.Background()), ErrListenerRunning)
}

func TestListener_ReconnectsAfterDrop(t *testing.T) {
	node := newFakeNode(t, true)
	l := NewListener(testListenerConfig(RaydiumAMMProgramID), NewStubRPCClient(), node.wsURL)

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	assert.Eventually(t, func() bool {
		return node.connections.Load() >= 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, l.Stats().Reconnects, int64(2))
}

func TestListener_GivesUpAfterMaxReconnects(t *testing.T) {
	var dials atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := testListenerConfig(TokenProgramID)
	cfg.MaxReconnects = 2
	l := NewListener(cfg, NewStubRPCClient(), func() string { return wsURL })

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	assert.Eventually(t, func() bool {
		s := l.Stats()
		return s.Reconnects == 3 && s.Subscriptions[0].Status == StatusDisconnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), dials.Load(), "initial dial plus two reconnects")
	assert.NotEmpty(t, l.Stats().Subscriptions[0].LastError)
}

func TestListener_StopClosesStream(t *testing.T) {
	node := newFakeNode(t, false)
	l := NewListener(testListenerConfig(TokenProgramID), NewStubRPCClient(), node.wsURL)

	require.NoError(t, l.Start(context.Background()))
	<-node.subscribed

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, l.Running())
	assert.Equal(t, StatusDisconnected, l.Stats().Subscriptions[0].Status)
}

func TestListener_RetriesUnindexedTransaction(t *testing.T) {
	node := newFakeNode(t, false)
	rpc := NewStubRPCClient()
	l := NewListener(testListenerConfig(TokenProgramID), rpc, node.wsURL)
	rx := l.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Stop()
	<-node.subscribed

	node.push <- logsNotification("sig-late", 7, false, "Program log: Instruction: InitializeMint")
	time.Sleep(100 * time.Millisecond)
	rpc.AddTransaction(ParsedTransaction{
		Signature: "sig-late",
		Instructions: []Instruction{
			{ProgramID: TokenProgramID, Type: "initializeMint", Info: map[string]any{"mint": string(testMint)}},
		},
	})

	ev, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sig-late", ev.Signature)
	assert.Equal(t, 2, rpc.Calls("getTransaction"))
}

func TestNewListener_AppliesDefaults(t *testing.T) {
	l := NewListener(ListenerConfig{}, NewStubRPCClient(), func() string { return "" })
	assert.Len(t, l.config.Programs, 5)
	assert.Equal(t, CommitmentConfirmed, l.config.Commitment)
	assert.Equal(t, 1000, l.config.ReconnectBaseMs)
	assert.Equal(t, 64000, l.config.ReconnectMaxMs)
	assert.Equal(t, 10000, l.Broadcaster().Capacity())
	assert.Equal(t, uint64(LamportsPerSOL), l.config.LargeDepositLamports)

	stats := l.Stats()
	require.Len(t, stats.Subscriptions, 5)
	for _, s := range stats.Subscriptions {
		assert.Equal(t, StatusDisconnected, s.Status)
	}
}
