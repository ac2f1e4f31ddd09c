package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Connection Pool: ordered [primary, fallback_1..n] endpoints with an
// active cursor and transparent failover
// ---------------------------------------------------------------------------

// ErrAllEndpointsUnavailable is returned when no endpoint is healthy and
// none answers a probe.
var ErrAllEndpointsUnavailable = errors.New("all RPC endpoints are unavailable")

// PoolConfig configures a Pool.
type PoolConfig struct {
	PrimaryURL   string   `yaml:"primary_url"`
	FallbackURLs []string `yaml:"fallback_urls"`
	WSURL        string   `yaml:"ws_url"` // derived from the active endpoint when empty

	// Endpoint applies to every endpoint; its Endpoint and WSEndpoint fields are ignored.
	Endpoint RPCConfig `yaml:"endpoint"`
}

// Pool owns the RPC endpoints and the active cursor.
type Pool struct {
	clients []*LiveRPCClient
	wsURL   string

	mu     sync.RWMutex
	active int
}

// NewPool creates one LiveRPCClient per URL. The primary gets ID 0.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if strings.TrimSpace(cfg.PrimaryURL) == "" {
		return nil, fmt.Errorf("pool: primary RPC URL is required")
	}

	urls := append([]string{cfg.PrimaryURL}, cfg.FallbackURLs...)
	p := &Pool{wsURL: cfg.WSURL}
	for i, u := range urls {
		epCfg := cfg.Endpoint
		epCfg.Endpoint = u
		epCfg.WSEndpoint = ""
		p.clients = append(p.clients, NewLiveRPCClient(i, epCfg))
	}

	log.Info().
		Int("endpoints", len(p.clients)).
		Str("commitment", string(p.clients[0].Commitment())).
		Msg("pool: created")
	return p, nil
}

// Size returns the number of endpoints.
func (p *Pool) Size() int { return len(p.clients) }

// Active returns the index of the active endpoint.
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Endpoint returns the client for id, or nil when out of range.
func (p *Pool) Endpoint(id int) *LiveRPCClient {
	if id < 0 || id >= len(p.clients) {
		return nil
	}
	return p.clients[id]
}

// GetConnection returns the active endpoint when healthy, else the first
// healthy endpoint in priority order, else the first endpoint that answers
// a probe. ErrAllEndpointsUnavailable when none does.
func (p *Pool) GetConnection(ctx context.Context) (*Connection, error) {
	p.mu.RLock()
	active := p.active
	p.mu.RUnlock()

	if p.clients[active].Healthy() {
		return p.conn(active), nil
	}

	for i, c := range p.clients {
		if c.Healthy() {
			p.setActive(i, "unhealthy active endpoint")
			return p.conn(i), nil
		}
	}

	for i, c := range p.clients {
		if err := c.Health(ctx); err == nil {
			p.setActive(i, "probe recovered endpoint")
			return p.conn(i), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, ErrAllEndpointsUnavailable
}

// GetDedicatedConnection prefers a healthy fallback so heavy work does not
// contend with the primary; it returns the primary when no fallback is healthy.
func (p *Pool) GetDedicatedConnection() *Connection {
	for i := 1; i < len(p.clients); i++ {
		if p.clients[i].Healthy() {
			return p.conn(i)
		}
	}
	return p.conn(0)
}

// ReportFailure marks endpoint id unhealthy. When it is the active endpoint
// the cursor advances to the next healthy endpoint (circular). No other
// endpoint's health is touched.
func (p *Pool) ReportFailure(id int) {
	c := p.Endpoint(id)
	if c == nil {
		return
	}
	c.MarkUnhealthy()

	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.active {
		return
	}
	n := len(p.clients)
	for step := 1; step < n; step++ {
		next := (id + step) % n
		if p.clients[next].Healthy() {
			p.active = next
			log.Warn().
				Int("from", id).
				Int("to", next).
				Msg("pool: failing over")
			return
		}
	}
	log.Error().Int("endpoint", id).Msg("pool: no healthy endpoint to fail over to")
}

func (p *Pool) setActive(i int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == i {
		return
	}
	log.Info().Int("from", p.active).Int("to", i).Str("reason", reason).Msg("pool: switching active endpoint")
	p.active = i
}

func (p *Pool) conn(i int) *Connection {
	return &Connection{pool: p, client: p.clients[i]}
}

// EndpointHealth is one endpoint's probe outcome.
type EndpointHealth struct {
	ID          int       `json:"id"`
	Endpoint    string    `json:"endpoint"`
	Healthy     bool      `json:"healthy"`
	Active      bool      `json:"active"`
	LastSuccess time.Time `json:"last_success"`
	Error       string    `json:"error,omitempty"`
}

// PoolHealth summarizes a HealthCheck.
type PoolHealth struct {
	Healthy   int              `json:"healthy"`
	Total     int              `json:"total"`
	Summary   string           `json:"summary"`
	Endpoints []EndpointHealth `json:"endpoints"`
}

// HealthCheck probes every endpoint concurrently and refreshes health flags.
func (p *Pool) HealthCheck(ctx context.Context) PoolHealth {
	results := make([]EndpointHealth, len(p.clients))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range p.clients {
		g.Go(func() error {
			err := c.Health(gctx)
			eh := EndpointHealth{
				ID:       i,
				Endpoint: c.Endpoint(),
				Healthy:  err == nil,
			}
			if err != nil {
				eh.Error = err.Error()
			}
			results[i] = eh
			return nil
		})
	}
	_ = g.Wait()

	active := p.Active()
	healthy := 0
	for i := range results {
		results[i].Active = i == active
		results[i].LastSuccess = p.clients[i].LastSuccess()
		if results[i].Healthy {
			healthy++
		}
	}

	// Move off an active endpoint that just failed its probe.
	if !results[active].Healthy && healthy > 0 {
		for i := range results {
			if results[i].Healthy {
				p.setActive(i, "health check")
				break
			}
		}
	}

	return PoolHealth{
		Healthy:   healthy,
		Total:     len(results),
		Summary:   fmt.Sprintf("%d/%d RPC endpoints healthy", healthy, len(results)),
		Endpoints: results,
	}
}

// Stats returns per-endpoint client statistics.
func (p *Pool) Stats() []RPCStats {
	out := make([]RPCStats, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c.Stats())
	}
	return out
}

// HealthyCount returns how many endpoints currently have their health flag set.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, c := range p.clients {
		if c.Healthy() {
			n++
		}
	}
	return n
}

// WSEndpoint returns the configured websocket URL, or one derived from the
// active endpoint's HTTP URL.
func (p *Pool) WSEndpoint() string {
	if p.wsURL != "" {
		return p.wsURL
	}
	return deriveWSURL(p.clients[p.Active()].Endpoint())
}

func deriveWSURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

// ---------------------------------------------------------------------------
// Connection: one endpoint, reporting transport failures to the pool
// ---------------------------------------------------------------------------

// Connection wraps a single endpoint. Transport failures are reported back
// to the pool; JSON-RPC errors, missing accounts and caller cancellation are not.
type Connection struct {
	pool   *Pool
	client *LiveRPCClient
}

// EndpointID returns the endpoint index this connection uses.
func (c *Connection) EndpointID() int { return c.client.ID() }

func (c *Connection) observe(err error) error {
	if isTransportError(err) {
		c.pool.ReportFailure(c.client.ID())
	}
	return err
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (c *Connection) GetSlot(ctx context.Context) (uint64, error) {
	v, err := c.client.GetSlot(ctx)
	return v, c.observe(err)
}

func (c *Connection) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	v, err := c.client.GetTokenInfo(ctx, mint)
	return v, c.observe(err)
}

func (c *Connection) GetAccountInfo(ctx context.Context, address Pubkey) (*AccountInfo, error) {
	v, err := c.client.GetAccountInfo(ctx, address)
	return v, c.observe(err)
}

func (c *Connection) GetSignaturesForAddress(ctx context.Context, address Pubkey, opts SignaturesOpts) ([]SignatureInfo, error) {
	v, err := c.client.GetSignaturesForAddress(ctx, address, opts)
	return v, c.observe(err)
}

func (c *Connection) GetTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error) {
	v, err := c.client.GetTransaction(ctx, sig)
	return v, c.observe(err)
}

func (c *Connection) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	v, err := c.client.GetTopHolders(ctx, mint, limit)
	return v, c.observe(err)
}

func (c *Connection) Health(ctx context.Context) error {
	return c.observe(c.client.Health(ctx))
}

// ---------------------------------------------------------------------------
// Pool facades: RPCClient implementations that resolve a connection per call
// ---------------------------------------------------------------------------

// Client returns an RPCClient that uses GetConnection for every call and
// moves to the next endpoint when a call fails at the transport level.
func (p *Pool) Client() RPCClient {
	return &poolClient{pool: p, get: p.GetConnection}
}

// DedicatedClient returns an RPCClient bound to GetDedicatedConnection, for
// heavy polling that should stay off the primary.
func (p *Pool) DedicatedClient() RPCClient {
	return &poolClient{pool: p, get: func(context.Context) (*Connection, error) {
		return p.GetDedicatedConnection(), nil
	}}
}

type poolClient struct {
	pool *Pool
	get  func(ctx context.Context) (*Connection, error)
}

// withFailover runs fn on successive connections until it succeeds, fails
// with a non-transport error, or every endpoint has been tried once.
func withFailover[T any](ctx context.Context, pc *poolClient, fn func(*Connection) (T, error)) (T, error) {
	var zero T
	var lastErr error
	tried := make(map[int]bool, pc.pool.Size())
	for range pc.pool.Size() {
		conn, err := pc.get(ctx)
		if err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}
		if tried[conn.EndpointID()] {
			break
		}
		tried[conn.EndpointID()] = true

		v, err := fn(conn)
		if err == nil || !isTransportError(err) {
			return v, err
		}
		lastErr = err
	}
	return zero, lastErr
}

func (pc *poolClient) GetSlot(ctx context.Context) (uint64, error) {
	return withFailover(ctx, pc, func(c *Connection) (uint64, error) { return c.GetSlot(ctx) })
}

func (pc *poolClient) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	return withFailover(ctx, pc, func(c *Connection) (*TokenInfo, error) { return c.GetTokenInfo(ctx, mint) })
}

func (pc *poolClient) GetAccountInfo(ctx context.Context, address Pubkey) (*AccountInfo, error) {
	return withFailover(ctx, pc, func(c *Connection) (*AccountInfo, error) { return c.GetAccountInfo(ctx, address) })
}

func (pc *poolClient) GetSignaturesForAddress(ctx context.Context, address Pubkey, opts SignaturesOpts) ([]SignatureInfo, error) {
	return withFailover(ctx, pc, func(c *Connection) ([]SignatureInfo, error) {
		return c.GetSignaturesForAddress(ctx, address, opts)
	})
}

func (pc *poolClient) GetTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error) {
	return withFailover(ctx, pc, func(c *Connection) (*ParsedTransaction, error) { return c.GetTransaction(ctx, sig) })
}

func (pc *poolClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	return withFailover(ctx, pc, func(c *Connection) ([]HolderInfo, error) { return c.GetTopHolders(ctx, mint, limit) })
}

func (pc *poolClient) Health(ctx context.Context) error {
	_, err := withFailover(ctx, pc, func(c *Connection) (struct{}, error) { return struct{}{}, c.Health(ctx) })
	return err
}
