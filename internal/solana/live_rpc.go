package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Live RPC Client: one Solana JSON-RPC endpoint with admission control,
// rate limiting, capped retry and a circuit breaker
// ---------------------------------------------------------------------------

// RPCError is a JSON-RPC application error returned by the node.
// It means the endpoint is reachable, so it never counts against health.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: %s error %d: %s", e.Method, e.Code, e.Message)
}

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	id         int
	config     RPCConfig
	httpClient *http.Client

	limiter   *rate.Limiter
	admission *semaphore.Weighted
	breaker   *gobreaker.CircuitBreaker

	// Unique request ID generator.
	nextID atomic.Int64

	healthy     atomic.Bool
	lastSuccess atomic.Int64 // unix ms

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
	inFlight      atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive transport errors
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client. id identifies the
// endpoint inside a Pool (0 = primary).
func NewLiveRPCClient(id int, config RPCConfig) *LiveRPCClient {
	def := DefaultRPCConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.MaxRetryTime == 0 {
		config.MaxRetryTime = def.MaxRetryTime
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = def.RateLimitRPS
	}
	if config.Commitment == "" {
		config.Commitment = CommitmentConfirmed
	}

	burst := int(config.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	c := &LiveRPCClient{
		id:         id,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst),
		admission:  semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
	c.healthy.Store(true)

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("rpc-%d", id),
		MaxRequests: 1,
		Timeout:     circuitBreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= circuitBreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			var rpcErr *RPCError
			return err == nil || errors.As(err, &rpcErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("rpc: circuit breaker state change")
		},
	})

	return c
}

// ID returns the endpoint's index inside its pool.
func (c *LiveRPCClient) ID() int { return c.id }

// Endpoint returns the HTTP URL of the node.
func (c *LiveRPCClient) Endpoint() string { return c.config.Endpoint }

// Commitment returns the commitment level used for reads.
func (c *LiveRPCClient) Commitment() Commitment { return c.config.Commitment }

// Healthy reports the endpoint's current health flag.
func (c *LiveRPCClient) Healthy() bool { return c.healthy.Load() }

// MarkUnhealthy clears the health flag. The next successful call or probe restores it.
func (c *LiveRPCClient) MarkUnhealthy() { c.healthy.Store(false) }

// LastSuccess returns when the endpoint last answered, or the zero time.
func (c *LiveRPCClient) LastSuccess() time.Time {
	ms := c.lastSuccess.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (c *LiveRPCClient) markSuccess() {
	c.healthy.Store(true)
	c.lastSuccess.Store(time.Now().UnixMilli())
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// call makes an admitted, rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.invoke(ctx, method, params, c.config.MaxRetries)
}

func (c *LiveRPCClient) invoke(ctx context.Context, method string, params []any, retries int) (json.RawMessage, error) {
	if err := c.admission.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.admission.Release(1)
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var result json.RawMessage
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		out, err := c.breaker.Execute(func() (any, error) {
			return c.do(ctx, method, body)
		})
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) ||
				errors.Is(err, gobreaker.ErrOpenState) ||
				errors.Is(err, gobreaker.ErrTooManyRequests) ||
				ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(json.RawMessage)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryBackoff
	policy.MaxElapsedTime = c.config.MaxRetryTime
	policy.Multiplier = 2

	err = backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx),
		func(err error, wait time.Duration) {
			log.Debug().Err(err).
				Int("endpoint", c.id).
				Str("method", method).
				Dur("wait", wait).
				Msg("rpc: retrying")
		})
	if err == nil {
		c.markSuccess()
		return result, nil
	}

	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		// The node answered.
		c.markSuccess()
	case ctx.Err() != nil:
		// Caller gave up; says nothing about the endpoint.
	default:
		c.healthy.Store(false)
		err = fmt.Errorf("rpc: %s failed on endpoint %d after %d attempts: %w", method, c.id, retries+1, err)
	}
	return nil, err
}

// do performs one HTTP round trip.
func (c *LiveRPCClient) do(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.lastRequestAt.Store(time.Now().UnixMilli())
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("rpc: %s http error: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("rpc: %s read response: %w", method, err)
	}

	c.requestCount.Add(1)
	c.latencySum.Add(time.Since(start).Microseconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("rpc: %s rate limited (429)", method)
	}
	if resp.StatusCode != http.StatusOK {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, truncate(string(respBody), 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// readCommitment returns the commitment for reads that reject "processed".
func (c *LiveRPCClient) readCommitment() Commitment {
	if c.config.Commitment == CommitmentProcessed {
		return CommitmentConfirmed
	}
	return c.config.Commitment
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// GetSlot returns the current slot.
func (c *LiveRPCClient) GetSlot(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getSlot", []any{
		map[string]any{"commitment": c.config.Commitment},
	})
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("rpc: parse slot: %w", err)
	}
	return slot, nil
}

// GetTokenInfo fetches a mint account with jsonParsed encoding.
func (c *LiveRPCClient) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(mint),
		map[string]any{"encoding": "jsonParsed", "commitment": c.config.Commitment},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Owner string `json:"owner"`
			Data  struct {
				Parsed struct {
					Type string `json:"type"`
					Info struct {
						Decimals        uint8  `json:"decimals"`
						Supply          string `json:"supply"`
						MintAuthority   string `json:"mintAuthority"`
						FreezeAuthority string `json:"freezeAuthority"`
						IsInitialized   bool   `json:"isInitialized"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}

	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse token info: %w", err)
	}
	if accountResp.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, mint)
	}
	if t := accountResp.Value.Data.Parsed.Type; t != "" && t != "mint" {
		return nil, fmt.Errorf("rpc: %s is a %q account, not a mint", mint, t)
	}

	info := accountResp.Value.Data.Parsed.Info
	supply, _ := decimal.NewFromString(info.Supply)

	return &TokenInfo{
		Mint:            mint,
		Owner:           Pubkey(accountResp.Value.Owner),
		Decimals:        info.Decimals,
		Supply:          supply,
		MintAuthority:   Pubkey(info.MintAuthority),
		FreezeAuthority: Pubkey(info.FreezeAuthority),
		IsInitialized:   info.IsInitialized,
	}, nil
}

// GetAccountInfo fetches raw account bytes with base64 encoding.
func (c *LiveRPCClient) GetAccountInfo(ctx context.Context, address Pubkey) (*AccountInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(address),
		map[string]any{"encoding": "base64", "commitment": c.config.Commitment},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Data       []string `json:"data"` // [base64_data, "base64"]
			Owner      string   `json:"owner"`
			Lamports   uint64   `json:"lamports"`
			Executable bool     `json:"executable"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse account info: %w", err)
	}
	if accountResp.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}

	var data []byte
	if len(accountResp.Value.Data) > 0 {
		data, err = base64.StdEncoding.DecodeString(accountResp.Value.Data[0])
		if err != nil {
			return nil, fmt.Errorf("rpc: decode account data: %w", err)
		}
	}

	return &AccountInfo{
		Address:    address,
		Owner:      Pubkey(accountResp.Value.Owner),
		Lamports:   accountResp.Value.Lamports,
		Data:       data,
		Executable: accountResp.Value.Executable,
	}, nil
}

// GetSignaturesForAddress lists recent signatures for address, newest first.
func (c *LiveRPCClient) GetSignaturesForAddress(ctx context.Context, address Pubkey, opts SignaturesOpts) ([]SignatureInfo, error) {
	cfg := map[string]any{"commitment": c.readCommitment()}
	if opts.Limit > 0 {
		cfg["limit"] = opts.Limit
	}
	if opts.Before != "" {
		cfg["before"] = string(opts.Before)
	}
	if opts.Until != "" {
		cfg["until"] = string(opts.Until)
	}

	result, err := c.call(ctx, "getSignaturesForAddress", []any{string(address), cfg})
	if err != nil {
		return nil, err
	}

	var sigs []struct {
		Signature string          `json:"signature"`
		Slot      uint64          `json:"slot"`
		BlockTime *int64          `json:"blockTime"`
		Err       json.RawMessage `json:"err"`
	}
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, fmt.Errorf("rpc: parse signatures: %w", err)
	}

	out := make([]SignatureInfo, 0, len(sigs))
	for _, s := range sigs {
		info := SignatureInfo{
			Signature: Signature(s.Signature),
			Slot:      s.Slot,
			Failed:    len(s.Err) > 0 && string(s.Err) != "null",
		}
		if s.BlockTime != nil {
			info.BlockTime = *s.BlockTime
		}
		out = append(out, info)
	}
	return out, nil
}

// GetTransaction fetches a jsonParsed transaction (legacy and v0).
func (c *LiveRPCClient) GetTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		string(sig),
		map[string]any{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
			"commitment":                     c.readCommitment(),
		},
	})
	if err != nil {
		return nil, err
	}
	return DecodeTransaction(sig, result)
}

// GetTopHolders returns the largest token accounts for a mint.
func (c *LiveRPCClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{
		string(mint),
		map[string]any{"commitment": c.config.Commitment},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address  string `json:"address"`
			Amount   string `json:"amount"`
			Decimals uint8  `json:"decimals"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	holders := make([]HolderInfo, 0, len(resp.Value))
	for i, h := range resp.Value {
		if limit > 0 && i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		holders = append(holders, HolderInfo{
			Address:  Pubkey(h.Address),
			Balance:  balance,
			Decimals: h.Decimals,
		})
	}
	return holders, nil
}

// Health probes getHealth once, without retries.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.invoke(healthCtx, "getHealth", nil, 0)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// Node reachable but behind or unhealthy.
		c.healthy.Store(false)
	}
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	ID            int    `json:"id"`
	Endpoint      string `json:"endpoint"`
	Healthy       bool   `json:"healthy"`
	LastSuccessAt int64  `json:"last_success_at"`
	RequestCount  int64  `json:"request_count"`
	ErrorCount    int64  `json:"error_count"`
	AvgLatencyUs  int64  `json:"avg_latency_us"`
	LastRequestAt int64  `json:"last_request_at"`
	InFlight      int64  `json:"in_flight"`
	BreakerState  string `json:"breaker_state"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		ID:            c.id,
		Endpoint:      c.config.Endpoint,
		Healthy:       c.healthy.Load(),
		LastSuccessAt: c.lastSuccess.Load(),
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		InFlight:      c.inFlight.Load(),
		BreakerState:  c.breaker.State().String(),
	}
}
