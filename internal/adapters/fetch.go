package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Fetcher: rate-limited JSON HTTP client shared by the API adapters
// ---------------------------------------------------------------------------

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Source string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Source, e.Code, e.Body)
}

// retryable reports whether the status is worth another attempt.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Name           string
	Timeout        time.Duration
	RatePerSecond  float64
	MaxConcurrent  int
	InitialBackoff time.Duration
	MaxElapsed     time.Duration // retry budget per request
	MaxRetries     int
}

// Fetcher performs JSON requests with a rate limit, a concurrency ceiling and
// capped exponential retry on transport errors, 429 and 5xx.
type Fetcher struct {
	cfg     FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	requests atomic.Int64
	failures atomic.Int64
	latency  atomic.Int64 // last request, ms
}

// NewFetcher creates a fetcher, filling zero config fields with defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// GetJSON performs a GET and decodes the JSON body into out.
func (f *Fetcher) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	return f.Do(ctx, http.MethodGet, url, header, nil, out)
}

// PostJSON marshals body, POSTs it and decodes the JSON response into out.
func (f *Fetcher) PostJSON(ctx context.Context, url string, header http.Header, body, out any) error {
	return f.Do(ctx, http.MethodPost, url, header, body, out)
}

// Do runs one request with retry. out may be nil.
func (f *Fetcher) Do(ctx context.Context, method, url string, header http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: marshal request: %w", f.cfg.Name, err)
		}
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.sem.Release(1)

	start := time.Now()
	attempts := 0
	op := func() error {
		attempts++
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		data, err := f.once(ctx, method, url, header, payload)
		if err != nil {
			if se, ok := err.(*StatusError); ok && !se.retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: parse response: %w", f.cfg.Name, err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.InitialBackoff
	policy.MaxElapsedTime = f.cfg.MaxElapsed

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.cfg.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Debug().Err(err).Str("source", f.cfg.Name).Dur("wait", wait).Msg("adapters: retrying request")
		})

	f.requests.Add(1)
	f.latency.Store(time.Since(start).Milliseconds())
	if err != nil {
		f.failures.Add(1)
		return fmt.Errorf("%s: %s failed after %d attempts: %w", f.cfg.Name, method, attempts, err)
	}
	return nil
}

func (f *Fetcher) once(ctx context.Context, method, url string, header http.Header, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: create request: %w", f.cfg.Name, err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: HTTP error: %w", f.cfg.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", f.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > 200 {
			data = data[:200]
		}
		return nil, &StatusError{Source: f.cfg.Name, Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// FetcherStats is a snapshot of fetcher counters.
type FetcherStats struct {
	Requests      int64 `json:"requests"`
	Failures      int64 `json:"failures"`
	LastLatencyMs int64 `json:"last_latency_ms"`
}

func (f *Fetcher) Stats() FetcherStats {
	return FetcherStats{
		Requests:      f.requests.Load(),
		Failures:      f.failures.Load(),
		LastLatencyMs: f.latency.Load(),
	}
}
