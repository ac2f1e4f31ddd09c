package solana

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (one endpoint), Connection and the Pool
// facades (failover), StubRPCClient (testing).
type RPCClient interface {
	// GetSlot returns the current slot at the client's commitment.
	GetSlot(ctx context.Context) (uint64, error)

	// GetTokenInfo fetches and decodes a mint account (jsonParsed).
	GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error)

	// GetAccountInfo fetches raw account data (base64).
	GetAccountInfo(ctx context.Context, address Pubkey) (*AccountInfo, error)

	// GetSignaturesForAddress lists signatures touching address, newest first.
	GetSignaturesForAddress(ctx context.Context, address Pubkey, opts SignaturesOpts) ([]SignatureInfo, error)

	// GetTransaction fetches a transaction in jsonParsed encoding.
	GetTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error)

	// GetTopHolders returns up to limit of the largest token accounts of a mint.
	GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error)

	// Health returns nil when the node reports itself healthy.
	Health(ctx context.Context) error
}

// RPCConfig configures one Solana RPC endpoint client.
type RPCConfig struct {
	Endpoint      string        `yaml:"endpoint"`    // e.g. https://api.mainnet-beta.solana.com
	WSEndpoint    string        `yaml:"ws_endpoint"` // e.g. wss://api.mainnet-beta.solana.com
	Commitment    Commitment    `yaml:"commitment"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`  // first retry delay, doubled per attempt
	MaxRetryTime  time.Duration `yaml:"max_retry_time"` // total backoff ceiling per call
	MaxConcurrent int           `yaml:"max_concurrent"` // in-flight request ceiling
	RateLimitRPS  float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// DefaultRPCConfig returns mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:      "https://api.mainnet-beta.solana.com",
		WSEndpoint:    "wss://api.mainnet-beta.solana.com",
		Commitment:    CommitmentConfirmed,
		Timeout:       10 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
		MaxRetryTime:  30 * time.Second,
		MaxConcurrent: 10,
		RateLimitRPS:  10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is an in-memory RPCClient for tests.
type StubRPCClient struct {
	mu           sync.RWMutex
	slot         uint64
	tokens       map[Pubkey]*TokenInfo
	accounts     map[Pubkey]*AccountInfo
	signatures   map[Pubkey][]SignatureInfo // newest first
	transactions map[Signature]*ParsedTransaction
	holders      map[Pubkey][]HolderInfo
	failNext     bool
	failMethods  map[string]error
	calls        map[string]int
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		tokens:       make(map[Pubkey]*TokenInfo),
		accounts:     make(map[Pubkey]*AccountInfo),
		signatures:   make(map[Pubkey][]SignatureInfo),
		transactions: make(map[Signature]*ParsedTransaction),
		holders:      make(map[Pubkey][]HolderInfo),
		failMethods:  make(map[string]error),
		calls:        make(map[string]int),
	}
}

// SetSlot sets the value returned by GetSlot.
func (s *StubRPCClient) SetSlot(slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = slot
}

// AddToken registers a mint for GetTokenInfo.
func (s *StubRPCClient) AddToken(info TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.Mint] = &info
}

// AddAccount registers raw account data for GetAccountInfo.
func (s *StubRPCClient) AddAccount(info AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[info.Address] = &info
}

// AddTransaction registers tx and prepends its signature to each address in
// touching, so it appears newest-first in GetSignaturesForAddress.
func (s *StubRPCClient) AddTransaction(tx ParsedTransaction, touching ...Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.Signature] = &tx
	info := SignatureInfo{Signature: tx.Signature, Slot: tx.Slot, BlockTime: tx.BlockTime, Failed: tx.Failed}
	for _, addr := range touching {
		s.signatures[addr] = append([]SignatureInfo{info}, s.signatures[addr]...)
	}
}

// AddHolders registers largest accounts for a mint.
func (s *StubRPCClient) AddHolders(mint Pubkey, holders []HolderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// FailMethod makes every call of method return err until cleared with a nil err.
func (s *StubRPCClient) FailMethod(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failMethods, method)
		return
	}
	s.failMethods[method] = err
}

// Calls returns how many times method was invoked.
func (s *StubRPCClient) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

func (s *StubRPCClient) enter(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	if err, ok := s.failMethods[method]; ok {
		return err
	}
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}

// --- Interface implementation ---

func (s *StubRPCClient) GetSlot(_ context.Context) (uint64, error) {
	if err := s.enter("getSlot"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot, nil
}

func (s *StubRPCClient) GetTokenInfo(_ context.Context, mint Pubkey) (*TokenInfo, error) {
	if err := s.enter("getTokenInfo"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.tokens[mint]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, mint)
}

func (s *StubRPCClient) GetAccountInfo(_ context.Context, address Pubkey) (*AccountInfo, error) {
	if err := s.enter("getAccountInfo"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.accounts[address]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
}

func (s *StubRPCClient) GetSignaturesForAddress(_ context.Context, address Pubkey, opts SignaturesOpts) ([]SignatureInfo, error) {
	if err := s.enter("getSignaturesForAddress"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := append([]SignatureInfo(nil), s.signatures[address]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Slot > all[j].Slot })

	var out []SignatureInfo
	started := opts.Before == ""
	for _, sig := range all {
		if !started {
			if sig.Signature == opts.Before {
				started = true
			}
			continue
		}
		if opts.Until != "" && sig.Signature == opts.Until {
			break
		}
		out = append(out, sig)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *StubRPCClient) GetTransaction(_ context.Context, sig Signature) (*ParsedTransaction, error) {
	if err := s.enter("getTransaction"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx, ok := s.transactions[sig]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig)
}

func (s *StubRPCClient) GetTopHolders(_ context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	if err := s.enter("getTokenLargestAccounts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	holders := s.holders[mint]
	if limit > 0 && len(holders) > limit {
		holders = holders[:limit]
	}
	return append([]HolderInfo(nil), holders...), nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	return s.enter("getHealth")
}
