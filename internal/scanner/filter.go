package scanner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Token Filter: configurable safety chain producing a 0-100 score
// ---------------------------------------------------------------------------

// ErrInvalidCriteria is returned when filter criteria are inconsistent.
var ErrInvalidCriteria = errors.New("filter: invalid criteria")

// Filter is one rule of the chain.
type Filter interface {
	Name() string
	Apply(token *ParsedToken) (FilterCheck, error)
	// Blocking filters reject on failure; the others only warn.
	Blocking() bool
}

// FilterCriteria configures the built-in filters.
type FilterCriteria struct {
	MinLiquiditySOL       decimal.Decimal     `json:"min_liquidity_sol"`
	MaxTokenAgeSeconds    int64               `json:"max_token_age_seconds"`
	MinHolderCount        int64               `json:"min_holder_count"`
	MinMarketCapUSD       decimal.NullDecimal `json:"min_market_cap_usd"`
	MaxMarketCapUSD       decimal.NullDecimal `json:"max_market_cap_usd"`
	RequireSocialLinks    bool                `json:"require_social_links"`
	BlacklistedTokens     []string            `json:"blacklisted_tokens"`
	BlacklistedDevelopers []string            `json:"blacklisted_developers"`
	WhitelistedTokens     []string            `json:"whitelisted_tokens"`
}

// DefaultFilterCriteria returns the production defaults.
func DefaultFilterCriteria() FilterCriteria {
	return FilterCriteria{
		MinLiquiditySOL:    decimal.NewFromInt(1),
		MaxTokenAgeSeconds: 3600,
		MinHolderCount:     10,
	}
}

// Validate checks the criteria for consistency.
func (c FilterCriteria) Validate() error {
	var errs []error
	if c.MinLiquiditySOL.IsNegative() {
		errs = append(errs, fmt.Errorf("%w: min_liquidity_sol %s is negative", ErrInvalidCriteria, c.MinLiquiditySOL))
	}
	if c.MaxTokenAgeSeconds < 0 {
		errs = append(errs, fmt.Errorf("%w: max_token_age_seconds %d is negative", ErrInvalidCriteria, c.MaxTokenAgeSeconds))
	}
	if c.MinHolderCount < 0 {
		errs = append(errs, fmt.Errorf("%w: min_holder_count %d is negative", ErrInvalidCriteria, c.MinHolderCount))
	}
	if c.MinMarketCapUSD.Valid && c.MaxMarketCapUSD.Valid && c.MinMarketCapUSD.Decimal.GreaterThan(c.MaxMarketCapUSD.Decimal) {
		errs = append(errs, fmt.Errorf("%w: min_market_cap_usd %s exceeds max_market_cap_usd %s",
			ErrInvalidCriteria, c.MinMarketCapUSD.Decimal, c.MaxMarketCapUSD.Decimal))
	}
	return errors.Join(errs...)
}

// TokenFilter applies the chain to parsed tokens. Safe for concurrent use.
type TokenFilter struct {
	mu        sync.RWMutex
	criteria  FilterCriteria
	chain     []Filter
	whitelist map[string]struct{}
	custom    []Filter

	evaluated atomic.Int64
	passed    atomic.Int64
}

// NewTokenFilter builds the chain for criteria.
func NewTokenFilter(criteria FilterCriteria) (*TokenFilter, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	f := &TokenFilter{}
	f.install(criteria)
	return f, nil
}

// install swaps criteria and chain. Callers hold mu or own f exclusively.
func (f *TokenFilter) install(criteria FilterCriteria) {
	f.criteria = criteria
	f.chain = append(buildChain(criteria), f.custom...)
	f.whitelist = toSet(criteria.WhitelistedTokens)
}

// buildChain returns the built-in filters in evaluation order.
func buildChain(c FilterCriteria) []Filter {
	chain := []Filter{
		liquidityFilter{min: c.MinLiquiditySOL},
		tokenAgeFilter{maxSeconds: c.MaxTokenAgeSeconds},
		holderCountFilter{min: c.MinHolderCount},
	}
	if c.MinMarketCapUSD.Valid || c.MaxMarketCapUSD.Valid {
		chain = append(chain, marketCapFilter{min: c.MinMarketCapUSD, max: c.MaxMarketCapUSD})
	}
	if len(c.BlacklistedTokens) > 0 || len(c.BlacklistedDevelopers) > 0 {
		chain = append(chain, blacklistFilter{
			tokens:     toSet(c.BlacklistedTokens),
			developers: toSet(c.BlacklistedDevelopers),
		})
	}
	if c.RequireSocialLinks {
		chain = append(chain, socialLinksFilter{})
	}
	return append(chain, authorityStatusFilter{})
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

// UpdateCriteria validates criteria and replaces the chain atomically.
func (f *TokenFilter) UpdateCriteria(criteria FilterCriteria) error {
	if err := criteria.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.install(criteria)
	n := len(f.chain)
	f.mu.Unlock()

	log.Info().Int("filters", n).Str("min_liquidity_sol", criteria.MinLiquiditySOL.String()).
		Msg("filter: criteria updated")
	return nil
}

// Register appends a custom filter after the built-ins. It survives UpdateCriteria.
func (f *TokenFilter) Register(filter Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.custom = append(f.custom, filter)
	f.chain = append(f.chain, filter)
}

// Criteria returns the active criteria.
func (f *TokenFilter) Criteria() FilterCriteria {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.criteria
}

// Names returns the filter names in evaluation order.
func (f *TokenFilter) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.chain))
	for i, flt := range f.chain {
		out[i] = flt.Name()
	}
	return out
}

// Apply runs the chain. Whitelisted tokens bypass it with a score of 100.
// A filter that errors is logged and left out of the score.
func (f *TokenFilter) Apply(token *ParsedToken) FilterResult {
	f.mu.RLock()
	chain := f.chain
	_, whitelisted := f.whitelist[string(token.Address)]
	f.mu.RUnlock()

	f.evaluated.Add(1)
	if whitelisted {
		f.passed.Add(1)
		log.Debug().Str("token", string(token.Address)).Msg("filter: whitelisted, bypassing chain")
		return FilterResult{
			Passed:           true,
			FilterResults:    map[string]FilterCheck{},
			RejectionReasons: []string{},
			Warnings:         []string{},
			SafetyScore:      100,
		}
	}

	result := FilterResult{
		FilterResults:    make(map[string]FilterCheck, len(chain)),
		RejectionReasons: []string{},
		Warnings:         []string{},
	}
	var passed, total int
	for _, flt := range chain {
		name := flt.Name()
		check, err := flt.Apply(token)
		if err != nil {
			log.Warn().Err(err).Str("filter", name).Str("token", string(token.Address)).Msg("filter: filter error, skipping")
			continue
		}
		total++
		result.FilterResults[name] = check

		switch {
		case check.Passed:
			passed++
			if !flt.Blocking() && check.Details != "" {
				result.Warnings = append(result.Warnings, name+": "+check.Details)
			}
		case flt.Blocking():
			if check.Details != "" {
				result.RejectionReasons = append(result.RejectionReasons, name+": "+check.Details)
			} else {
				result.RejectionReasons = append(result.RejectionReasons, name+" check failed")
			}
		case check.Details != "":
			result.Warnings = append(result.Warnings, name+": "+check.Details)
		}
	}

	if total > 0 {
		result.SafetyScore = uint8(passed * 100 / total)
	}
	result.Passed = len(result.RejectionReasons) == 0
	if result.Passed {
		f.passed.Add(1)
	}

	log.Debug().
		Str("token", string(token.Address)).
		Bool("passed", result.Passed).
		Uint8("score", result.SafetyScore).
		Strs("rejections", result.RejectionReasons).
		Msg("filter: evaluated")
	return result
}

// FilterStats is a snapshot of filter counters.
type FilterStats struct {
	Evaluated int64   `json:"evaluated"`
	Passed    int64   `json:"passed"`
	PassRate  float64 `json:"pass_rate"`
	Filters   int     `json:"filters"`
}

func (f *TokenFilter) Stats() FilterStats {
	s := FilterStats{
		Evaluated: f.evaluated.Load(),
		Passed:    f.passed.Load(),
		Filters:   len(f.Names()),
	}
	if s.Evaluated > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Evaluated)
	}
	return s
}

// ---------------------------------------------------------------------------
// Built-in filters
// ---------------------------------------------------------------------------

type liquidityFilter struct{ min decimal.Decimal }

func (liquidityFilter) Name() string   { return "liquidity" }
func (liquidityFilter) Blocking() bool { return true }

func (l liquidityFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	liq := decimal.Zero
	if token.MarketData.LiquiditySOL.Valid {
		liq = token.MarketData.LiquiditySOL.Decimal
	}
	check := FilterCheck{
		Name:     "liquidity",
		Passed:   liq.GreaterThanOrEqual(l.min),
		Value:    liq.String(),
		Expected: l.min.String(),
	}
	if !check.Passed {
		check.Details = fmt.Sprintf("Liquidity %s SOL is below minimum %s SOL", liq, l.min)
	}
	return check, nil
}

// ErrAgeUnknown skips token_age when the creation time could not be found.
var ErrAgeUnknown = errors.New("filter: token age unknown")

type tokenAgeFilter struct{ maxSeconds int64 }

func (tokenAgeFilter) Name() string   { return "token_age" }
func (tokenAgeFilter) Blocking() bool { return true }

func (a tokenAgeFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	age := token.OnChain.AgeSeconds
	if !token.OnChain.AgeKnown {
		return FilterCheck{}, ErrAgeUnknown
	}
	// A truncated history only proves the token is at least age old.
	if token.OnChain.HistoryTruncated && age <= a.maxSeconds {
		return FilterCheck{}, fmt.Errorf("%w: creation not reached, at least %ds old", ErrAgeUnknown, age)
	}
	check := FilterCheck{
		Name:     "token_age",
		Passed:   age <= a.maxSeconds,
		Value:    age,
		Expected: a.maxSeconds,
	}
	if !check.Passed {
		check.Details = fmt.Sprintf("Token age %ds exceeds maximum %ds", age, a.maxSeconds)
	}
	return check, nil
}

type holderCountFilter struct{ min int64 }

func (holderCountFilter) Name() string   { return "holder_count" }
func (holderCountFilter) Blocking() bool { return true }

func (h holderCountFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	holders := token.OnChain.HolderCount
	check := FilterCheck{
		Name:     "holder_count",
		Passed:   holders >= h.min,
		Value:    holders,
		Expected: h.min,
	}
	if !check.Passed {
		check.Details = fmt.Sprintf("Holder count %d is below minimum %d", holders, h.min)
	}
	return check, nil
}

type marketCapFilter struct{ min, max decimal.NullDecimal }

func (marketCapFilter) Name() string   { return "market_cap" }
func (marketCapFilter) Blocking() bool { return true }

func (m marketCapFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	check := FilterCheck{
		Name:     "market_cap",
		Expected: map[string]string{"min": boundString(m.min), "max": boundString(m.max)},
	}
	mc := token.MarketData.MarketCapUSD
	if !mc.Valid {
		check.Details = "No market cap data available"
		return check, nil
	}
	check.Value = mc.Decimal.String()
	check.Passed = (!m.min.Valid || mc.Decimal.GreaterThanOrEqual(m.min.Decimal)) &&
		(!m.max.Valid || mc.Decimal.LessThanOrEqual(m.max.Decimal))
	if !check.Passed {
		check.Details = fmt.Sprintf("Market cap %s USD is outside range [%s, %s]",
			mc.Decimal, boundString(m.min), boundString(m.max))
	}
	return check, nil
}

func boundString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "none"
	}
	return d.Decimal.String()
}

type blacklistFilter struct{ tokens, developers map[string]struct{} }

func (blacklistFilter) Name() string   { return "blacklist" }
func (blacklistFilter) Blocking() bool { return true }

func (b blacklistFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	check := FilterCheck{Name: "blacklist", Passed: true, Value: string(token.Address)}
	if _, bad := b.tokens[string(token.Address)]; bad {
		check.Passed = false
		check.Details = "Token is blacklisted"
		return check, nil
	}
	if creator := token.OnChain.CreatorAddress; creator != "" {
		if _, bad := b.developers[string(creator)]; bad {
			check.Passed = false
			check.Value = string(creator)
			check.Details = "Developer is blacklisted"
		}
	}
	return check, nil
}

type socialLinksFilter struct{}

func (socialLinksFilter) Name() string   { return "social_links" }
func (socialLinksFilter) Blocking() bool { return false }

func (socialLinksFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	links := token.Metadata.SocialLinks.Merge(token.MarketData.Socials)
	check := FilterCheck{Name: "social_links", Passed: links.Any(), Value: links, Expected: "at least one link"}
	if !check.Passed {
		check.Details = "No social links found"
	}
	return check, nil
}

// authorityStatusFilter is informational: it always passes and warns while
// either authority is still active.
type authorityStatusFilter struct{}

func (authorityStatusFilter) Name() string   { return "authority_status" }
func (authorityStatusFilter) Blocking() bool { return false }

func (authorityStatusFilter) Apply(token *ParsedToken) (FilterCheck, error) {
	mintDisabled := token.OnChain.MintAuthority.State == AuthorityDisabled
	freezeDisabled := token.OnChain.FreezeAuthority.State == AuthorityDisabled
	check := FilterCheck{
		Name:     "authority_status",
		Passed:   true,
		Value:    map[string]bool{"mint_disabled": mintDisabled, "freeze_disabled": freezeDisabled},
		Expected: map[string]bool{"mint_disabled": true, "freeze_disabled": true},
	}
	if !mintDisabled || !freezeDisabled {
		check.Details = "Token authorities are still active"
	}
	return check, nil
}
