// Package aggregator fans a search out across the configured academic
// sources, retries transient failures with exponential backoff, falls back to
// alternate sources when too few succeed, and merges the union into a
// deduplicated, ranked paper list.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/deepresearch/internal/cache"
	"github.com/hyperifyio/deepresearch/internal/failure"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/source"
)

// Config tunes the aggregator. Zero values take the documented defaults.
type Config struct {
	EnabledSources       []string
	SmartSourceSelection bool
	MaxRetries           int           // default 2
	RetryDelay           time.Duration // default 1s, doubles per attempt
	AttemptTimeout       time.Duration // default 30s
	MinSuccessfulSources int           // default 1
	EnableFallback       bool
	MinCitations         int
	PreferOpenAccess     bool
	Concurrency          int           // default 3
	CacheTTL             time.Duration // default 5m
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.MinSuccessfulSources == 0 {
		c.MinSuccessfulSources = 1
	}
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// Metadata describes how an aggregated result was obtained.
type Metadata struct {
	SuccessfulSources []string `json:"successfulSources"`
	FailedSources     []string `json:"failedSources"`
	FromCache         bool     `json:"fromCache"`
	Domain            Domain   `json:"domain,omitempty"`
}

// Result is the aggregated, deduplicated answer to one search.
type Result struct {
	Papers         []*paper.Paper `json:"papers"`
	TotalHits      int            `json:"totalHits"`
	PerSourceCount map[string]int `json:"perSourceCount"`
	DedupedCount   int            `json:"dedupedCount"`
	Metadata       Metadata       `json:"metadata"`
}

// SourceError is one recorded per-source failure.
type SourceError struct {
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// errorHistorySize bounds the failure log.
const errorHistorySize = 100

// fallbackOrder is the fixed preference for the fallback chain; OpenAlex
// first as the broadest index.
var fallbackOrder = []string{source.OpenAlex, source.SemanticScholar, source.CORE, source.ArXiv, source.PubMed}

// Aggregator coordinates the fan-out. Safe for concurrent use across
// sessions.
type Aggregator struct {
	cfg      Config
	registry *source.Registry
	queries  *cache.TTLCache[*Result]

	mu     sync.Mutex
	errors []SourceError

	sleep func(context.Context, time.Duration) error // test hook
}

func New(cfg Config, registry *source.Registry) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg:      cfg,
		registry: registry,
		queries:  cache.NewTTLCache[*Result](cfg.CacheTTL, 256),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Search runs the query against the selected sources. Partial-source failure
// is normal; total failure returns a KindAggregationInsufficient error that
// enumerates per-source reasons.
func (a *Aggregator) Search(ctx context.Context, opts source.SearchOptions, sessionID string) (*Result, error) {
	key := a.cacheKey(opts, sessionID)
	if cached, ok := a.queries.Get(key); ok {
		out := *cached
		out.Metadata.FromCache = true
		return &out, nil
	}

	domain := DomainGeneral
	selected := a.enabledSources()
	if a.cfg.SmartSourceSelection && strings.TrimSpace(opts.Query) != "" {
		domain = ClassifyDomain(opts.Query)
		if smart := selectSources(domain, a.enabledSet()); len(smart) > 0 {
			selected = smart
		}
	}
	if len(selected) == 0 {
		return nil, failure.Newf(failure.KindAggregationInsufficient, "no sources configured")
	}

	results, failed := a.fanOut(ctx, selected, opts)

	// Fallback chain: try sources outside the primary set when too few
	// succeeded.
	if len(results) < a.cfg.MinSuccessfulSources && a.cfg.EnableFallback {
		tried := make(map[string]bool, len(selected))
		for _, s := range selected {
			tried[s] = true
		}
		for _, name := range fallbackOrder {
			if len(results) >= a.cfg.MinSuccessfulSources {
				break
			}
			if tried[name] {
				continue
			}
			if _, ok := a.registry.Get(name); !ok {
				continue
			}
			tried[name] = true
			log.Debug().Str("source", name).Msg("fallback source engaged")
			more, moreFailed := a.fanOut(ctx, []string{name}, opts)
			results = append(results, more...)
			failed = append(failed, moreFailed...)
		}
	}

	if len(results) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, failure.New(failure.KindAggregationInsufficient, fmt.Errorf("all sources failed: %s", summarizeFailures(failed)))
	}

	out := a.assemble(results, failed, domain, opts)
	a.queries.Set(key, out)
	copied := *out
	return &copied, nil
}

// SearchSource runs the query against exactly one source, skipping domain
// selection and the fallback chain. An empty name picks the first enabled
// source. Used when multi-source search is disabled.
func (a *Aggregator) SearchSource(ctx context.Context, name string, opts source.SearchOptions, sessionID string) (*Result, error) {
	if name == "" {
		enabled := a.enabledSources()
		if len(enabled) == 0 {
			return nil, failure.Newf(failure.KindAggregationInsufficient, "no sources configured")
		}
		name = enabled[0]
	}
	results, failed := a.fanOut(ctx, []string{name}, opts)
	if len(results) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, failure.New(failure.KindAggregationInsufficient, fmt.Errorf("source %s failed: %s", name, summarizeFailures(failed)))
	}
	return a.assemble(results, failed, DomainGeneral, opts), nil
}

type sourceResult struct {
	name   string
	result *source.SearchResult
}

type sourceFailure struct {
	name string
	err  error
}

// fanOut launches one bounded task per source, each with retry.
func (a *Aggregator) fanOut(ctx context.Context, names []string, opts source.SearchOptions) ([]sourceResult, []sourceFailure) {
	var mu sync.Mutex
	var results []sourceResult
	var failed []sourceFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, name := range names {
		name := name
		adapter, ok := a.registry.Get(name)
		if !ok {
			mu.Lock()
			failed = append(failed, sourceFailure{name: name, err: fmt.Errorf("source %s not registered", name)})
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			res, err := a.searchWithRetry(gctx, adapter, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, sourceFailure{name: name, err: err})
				return nil // partial failure never cancels siblings
			}
			results = append(results, sourceResult{name: name, result: res})
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })
	return results, failed
}

// searchWithRetry races each attempt against the attempt timeout and retries
// transient failures with exponential backoff. Terminal errors stop
// immediately.
func (a *Aggregator) searchWithRetry(ctx context.Context, adapter source.Adapter, opts source.SearchOptions) (*source.SearchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.AttemptTimeout)
		res, err := adapter.Search(attemptCtx, opts)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		a.recordError(adapter.Name(), err, attempt)
		if !retryableSourceError(err) {
			return nil, err
		}
		if attempt == a.cfg.MaxRetries {
			break
		}
		backoff := a.cfg.RetryDelay * (1 << attempt)
		log.Debug().Err(err).Str("source", adapter.Name()).Int("attempt", attempt).Dur("backoff", backoff).Msg("search retry")
		if err := a.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryableSourceError(err error) bool {
	var te *source.TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true // attempt timeout counts as retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return failure.Retryable(err)
}

func (a *Aggregator) recordError(src string, err error, attempt int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, SourceError{Source: src, Message: err.Error(), Attempt: attempt, Timestamp: time.Now()})
	if len(a.errors) > errorHistorySize {
		a.errors = a.errors[len(a.errors)-errorHistorySize:]
	}
}

// assemble merges per-source results into the final deduplicated answer.
func (a *Aggregator) assemble(results []sourceResult, failed []sourceFailure, domain Domain, opts source.SearchOptions) *Result {
	var union []*paper.Paper
	perSource := make(map[string]int, len(results))
	total := 0
	meta := Metadata{Domain: domain}
	for _, r := range results {
		meta.SuccessfulSources = append(meta.SuccessfulSources, r.name)
		perSource[r.name] = len(r.result.Papers)
		total += r.result.TotalHits
		union = append(union, r.result.Papers...)
	}
	for _, f := range failed {
		meta.FailedSources = append(meta.FailedSources, f.name)
	}

	deduped, suppressed := dedupe(union)
	deduped = filterMinCitations(deduped, a.cfg.MinCitations)
	sortPapers(deduped, opts.SortBy, a.cfg.PreferOpenAccess)

	return &Result{
		Papers:         deduped,
		TotalHits:      total,
		PerSourceCount: perSource,
		DedupedCount:   suppressed,
		Metadata:       meta,
	}
}

func (a *Aggregator) cacheKey(opts source.SearchOptions, sessionID string) string {
	oa := ""
	if opts.OpenAccess != nil {
		oa = fmt.Sprintf("%t", *opts.OpenAccess)
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(opts.Query)), " ")
	return cache.KeyFrom(sessionID, normalized,
		fmt.Sprintf("%d|%d|%s|%s|%d|%d", opts.YearFrom, opts.YearTo, oa, opts.SortBy, opts.Limit, opts.Offset))
}

func (a *Aggregator) enabledSources() []string {
	if len(a.cfg.EnabledSources) > 0 {
		return a.cfg.EnabledSources
	}
	return a.registry.Names()
}

func (a *Aggregator) enabledSet() map[string]bool {
	out := make(map[string]bool)
	for _, s := range a.enabledSources() {
		out[s] = true
	}
	return out
}

func summarizeFailures(failed []sourceFailure) string {
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.name, f.err))
	}
	if len(parts) == 0 {
		return "no sources attempted"
	}
	return strings.Join(parts, "; ")
}

// SourceHealth is the per-source slice of GetHealthStatus.
type SourceHealth struct {
	Available    bool   `json:"available"`
	RecentErrors int    `json:"recentErrors"`
	LastError    string `json:"lastError,omitempty"`
}

// HealthStatus summarizes adapter availability and the recent error history.
type HealthStatus struct {
	Sources        map[string]SourceHealth `json:"sources"`
	OverallHealthy bool                    `json:"overallHealthy"`
}

// GetHealthStatus reports per-source availability, errors within the last
// hour, and whether enough sources are available to satisfy
// MinSuccessfulSources.
func (a *Aggregator) GetHealthStatus(ctx context.Context) HealthStatus {
	cutoff := time.Now().Add(-time.Hour)
	recent := make(map[string]int)
	lastErr := make(map[string]string)
	a.mu.Lock()
	for _, e := range a.errors {
		if e.Timestamp.After(cutoff) {
			recent[e.Source]++
			lastErr[e.Source] = e.Message
		}
	}
	a.mu.Unlock()

	out := HealthStatus{Sources: make(map[string]SourceHealth)}
	available := 0
	for _, name := range a.enabledSources() {
		adapter, ok := a.registry.Get(name)
		h := SourceHealth{RecentErrors: recent[name], LastError: lastErr[name]}
		if ok && adapter.IsAvailable(ctx) {
			h.Available = true
			available++
		}
		out.Sources[name] = h
	}
	out.OverallHealthy = available >= a.cfg.MinSuccessfulSources
	return out
}

// ClearCache drops all cached query results.
func (a *Aggregator) ClearCache() { a.queries.Clear() }
