/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-reqlimit/internal/lrucache"
	"github.com/acronis/go-reqlimit/log"
)

// PoolLogFieldName is a logged field that contains the name of the request pool.
const PoolLogFieldName = "request_pool"

// Opts represents options for NewWithOpts.
type Opts struct {
	// Logger is used for logging.
	// When it's necessary to use context-specific logger, LoggerProvider should be used instead.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MetricsCollector is a collector of pool metrics. May be nil.
	MetricsCollector MetricsCollector
}

type predicateRule struct {
	predicate func(u *url.URL) bool
	pool      *Pool
}

type patternRule struct {
	match func(s string) bool
	pool  *Pool
}

// Dispatcher routes every outgoing request to the request pool owning its
// target URL, creating default pools lazily for the configured scope.
// It implements http.RoundTripper and can be installed as an http.Client transport.
type Dispatcher struct {
	delegate http.RoundTripper

	scope    Scope
	baseURL  *url.URL
	defaults PoolConfig

	baseLogger     log.FieldLogger
	loggerProvider func(ctx context.Context) log.FieldLogger
	mc             MetricsCollector

	mu             sync.RWMutex
	domainPools    map[string]*Pool
	pathPools      map[string]*Pool
	folderPools    map[string]*Pool
	predicateRules []predicateRule
	patternRules   []patternRule
	defaultPools   map[string]*Pool

	defaultPoolsLRU *lrucache.LRUCache[string, *Pool]
}

// New creates a new dispatcher that executes requests via the passed delegate.
// If the delegate is nil, http.DefaultTransport is used.
func New(delegate http.RoundTripper, cfg *Config) (*Dispatcher, error) {
	return NewWithOpts(delegate, cfg, Opts{})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts(delegate http.RoundTripper, cfg *Config, opts Opts) (*Dispatcher, error) {
	if delegate == nil {
		delegate = http.DefaultTransport
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}

	scope := cfg.Scope
	if scope == "" {
		scope = ScopeGlobal
	}

	var baseURL *url.URL
	if cfg.BaseURL != "" {
		var err error
		if baseURL, err = url.Parse(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("parse base URL: %w", err)
		}
	}

	d := &Dispatcher{
		delegate:       delegate,
		scope:          scope,
		baseURL:        baseURL,
		defaults:       cfg.Defaults,
		baseLogger:     opts.Logger,
		loggerProvider: opts.LoggerProvider,
		mc:             opts.MetricsCollector,
		domainPools:    make(map[string]*Pool),
		pathPools:      make(map[string]*Pool),
		folderPools:    make(map[string]*Pool),
		defaultPools:   make(map[string]*Pool),
	}
	if cfg.MaxDefaultPools > 0 {
		lru, err := lrucache.New[string, *Pool](cfg.MaxDefaultPools)
		if err != nil {
			return nil, fmt.Errorf("new LRU registry for default pools: %w", err)
		}
		d.defaultPoolsLRU = lru
	}

	for i := range cfg.Rules {
		if err := d.Configure(cfg.Rules[i]); err != nil {
			return nil, fmt.Errorf("configure rule #%d: %w", i, err)
		}
	}
	return d, nil
}

// Must creates a new dispatcher and panics if any error occurs.
func Must(delegate http.RoundTripper, cfg *Config) *Dispatcher {
	d, err := New(delegate, cfg)
	if err != nil {
		panic(err)
	}
	return d
}

// Configure registers a new routing rule and creates its request pool.
// It returns *DuplicateRuleError when a computed routing key is already registered.
// Registered rules are never deleted.
func (d *Dispatcher) Configure(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	domainKeys := make([]string, 0, len(rule.Domains))
	for _, domain := range rule.Domains {
		key, err := normalizeDomainKey(domain)
		if err != nil {
			return err
		}
		domainKeys = append(domainKeys, key)
	}
	pathKeys := make([]string, 0, len(rule.Paths))
	for _, rulePath := range rule.Paths {
		key, err := normalizePathKey(rulePath)
		if err != nil {
			return err
		}
		pathKeys = append(pathKeys, key)
	}

	pool, err := d.newPool(mergePoolConfig(d.defaults, rule.Pool), rule.displayName())
	if err != nil {
		return fmt.Errorf("new pool for rule %q: %w", rule.displayName(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Check all keys before registering any of them, so a collision leaves the registry untouched.
	for _, key := range domainKeys {
		if _, ok := d.domainPools[key]; ok {
			return &DuplicateRuleError{Key: key}
		}
	}
	for _, key := range pathKeys {
		if _, ok := d.pathPools[key]; ok {
			return &DuplicateRuleError{Key: key}
		}
		if rule.MatchSubpath {
			if _, ok := d.folderPools[key]; ok {
				return &DuplicateRuleError{Key: key}
			}
		}
	}

	for _, key := range domainKeys {
		d.domainPools[key] = pool
	}
	for _, key := range pathKeys {
		d.pathPools[key] = pool
		if rule.MatchSubpath {
			d.folderPools[key] = pool
		}
	}
	if rule.Pattern != "" {
		d.patternRules = append(d.patternRules, patternRule{match: glob.Compile(rule.Pattern), pool: pool})
	}
	if rule.Predicate != nil {
		d.predicateRules = append(d.predicateRules, predicateRule{predicate: rule.Predicate, pool: pool})
	}
	return nil
}

// Do routes the request to the owning pool and blocks until it settles terminally.
// The request URL must be absolute or resolvable against the configured base URL.
func (d *Dispatcher) Do(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, &InvalidURLError{}
	}
	if !req.URL.IsAbs() {
		if d.baseURL == nil {
			return nil, &InvalidURLError{URL: req.URL.String()}
		}
		req = req.Clone(req.Context()) // Per RoundTripper contract, the caller's request is not mutated.
		req.URL = d.baseURL.ResolveReference(req.URL)
		req.Host = ""
	}
	return d.poolForTarget(req.URL).Do(req)
}

// RoundTrip implements http.RoundTripper.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	return d.Do(req)
}

// Get issues a GET request to the target, which may be an absolute URL
// or a URL relative to the configured base URL.
func (d *Dispatcher) Get(ctx context.Context, target string) (*http.Response, error) {
	return d.DoRequest(ctx, http.MethodGet, target, nil)
}

// DoRequest builds a request for the target and routes it to the owning pool.
func (d *Dispatcher) DoRequest(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	u, err := d.ResolveTarget(target)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	return d.poolForTarget(req.URL).Do(req)
}

// ResolveTarget parses the target and resolves it against the configured base URL
// when it's relative. It returns *InvalidURLError when the target cannot be
// resolved to an absolute URL.
func (d *Dispatcher) ResolveTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, &InvalidURLError{URL: target, Inner: err}
	}
	if !u.IsAbs() {
		if d.baseURL == nil {
			return nil, &InvalidURLError{URL: target, Inner: fmt.Errorf("relative URL without a base URL")}
		}
		u = d.baseURL.ResolveReference(u)
	}
	if u.Host == "" {
		return nil, &InvalidURLError{URL: target, Inner: fmt.Errorf("URL has no host")}
	}
	return u, nil
}

// Stats returns the current counters of the pool that would handle the target.
// It's a read-only probe: when no pool exists for the target yet, zero counters
// are returned and no default pool is created.
func (d *Dispatcher) Stats(target string) (Stats, error) {
	u, err := d.ResolveTarget(target)
	if err != nil {
		return Stats{}, err
	}
	if pool, ok := d.lookupRulePool(u); ok {
		return pool.Stats(), nil
	}
	key := d.defaultPoolKey(u)
	if d.defaultPoolsLRU != nil {
		// Peek keeps the probe free of side effects on the eviction order.
		if pool, ok := d.defaultPoolsLRU.Peek(key); ok {
			return pool.Stats(), nil
		}
		return Stats{}, nil
	}
	d.mu.RLock()
	pool, ok := d.defaultPools[key]
	d.mu.RUnlock()
	if ok {
		return pool.Stats(), nil
	}
	return Stats{}, nil
}

// poolForTarget resolves the owning pool for the target URL,
// creating a default pool if no configured rule matches.
func (d *Dispatcher) poolForTarget(u *url.URL) *Pool {
	if pool, ok := d.lookupRulePool(u); ok {
		return pool
	}
	return d.defaultPool(u)
}

// lookupRulePool evaluates configured rules in the fixed precedence order:
// predicates, then patterns (both most recently registered first),
// then exact path keys, then subpath descent, then domain keys.
func (d *Dispatcher) lookupRulePool(u *url.URL) (*Pool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i := len(d.predicateRules) - 1; i >= 0; i-- {
		if d.predicateRules[i].predicate(u) {
			return d.predicateRules[i].pool, true
		}
	}
	if len(d.patternRules) != 0 {
		fullURL := u.String()
		for i := len(d.patternRules) - 1; i >= 0; i-- {
			if d.patternRules[i].match(fullURL) {
				return d.patternRules[i].pool, true
			}
		}
	}

	pathKey := urlPathKey(u)
	if pool, ok := d.pathPools[pathKey]; ok {
		return pool, true
	}
	if len(d.folderPools) != 0 {
		for key, ok := pathKey, true; ok; key, ok = parentPathKey(key) {
			if pool, found := d.folderPools[key]; found {
				return pool, true
			}
		}
	}
	if pool, ok := d.domainPools[strings.ToLower(u.Hostname())]; ok {
		return pool, true
	}
	return nil, false
}

func (d *Dispatcher) defaultPoolKey(u *url.URL) string {
	switch d.scope {
	case ScopeDomain:
		return strings.ToLower(u.Hostname())
	case ScopePath:
		return urlPathKey(u)
	}
	return ""
}

// defaultPool returns the default pool for the target, creating it at most once per key.
func (d *Dispatcher) defaultPool(u *url.URL) *Pool {
	key := d.defaultPoolKey(u)
	if d.defaultPoolsLRU != nil {
		pool, _ := d.defaultPoolsLRU.GetOrAdd(key, func() *Pool {
			return d.mustNewDefaultPool(key)
		})
		return pool
	}

	d.mu.RLock()
	pool, ok := d.defaultPools[key]
	d.mu.RUnlock()
	if ok {
		return pool
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if pool, ok = d.defaultPools[key]; ok {
		return pool
	}
	pool = d.mustNewDefaultPool(key)
	d.defaultPools[key] = pool
	return pool
}

func (d *Dispatcher) mustNewDefaultPool(key string) *Pool {
	name := "default"
	if key != "" {
		name = "default:" + key
	}
	pool, err := d.newPool(d.defaults, name)
	if err != nil {
		// The defaults are validated in NewWithOpts, so this cannot happen.
		panic(err)
	}
	return pool
}

func (d *Dispatcher) newPool(cfg PoolConfig, name string) (*Pool, error) {
	logger := d.baseLogger.With(log.String(PoolLogFieldName, name))
	var loggerProvider func(ctx context.Context) log.FieldLogger
	if d.loggerProvider != nil {
		loggerProvider = func(ctx context.Context) log.FieldLogger {
			return d.loggerProvider(ctx).With(log.String(PoolLogFieldName, name))
		}
	}
	return NewPool(d.delegate, cfg, PoolOpts{
		Name:             name,
		Logger:           logger,
		LoggerProvider:   loggerProvider,
		MetricsCollector: d.mc,
	})
}
