/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, delegate http.RoundTripper, cfg *Config) *Dispatcher {
	t.Helper()
	d, err := New(delegate, cfg)
	require.NoError(t, err)
	return d
}

func requireStats(t *testing.T, d *Dispatcher, target string, want Stats) {
	t.Helper()
	stats, err := d.Stats(target)
	require.NoError(t, err)
	require.Equal(t, want, stats)
}

func okDelegate() roundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		return newTestResponse(http.StatusOK), nil
	}
}

func doGet(t *testing.T, d *Dispatcher, target string) {
	t.Helper()
	resp, err := d.Get(context.Background(), target)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestNewWithOpts(t *testing.T) {
	tests := []struct {
		Name       string
		Cfg        *Config
		WantErrMsg string
	}{
		{
			Name:       "invalid scope",
			Cfg:        &Config{Scope: "host"},
			WantErrMsg: `invalid scope "host", choose one of: [global, domain, path]`,
		},
		{
			Name:       "relative base URL",
			Cfg:        &Config{BaseURL: "/api"},
			WantErrMsg: `base URL "/api" must be absolute`,
		},
		{
			Name:       "negative max default pools",
			Cfg:        &Config{MaxDefaultPools: -1},
			WantErrMsg: "max default pools must not be negative",
		},
		{
			Name:       "invalid defaults",
			Cfg:        &Config{Defaults: PoolConfig{Capacity: -1}},
			WantErrMsg: "defaults: capacity must not be negative",
		},
		{
			Name:       "invalid rule",
			Cfg:        &Config{Rules: []Rule{{}}},
			WantErrMsg: "rule #0: exactly one of domains/paths, pattern or predicate must be supplied",
		},
		{
			Name: "nil config",
		},
		{
			Name: "valid config",
			Cfg: &Config{
				Scope:   ScopeDomain,
				BaseURL: "https://api.example.com",
				Rules: []Rule{
					{Domains: []string{"storage.example.com"}, Pool: PoolConfig{MaxConcurrency: 4}},
				},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.Name, func(t *testing.T) {
			d, err := New(nil, tt.Cfg)
			if tt.WantErrMsg != "" {
				require.EqualError(t, err, tt.WantErrMsg)
				require.Nil(t, d)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, d)
		})
	}
}

func TestMust(t *testing.T) {
	require.Panics(t, func() {
		Must(nil, &Config{Scope: "host"})
	})
	require.NotPanics(t, func() {
		Must(nil, nil)
	})
}

func TestDispatcherRoutingPrecedence(t *testing.T) {
	t.Run("predicate over pattern and domain", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{Rules: []Rule{
			{Domains: []string{"api.example.com"}},
			{Pattern: "*example.com*"},
			{Predicate: func(u *url.URL) bool { return u.Query().Get("kind") == "vip" }},
		}})

		doGet(t, d, "http://api.example.com/orders?kind=vip")

		requireStats(t, d, "http://api.example.com/orders?kind=vip", Stats{Completed: 1})
		requireStats(t, d, "http://api.example.com/orders", Stats{}) // resolves to the pattern rule's pool
	})

	t.Run("pattern over path and domain", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{Rules: []Rule{
			{Domains: []string{"api.example.com"}},
			{Paths: []string{"http://api.example.com/v1/users"}},
			{Pattern: "*?debug=1"},
		}})

		doGet(t, d, "http://api.example.com/v1/users?debug=1")
		doGet(t, d, "http://api.example.com/v1/users")

		requireStats(t, d, "http://api.example.com/v1/users?debug=1", Stats{Completed: 1})
		requireStats(t, d, "http://api.example.com/v1/users", Stats{Completed: 1})
		requireStats(t, d, "http://api.example.com/other", Stats{}) // resolves to the domain rule's pool
	})

	t.Run("exact path over subpath descent over domain", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{Rules: []Rule{
			{Domains: []string{"example.com"}},
			{Paths: []string{"http://example.com/api"}, MatchSubpath: true},
			{Paths: []string{"http://example.com/api/users"}},
		}})

		doGet(t, d, "http://example.com/api/users")    // exact path rule
		doGet(t, d, "http://example.com/api/users/42") // subpath descent to /api
		doGet(t, d, "http://example.com/api/orders")   // subpath descent to /api
		doGet(t, d, "http://example.com/landing")      // domain rule

		requireStats(t, d, "http://example.com/api/users", Stats{Completed: 1})
		requireStats(t, d, "http://example.com/api", Stats{Completed: 2})
		requireStats(t, d, "http://example.com/landing", Stats{Completed: 1})
	})

	t.Run("trailing slash and case are insignificant for path rules", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{Rules: []Rule{
			{Paths: []string{"http://Example.COM/api/"}},
		}})

		doGet(t, d, "http://example.com/api")
		doGet(t, d, "http://EXAMPLE.com/api/")

		requireStats(t, d, "http://example.com/api", Stats{Completed: 2})
	})

	t.Run("most recently registered predicate wins", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})
		require.NoError(t, d.Configure(Rule{Name: "older", Predicate: func(u *url.URL) bool { return true }}))
		require.NoError(t, d.Configure(Rule{Name: "newer", Predicate: func(u *url.URL) bool { return true }}))

		doGet(t, d, "http://example.com")

		requireStats(t, d, "http://example.com", Stats{Completed: 1}) // resolves to the "newer" rule's pool
	})
}

func TestDispatcherDomainRuleSerializesRequests(t *testing.T) {
	const reqLatency = 100 * time.Millisecond

	delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		time.Sleep(reqLatency)
		return newTestResponse(http.StatusOK), nil
	})
	d := newTestDispatcher(t, delegate, &Config{Rules: []Rule{
		{Domains: []string{"api.example.com"}, Pool: PoolConfig{MaxConcurrency: 1}},
	}})

	var wg sync.WaitGroup
	var slowElapsed, fastElapsed time.Duration
	wg.Add(2)
	go func() {
		defer wg.Done()
		startedAt := time.Now()
		doGet(t, d, "http://api.example.com/a")
		doGet(t, d, "http://api.example.com/b")
		slowElapsed = time.Since(startedAt)
	}()
	go func() {
		defer wg.Done()
		startedAt := time.Now()
		doGet(t, d, "http://other.example.com/a")
		fastElapsed = time.Since(startedAt)
	}()
	wg.Wait()

	require.GreaterOrEqual(t, slowElapsed, reqLatency*2-20*time.Millisecond,
		"requests to the rule's domain should be serialized")
	require.Less(t, fastElapsed, reqLatency*2,
		"requests to other domains should not be affected by the rule")
}

func TestDispatcherDefaultPoolScopes(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})

		doGet(t, d, "http://a.example.com/x")
		doGet(t, d, "http://b.example.com/y")

		requireStats(t, d, "http://c.example.com/z", Stats{Completed: 2})
	})

	t.Run("domain", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{Scope: ScopeDomain})

		doGet(t, d, "http://a.example.com/x")
		doGet(t, d, "http://a.example.com:8080/y") // same host, different port
		doGet(t, d, "http://b.example.com/x")

		requireStats(t, d, "http://a.example.com/whatever", Stats{Completed: 2})
		requireStats(t, d, "http://b.example.com/whatever", Stats{Completed: 1})
		requireStats(t, d, "http://c.example.com/whatever", Stats{})
	})

	t.Run("path", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{Scope: ScopePath})

		doGet(t, d, "http://example.com/api/users")
		doGet(t, d, "http://example.com/api/users/")
		doGet(t, d, "http://example.com/api/orders")

		requireStats(t, d, "http://example.com/api/users", Stats{Completed: 2})
		requireStats(t, d, "http://example.com/api/orders", Stats{Completed: 1})
		requireStats(t, d, "http://example.com/api", Stats{})
	})
}

func TestDispatcherStatsIsReadOnlyProbe(t *testing.T) {
	d := newTestDispatcher(t, okDelegate(), &Config{Scope: ScopeDomain})

	requireStats(t, d, "http://example.com/x", Stats{})

	_, err := d.Stats("/relative")
	var urlErr *InvalidURLError
	require.ErrorAs(t, err, &urlErr)

	doGet(t, d, "http://example.com/x")
	requireStats(t, d, "http://example.com/x", Stats{Completed: 1})
}

func TestDispatcherConfigure(t *testing.T) {
	t.Run("rule validation", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})

		err := d.Configure(Rule{})
		require.EqualError(t, err, "invalid rule: exactly one of domains/paths, pattern or predicate must be supplied")

		err = d.Configure(Rule{Domains: []string{"example.com"}, Pattern: "*"})
		require.EqualError(t, err, "invalid rule: exactly one of domains/paths, pattern or predicate must be supplied")

		err = d.Configure(Rule{Domains: []string{"example.com"}, MatchSubpath: true})
		require.EqualError(t, err, "invalid rule: matchSubpath requires at least one path")

		err = d.Configure(Rule{Domains: []string{"example.com"}, Pool: PoolConfig{MaxConcurrency: -1}})
		require.EqualError(t, err, "invalid rule: max concurrency must not be negative")
	})

	t.Run("duplicate domain key", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})
		require.NoError(t, d.Configure(Rule{Domains: []string{"api.example.com"}}))

		err := d.Configure(Rule{Domains: []string{"API.EXAMPLE.COM:443"}})
		var dupErr *DuplicateRuleError
		require.ErrorAs(t, err, &dupErr)
		require.Equal(t, "api.example.com", dupErr.Key)
	})

	t.Run("duplicate path key", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})
		require.NoError(t, d.Configure(Rule{Paths: []string{"http://example.com/api"}}))

		err := d.Configure(Rule{Paths: []string{"http://example.com/api/"}})
		var dupErr *DuplicateRuleError
		require.ErrorAs(t, err, &dupErr)
		require.Equal(t, "http://example.com/api", dupErr.Key)
	})

	t.Run("collision leaves the registry untouched", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})
		require.NoError(t, d.Configure(Rule{Domains: []string{"taken.example.com"}}))

		err := d.Configure(Rule{Domains: []string{"fresh.example.com", "taken.example.com"}})
		var dupErr *DuplicateRuleError
		require.ErrorAs(t, err, &dupErr)

		// The failed rule should not have claimed any of its keys.
		require.NoError(t, d.Configure(Rule{Domains: []string{"fresh.example.com"}}))
	})
}

func TestDispatcherRelativeTargets(t *testing.T) {
	t.Run("resolved against base URL", func(t *testing.T) {
		var mu sync.Mutex
		var requestedURLs []string
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			mu.Lock()
			requestedURLs = append(requestedURLs, r.URL.String())
			mu.Unlock()
			return newTestResponse(http.StatusOK), nil
		})
		d := newTestDispatcher(t, delegate, &Config{BaseURL: "http://api.example.com"})

		doGet(t, d, "/v1/users")
		doGet(t, d, "http://other.example.com/ping")

		require.Equal(t, []string{"http://api.example.com/v1/users", "http://other.example.com/ping"}, requestedURLs)
	})

	t.Run("resolving does not mutate the caller's request", func(t *testing.T) {
		var requestedURL string
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			requestedURL = r.URL.String()
			return newTestResponse(http.StatusOK), nil
		})
		d := newTestDispatcher(t, delegate, &Config{BaseURL: "http://api.example.com"})

		req, err := http.NewRequest(http.MethodGet, "/v1/users", nil)
		require.NoError(t, err)
		req.Host = "override.example.com"

		resp, err := d.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()

		require.Equal(t, "http://api.example.com/v1/users", requestedURL)
		require.Equal(t, "/v1/users", req.URL.String())
		require.Equal(t, "override.example.com", req.Host)
	})

	t.Run("relative target without base URL", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})
		_, err := d.Get(context.Background(), "/v1/users")
		var urlErr *InvalidURLError
		require.ErrorAs(t, err, &urlErr)
		require.Equal(t, "/v1/users", urlErr.URL)
	})

	t.Run("malformed target", func(t *testing.T) {
		d := newTestDispatcher(t, okDelegate(), &Config{})
		_, err := d.Get(context.Background(), "http://invalid host/")
		var urlErr *InvalidURLError
		require.ErrorAs(t, err, &urlErr)
	})
}

func TestDispatcherCapacityExceeded(t *testing.T) {
	inFlight := make(chan struct{}, 2)
	release := make(chan struct{})
	delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		inFlight <- struct{}{}
		<-release
		return newTestResponse(http.StatusOK), nil
	})
	d := newTestDispatcher(t, delegate, &Config{Rules: []Rule{
		{Name: "tiny", Domains: []string{"api.example.com"}, Pool: PoolConfig{MaxConcurrency: 1, Capacity: 1}},
	}})

	firstDone := make(chan error, 1)
	go func() {
		resp, doErr := d.Get(context.Background(), "http://api.example.com/a")
		if resp != nil {
			_ = resp.Body.Close()
		}
		firstDone <- doErr
	}()
	<-inFlight

	_, err := d.Get(context.Background(), "http://api.example.com/b")
	var capacityErr *CapacityExceededError
	require.ErrorAs(t, err, &capacityErr)
	require.Equal(t, "tiny", capacityErr.PoolName)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestDispatcherMaxDefaultPools(t *testing.T) {
	d := newTestDispatcher(t, okDelegate(), &Config{Scope: ScopeDomain, MaxDefaultPools: 1})

	doGet(t, d, "http://a.example.com/x")
	requireStats(t, d, "http://a.example.com/x", Stats{Completed: 1})

	doGet(t, d, "http://b.example.com/x")
	requireStats(t, d, "http://b.example.com/x", Stats{Completed: 1})

	// The pool for a.example.com was evicted along with its counters.
	requireStats(t, d, "http://a.example.com/x", Stats{})
}

func TestDispatcherStatsDoesNotAffectEvictionOrder(t *testing.T) {
	d := newTestDispatcher(t, okDelegate(), &Config{Scope: ScopeDomain, MaxDefaultPools: 2})

	doGet(t, d, "http://a.example.com/x")
	doGet(t, d, "http://b.example.com/x")

	// Probing the oldest pool must not promote it over b.example.com.
	for i := 0; i < 3; i++ {
		requireStats(t, d, "http://a.example.com/x", Stats{Completed: 1})
	}

	doGet(t, d, "http://c.example.com/x")

	requireStats(t, d, "http://a.example.com/x", Stats{})
	requireStats(t, d, "http://b.example.com/x", Stats{Completed: 1})
	requireStats(t, d, "http://c.example.com/x", Stats{Completed: 1})
}

func TestDispatcherAsClientTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, nil, &Config{Scope: ScopeDomain})
	client := &http.Client{Transport: d}

	resp, err := client.Get(srv.URL + "/ping")
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	requireStats(t, d, srv.URL, Stats{Completed: 1})
}
