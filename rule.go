/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Rule describes one routing rule. Exactly one of the matching kinds must be supplied:
// URL components (Domains and/or Paths), Pattern, or Predicate.
// Each rule owns exactly one request pool shared by all its keys.
type Rule struct {
	// Name is used in logs and metrics. If it's empty, a name is derived from the rule itself.
	Name string `mapstructure:"name"`

	// Domains is a list of hosts whose traffic is routed to the rule's pool.
	// Values may be bare hosts ("api.example.com") or absolute URLs.
	Domains []string `mapstructure:"domains"`

	// Paths is a list of absolute URLs whose origin+path is routed to the rule's pool.
	// A trailing slash is insignificant.
	Paths []string `mapstructure:"paths"`

	// MatchSubpath makes every path in Paths also match its subpaths.
	MatchSubpath bool `mapstructure:"matchSubpath"`

	// Pattern is a glob ('*' and '?' wildcards) matched against the full URL string.
	Pattern string `mapstructure:"pattern"`

	// Predicate is an arbitrary function of the parsed target URL.
	// Predicates can only be configured in code, not from a config file.
	Predicate func(u *url.URL) bool `mapstructure:"-"`

	// Pool is the pool configuration for this rule.
	// Unset fields are inherited from the dispatcher's defaults.
	Pool PoolConfig `mapstructure:"pool"`
}

// Validate checks the rule shape: exactly one matching kind must be supplied.
func (r *Rule) Validate() error {
	kinds := 0
	if len(r.Domains) != 0 || len(r.Paths) != 0 {
		kinds++
	}
	if r.Pattern != "" {
		kinds++
	}
	if r.Predicate != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("exactly one of domains/paths, pattern or predicate must be supplied")
	}
	if r.MatchSubpath && len(r.Paths) == 0 {
		return fmt.Errorf("matchSubpath requires at least one path")
	}
	return r.Pool.Validate()
}

// displayName returns the rule name for logs and metrics.
func (r *Rule) displayName() string {
	if r.Name != "" {
		return r.Name
	}
	switch {
	case len(r.Domains) != 0:
		return "domain:" + r.Domains[0]
	case len(r.Paths) != 0:
		return "path:" + r.Paths[0]
	case r.Pattern != "":
		return "pattern:" + r.Pattern
	}
	return "predicate"
}

// normalizeDomainKey converts a configured domain value into the routing key space.
// The value may be a bare host or an absolute URL.
func normalizeDomainKey(value string) (string, error) {
	host := value
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil {
			return "", fmt.Errorf("parse domain %q: %w", value, err)
		}
		host = u.Hostname()
	} else if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", fmt.Errorf("domain %q is empty", value)
	}
	return host, nil
}

// normalizePathKey converts a configured path value (an absolute URL)
// into the routing key space: lowercased origin plus the cleaned path
// with the trailing slash stripped.
func normalizePathKey(value string) (string, error) {
	u, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", value, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("path %q must be an absolute URL", value)
	}
	return urlPathKey(u), nil
}

// urlPathKey derives the origin+path routing key from the parsed URL.
func urlPathKey(u *url.URL) string {
	return urlOriginKey(u) + cleanURLPath(u.Path)
}

// urlOriginKey derives the lowercased scheme://host part of the routing key.
func urlOriginKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// cleanURLPath normalizes the URL path for keying: duplicate slashes and
// dot segments are collapsed, the trailing slash is stripped,
// and the root path maps to an empty string.
func cleanURLPath(urlPath string) string {
	if urlPath == "" {
		return ""
	}
	cleaned := path.Clean("/" + urlPath)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}

// parentPathKey returns the routing key of the parent path,
// or "" and false when the key is already at the origin root.
func parentPathKey(key string) (string, bool) {
	slash := strings.LastIndexByte(key, '/')
	if slash == -1 || strings.HasSuffix(key[:slash], ":/") {
		return "", false
	}
	return key[:slash], true
}
