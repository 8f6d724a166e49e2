package core

import (
	"net/http"
	"strings"
	"time"
)

// Strategy selects the decision procedure used to satisfy requests
// matching a partition.
type Strategy string

const (
	// CacheFirst serves a fresh stored entry without touching the network.
	// Meant for content that rarely changes.
	CacheFirst Strategy = "cache-first"
	// NetworkFirst races the origin against a timeout and falls back to
	// the most recent stored entry, fresh or not.
	NetworkFirst Strategy = "network-first"
	// StaleWhileRevalidate serves whatever is stored immediately and
	// refreshes the entry in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// DefaultNetworkTimeout applies to network-first partitions that do not
// configure their own timeout.
const DefaultNetworkTimeout = 3 * time.Second

// Partition is a named group of cache entries sharing matching rules,
// a strategy and size/age limits. Partitions are immutable once registered.
type Partition struct {
	Name           string
	MatchRules     []string
	Strategy       Strategy
	MaxAge         time.Duration
	MaxEntries     int
	NetworkTimeout time.Duration
	// VaryHeaders lists header names whose values become part of the
	// cache key for this partition.
	VaryHeaders []string

	matchers []matcher
}

// matcher is a compiled match rule. A rule starting with "=" matches the
// path exactly, anything else is a path prefix.
type matcher struct {
	path  string
	exact bool
}

func (m matcher) match(path string) bool {
	if m.exact {
		return path == m.path
	}
	return strings.HasPrefix(path, m.path)
}

func compileRules(rules []string) ([]matcher, error) {
	matchers := make([]matcher, 0, len(rules))
	for _, rule := range rules {
		if exact := strings.TrimPrefix(rule, "="); exact != rule {
			matchers = append(matchers, matcher{path: exact, exact: true})
			continue
		}
		if !strings.HasPrefix(rule, "/") {
			return nil, configErr("match rule %q must start with / or =", rule)
		}
		matchers = append(matchers, matcher{path: rule})
	}
	return matchers, nil
}

// Registry holds the declared partitions. Resolution checks partitions in
// registration order and the first match wins. Pure lookup, no side effects.
type Registry struct {
	partitions []*Partition
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register validates and adds a partition. The partition is copied; later
// changes to the argument do not affect the registry.
func (g *Registry) Register(p Partition) error {
	if p.Name == "" {
		return configErr("partition name must not be empty")
	}
	if g.Get(p.Name) != nil {
		return configErr("partition %q already registered", p.Name)
	}
	if len(p.MatchRules) == 0 {
		return configErr("partition %q has no match rules", p.Name)
	}
	if p.MaxEntries <= 0 {
		return configErr("partition %q needs maxEntries > 0", p.Name)
	}
	switch p.Strategy {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
	default:
		return configErr("partition %q has unknown strategy %q", p.Name, p.Strategy)
	}
	if p.NetworkTimeout == 0 {
		p.NetworkTimeout = DefaultNetworkTimeout
	}
	matchers, err := compileRules(p.MatchRules)
	if err != nil {
		return err
	}
	p.matchers = matchers
	g.partitions = append(g.partitions, &p)
	return nil
}

// Resolve returns the first partition matching the request URL, or nil if
// none match and default handling applies.
func (g *Registry) Resolve(r *http.Request) *Partition {
	for _, p := range g.partitions {
		for _, m := range p.matchers {
			if m.match(r.URL.Path) {
				return p
			}
		}
	}
	return nil
}

// Get returns the partition with the given name, or nil.
func (g *Registry) Get(name string) *Partition {
	for _, p := range g.partitions {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Partitions returns all registered partitions in registration order.
func (g *Registry) Partitions() []*Partition {
	return g.partitions
}
