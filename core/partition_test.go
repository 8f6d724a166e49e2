package core

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegisterValidation(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Partition{Name: "nomatch", Strategy: CacheFirst, MaxEntries: 5})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("Expected config error for empty match rules, got %v", err)
	}

	err = registry.Register(Partition{Name: "noentries", MatchRules: []string{"/a/"}, Strategy: CacheFirst})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("Expected config error for maxEntries 0, got %v", err)
	}

	err = registry.Register(Partition{Name: "badstrategy", MatchRules: []string{"/a/"}, Strategy: "wishful", MaxEntries: 5})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("Expected config error for unknown strategy, got %v", err)
	}

	err = registry.Register(Partition{Name: "ok", MatchRules: []string{"/a/"}, Strategy: CacheFirst, MaxEntries: 5})
	if err != nil {
		t.Fatalf("Expected valid partition to register, got %v", err)
	}

	err = registry.Register(Partition{Name: "ok", MatchRules: []string{"/b/"}, Strategy: CacheFirst, MaxEntries: 5})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("Expected config error for duplicate name, got %v", err)
	}
}

func TestRegisterDefaultsTimeout(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Partition{Name: "api", MatchRules: []string{"/api/"}, Strategy: NetworkFirst, MaxEntries: 5}); err != nil {
		t.Fatal(err)
	}
	if got := registry.Get("api").NetworkTimeout; got != DefaultNetworkTimeout {
		t.Fatalf("Timeout is %s", got)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	registry := NewRegistry()
	partitions := []Partition{
		{Name: "inventory", MatchRules: []string{"/api/inventory"}, Strategy: NetworkFirst, MaxEntries: 10},
		{Name: "api", MatchRules: []string{"/api/"}, Strategy: NetworkFirst, MaxEntries: 10},
		{Name: "pages", MatchRules: []string{"=/", "/pages/"}, Strategy: StaleWhileRevalidate, MaxEntries: 10},
	}
	for _, p := range partitions {
		if err := registry.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	cases := map[string]string{
		"/api/inventory":    "inventory",
		"/api/inventory/12": "inventory",
		"/api/orders":       "api",
		"/":                 "pages",
		"/pages/about":      "pages",
	}
	for path, want := range cases {
		r := httptest.NewRequest("GET", path, nil)
		p := registry.Resolve(r)
		if p == nil || p.Name != want {
			t.Fatalf("Resolve(%s) = %+v, want %s", path, p, want)
		}
	}

	if p := registry.Resolve(httptest.NewRequest("GET", "/other", nil)); p != nil {
		t.Fatalf("Expected no partition for /other, got %s", p.Name)
	}
}

func TestPartitionImmutableAfterRegister(t *testing.T) {
	registry := NewRegistry()
	p := Partition{Name: "api", MatchRules: []string{"/api/"}, Strategy: NetworkFirst, MaxAge: time.Minute, MaxEntries: 10}
	if err := registry.Register(p); err != nil {
		t.Fatal(err)
	}
	p.MaxEntries = 999
	if got := registry.Get("api").MaxEntries; got != 10 {
		t.Fatalf("MaxEntries is %d", got)
	}
}
