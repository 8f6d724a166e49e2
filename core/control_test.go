package core

import (
	"testing"
	"time"
)

// status sends a StatusQuery through the control channel and waits for
// the reply, which also fences all previously sent commands because the
// dispatcher is serial.
func status(c *Cache) StatusReport {
	reply := make(chan StatusReport, 1)
	c.Send(StatusQuery{Reply: reply})
	return <-reply
}

func TestControlStatusAndInvalidate(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()
	c, _ := newTestCache(t, origin, nil, staticPartition(), apiPartition())

	doRequest(c, "GET", "/static/a.css", "")
	doRequest(c, "GET", "/static/b.css", "")
	doRequest(c, "GET", "/api/orders", "")

	report := status(c)
	if report["static"].Count != 2 || report["api"].Count != 1 {
		t.Fatalf("Report is %+v", report)
	}
	if report["static"].ApproxBytes <= 0 {
		t.Fatalf("Report is %+v", report)
	}

	c.Send(Invalidate{Partition: "static"})
	report = status(c)
	if report["static"].Count != 0 {
		t.Fatalf("Report after invalidate is %+v", report)
	}
	if report["api"].Count != 1 {
		t.Fatalf("Sibling partition was invalidated too: %+v", report)
	}

	// empty partition name clears everything
	c.Send(Invalidate{})
	report = status(c)
	if report["api"].Count != 0 {
		t.Fatalf("Report after invalidate all is %+v", report)
	}
}

func TestControlWarmPartition(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()
	c, _ := newTestCache(t, origin, func(cfg *Config) {
		cfg.WarmURLs = map[string][]string{
			"static": {"/static/app.css", "/static/app.js"},
		}
	}, staticPartition())

	c.Send(Warm{Partition: "static"})
	report := status(c)
	if report["static"].Count != 2 {
		t.Fatalf("Report is %+v", report)
	}

	// warmed entries serve without the network
	origin.setDown(true)
	rr := doRequest(c, "GET", "/static/app.css", "")
	if rr.Code != 200 || rr.Body.String() != "ok" {
		t.Fatalf("Response is %d %q", rr.Code, rr.Body.String())
	}

	// warming is idempotent
	origin.setDown(false)
	c.Send(Warm{Partition: "static"})
	report = status(c)
	if report["static"].Count != 2 {
		t.Fatalf("Report is %+v", report)
	}
}

func TestControlWarmExplicitURLs(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()
	c, _ := newTestCache(t, origin, nil, staticPartition())

	c.Send(Warm{URLs: []string{"/static/one.css", "/unmatched"}})
	report := status(c)
	// the unmatched URL has no partition and is skipped
	if report["static"].Count != 1 {
		t.Fatalf("Report is %+v", report)
	}
}

func TestControlPreloadCritical(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()
	c, _ := newTestCache(t, origin, func(cfg *Config) {
		cfg.CriticalURLs = []string{"/static/app.css", "/api/inventory"}
	}, staticPartition(), apiPartition())

	c.Send(PreloadCritical{})
	report := status(c)
	if report["static"].Count != 1 || report["api"].Count != 1 {
		t.Fatalf("Report is %+v", report)
	}
}

func TestActivateDropsOldGenerations(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()

	store := NewMemStore()
	store.SetGeneration("old")
	seedEntry(t, store, "static", "GET /static/app.css", "old generation", 0)

	c, _ := newTestCache(t, origin, func(cfg *Config) {
		cfg.Store = store
		cfg.Generation = "new"
	}, staticPartition())

	if err := c.Activate(); err != nil {
		t.Fatal(err)
	}

	gens, err := store.Generations()
	if err != nil {
		t.Fatal(err)
	}
	for _, gen := range gens {
		if gen != "new" {
			t.Fatalf("Stale generation %q still has storage", gen)
		}
	}

	// the old entry is unreachable and gone
	store.SetGeneration("old")
	if keys, _ := store.ListKeys("static"); len(keys) != 0 {
		t.Fatalf("Old generation still has %d keys", len(keys))
	}
}

func TestActivateTrimsChangedLimits(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()

	store := NewMemStore()
	store.SetGeneration("test")
	for i := 0; i < 8; i++ {
		seedEntry(t, store, "static", "GET /static/"+string(rune('a'+i)), "body", time.Duration(8-i)*time.Minute)
	}

	c, _ := newTestCache(t, origin, func(cfg *Config) {
		cfg.Store = store
	}, staticPartition())

	if err := c.Activate(); err != nil {
		t.Fatal(err)
	}
	// maxEntries is 5, limits apply even to entries from a previous run
	if keys, _ := store.ListKeys("static"); len(keys) != 5 {
		t.Fatalf("Partition has %d entries after activate", len(keys))
	}
}

func TestForceActivateCommand(t *testing.T) {
	origin := newTestOrigin(nil)
	defer origin.Close()

	store := NewMemStore()
	store.SetGeneration("old")
	seedEntry(t, store, "static", "GET /static/app.css", "old generation", 0)

	c, _ := newTestCache(t, origin, func(cfg *Config) {
		cfg.Store = store
		cfg.Generation = "new"
	}, staticPartition())

	c.Send(ForceActivate{})
	report := status(c)
	if report["static"].Count != 0 {
		t.Fatalf("Report is %+v", report)
	}
	gens, _ := store.Generations()
	for _, gen := range gens {
		if gen != "new" {
			t.Fatalf("Stale generation %q still has storage", gen)
		}
	}
}
