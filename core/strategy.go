package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	serializer "github.com/offcache/offcache/pkg/response-serializer"
	"github.com/rs/zerolog/log"
)

// serve dispatches a safe request to the strategy configured for its
// partition. Every path below terminates in a real response, a stored
// response, or an offline envelope.
func (c *Cache) serve(w http.ResponseWriter, r *http.Request, p *Partition) {
	switch p.Strategy {
	case CacheFirst:
		c.serveCacheFirst(w, r, p)
	case NetworkFirst:
		c.serveNetworkFirst(w, r, p)
	case StaleWhileRevalidate:
		c.serveStaleWhileRevalidate(w, r, p)
	}
}

func fresh(e Entry, maxAge time.Duration) bool {
	return time.Since(e.StoredAt) < maxAge
}

// lookup reads an entry from the store. Store failures degrade the
// request to network-only handling instead of propagating.
func (c *Cache) lookup(p *Partition, key string) (Entry, bool) {
	e, ok, err := c.store.Get(p.Name, key)
	if err != nil {
		log.Error().Err(err).Str("partition", p.Name).Str("key", key).
			Msg("Store read failed, degrading to network only")
		return Entry{}, false
	}
	return e, ok
}

// writeEntry sends a stored entry to the client. It returns false if the
// entry cannot be deserialized, in which case the corrupt entry is purged
// and the caller falls back to the network.
func (c *Cache) writeEntry(w http.ResponseWriter, p *Partition, e Entry, cacheStatus string) bool {
	res, err := serializer.BytesToResponse(e.Bytes)
	if err != nil {
		log.Error().Err(err).Str("partition", p.Name).Str("key", e.Key).Msg("Could not read stored entry")
		c.store.Delete(p.Name, e.Key)
		return false
	}
	send(w, res, cacheStatus)
	return true
}

// fetchAndStore fetches from the origin and, if the response indicates
// success, replaces the stored entry and trims the partition to its
// configured entry count. The boolean reports whether the response was
// stored.
func (c *Cache) fetchAndStore(r *http.Request, p *Partition, key string) (*http.Response, bool, error) {
	res, err := c.fetch(r)
	if err != nil {
		return nil, false, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res, false, nil
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Could not serialize response")
		return res, false, nil
	}
	e := Entry{Key: key, StoredAt: time.Now(), Bytes: bts}
	if err := c.store.Put(p.Name, key, e); err != nil {
		log.Error().Err(err).Str("partition", p.Name).Str("key", key).Msg("Could not write to cache")
		return res, false, nil
	}
	log.Trace().Str("partition", p.Name).Str("key", key).Msg("Cache write")
	if err := c.store.Trim(p.Name, p.MaxEntries); err != nil {
		log.Error().Err(err).Str("partition", p.Name).Msg("Could not trim partition")
	}
	return res, true, nil
}

func missStatus(stored bool) string {
	if stored {
		return "offcache; fwd=miss; stored"
	}
	return "offcache; fwd=miss"
}

// serveCacheFirst returns a fresh stored entry without any network call.
// Otherwise it fetches and stores, keeping a stale entry as fallback when
// the origin is unreachable.
func (c *Cache) serveCacheFirst(w http.ResponseWriter, r *http.Request, p *Partition) {
	key := requestKey(r, p.VaryHeaders)
	e, ok := c.lookup(p, key)
	if ok && fresh(e, p.MaxAge) {
		if c.writeEntry(w, p, e, "offcache; hit") {
			return
		}
		ok = false
	}

	res, stored, err := c.fetchAndStore(r, p, key)
	if err == nil {
		send(w, res, missStatus(stored))
		return
	}
	log.Debug().Err(err).Str("key", key).Msg("Origin unreachable, serving stale if stored")

	if ok && c.writeEntry(w, p, e, "offcache; hit; stale") {
		return
	}
	c.offline.Write(w, r)
}

type fetchResult struct {
	res    *http.Response
	stored bool
	err    error
}

// serveNetworkFirst races the origin against the partition's network
// timeout. On timeout or failure the most recent stored entry is served
// regardless of freshness. A fetch that loses the race is allowed to
// finish so its response still lands in the store for future callers.
func (c *Cache) serveNetworkFirst(w http.ResponseWriter, r *http.Request, p *Partition) {
	key := requestKey(r, p.VaryHeaders)

	results := make(chan fetchResult, 1)
	req := r.Clone(context.Background())
	go func() {
		res, stored, err := c.fetchAndStore(req, p, key)
		results <- fetchResult{res, stored, err}
	}()

	select {
	case fr := <-results:
		if fr.err == nil {
			send(w, fr.res, missStatus(fr.stored))
			return
		}
		log.Debug().Err(fr.err).Str("key", key).Msg("Origin unreachable, falling back to store")
	case <-time.After(p.NetworkTimeout):
		log.Debug().Err(ErrTimeout).Dur("timeout", p.NetworkTimeout).Str("key", key).
			Msg("Origin too slow, falling back to store")
		// let the fetch finish and populate the cache for future callers
		go func() {
			if fr := <-results; fr.res != nil {
				fr.res.Body.Close()
			}
		}()
	}

	if e, ok := c.lookup(p, key); ok && c.writeEntry(w, p, e, "offcache; hit; stale") {
		return
	}
	c.offline.Write(w, r)
}

// serveStaleWhileRevalidate serves whatever is stored immediately, fresh
// or not, and refreshes the entry with a detached background fetch whose
// failure is logged but never surfaced. With nothing stored it behaves
// like a network fetch without timeout preference.
func (c *Cache) serveStaleWhileRevalidate(w http.ResponseWriter, r *http.Request, p *Partition) {
	key := requestKey(r, p.VaryHeaders)

	if e, ok := c.lookup(p, key); ok {
		if c.writeEntry(w, p, e, "offcache; hit") {
			req := r.Clone(context.Background())
			go c.revalidate(req, p, key)
			return
		}
	}

	res, stored, err := c.fetchAndStore(r, p, key)
	if err == nil {
		send(w, res, missStatus(stored))
		return
	}
	log.Debug().Err(err).Str("key", key).Msg("Origin unreachable and nothing stored")
	c.offline.Write(w, r)
}

// revalidate refreshes one entry in the background.
func (c *Cache) revalidate(req *http.Request, p *Partition, key string) {
	res, _, err := c.fetchAndStore(req, p, key)
	if err != nil {
		if !errors.Is(err, ErrNetwork) {
			log.Warn().Err(err).Str("key", key).Msg("Background revalidation failed")
		} else {
			log.Debug().Err(err).Str("key", key).Msg("Background revalidation skipped, offline")
		}
		return
	}
	res.Body.Close()
}
