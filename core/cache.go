package core

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config wires a Cache together. Store and OriginURL are required;
// everything else has a working default.
type Config struct {
	Store      Store
	Queue      Queue
	Registry   *Registry
	Offline    *OfflineResponder
	OriginURL  url.URL
	OriginHost string
	// Generation tags this process's cache storage. Activating the
	// cache deletes storage of every other generation.
	Generation string
	// QueueEndpoints lists path prefixes of mutating endpoints whose
	// failed submissions are queued for replay instead of erroring.
	QueueEndpoints []string
	// CriticalURLs are prefetched by the preload-critical command.
	CriticalURLs []string
	// WarmURLs maps partition names to the fixed URL set prefetched by
	// the warm command for that partition.
	WarmURLs map[string][]string
}

// Cache intercepts outgoing requests and decides per request whether to
// serve from the persistent store, fetch fresh data, or both. It
// implements http.Handler; the host environment's interception mechanism
// adapts onto that boundary.
type Cache struct {
	store         Store
	queue         Queue
	registry      *Registry
	offline       *OfflineResponder
	originURL     url.URL
	originHost    string
	generation    string
	queueMatchers []matcher
	critical      []string
	warm          map[string][]string
	replayer      *Replayer
	httpClient    http.Client
	commands      chan Command
}

// New creates a cache from the given config and starts the control
// channel dispatcher. Call Activate to bump the storage generation and
// Close to shut down.
func New(config Config) (*Cache, error) {
	if config.Store == nil {
		return nil, configErr("a store is required")
	}
	if config.OriginURL.Host == "" {
		return nil, configErr("an origin URL is required")
	}
	if config.Generation == "" {
		config.Generation = "1"
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.Offline == nil {
		config.Offline = NewOfflineResponder(nil, 0)
	}
	if config.Queue == nil {
		config.Queue = NewMemQueue()
	}
	queueMatchers, err := compileRules(config.QueueEndpoints)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:         config.Store,
		queue:         config.Queue,
		registry:      config.Registry,
		offline:       config.Offline,
		originURL:     config.OriginURL,
		originHost:    config.OriginHost,
		generation:    config.Generation,
		queueMatchers: queueMatchers,
		critical:      config.CriticalURLs,
		warm:          config.WarmURLs,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		commands: make(chan Command),
	}
	c.store.SetGeneration(c.generation)
	c.replayer = NewReplayer(c.queue, c.originURL, nil)
	go c.runControl()
	return c, nil
}

// SetOnline feeds the external connectivity signal through to the
// replayer. The offline-to-online edge triggers a queue replay.
func (c *Cache) SetOnline(online bool) {
	c.replayer.SetOnline(online)
}

// Close stops the control dispatcher and closes the submission queue.
func (c *Cache) Close() error {
	close(c.commands)
	return c.queue.Close()
}

// ServeHTTP implements the http.Handler interface.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer c.recover(w, r)
	c.handle(w, r)
}

// recover recovers from panics and sends the response to the escape hatch.
func (c *Cache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		c.passthrough(w, r, true)
	}
}

func (c *Cache) handle(w http.ResponseWriter, r *http.Request) {
	log.Trace().Str("method", r.Method).Str("path", r.URL.Path).Msg("Incoming request")

	if isSafe(r) {
		if p := c.registry.Resolve(r); p != nil {
			c.serve(w, r, p)
			return
		}
		// no partition matched: plain proxying with a generic fallback
		c.passthrough(w, r, true)
		return
	}

	if c.queueable(r) {
		c.submit(w, r)
		return
	}

	// mutating request to an unrecognized endpoint: pass through untouched
	c.passthrough(w, r, false)
}

func isSafe(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

func (c *Cache) queueable(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	for _, m := range c.queueMatchers {
		if m.match(r.URL.Path) {
			return true
		}
	}
	return false
}

// submit attempts a mutating request directly. If the origin is
// unreachable, the submission is queued durably and the client gets an
// accepted-and-queued response instead of an error.
func (c *Cache) submit(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Could not read request body", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))

	res, err := c.fetch(r)
	if err == nil {
		send(w, res, "offcache; fwd=bypass")
		return
	}
	log.Debug().Err(err).Str("target", r.URL.RequestURI()).Msg("Queueing failed submission")

	id, qerr := c.queue.Enqueue(Submission{
		Target:     r.URL.RequestURI(),
		Method:     r.Method,
		Header:     r.Header.Clone(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
	if qerr != nil {
		log.Error().Err(qerr).Msg("Could not enqueue submission")
		c.offline.Write(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queued": true,
		"id":     id,
	})
}

// passthrough pipes the request to the origin. On network failure it
// either synthesizes an offline fallback or reports a bad gateway.
func (c *Cache) passthrough(w http.ResponseWriter, r *http.Request, fallback bool) {
	res, err := c.fetch(r)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Passthrough failed")
		if fallback {
			c.offline.Write(w, r)
		} else {
			http.Error(w, "Could not reach origin", http.StatusBadGateway)
		}
		return
	}
	send(w, res, "offcache; fwd=bypass")
}

// fetch the resource specified in the incoming request from the origin.
func (c *Cache) fetch(r *http.Request) (*http.Response, error) {
	uri := c.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequest(r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.Host = c.originHost
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkErr(err)
	}
	return res, nil
}

func send(w http.ResponseWriter, r *http.Response, cacheStatus string) error {
	if r.Body != nil {
		defer r.Body.Close()
	}
	copyHeader(w.Header(), r.Header)
	w.Header().Add("Cache-Status", cacheStatus)
	w.WriteHeader(r.StatusCode)
	_, err := io.Copy(w, r.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip proxy forwarding headers, some origins reject them
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
