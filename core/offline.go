package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// FallbackKind selects the envelope shape synthesized for an endpoint
// family when neither cache nor network can satisfy a request.
type FallbackKind string

const (
	// FallbackGeneric is the plain service-unavailable envelope.
	FallbackGeneric FallbackKind = "generic"
	// FallbackCollection adds an empty item list, so callers can tell
	// "no results" from "no network".
	FallbackCollection FallbackKind = "collection"
	// FallbackSubmission marks a form-style endpoint whose submission
	// was not accepted.
	FallbackSubmission FallbackKind = "submission"
)

// FallbackRule maps a URL path prefix to a fallback kind.
type FallbackRule struct {
	Prefix string
	Kind   FallbackKind
}

// OfflineResponder synthesizes structured fallback responses. It never
// fails; every request gets a well-formed JSON envelope with an
// offline marker.
type OfflineResponder struct {
	rules      []FallbackRule
	retryAfter int
}

// NewOfflineResponder creates a responder with the given endpoint-family
// rules. retryAfterSeconds is advertised in every envelope; zero selects
// a 30 second default.
func NewOfflineResponder(rules []FallbackRule, retryAfterSeconds int) *OfflineResponder {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 30
	}
	return &OfflineResponder{rules: rules, retryAfter: retryAfterSeconds}
}

func (o *OfflineResponder) kind(r *http.Request) FallbackKind {
	for _, rule := range o.rules {
		if strings.HasPrefix(r.URL.Path, rule.Prefix) {
			return rule.Kind
		}
	}
	return FallbackGeneric
}

// Write sends the fallback envelope for the request to the client.
func (o *OfflineResponder) Write(w http.ResponseWriter, r *http.Request) {
	envelope := map[string]interface{}{
		"ok":                false,
		"offline":           true,
		"message":           "service unavailable while offline",
		"retryAfterSeconds": o.retryAfter,
	}
	switch o.kind(r) {
	case FallbackCollection:
		envelope["items"] = []interface{}{}
	case FallbackSubmission:
		envelope["accepted"] = false
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		// cannot happen for a map of basic values
		log.Error().Err(err).Msg("Could not marshal offline envelope")
		body = []byte(`{"ok":false,"offline":true}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(o.retryAfter))
	w.Header().Set("Cache-Status", "offcache; fwd=miss; fwd-status=offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(body)
}
