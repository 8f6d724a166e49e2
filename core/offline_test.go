package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fallbackFor(t *testing.T, o *OfflineResponder, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rr := httptest.NewRecorder()
	o.Write(rr, httptest.NewRequest("GET", path, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON %q: %v", rr.Body.String(), err)
	}
	return rr, body
}

func TestGenericFallback(t *testing.T) {
	o := NewOfflineResponder(nil, 0)
	rr, body := fallbackFor(t, o, "/whatever")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("Content type is %s", rr.Header().Get("Content-Type"))
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("Retry-After is %s", rr.Header().Get("Retry-After"))
	}
	if body["ok"] != false || body["offline"] != true {
		t.Fatalf("Envelope is %v", body)
	}
	if body["retryAfterSeconds"] != float64(30) {
		t.Fatalf("Envelope is %v", body)
	}
	if body["message"] == "" {
		t.Fatalf("Envelope is %v", body)
	}
}

func TestCollectionFallbackCarriesEmptyItems(t *testing.T) {
	o := NewOfflineResponder([]FallbackRule{
		{Prefix: "/api/inventory", Kind: FallbackCollection},
	}, 60)
	_, body := fallbackFor(t, o, "/api/inventory?page=2")

	items, ok := body["items"].([]interface{})
	if !ok || len(items) != 0 {
		t.Fatalf("Envelope is %v", body)
	}
	if body["offline"] != true {
		t.Fatalf("Envelope is %v", body)
	}
	if body["retryAfterSeconds"] != float64(60) {
		t.Fatalf("Envelope is %v", body)
	}
}

func TestSubmissionFallbackNotAccepted(t *testing.T) {
	o := NewOfflineResponder([]FallbackRule{
		{Prefix: "/contact", Kind: FallbackSubmission},
	}, 0)
	_, body := fallbackFor(t, o, "/contact")

	if body["accepted"] != false || body["offline"] != true {
		t.Fatalf("Envelope is %v", body)
	}
}

func TestFallbackFirstRuleWins(t *testing.T) {
	o := NewOfflineResponder([]FallbackRule{
		{Prefix: "/api/inventory", Kind: FallbackCollection},
		{Prefix: "/api/", Kind: FallbackSubmission},
	}, 0)
	_, body := fallbackFor(t, o, "/api/inventory")
	if _, ok := body["items"]; !ok {
		t.Fatalf("Envelope is %v", body)
	}
	_, body = fallbackFor(t, o, "/api/orders")
	if _, ok := body["accepted"]; !ok {
		t.Fatalf("Envelope is %v", body)
	}
}
