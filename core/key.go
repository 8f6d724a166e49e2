package core

import (
	"net/http"
	"strings"
)

// requestKey returns the deterministic cache key for a request.
// The key depends on the method and URL. For partitions that declare vary
// headers, the values of those headers are folded into the key as well, so
// that variants of the same URL are stored side by side.
func requestKey(r *http.Request, vary []string) string {
	key := r.Method + " " + r.URL.RequestURI()
	for _, name := range vary {
		if val := r.Header.Get(name); val != "" {
			key += "\n" + strings.ToLower(name) + ": " + val
		}
	}
	return key
}
