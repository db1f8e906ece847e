package store

import (
	"fmt"
	"net/http"
)

// TargetURL returns the absolute URL a request is addressed to
func TargetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	// Reconstruct URL from Host header
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.String())
}

// Key is the normalized identity of a request: method and absolute URL, query included
func Key(r *http.Request) string {
	return KeyFor(r.Method, TargetURL(r))
}

// KeyFor builds a key from a method and an absolute URL
func KeyFor(method, targetURL string) string {
	return method + " " + targetURL
}
