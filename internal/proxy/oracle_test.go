package proxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
	"github.com/ncc2025seisaku/akari-go/internal/proxy"
)

// TestHTTPOracleFetch drives the production oracle against an
// in-process origin.
func TestHTTPOracleFetch(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("origin saw method %s", r.Method)
		}
		if got := r.Header.Get("X-Token"); got != "abc" {
			t.Errorf("origin saw X-Token %q", got)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("origin body"))
	}))
	defer origin.Close()
	// The oracle's client rides http.DefaultTransport; drop idle
	// connections so the leak check stays clean.
	defer http.DefaultTransport.(*http.Transport).CloseIdleConnections()

	oracle := proxy.NewHTTPOracle(5 * time.Second)
	resp, err := oracle.Fetch(context.Background(), akari.MethodGet, origin.URL,
		[]akari.HeaderField{{Name: "X-Token", Value: "abc"}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if string(resp.Body) != "origin body" {
		t.Fatalf("body = %q", resp.Body)
	}

	var contentType string
	for _, f := range resp.Headers {
		if strings.EqualFold(f.Name, "content-type") {
			contentType = f.Value
		}
	}
	if contentType != "text/plain" {
		t.Fatalf("content-type = %q", contentType)
	}
}

// TestHTTPOracleTimeout verifies the per-fetch deadline.
func TestHTTPOracleTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(block)
	defer http.DefaultTransport.(*http.Transport).CloseIdleConnections()

	oracle := proxy.NewHTTPOracle(100 * time.Millisecond)
	if _, err := oracle.Fetch(context.Background(), akari.MethodGet, origin.URL, nil); err == nil {
		t.Fatal("expected timeout error")
	}
}
