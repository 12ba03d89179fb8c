package proxy_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
	"github.com/ncc2025seisaku/akari-go/internal/netio"
	"github.com/ncc2025seisaku/akari-go/internal/proxy"
)

var testPSK = []byte("test-psk-0000-test")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a proxy server on loopback with the given oracle
// and returns its UDP port.
func startServer(t *testing.T, oracle proxy.Oracle, cfg proxy.Config) uint16 {
	t.Helper()

	listener, err := netio.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if cfg.PSK == nil {
		cfg.PSK = testPSK
	}

	srv, err := proxy.NewServer(listener, oracle, cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("server Run: %v", err)
		}
	})

	return uint16(listener.LocalAddr().Port())
}

// newClient dials an engine at the given loopback port.
func newClient(t *testing.T, port uint16) *akari.Client {
	t.Helper()

	c, err := akari.NewClient("127.0.0.1", port, testPSK, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func fastConfig() akari.RequestConfig {
	cfg := akari.DefaultRequestConfig()
	cfg.Timeout = 5 * time.Second
	cfg.SockTimeout = 100 * time.Millisecond
	cfg.FirstSeqTimeout = 100 * time.Millisecond
	return cfg
}

// -------------------------------------------------------------------------
// TestServerServesRequest — full loopback exchange through the daemon
// -------------------------------------------------------------------------

func TestServerServesRequest(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("proxy"), 2000)
	oracle := proxy.OracleFunc(func(_ context.Context, method akari.Method, url string, headers []akari.HeaderField) (proxy.OriginResponse, error) {
		if method != akari.MethodGet {
			t.Errorf("oracle method = %v", method)
		}
		if url != "https://origin.example/data" {
			t.Errorf("oracle url = %q", url)
		}
		return proxy.OriginResponse{
			Status: 200,
			Headers: []akari.HeaderField{
				{Name: "content-type", Value: "application/octet-stream"},
			},
			Body: body,
		}, nil
	})

	port := startServer(t, oracle, proxy.Config{PayloadMax: 1000})
	client := newClient(t, port)

	resp, err := client.SendRequest(context.Background(), akari.MethodGet,
		"https://origin.example/data", nil, fastConfig())
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Equal(resp.Body, body) {
		t.Fatalf("body mismatch: %d bytes", len(resp.Body))
	}
	if len(resp.Headers) != 1 || resp.Headers[0].Name != "content-type" {
		t.Fatalf("headers = %+v", resp.Headers)
	}
}

// TestServerForwardsRequestHeaders verifies the request header block
// reaches the oracle decoded.
func TestServerForwardsRequestHeaders(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []akari.HeaderField
	oracle := proxy.OracleFunc(func(_ context.Context, _ akari.Method, _ string, headers []akari.HeaderField) (proxy.OriginResponse, error) {
		mu.Lock()
		got = headers
		mu.Unlock()
		return proxy.OriginResponse{Status: 204}, nil
	})

	port := startServer(t, oracle, proxy.Config{})
	client := newClient(t, port)

	sent := []akari.HeaderField{
		{Name: "accept", Value: "text/html"},
		{Name: "cache-control", Value: "no-store"},
	}
	resp, err := client.SendRequest(context.Background(), akari.MethodHead,
		"https://origin.example/", sent, fastConfig())
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(sent) {
		t.Fatalf("oracle saw %d headers, want %d", len(got), len(sent))
	}
	for i := range sent {
		if got[i] != sent[i] {
			t.Fatalf("header %d = %+v, want %+v", i, got[i], sent[i])
		}
	}
}

// -------------------------------------------------------------------------
// TestServerOracleFailure — Error packet with the bad-gateway mapping
// -------------------------------------------------------------------------

func TestServerOracleFailure(t *testing.T) {
	t.Parallel()

	oracle := proxy.OracleFunc(func(context.Context, akari.Method, string, []akari.HeaderField) (proxy.OriginResponse, error) {
		return proxy.OriginResponse{}, errors.New("origin unreachable")
	})

	port := startServer(t, oracle, proxy.Config{})
	client := newClient(t, port)

	_, err := client.SendRequest(context.Background(), akari.MethodGet,
		"https://origin.example/down", nil, fastConfig())

	var remote *akari.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if remote.Code != proxy.ErrCodeOracleFailure || remote.HTTPStatus != 502 || remote.Message != "bad gateway" {
		t.Fatalf("remote = %+v", remote)
	}
}

// -------------------------------------------------------------------------
// TestServerSingleFetchPerRequest — Req retries do not refetch
// -------------------------------------------------------------------------

func TestServerSingleFetchPerRequest(t *testing.T) {
	t.Parallel()

	var count int64
	var mu sync.Mutex

	oracle := proxy.OracleFunc(func(_ context.Context, _ akari.Method, _ string, _ []akari.HeaderField) (proxy.OriginResponse, error) {
		mu.Lock()
		count++
		mu.Unlock()
		// Slow enough that the client's first-packet timeout fires and
		// it retries the Req while the fetch is still pending.
		time.Sleep(250 * time.Millisecond)
		return proxy.OriginResponse{Status: 200, Body: []byte("once")}, nil
	})

	port := startServer(t, oracle, proxy.Config{})
	client := newClient(t, port)

	cfg := fastConfig()
	cfg.InitialRequestRetries = 3

	resp, err := client.SendRequest(context.Background(), akari.MethodGet,
		"https://origin.example/slow", nil, cfg)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !bytes.Equal(resp.Body, []byte("once")) {
		t.Fatalf("body = %q", resp.Body)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("oracle fetched %d times, want 1", count)
	}
}

// -------------------------------------------------------------------------
// TestServerConcurrentEngines — the factory seam under parallel load
// -------------------------------------------------------------------------

func TestServerConcurrentEngines(t *testing.T) {
	t.Parallel()

	oracle := proxy.OracleFunc(func(_ context.Context, _ akari.Method, url string, _ []akari.HeaderField) (proxy.OriginResponse, error) {
		return proxy.OriginResponse{Status: 200, Body: []byte(url)}, nil
	})

	port := startServer(t, oracle, proxy.Config{})

	factory, err := akari.NewFactory("127.0.0.1", port, testPSK, discardLogger())
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}

	const parallel = 8
	var wg sync.WaitGroup
	errs := make(chan error, parallel)

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			engine, err := factory.NewEngine()
			if err != nil {
				errs <- err
				return
			}
			defer engine.Close()

			url := fmt.Sprintf("https://origin.example/item/%d", i)
			resp, err := engine.SendRequest(context.Background(), akari.MethodGet, url, nil, fastConfig())
			if err != nil {
				errs <- fmt.Errorf("engine %d: %w", i, err)
				return
			}
			if string(resp.Body) != url {
				errs <- fmt.Errorf("engine %d: body %q", i, resp.Body)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
