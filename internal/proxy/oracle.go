package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
)

// -------------------------------------------------------------------------
// Oracle — the HTTP fetch collaborator
// -------------------------------------------------------------------------

// OriginResponse is what the oracle hands back for one fetch.
type OriginResponse struct {
	Status  uint16
	Headers []akari.HeaderField
	Body    []byte
}

// Oracle performs the actual HTTP exchange for a decoded request. The
// protocol treats it as opaque: given (method, url, headers) it yields
// a response or an error. Tests substitute canned oracles.
type Oracle interface {
	Fetch(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (OriginResponse, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (OriginResponse, error)

// Fetch implements Oracle.
func (f OracleFunc) Fetch(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (OriginResponse, error) {
	return f(ctx, method, url, headers)
}

// maxOriginBody bounds how much of an origin response body is read.
// A body larger than 65535 chunks cannot be framed anyway.
const maxOriginBody = 64 << 20 // 64 MiB

// HTTPOracle fetches over net/http with a per-request timeout.
type HTTPOracle struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPOracle creates the production oracle. timeout bounds each
// origin fetch; zero means no bound beyond the caller's context.
func NewHTTPOracle(timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Fetch performs the origin exchange and flattens the result.
func (o *HTTPOracle) Fetch(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (OriginResponse, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method.String(), url, nil)
	if err != nil {
		return OriginResponse{}, fmt.Errorf("build origin request: %w", err)
	}
	for _, f := range headers {
		req.Header.Add(f.Name, f.Value)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return OriginResponse{}, fmt.Errorf("origin fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOriginBody))
	if err != nil {
		return OriginResponse{}, fmt.Errorf("read origin body: %w", err)
	}

	var fields []akari.HeaderField
	for name, values := range resp.Header {
		for _, v := range values {
			fields = append(fields, akari.HeaderField{Name: name, Value: v})
		}
	}

	return OriginResponse{
		Status:  uint16(resp.StatusCode),
		Headers: fields,
		Body:    body,
	}, nil
}
