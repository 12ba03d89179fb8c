// Package proxy implements the daemon side of AKARI-UDP: it receives
// requests, drives the HTTP oracle, chunks responses into the wire
// format, and answers NACKs from a byte-identical packet cache.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
	"github.com/ncc2025seisaku/akari-go/internal/netio"
)

// -------------------------------------------------------------------------
// Error Packet Mapping
// -------------------------------------------------------------------------

// Remote error codes carried in Error packets.
const (
	// ErrCodeOracleFailure covers any failed origin fetch.
	ErrCodeOracleFailure uint8 = 1

	// ErrCodeResponseTooLarge covers responses that cannot be framed.
	ErrCodeResponseTooLarge uint8 = 2
)

// badGatewayStatus is the HTTP status reported for oracle failures.
const badGatewayStatus uint16 = 502

// -------------------------------------------------------------------------
// Metrics Seam
// -------------------------------------------------------------------------

// MetricsReporter receives proxy events. The daemon wires a Prometheus
// implementation; tests and the zero value use noopMetrics.
type MetricsReporter interface {
	// RequestReceived is called per decoded Req packet.
	RequestReceived()

	// ResponseSent is called once per completed response with the
	// packet count of the initial transmission.
	ResponseSent(packets int)

	// NackReceived is called per decoded NACK with the replay count.
	NackReceived(packetType string, retransmitted int)

	// PacketDropped is called for undecodable or unroutable datagrams.
	PacketDropped()

	// OracleFailed is called when an origin fetch fails.
	OracleFailed()

	// ExchangesLive reports the live exchange count after a sweep.
	ExchangesLive(n int)
}

// noopMetrics is the default reporter.
type noopMetrics struct{}

func (noopMetrics) RequestReceived()         {}
func (noopMetrics) ResponseSent(int)         {}
func (noopMetrics) NackReceived(string, int) {}
func (noopMetrics) PacketDropped()           {}
func (noopMetrics) OracleFailed()            {}
func (noopMetrics) ExchangesLive(int)        {}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// Config holds the proxy server parameters.
type Config struct {
	// PSK is the pre-shared key; the derived key authenticates every
	// packet both ways.
	PSK []byte

	// PayloadMax bounds per-packet payloads. Zero means
	// akari.DefaultPayloadMax.
	PayloadMax int

	// ExchangeTTL is how long a served response stays replayable for
	// NACKs. Zero means 30 seconds.
	ExchangeTTL time.Duration

	// SweepInterval is the janitor cadence. Zero means 5 seconds.
	SweepInterval time.Duration
}

// Server is the proxy-side responder daemon: one UDP socket, one
// oracle, and a table of replayable exchanges.
type Server struct {
	listener *netio.Listener
	oracle   Oracle
	key      []byte
	cfg      Config
	metrics  MetricsReporter
	logger   *slog.Logger

	exchanges *exchangeTable

	// wg tracks per-request oracle goroutines for clean shutdown.
	wg sync.WaitGroup
}

// ServerOption configures optional Server parameters.
type ServerOption func(*Server)

// WithMetrics attaches a MetricsReporter. A nil reporter keeps the
// default no-op implementation.
func WithMetrics(mr MetricsReporter) ServerOption {
	return func(s *Server) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// NewServer derives the wire key and assembles the server around an
// already-bound listener.
func NewServer(listener *netio.Listener, oracle Oracle, cfg Config, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	key, err := akari.DeriveKey(cfg.PSK)
	if err != nil {
		return nil, err
	}
	if cfg.PayloadMax <= 0 {
		cfg.PayloadMax = akari.DefaultPayloadMax
	}
	if cfg.ExchangeTTL <= 0 {
		cfg.ExchangeTTL = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	s := &Server{
		listener:  listener,
		oracle:    oracle,
		key:       key,
		cfg:       cfg,
		metrics:   noopMetrics{},
		exchanges: newExchangeTable(cfg.ExchangeTTL),
		logger: logger.With(
			slog.String("component", "proxy.server"),
			slog.String("listen", listener.LocalAddr().String()),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run serves until ctx is cancelled. It owns the receive loop and the
// exchange janitor; the listener is closed on the way out, unblocking
// the pending receive.
func (s *Server) Run(ctx context.Context) error {
	janitorDone := make(chan struct{})
	go s.janitor(ctx, janitorDone)

	// Close the socket when ctx falls; this unblocks Recv.
	closerDone := make(chan struct{})
	go func() {
		defer close(closerDone)
		<-ctx.Done()
		s.listener.Close()
	}()

	err := s.recvLoop(ctx)

	<-janitorDone
	<-closerDone
	s.wg.Wait()

	if err != nil && ctx.Err() != nil {
		return nil // shutdown, not failure
	}
	return err
}

// janitor periodically evicts expired exchanges.
func (s *Server) janitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			live := s.exchanges.sweep(now)
			s.metrics.ExchangesLive(live)
		}
	}
}

// recvLoop reads datagrams until the socket closes. Undecodable
// packets are dropped silently at Debug, mirroring the client side:
// authentication failures must not produce observable traffic.
func (s *Server) recvLoop(ctx context.Context) error {
	for {
		buf, addr, release, err := s.listener.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy recv: %w", err)
		}

		pkt, derr := akari.DecodePacket(s.key, buf)
		if derr != nil {
			s.metrics.PacketDropped()
			s.logger.Debug("dropping packet",
				slog.String("src", addr.String()),
				slog.String("error", derr.Error()),
			)
			release()
			continue
		}
		release()

		s.dispatch(ctx, addr, pkt)
	}
}

// dispatch routes one decoded packet.
func (s *Server) dispatch(ctx context.Context, addr netip.AddrPort, pkt akari.Packet) {
	key := exchangeKey{peer: addr, messageID: pkt.Header.MessageID}

	switch payload := pkt.Payload.(type) {
	case akari.RequestPayload:
		s.metrics.RequestReceived()
		s.onRequest(ctx, addr, key, pkt.Header.Flags, payload)

	case akari.NackPayload:
		s.onNack(addr, key, pkt.Header.Type, payload)

	default:
		// Response-direction packets have no business arriving here.
		s.metrics.PacketDropped()
	}
}

// onRequest serves a Req packet. A duplicate of a completed exchange
// replays the cached packet set; a duplicate of a pending fetch is
// dropped; a fresh request claims a slot and fetches asynchronously.
func (s *Server) onRequest(ctx context.Context, addr netip.AddrPort, key exchangeKey, flags uint8, req akari.RequestPayload) {
	if ex := s.exchanges.lookup(key); ex != nil {
		if ex.pending {
			return
		}
		s.sendPackets(addr, ex.responder.Packets())
		return
	}
	if !s.exchanges.claim(key, time.Now()) {
		return
	}

	logger := s.logger.With(
		slog.String("peer", addr.String()),
		slog.Uint64("message_id", key.messageID),
		slog.String("method", req.Method.String()),
	)
	headers := akari.DecodeHeaderBlock(req.HeaderBlock)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		origin, err := s.oracle.Fetch(ctx, req.Method, req.URL, headers)
		if err != nil {
			s.failRequest(addr, key, flags, logger, err)
			return
		}

		responder, err := akari.NewResponder(s.key, key.messageID, flags,
			s.cfg.PayloadMax, origin.Status, origin.Headers, origin.Body)
		if err != nil {
			logger.Warn("response cannot be framed", slog.String("error", err.Error()))
			s.sendError(addr, key, flags, ErrCodeResponseTooLarge, badGatewayStatus, "response too large")
			s.exchanges.drop(key)
			return
		}

		s.exchanges.complete(key, responder, time.Now())
		packets := responder.Packets()
		if s.sendPackets(addr, packets) {
			s.metrics.ResponseSent(len(packets))
		}

		logger.Debug("response sent",
			slog.Int("status", int(origin.Status)),
			slog.Int("head_chunks", responder.HeadChunks()),
			slog.Int("body_chunks", responder.BodyChunks()),
		)
	}()
}

// failRequest maps an oracle failure to one Error packet.
func (s *Server) failRequest(addr netip.AddrPort, key exchangeKey, flags uint8, logger *slog.Logger, err error) {
	s.metrics.OracleFailed()
	logger.Warn("origin fetch failed", slog.String("error", err.Error()))
	s.sendError(addr, key, flags, ErrCodeOracleFailure, badGatewayStatus, "bad gateway")
	s.exchanges.drop(key)
}

// sendError transmits a terminal Error packet. Encode failures here
// have nowhere to go but the log.
func (s *Server) sendError(addr netip.AddrPort, key exchangeKey, flags uint8, code uint8, status uint16, msg string) {
	datagram, err := akari.EncodeError(s.key, code, status, msg, key.messageID, flags)
	if err != nil {
		s.logger.Error("encode error packet", slog.String("error", err.Error()))
		return
	}
	if err := s.listener.Send(datagram, addr); err != nil {
		s.logger.Debug("send error packet", slog.String("error", err.Error()))
	}
}

// sendPackets transmits a packet set in order and reports whether every
// datagram was sent.
func (s *Server) sendPackets(addr netip.AddrPort, packets [][]byte) bool {
	for _, datagram := range packets {
		if err := s.listener.Send(datagram, addr); err != nil {
			s.logger.Debug("send packet", slog.String("error", err.Error()))
			return false
		}
	}
	return true
}

// onNack replays the requested packets byte-identically from the
// exchange cache. NACKs for unknown or expired exchanges are dropped.
func (s *Server) onNack(addr netip.AddrPort, key exchangeKey, t akari.PacketType, nack akari.NackPayload) {
	ex := s.exchanges.lookup(key)
	if ex == nil || ex.pending {
		s.metrics.PacketDropped()
		return
	}

	replays := ex.responder.OnNack(t, nack.Bitmap)
	for _, datagram := range replays {
		if err := s.listener.Send(datagram, addr); err != nil {
			s.logger.Debug("send retransmission", slog.String("error", err.Error()))
			return
		}
	}
	s.metrics.NackReceived(t.String(), len(replays))
}
