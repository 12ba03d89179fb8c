package akari

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// -------------------------------------------------------------------------
// Request Configuration
// -------------------------------------------------------------------------

// RequestConfig controls one send/receive exchange.
type RequestConfig struct {
	// Timeout is the overall deadline for the whole request.
	// Zero means wait indefinitely.
	Timeout time.Duration

	// MaxNackRounds caps NACK emissions. Negative means unbounded.
	MaxNackRounds int

	// InitialRequestRetries is the number of Req retransmissions
	// attempted while no response packet has been seen.
	InitialRequestRetries uint32

	// SockTimeout is the per-receive deadline that drives the NACK and
	// retry clock.
	SockTimeout time.Duration

	// FirstSeqTimeout bounds only the wait for the first response
	// packet. Zero aliases SockTimeout.
	FirstSeqTimeout time.Duration

	// AggTag requests aggregate body authentication (FlagAggTag).
	AggTag bool

	// ShortID requests 16-bit message ids on the wire (FlagShortID).
	ShortID bool

	// ShortLen requests 24-bit body lengths in RespHead (FlagShortLen).
	ShortLen bool

	// Encrypt requests AEAD payload encryption (FlagEncrypt).
	// Mutually exclusive with AggTag.
	Encrypt bool

	// PayloadMax mirrors the proxy-side per-packet payload bound.
	// The responder decides the actual chunking; this field is held
	// for future request-side negotiation. Zero means DefaultPayloadMax.
	PayloadMax uint32
}

// DefaultRequestConfig returns the standard request parameters: 10s
// overall, 3 NACK rounds, one request retry, 1s socket timeout, 500ms
// first-packet timeout, aggregate tags on.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		Timeout:               10 * time.Second,
		MaxNackRounds:         3,
		InitialRequestRetries: 1,
		SockTimeout:           1 * time.Second,
		FirstSeqTimeout:       500 * time.Millisecond,
		AggTag:                true,
	}
}

// flags folds the config into the wire flag byte.
func (cfg *RequestConfig) flags() (uint8, error) {
	var flags uint8
	if cfg.AggTag {
		flags |= FlagAggTag
	}
	if cfg.Encrypt {
		flags |= FlagEncrypt
	}
	if cfg.ShortID {
		flags |= FlagShortID
	}
	if cfg.ShortLen {
		flags |= FlagShortLen
	}
	if flags&FlagEncrypt != 0 && flags&FlagAggTag != 0 {
		return 0, ErrFlagConflict
	}
	return flags, nil
}

// -------------------------------------------------------------------------
// Results & Errors
// -------------------------------------------------------------------------

// TransferStats counts wire activity for one request.
type TransferStats struct {
	BytesSent      uint64
	BytesReceived  uint64
	NacksSent      uint32
	RequestRetries uint32
}

// HTTPResponse is the assembled result of one exchange.
type HTTPResponse struct {
	StatusCode uint16
	Headers    []HeaderField
	Body       []byte
	Stats      TransferStats
}

// Client request errors.
var (
	// ErrTimeout indicates the overall deadline was reached.
	ErrTimeout = errors.New("request timed out")

	// ErrIncomplete indicates the exchange ended with missing body
	// chunks or an unknown status.
	ErrIncomplete = errors.New("response incomplete")
)

// RemoteError is a terminal Error packet surfaced verbatim.
type RemoteError struct {
	Code       uint8
	HTTPStatus uint16
	Message    string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (code %d, status %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// -------------------------------------------------------------------------
// Message ID Allocation
// -------------------------------------------------------------------------

// nextMessageID is the process-wide monotonic message id counter.
// Uniqueness is only required within a (socket, remote) pair for the
// lifetime of an outstanding request; a shared counter satisfies that
// trivially for any number of engines.
var nextMessageID atomic.Uint64

// AllocMessageID returns the next message id. The first id is 1.
func AllocMessageID() uint64 {
	return nextMessageID.Add(1)
}

// -------------------------------------------------------------------------
// Client — the protocol engine
// -------------------------------------------------------------------------

// Client is a single-socket AKARI-UDP engine. It owns its UDP socket,
// derived key, and per-request accumulator. One request is in flight
// at a time; the socket lock enforces this. Concurrency is achieved by
// running independent Clients on disjoint sockets (see Factory).
type Client struct {
	conn   *net.UDPConn
	key    []byte
	logger *slog.Logger

	// mu serializes requests over the socket.
	mu sync.Mutex

	// allocID yields message ids; overridable for tests.
	allocID func() uint64
}

// ClientOption configures optional Client parameters.
type ClientOption func(*Client)

// WithMessageIDFunc overrides the message id allocator.
func WithMessageIDFunc(f func() uint64) ClientOption {
	return func(c *Client) {
		if f != nil {
			c.allocID = f
		}
	}
}

// NewClient resolves host:port, binds an ephemeral UDP socket, and
// connects it to the remote proxy.
func NewClient(host string, port uint16, psk []byte, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	key, err := DeriveKey(psk)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}

	c := &Client{
		conn:    conn,
		key:     key,
		allocID: AllocMessageID,
		logger: logger.With(
			slog.String("component", "akari.client"),
			slog.String("remote", raddr.String()),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the socket.
func (c *Client) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local socket address.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// -------------------------------------------------------------------------
// SendRequest — per-request state machine
// -------------------------------------------------------------------------

// SendRequest performs one HTTP exchange through the proxy and blocks
// until the response is assembled, a terminal error arrives, or a
// deadline passes.
//
// The request walks: send Req -> await first response packet (Req
// retries on silence) -> accumulate RespHead/RespHeadCont/RespBody,
// NACKing missing fragments on the socket-timeout clock -> verify the
// aggregate tag -> assemble. Packets for other message ids, packets
// that fail to decode, and packets that fail authentication are
// dropped silently.
func (c *Client) SendRequest(ctx context.Context, method Method, url string, headers []HeaderField, cfg RequestConfig) (*HTTPResponse, error) {
	flags, err := cfg.flags()
	if err != nil {
		return nil, err
	}
	block, err := EncodeHeaderBlock(headers)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	messageID := c.allocID()
	datagram, err := EncodeRequest(c.key, method, url, block, messageID, flags)
	if err != nil {
		return nil, err
	}

	req := &inflight{
		client:    c,
		cfg:       cfg,
		flags:     flags,
		messageID: messageID,
		request:   datagram,
		acc:       newAccumulator(messageID),
		start:     time.Now(),
		logger: c.logger.With(
			slog.Uint64("message_id", messageID),
			slog.String("method", method.String()),
		),
	}
	req.retriesLeft = cfg.InitialRequestRetries

	if err := req.send(datagram); err != nil {
		return nil, err
	}
	return req.run(ctx)
}

// inflight is the per-request engine state. It exists from request
// send until the response is returned or the request aborts.
type inflight struct {
	client    *Client
	cfg       RequestConfig
	flags     uint8
	messageID uint64
	request   []byte
	acc       *accumulator
	stats     TransferStats
	logger    *slog.Logger

	start        time.Time
	lastActivity time.Time
	retriesLeft  uint32
	nacksSent    int
	gotAny       bool
}

// send transmits a datagram and counts it.
func (r *inflight) send(datagram []byte) error {
	if _, err := r.client.conn.Write(datagram); err != nil {
		return fmt.Errorf("send %d bytes: %w", len(datagram), err)
	}
	r.stats.BytesSent += uint64(len(datagram))
	return nil
}

// deadlineExceeded reports whether the overall deadline has passed.
func (r *inflight) deadlineExceeded() bool {
	return r.cfg.Timeout > 0 && time.Since(r.start) >= r.cfg.Timeout
}

// recvTimeout returns the deadline for the next socket read. Until the
// first response packet arrives, FirstSeqTimeout (when set) governs.
func (r *inflight) recvTimeout() time.Duration {
	if !r.gotAny && r.cfg.FirstSeqTimeout > 0 {
		return r.cfg.FirstSeqTimeout
	}
	if r.cfg.SockTimeout > 0 {
		return r.cfg.SockTimeout
	}
	return time.Second
}

// canNack reports whether another NACK round is allowed.
func (r *inflight) canNack() bool {
	return r.cfg.MaxNackRounds < 0 || r.nacksSent < r.cfg.MaxNackRounds
}

// run is the receive loop.
func (r *inflight) run(ctx context.Context) (*HTTPResponse, error) {
	bufp, ok := PacketPool.Get().(*[]byte)
	if !ok {
		return nil, errors.New("packet pool returned unexpected type")
	}
	defer PacketPool.Put(bufp)
	buf := *bufp

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("request aborted: %w", err)
		}
		if r.deadlineExceeded() {
			return nil, ErrTimeout
		}

		if err := r.client.conn.SetReadDeadline(time.Now().Add(r.recvTimeout())); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}

		n, err := r.client.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				if terr := r.onSocketTimeout(); terr != nil {
					return nil, terr
				}
				continue
			case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED):
				// ICMP unreachable surfaced on the connected socket.
				// Swallow and keep waiting; the proxy may still answer.
				continue
			default:
				return nil, fmt.Errorf("recv: %w", err)
			}
		}

		r.stats.BytesReceived += uint64(n)

		complete, err := r.onPacket(buf[:n])
		if err != nil {
			return nil, err
		}
		if complete {
			return r.finish()
		}
	}
}

// onPacket decodes and feeds one datagram into the accumulator.
// Undecodable or unauthenticated packets are dropped silently and do
// not count as activity. Returns complete=true when both header block
// and body have fully arrived.
func (r *inflight) onPacket(datagram []byte) (bool, error) {
	pkt, err := DecodePacket(r.client.key, datagram)
	if err != nil {
		r.logger.Debug("dropping packet", slog.String("error", err.Error()))
		return false, nil
	}
	if pkt.Header.MessageID != r.wireMessageID() {
		return false, nil
	}

	r.gotAny = true
	r.lastActivity = time.Now()

	switch p := pkt.Payload.(type) {
	case RespHeadPayload:
		r.acc.addHead(&p)

	case RespHeadContPayload:
		r.acc.addHeadCont(&p)

	case RespBodyPayload:
		r.acc.addBody(&p)
		if r.acc.bodyComplete() && r.acc.headerComplete() {
			return true, nil
		}
		// Receipt of the final chunk while gaps remain is the early
		// NACK trigger; it beats waiting out the socket timeout.
		if r.acc.bodySeqTotal > 0 && int(p.Seq) == r.acc.bodySeqTotal-1 {
			if err := r.nackBody(); err != nil {
				return false, err
			}
		}

	case ErrorPayload:
		return false, &RemoteError{Code: p.ErrorCode, HTTPStatus: p.HTTPStatus, Message: p.Message}

	default:
		// Req/Nack types are proxy-bound; ignore.
	}

	return r.acc.bodyComplete() && r.acc.headerComplete(), nil
}

// wireMessageID returns the id as it appears on the wire: truncated to
// 16 bits under FlagShortID.
func (r *inflight) wireMessageID() uint64 {
	if r.flags&FlagShortID != 0 {
		return r.messageID & 0xFFFF
	}
	return r.messageID
}

// onSocketTimeout drives the retry and NACK clocks.
func (r *inflight) onSocketTimeout() error {
	// Nothing received yet: retransmit the request.
	if r.acc.empty() {
		if r.retriesLeft > 0 {
			if err := r.send(r.request); err != nil {
				return err
			}
			r.retriesLeft--
			r.stats.RequestRetries++
			r.lastActivity = time.Now()
			r.logger.Debug("request retransmitted",
				slog.Uint64("retries_left", uint64(r.retriesLeft)))
		}
		return nil
	}

	// Header total known but incomplete: NACK the missing fragments.
	if r.acc.hdrTotal >= 0 && !r.acc.headerComplete() {
		return r.nackHead()
	}

	// Body total known but incomplete: NACK the missing chunks.
	if r.acc.bodySeqTotal >= 0 && !r.acc.bodyComplete() {
		return r.nackBody()
	}
	return nil
}

// nackHead emits a NackHead for the missing header fragments.
func (r *inflight) nackHead() error {
	return r.nack(TypeNackHead, r.acc.missingHeaderIndices())
}

// nackBody emits a NackBody for the missing body chunks.
func (r *inflight) nackBody() error {
	return r.nack(TypeNackBody, r.acc.missingBodySeqs())
}

// nack builds and sends one NACK round. An empty missing set sends
// nothing. Each successful send resets the activity clock but never
// the overall deadline.
func (r *inflight) nack(t PacketType, missing []int) error {
	if len(missing) == 0 || !r.canNack() {
		return nil
	}
	bitmap := BuildBitmap(missing)

	var datagram []byte
	var err error
	if t == TypeNackHead {
		datagram, err = EncodeNackHead(r.client.key, bitmap, r.messageID, r.flags)
	} else {
		datagram, err = EncodeNackBody(r.client.key, bitmap, r.messageID, r.flags)
	}
	if err != nil {
		return err
	}
	if err := r.send(datagram); err != nil {
		return err
	}
	r.nacksSent++
	r.stats.NacksSent++
	r.lastActivity = time.Now()
	r.logger.Debug("nack sent",
		slog.String("type", t.String()),
		slog.Int("missing", len(missing)))
	return nil
}

// finish verifies the aggregate tag and assembles the response.
func (r *inflight) finish() (*HTTPResponse, error) {
	body := r.acc.assembleBody()
	if body == nil || !r.acc.statusKnown {
		return nil, ErrIncomplete
	}

	if r.cfg.AggTag {
		if r.acc.aggTag == nil {
			if r.acc.bodySeqTotal > 0 {
				return nil, ErrAggTagMismatch
			}
		} else {
			expected := ComputeTag(r.client.key, body)
			if subtle.ConstantTimeCompare(expected[:], r.acc.aggTag) != 1 {
				return nil, ErrAggTagMismatch
			}
		}
	}

	resp := &HTTPResponse{
		StatusCode: r.acc.statusCode,
		Headers:    r.acc.assembleHeaders(),
		Body:       body,
		Stats:      r.stats,
	}
	r.logger.Debug("response assembled",
		slog.Int("status", int(resp.StatusCode)),
		slog.Int("body_len", len(body)),
		slog.Uint64("nacks_sent", uint64(r.stats.NacksSent)))
	return resp, nil
}

// -------------------------------------------------------------------------
// Factory — the client pool seam
// -------------------------------------------------------------------------

// Factory mints independent engines against one remote, each owning
// its own socket. Callers running concurrent requests create one
// engine per in-flight call; message ids stay unique across all of
// them via the shared counter.
type Factory struct {
	host   string
	port   uint16
	psk    []byte
	logger *slog.Logger
}

// NewFactory validates the PSK once and returns an engine factory.
func NewFactory(host string, port uint16, psk []byte, logger *slog.Logger) (*Factory, error) {
	if _, err := DeriveKey(psk); err != nil {
		return nil, err
	}
	return &Factory{host: host, port: port, psk: psk, logger: logger}, nil
}

// NewEngine creates a fresh engine on its own socket.
func (f *Factory) NewEngine() (*Client, error) {
	return NewClient(f.host, f.port, f.psk, f.logger)
}
