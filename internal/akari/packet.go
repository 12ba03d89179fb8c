package akari

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants — AKARI-UDP v3 wire format
// -------------------------------------------------------------------------

// Version is the AKARI-UDP protocol version carried in every header.
// Versions 1 and 2 are legacy formats and are refused on receipt.
const Version uint8 = 0x03

// magic is the two-byte prefix of every AKARI-UDP datagram.
var magic = [2]byte{'A', 'K'}

// TagLen is the length of every authenticator: the truncated per-packet
// HMAC-SHA256 tag, the AEAD tag, and the aggregate body tag.
const TagLen = 16

// FixedHeaderLen is the header size excluding the variable-length
// message id: magic(2) + version(1) + type(1) + flags(1) + reserved(1)
// + seq(2) + seq_total(2) + payload_len(2). The full header is this
// plus 2 or 8 id bytes.
const FixedHeaderLen = 12

// MaxDatagramSize bounds receive buffers. UDP cannot carry more.
const MaxDatagramSize = 65535

// DefaultPayloadMax is the per-packet payload bound used when the
// caller does not configure one. Chosen to keep header + payload + tag
// within a conservative path MTU.
const DefaultPayloadMax = 1200

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Flags
// -------------------------------------------------------------------------

// Header flag bits. FlagEncrypt and FlagAggTag are mutually exclusive;
// the combination is rejected at both encode and decode.
const (
	// FlagEncrypt selects XChaCha20-Poly1305 AEAD for the payload. The
	// AEAD tag replaces the per-packet HMAC tag.
	FlagEncrypt uint8 = 0x80

	// FlagAggTag selects aggregate authentication for the response
	// body: RespBody packets carry no per-packet tag, and the final
	// body packet carries a single HMAC over the reassembled body as
	// the last TagLen bytes of its payload.
	FlagAggTag uint8 = 0x40

	// FlagShortID shrinks the message id field from 8 to 2 bytes.
	FlagShortID uint8 = 0x20

	// FlagShortLen shrinks the RespHead body_len field from 4 to 3 bytes.
	FlagShortLen uint8 = 0x10
)

// nonceFlagMask selects the flag bits mixed into the AEAD nonce.
const nonceFlagMask uint8 = 0x03

// -------------------------------------------------------------------------
// Packet Types
// -------------------------------------------------------------------------

// PacketType identifies the role of a v3 datagram.
type PacketType uint8

const (
	// TypeReq is a client request: method, URL, and request headers.
	TypeReq PacketType = 0

	// TypeRespHead is the first response packet: status code, body
	// length, and the first response header-block fragment.
	TypeRespHead PacketType = 1

	// TypeRespHeadCont is a continuation header-block fragment. Its
	// hdr_idx space is independent of the body seq space.
	TypeRespHeadCont PacketType = 2

	// TypeRespBody is one response body chunk.
	TypeRespBody PacketType = 3

	// TypeNackHead requests retransmission of header fragments.
	TypeNackHead PacketType = 4

	// TypeNackBody requests retransmission of body chunks.
	TypeNackBody PacketType = 5

	// TypeError reports a terminal proxy-side failure.
	TypeError PacketType = 6
)

// typeNames maps packet types to human-readable strings.
var typeNames = [7]string{
	"Req",
	"RespHead",
	"RespHeadCont",
	"RespBody",
	"NackHead",
	"NackBody",
	"Error",
}

// String returns the human-readable name for the packet type.
func (t PacketType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf(unknownFmt, uint8(t))
}

// valid reports whether t is a defined v3 packet type.
func (t PacketType) valid() bool {
	return int(t) < len(typeNames)
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for wire codec failures.
var (
	// ErrInvalidMagic indicates the datagram does not start with "AK".
	ErrInvalidMagic = errors.New("invalid magic")

	// ErrUnsupportedVersion indicates a non-v3 version byte. Legacy
	// v1/v2 datagrams are refused, not gatewayed.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrUnknownPacketType indicates a packet type outside 0..6.
	ErrUnknownPacketType = errors.New("unknown packet type")

	// ErrInvalidHeaderLength indicates the datagram is too short to
	// hold the header its flags describe.
	ErrInvalidHeaderLength = errors.New("invalid header length")

	// ErrInvalidPacketLength indicates the datagram length does not
	// match header + payload_len + authenticator exactly.
	ErrInvalidPacketLength = errors.New("invalid packet length")

	// ErrFlagConflict indicates FlagEncrypt and FlagAggTag were both
	// set. Aggregate HMAC authenticates plaintext while AEAD
	// authenticates per-packet ciphertext; the mix is meaningless.
	ErrFlagConflict = errors.New("encrypt and aggregate-tag flags are mutually exclusive")

	// ErrPayloadTooLarge indicates a payload exceeding the u16 length field.
	ErrPayloadTooLarge = errors.New("payload exceeds 65535 bytes")

	// ErrHmacMismatch indicates per-packet HMAC verification failed.
	ErrHmacMismatch = errors.New("hmac mismatch")

	// ErrAeadFailed indicates AEAD open failed (tag or AAD mismatch).
	ErrAeadFailed = errors.New("aead authentication failed")

	// ErrAggTagMismatch indicates the assembled body failed aggregate
	// verification, or the tag was absent when FlagAggTag was set.
	ErrAggTagMismatch = errors.New("aggregate tag mismatch")

	// ErrMissingPayload indicates a payload shorter than its fixed fields.
	ErrMissingPayload = errors.New("missing payload data")

	// ErrUnsupportedMethod indicates a method byte outside GET/HEAD/POST.
	ErrUnsupportedMethod = errors.New("unsupported request method")

	// ErrInvalidURLLength indicates the Req length fields do not add up
	// to the payload length.
	ErrInvalidURLLength = errors.New("invalid url length")

	// ErrInvalidUTF8 indicates a URL or error message that is not UTF-8.
	ErrInvalidUTF8 = errors.New("invalid utf-8 in payload")
)

// -------------------------------------------------------------------------
// Header
// -------------------------------------------------------------------------

// Header is the decoded v3 packet header.
//
// Wire format (big-endian):
//
//	off 0 : magic "AK"     (2)
//	off 2 : version = 0x03 (1)
//	off 3 : packet_type    (1)  0..6
//	off 4 : flags          (1)
//	off 5 : reserved = 0   (1)
//	off 6 : message_id     (2 or 8)  FlagShortID selects 2
//	off * : seq            (2)
//	off * : seq_total      (2)
//	off * : payload_len    (2)
//
// With FlagShortID only the low 16 bits of MessageID are carried.
type Header struct {
	// Type is the packet type (off 3).
	Type PacketType

	// Flags is the raw flag byte (off 4).
	Flags uint8

	// MessageID scopes reassembly and the AEAD nonce. 16-bit on the
	// wire when FlagShortID is set, 64-bit otherwise.
	MessageID uint64

	// Seq is the zero-based body chunk index for RespBody packets.
	Seq uint16

	// SeqTotal is the body chunk count. On RespHead it announces the
	// count before any body packet arrives.
	SeqTotal uint16

	// PayloadLen is the payload byte count following the header.
	PayloadLen uint16
}

// idLen returns the encoded message id length selected by Flags.
func (h *Header) idLen() int {
	if h.Flags&FlagShortID != 0 {
		return 2
	}
	return 8
}

// EncodedLen returns the total header length on the wire: 14 bytes
// with FlagShortID, 20 without.
func (h *Header) EncodedLen() int {
	return FixedHeaderLen + h.idLen()
}

// headerLen computes the header length for a raw flag byte.
func headerLen(flags uint8) int {
	if flags&FlagShortID != 0 {
		return FixedHeaderLen + 2
	}
	return FixedHeaderLen + 8
}

// MarshalHeader serializes h into buf and returns the number of bytes
// written. buf must be at least h.EncodedLen() bytes.
func MarshalHeader(h *Header, buf []byte) (int, error) {
	n := h.EncodedLen()
	if len(buf) < n {
		return 0, fmt.Errorf("marshal header: need %d bytes, got %d: %w",
			n, len(buf), ErrInvalidHeaderLength)
	}
	if !h.Type.valid() {
		return 0, fmt.Errorf("marshal header: type %d: %w", h.Type, ErrUnknownPacketType)
	}

	buf[0] = magic[0]
	buf[1] = magic[1]
	buf[2] = Version
	buf[3] = uint8(h.Type)
	buf[4] = h.Flags
	buf[5] = 0 // reserved

	off := 6
	if h.idLen() == 2 {
		binary.BigEndian.PutUint16(buf[off:], uint16(h.MessageID))
		off += 2
	} else {
		binary.BigEndian.PutUint64(buf[off:], h.MessageID)
		off += 8
	}
	binary.BigEndian.PutUint16(buf[off:], h.Seq)
	binary.BigEndian.PutUint16(buf[off+2:], h.SeqTotal)
	binary.BigEndian.PutUint16(buf[off+4:], h.PayloadLen)

	return n, nil
}


// UnmarshalHeader decodes a v3 header from buf into h and returns the
// header length consumed.
//
// Validation order: magic, version, packet type, header length for the
// id width the flags select. Everything after the header (payload and
// authenticator) is the framer's concern.
func UnmarshalHeader(buf []byte, h *Header) (int, error) {
	if len(buf) < FixedHeaderLen {
		return 0, fmt.Errorf("unmarshal header: %d bytes: %w", len(buf), ErrInvalidHeaderLength)
	}
	if buf[0] != magic[0] || buf[1] != magic[1] {
		return 0, fmt.Errorf("unmarshal header: magic %q: %w", buf[0:2], ErrInvalidMagic)
	}
	if buf[2] != Version {
		return 0, fmt.Errorf("unmarshal header: version %d: %w", buf[2], ErrUnsupportedVersion)
	}
	t := PacketType(buf[3])
	if !t.valid() {
		return 0, fmt.Errorf("unmarshal header: type %d: %w", buf[3], ErrUnknownPacketType)
	}
	flags := buf[4]

	n := headerLen(flags)
	if len(buf) < n {
		return 0, fmt.Errorf("unmarshal header: %d bytes for flags %#02x: %w",
			len(buf), flags, ErrInvalidHeaderLength)
	}

	h.Type = t
	h.Flags = flags

	off := 6
	if flags&FlagShortID != 0 {
		h.MessageID = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	} else {
		h.MessageID = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}
	h.Seq = binary.BigEndian.Uint16(buf[off:])
	h.SeqTotal = binary.BigEndian.Uint16(buf[off+2:])
	h.PayloadLen = binary.BigEndian.Uint16(buf[off+4:])

	return n, nil
}

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for receive buffers
// -------------------------------------------------------------------------

// PacketPool provides reusable receive buffers sized for the largest
// possible UDP datagram. The pool stores *[]byte to avoid interface
// allocation on Get()/Put().
//
// Usage:
//
//	bufp := akari.PacketPool.Get().(*[]byte)
//	defer akari.PacketPool.Put(bufp)
//	n, addr, err := conn.ReadFromUDPAddrPort(*bufp)
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}
