package akari

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Proxy-Side Responder
// -------------------------------------------------------------------------

// Responder errors.
var (
	// ErrTooManyHeaderChunks indicates a header block needing more
	// than 255 fragments.
	ErrTooManyHeaderChunks = errors.New("header block exceeds 255 fragments")

	// ErrTooManyBodyChunks indicates a body needing more than 65535 chunks.
	ErrTooManyBodyChunks = errors.New("body exceeds 65535 chunks")

	// ErrBodyLenOverflow indicates a body length that does not fit the
	// length field the flags select (24-bit under FlagShortLen).
	ErrBodyLenOverflow = errors.New("body length exceeds length field")
)

// Responder chunks one HTTP response into its full packet set and
// replays packets on NACK. Every packet is encoded exactly once at
// construction; NACK retransmissions reuse the cached bytes, which
// keeps them byte-identical and preserves aggregate integrity.
type Responder struct {
	messageID uint64
	flags     uint8

	// headPackets holds RespHead at index 0 and RespHeadCont after,
	// indexed by hdr_idx.
	headPackets [][]byte

	// bodyPackets holds RespBody datagrams indexed by seq.
	bodyPackets [][]byte
}

// splitChunks cuts data into size-bounded chunks. Empty data yields no
// chunks. size must be positive.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// NewResponder encodes the complete response packet set.
//
// The header block and body are split into fragments of at most
// payloadMax bytes each. Under FlagAggTag the final body packet's
// payload additionally carries the aggregate HMAC over the whole body,
// and body packets travel without per-packet tags.
func NewResponder(key []byte, messageID uint64, flags uint8, payloadMax int, status uint16, headers []HeaderField, body []byte) (*Responder, error) {
	if flags&FlagEncrypt != 0 && flags&FlagAggTag != 0 {
		return nil, ErrFlagConflict
	}
	if payloadMax <= 0 {
		payloadMax = DefaultPayloadMax
	}
	if flags&FlagShortLen != 0 && len(body) > 0xFFFFFF {
		return nil, fmt.Errorf("body %d bytes under short-len: %w", len(body), ErrBodyLenOverflow)
	}

	block, err := EncodeHeaderBlock(headers)
	if err != nil {
		return nil, err
	}
	hdrFrags := splitChunks(block, payloadMax)
	if len(hdrFrags) == 0 {
		// A response always carries at least the RespHead packet, even
		// with an empty header block.
		hdrFrags = [][]byte{nil}
	}
	if len(hdrFrags) > 0xFF {
		return nil, fmt.Errorf("%d fragments: %w", len(hdrFrags), ErrTooManyHeaderChunks)
	}

	bodyChunks := splitChunks(body, payloadMax)
	if len(bodyChunks) > 0xFFFF {
		return nil, fmt.Errorf("%d chunks: %w", len(bodyChunks), ErrTooManyBodyChunks)
	}
	seqTotal := uint16(len(bodyChunks))

	r := &Responder{
		messageID:   messageID,
		flags:       flags,
		headPackets: make([][]byte, 0, len(hdrFrags)),
		bodyPackets: make([][]byte, 0, len(bodyChunks)),
	}

	head, err := EncodeRespHead(key, status, uint32(len(body)), uint8(len(hdrFrags)),
		hdrFrags[0], seqTotal, messageID, flags)
	if err != nil {
		return nil, err
	}
	r.headPackets = append(r.headPackets, head)

	for idx := 1; idx < len(hdrFrags); idx++ {
		cont, err := EncodeRespHeadCont(key, hdrFrags[idx], uint8(idx), uint8(len(hdrFrags)), messageID, flags)
		if err != nil {
			return nil, err
		}
		r.headPackets = append(r.headPackets, cont)
	}

	var aggTag []byte
	if flags&FlagAggTag != 0 && seqTotal > 0 {
		tag := ComputeTag(key, body)
		aggTag = tag[:]
	}
	for seq, chunk := range bodyChunks {
		var tag []byte
		if aggTag != nil && seq == len(bodyChunks)-1 {
			tag = aggTag
		}
		pkt, err := EncodeRespBody(key, chunk, uint16(seq), seqTotal, messageID, flags, tag)
		if err != nil {
			return nil, err
		}
		r.bodyPackets = append(r.bodyPackets, pkt)
	}

	return r, nil
}

// Packets returns every datagram of the response in send order:
// RespHead, continuations, then body chunks.
func (r *Responder) Packets() [][]byte {
	out := make([][]byte, 0, len(r.headPackets)+len(r.bodyPackets))
	out = append(out, r.headPackets...)
	out = append(out, r.bodyPackets...)
	return out
}

// HeadChunks returns the header fragment count.
func (r *Responder) HeadChunks() int { return len(r.headPackets) }

// BodyChunks returns the body chunk count.
func (r *Responder) BodyChunks() int { return len(r.bodyPackets) }

// MessageID returns the message id this responder serves.
func (r *Responder) MessageID() uint64 { return r.messageID }

// OnNack resolves a NACK bitmap against the packet cache and returns
// the datagrams to retransmit, byte-identical to the originals. Bits
// beyond the cached range are ignored.
func (r *Responder) OnNack(t PacketType, bitmap []byte) [][]byte {
	var cache [][]byte
	switch t {
	case TypeNackHead:
		cache = r.headPackets
	case TypeNackBody:
		cache = r.bodyPackets
	default:
		return nil
	}

	var out [][]byte
	for _, idx := range BitmapIndices(bitmap) {
		if idx < len(cache) {
			out = append(out, cache[idx])
		}
	}
	return out
}
