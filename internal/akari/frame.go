package akari

import (
	"fmt"
)

// -------------------------------------------------------------------------
// Packet Framer
// -------------------------------------------------------------------------
//
// A framed datagram is header || payload || authenticator, where the
// authenticator depends on the mode:
//
//   - FlagEncrypt: the payload is replaced by AEAD ciphertext and the
//     16-byte AEAD tag is the trailer.
//   - FlagAggTag on RespBody: no trailer at all; the final body packet
//     carries the aggregate tag inside its payload instead.
//   - otherwise: truncated HMAC-SHA256 over header || payload.
//
// Req, RespHead, RespHeadCont, Nack and Error packets are always
// individually authenticated, even under FlagAggTag; only body packets
// trade per-packet integrity for the aggregate tag.

// aggBody reports whether the packet rides in the tagless aggregate
// body mode.
func aggBody(t PacketType, flags uint8) bool {
	return t == TypeRespBody && flags&FlagAggTag != 0
}

// SealPacket frames payload under h and returns the complete datagram.
// h.PayloadLen is set from the payload. The flag combination
// FlagEncrypt|FlagAggTag is rejected with ErrFlagConflict.
func SealPacket(key []byte, h *Header, payload []byte) ([]byte, error) {
	if h.Flags&FlagEncrypt != 0 && h.Flags&FlagAggTag != 0 {
		return nil, fmt.Errorf("seal %s: %w", h.Type, ErrFlagConflict)
	}
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("seal %s: %d bytes: %w", h.Type, len(payload), ErrPayloadTooLarge)
	}
	h.PayloadLen = uint16(len(payload))
	if h.Flags&FlagShortID != 0 {
		// Only 16 id bits travel on the wire; the AEAD nonce must be
		// derived from what the receiver can reconstruct.
		h.MessageID &= 0xFFFF
	}

	headerBytes := make([]byte, h.EncodedLen())
	if _, err := MarshalHeader(h, headerBytes); err != nil {
		return nil, err
	}

	if h.Flags&FlagEncrypt != 0 {
		sealed, err := sealPayload(key, h, headerBytes, payload)
		if err != nil {
			return nil, err
		}
		return append(headerBytes, sealed...), nil
	}

	datagram := make([]byte, 0, len(headerBytes)+len(payload)+TagLen)
	datagram = append(datagram, headerBytes...)
	datagram = append(datagram, payload...)
	if aggBody(h.Type, h.Flags) {
		return datagram, nil
	}

	tag := ComputeTag(key, datagram)
	return append(datagram, tag[:]...), nil
}

// OpenPacket parses and authenticates a datagram, returning the header
// and the plaintext payload bytes.
//
// Length is checked exactly: header + payload_len + trailer, where the
// trailer is zero for aggregate-mode body packets and TagLen otherwise.
// Aggregate-mode body packets are returned unauthenticated; their
// integrity is covered by the aggregate tag verified after reassembly.
func OpenPacket(key, datagram []byte) (Header, []byte, error) {
	var h Header
	hdrLen, err := UnmarshalHeader(datagram, &h)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Flags&FlagEncrypt != 0 && h.Flags&FlagAggTag != 0 {
		return Header{}, nil, fmt.Errorf("open %s: %w", h.Type, ErrFlagConflict)
	}

	tagLen := TagLen
	if aggBody(h.Type, h.Flags) {
		tagLen = 0
	}
	expected := hdrLen + int(h.PayloadLen) + tagLen
	if len(datagram) != expected {
		return Header{}, nil, fmt.Errorf("open %s: expected %d bytes, got %d: %w",
			h.Type, expected, len(datagram), ErrInvalidPacketLength)
	}

	headerBytes := datagram[:hdrLen]
	body := datagram[hdrLen:]

	switch {
	case h.Flags&FlagEncrypt != 0:
		// body = ciphertext || AEAD tag; payload_len counts the
		// plaintext, and the ciphertext is the same length.
		plaintext, err := openPayload(key, &h, headerBytes, body)
		if err != nil {
			return Header{}, nil, err
		}
		return h, plaintext, nil

	case tagLen == 0:
		payload := make([]byte, h.PayloadLen)
		copy(payload, body)
		return h, payload, nil

	default:
		payload := body[:h.PayloadLen]
		tag := body[h.PayloadLen:]
		if !VerifyTag(key, datagram[:hdrLen+int(h.PayloadLen)], tag) {
			return Header{}, nil, ErrHmacMismatch
		}
		out := make([]byte, h.PayloadLen)
		copy(out, payload)
		return h, out, nil
	}
}
