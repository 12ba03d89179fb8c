package akari

// Packet-level encoders. Each builds the per-type payload, frames it
// under the appropriate header, and seals it. Request flags are echoed
// on every packet of the exchange so both sides frame consistently.

// EncodeRequest builds a Req datagram. Req carries seq=0, seq_total=1;
// the fields have no sequencing meaning for requests.
func EncodeRequest(key []byte, method Method, url string, headerBlock []byte, messageID uint64, flags uint8) ([]byte, error) {
	payload, err := encodeRequestPayload(method, url, headerBlock)
	if err != nil {
		return nil, err
	}
	h := Header{
		Type:      TypeReq,
		Flags:     flags,
		MessageID: messageID,
		Seq:       0,
		SeqTotal:  1,
	}
	return SealPacket(key, &h, payload)
}

// EncodeRespHead builds the first response datagram. seq_total carries
// the body chunk count so the client learns it before any body packet.
func EncodeRespHead(key []byte, status uint16, bodyLen uint32, hdrChunks uint8, chunk []byte, seqTotalBody uint16, messageID uint64, flags uint8) ([]byte, error) {
	payload := encodeRespHeadPayload(flags, status, bodyLen, hdrChunks, 0, chunk)
	h := Header{
		Type:      TypeRespHead,
		Flags:     flags,
		MessageID: messageID,
		Seq:       0,
		SeqTotal:  seqTotalBody,
	}
	return SealPacket(key, &h, payload)
}

// EncodeRespHeadCont builds a header-block continuation datagram.
// Header continuations are always individually authenticated so header
// loss is detectable per fragment.
func EncodeRespHeadCont(key []byte, chunk []byte, hdrIdx, hdrChunks uint8, messageID uint64, flags uint8) ([]byte, error) {
	payload := encodeRespHeadContPayload(hdrChunks, hdrIdx, chunk)
	h := Header{
		Type:      TypeRespHeadCont,
		Flags:     flags,
		MessageID: messageID,
		Seq:       0,
		SeqTotal:  0, // hdr_idx space is independent of body seq
	}
	return SealPacket(key, &h, payload)
}

// EncodeRespBody builds one body chunk datagram. aggTag, when non-nil,
// is appended to the payload of the final chunk (FlagAggTag mode); the
// framer then omits the per-packet trailer for body packets.
func EncodeRespBody(key []byte, chunk []byte, seq, seqTotal uint16, messageID uint64, flags uint8, aggTag []byte) ([]byte, error) {
	payload := chunk
	if aggTag != nil {
		payload = make([]byte, 0, len(chunk)+len(aggTag))
		payload = append(payload, chunk...)
		payload = append(payload, aggTag...)
	}
	h := Header{
		Type:      TypeRespBody,
		Flags:     flags,
		MessageID: messageID,
		Seq:       seq,
		SeqTotal:  seqTotal,
	}
	return SealPacket(key, &h, payload)
}

// EncodeNackHead builds a header-fragment retransmission request.
func EncodeNackHead(key, bitmap []byte, messageID uint64, flags uint8) ([]byte, error) {
	return encodeNack(key, TypeNackHead, bitmap, messageID, flags)
}

// EncodeNackBody builds a body-chunk retransmission request.
func EncodeNackBody(key, bitmap []byte, messageID uint64, flags uint8) ([]byte, error) {
	return encodeNack(key, TypeNackBody, bitmap, messageID, flags)
}

func encodeNack(key []byte, t PacketType, bitmap []byte, messageID uint64, flags uint8) ([]byte, error) {
	payload, err := encodeNackPayload(bitmap)
	if err != nil {
		return nil, err
	}
	h := Header{
		Type:      t,
		Flags:     flags,
		MessageID: messageID,
		Seq:       0,
		SeqTotal:  1,
	}
	return SealPacket(key, &h, payload)
}

// EncodeError builds a terminal error datagram.
func EncodeError(key []byte, code uint8, httpStatus uint16, message string, messageID uint64, flags uint8) ([]byte, error) {
	payload := encodeErrorPayload(code, httpStatus, message)
	h := Header{
		Type:      TypeError,
		Flags:     flags,
		MessageID: messageID,
		Seq:       0,
		SeqTotal:  1,
	}
	return SealPacket(key, &h, payload)
}
