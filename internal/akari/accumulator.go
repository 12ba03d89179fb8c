package akari

import "sort"

// -------------------------------------------------------------------------
// Response Accumulator
// -------------------------------------------------------------------------

// accumulator gathers the response packets of one message until both
// the header block and the body are complete. One accumulator exists
// per in-flight message id and does not survive the request.
//
// Chunks arrive in any order; duplicates overwrite identically, so
// redelivery is a no-op.
type accumulator struct {
	messageID uint64

	// bodyChunks maps body seq -> chunk bytes.
	bodyChunks map[uint16][]byte

	// bodySeqTotal is the body chunk count, once known. A nonzero
	// seq_total on a RespBody packet overrides the RespHead value.
	bodySeqTotal int

	// statusCode and bodyLen come from RespHead. statusKnown
	// distinguishes "no RespHead yet" from status 0.
	statusCode  uint16
	bodyLen     uint32
	statusKnown bool

	// hdrChunks maps hdr_idx -> header-block fragment.
	hdrChunks map[uint8][]byte

	// hdrTotal is the header fragment count, once known.
	hdrTotal int

	// aggTag is the aggregate tag from the final body chunk, if any.
	aggTag []byte
}

func newAccumulator(messageID uint64) *accumulator {
	return &accumulator{
		messageID:    messageID,
		bodyChunks:   make(map[uint16][]byte),
		bodySeqTotal: -1,
		hdrChunks:    make(map[uint8][]byte),
		hdrTotal:     -1,
	}
}

// addHead records the RespHead packet: status, declared body length,
// body chunk count, and the first header fragment.
func (a *accumulator) addHead(p *RespHeadPayload) {
	a.statusCode = p.StatusCode
	a.bodyLen = p.BodyLen
	a.statusKnown = true
	a.bodySeqTotal = int(p.SeqTotalBody)
	a.hdrTotal = int(p.HdrChunks)
	a.hdrChunks[p.HdrIdx] = p.HeaderBlock
}

// addHeadCont records a header continuation fragment.
func (a *accumulator) addHeadCont(p *RespHeadContPayload) {
	a.hdrTotal = int(p.HdrChunks)
	a.hdrChunks[p.HdrIdx] = p.HeaderBlock
}

// addBody records a body chunk. A nonzero seq_total on the packet
// overrides any earlier announcement; zero leaves it untouched.
func (a *accumulator) addBody(p *RespBodyPayload) {
	a.bodyChunks[p.Seq] = p.Chunk
	if p.SeqTotal > 0 {
		a.bodySeqTotal = int(p.SeqTotal)
	}
	if p.AggTag != nil {
		a.aggTag = p.AggTag
	}
}

// headerComplete reports whether every header fragment has arrived.
func (a *accumulator) headerComplete() bool {
	return a.hdrTotal >= 0 && len(a.hdrChunks) >= a.hdrTotal
}

// bodyComplete reports whether every body chunk has arrived.
func (a *accumulator) bodyComplete() bool {
	return a.bodySeqTotal >= 0 && len(a.bodyChunks) >= a.bodySeqTotal
}

// empty reports whether nothing of the response has arrived yet. Used
// to decide between re-sending the request and NACKing.
func (a *accumulator) empty() bool {
	return !a.statusKnown && len(a.bodyChunks) == 0 && len(a.hdrChunks) == 0
}

// missingHeaderIndices lists the hdr_idx values not yet received.
func (a *accumulator) missingHeaderIndices() []int {
	if a.hdrTotal < 0 {
		return nil
	}
	var missing []int
	for i := 0; i < a.hdrTotal; i++ {
		if _, ok := a.hdrChunks[uint8(i)]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// missingBodySeqs lists the body seq values not yet received.
func (a *accumulator) missingBodySeqs() []int {
	if a.bodySeqTotal < 0 {
		return nil
	}
	var missing []int
	for i := 0; i < a.bodySeqTotal; i++ {
		if _, ok := a.bodyChunks[uint16(i)]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// assembleHeaders concatenates header fragments in ascending hdr_idx
// order and decodes the block. Returns nil until complete.
func (a *accumulator) assembleHeaders() []HeaderField {
	if !a.headerComplete() {
		return nil
	}
	indices := make([]int, 0, len(a.hdrChunks))
	for idx := range a.hdrChunks {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	var combined []byte
	for _, idx := range indices {
		combined = append(combined, a.hdrChunks[uint8(idx)]...)
	}
	return DecodeHeaderBlock(combined)
}

// assembleBody concatenates body chunks in ascending seq order.
// Returns nil until complete (a complete zero-chunk body yields a
// non-nil empty slice).
func (a *accumulator) assembleBody() []byte {
	if !a.bodyComplete() {
		return nil
	}
	seqs := make([]int, 0, len(a.bodyChunks))
	for seq := range a.bodyChunks {
		seqs = append(seqs, int(seq))
	}
	sort.Ints(seqs)

	body := make([]byte, 0)
	for _, seq := range seqs {
		body = append(body, a.bodyChunks[uint16(seq)]...)
	}
	return body
}
