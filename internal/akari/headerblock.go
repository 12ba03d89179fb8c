package akari

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Header Block Codec
// -------------------------------------------------------------------------
//
// HTTP headers travel as an ordered list of entries:
//
//	entry = id(1)
//	  id == 0: name_len(1) || name || val_len(2) || value
//	  id >  0: val_len(2) || value, name from the static table
//
// The static table is frozen at ids 1..11; extending it is a wire
// compatibility break and requires a version bump.

// HeaderField is one (name, value) pair of an HTTP header list.
type HeaderField struct {
	Name  string
	Value string
}

// staticHeaderNames maps static ids 1..11 to header names.
var staticHeaderNames = [12]string{
	"", // id 0 is the literal-name escape
	"content-type",
	"content-length",
	"cache-control",
	"etag",
	"last-modified",
	"date",
	"server",
	"content-encoding",
	"accept-ranges",
	"set-cookie",
	"location",
}

// staticHeaderIDs is the reverse mapping, lowercase name to id.
var staticHeaderIDs = func() map[string]uint8 {
	m := make(map[string]uint8, len(staticHeaderNames)-1)
	for id := 1; id < len(staticHeaderNames); id++ {
		m[staticHeaderNames[id]] = uint8(id)
	}
	return m
}()

// staticHeaderName resolves a static id. Unknown ids decode to a
// synthetic "x-unknown-<id>" name rather than failing, so a peer with
// a newer table does not break reassembly.
func staticHeaderName(id uint8) string {
	if int(id) < len(staticHeaderNames) && id > 0 {
		return staticHeaderNames[id]
	}
	return fmt.Sprintf("x-unknown-%d", id)
}

// EncodeHeaderBlock serializes fields in order. Names matching the
// static table (case-insensitive) are emitted as static ids.
func EncodeHeaderBlock(fields []HeaderField) ([]byte, error) {
	var block []byte
	for _, f := range fields {
		if len(f.Name) > 0xFF {
			return nil, fmt.Errorf("header name %d bytes: %w", len(f.Name), ErrPayloadTooLarge)
		}
		if len(f.Value) > 0xFFFF {
			return nil, fmt.Errorf("header %q value %d bytes: %w", f.Name, len(f.Value), ErrPayloadTooLarge)
		}

		if id, ok := staticHeaderIDs[strings.ToLower(f.Name)]; ok {
			block = append(block, id)
		} else {
			block = append(block, 0, byte(len(f.Name)))
			block = append(block, f.Name...)
		}
		block = binary.BigEndian.AppendUint16(block, uint16(len(f.Value)))
		block = append(block, f.Value...)
	}
	return block, nil
}

// DecodeHeaderBlock parses a header block into fields. Truncated
// trailing entries are dropped rather than failing: a reassembled
// block is authenticated as a whole, and tolerating a short tail
// mirrors how the wire producer behaves.
func DecodeHeaderBlock(block []byte) []HeaderField {
	var fields []HeaderField
	pos := 0
	for pos < len(block) {
		id := block[pos]
		pos++

		var name string
		if id == 0 {
			if pos >= len(block) {
				break
			}
			nameLen := int(block[pos])
			pos++
			if pos+nameLen > len(block) {
				break
			}
			name = string(block[pos : pos+nameLen])
			pos += nameLen
		} else {
			name = staticHeaderName(id)
		}

		if pos+2 > len(block) {
			break
		}
		valLen := int(binary.BigEndian.Uint16(block[pos : pos+2]))
		pos += 2
		if pos+valLen > len(block) {
			break
		}
		fields = append(fields, HeaderField{
			Name:  name,
			Value: string(block[pos : pos+valLen]),
		})
		pos += valLen
	}
	return fields
}
