package akari_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
)

// -------------------------------------------------------------------------
// TestSealOpenRoundTrip — framer round trip across flag combinations
// -------------------------------------------------------------------------

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	payload := []byte("some payload bytes")

	flagCombos := []struct {
		name  string
		flags uint8
	}{
		{"plain", 0},
		{"short id", akari.FlagShortID},
		{"short len", akari.FlagShortLen},
		{"short id+len", akari.FlagShortID | akari.FlagShortLen},
		{"encrypt", akari.FlagEncrypt},
		{"encrypt short id", akari.FlagEncrypt | akari.FlagShortID},
		{"agg tag", akari.FlagAggTag},
		{"agg tag short id+len", akari.FlagAggTag | akari.FlagShortID | akari.FlagShortLen},
	}

	for _, fc := range flagCombos {
		t.Run(fc.name, func(t *testing.T) {
			t.Parallel()

			h := akari.Header{
				Type:      akari.TypeRespBody,
				Flags:     fc.flags,
				MessageID: 0xCAFE,
				Seq:       2,
				SeqTotal:  5,
			}
			datagram, err := akari.SealPacket(key, &h, payload)
			if err != nil {
				t.Fatalf("SealPacket: %v", err)
			}

			got, plain, err := akari.OpenPacket(key, datagram)
			if err != nil {
				t.Fatalf("OpenPacket: %v", err)
			}
			if got.Type != h.Type || got.Seq != h.Seq || got.SeqTotal != h.SeqTotal {
				t.Fatalf("header mismatch: got %+v want %+v", got, h)
			}
			if !bytes.Equal(plain, payload) {
				t.Fatalf("payload mismatch: got %q want %q", plain, payload)
			}

			// Aggregate-mode body packets carry no trailer; everything
			// else carries exactly TagLen extra bytes.
			wantLen := got.EncodedLen() + len(payload)
			if fc.flags&akari.FlagAggTag == 0 {
				wantLen += akari.TagLen
			}
			if len(datagram) != wantLen {
				t.Fatalf("datagram length = %d, want %d", len(datagram), wantLen)
			}
		})
	}
}

// TestSealNonBodyAggStillTagged verifies that FlagAggTag removes the
// per-packet trailer only from RespBody packets; NACKs and requests
// keep individual authentication.
func TestSealNonBodyAggStillTagged(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	h := akari.Header{
		Type:      akari.TypeNackBody,
		Flags:     akari.FlagAggTag,
		MessageID: 1,
		SeqTotal:  1,
	}
	datagram, err := akari.SealPacket(key, &h, []byte{0x01, 0x04})
	if err != nil {
		t.Fatalf("SealPacket: %v", err)
	}
	if len(datagram) != h.EncodedLen()+2+akari.TagLen {
		t.Fatalf("nack under agg flag lost its per-packet tag: %d bytes", len(datagram))
	}
	if _, _, err := akari.OpenPacket(key, datagram); err != nil {
		t.Fatalf("OpenPacket: %v", err)
	}
}

// -------------------------------------------------------------------------
// TestAuthenticatorSensitivity — every flipped bit must be detected
// -------------------------------------------------------------------------

func TestAuthenticatorSensitivity(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	payload := []byte("integrity matters")

	for _, mode := range []struct {
		name  string
		flags uint8
	}{
		{"hmac", 0},
		{"aead", akari.FlagEncrypt},
	} {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()

			h := akari.Header{
				Type:      akari.TypeRespHead,
				Flags:     mode.flags,
				MessageID: 42,
				SeqTotal:  1,
			}
			datagram, err := akari.SealPacket(key, &h, payload)
			if err != nil {
				t.Fatalf("SealPacket: %v", err)
			}

			for i := range datagram {
				for bit := 0; bit < 8; bit++ {
					mutated := append([]byte(nil), datagram...)
					mutated[i] ^= 1 << bit
					if _, _, err := akari.OpenPacket(key, mutated); err == nil {
						t.Fatalf("bit %d of byte %d flipped undetected", bit, i)
					}
				}
			}
		})
	}
}

// TestPayloadTamperErrors pins the error kind for payload and tag
// mutations, which never disturb header parsing.
func TestPayloadTamperErrors(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	payload := []byte("abcdef")

	t.Run("hmac mismatch", func(t *testing.T) {
		t.Parallel()

		h := akari.Header{Type: akari.TypeRespBody, MessageID: 9, SeqTotal: 1}
		datagram, err := akari.SealPacket(key, &h, payload)
		if err != nil {
			t.Fatalf("SealPacket: %v", err)
		}
		datagram[len(datagram)-1] ^= 0xFF
		if _, _, err := akari.OpenPacket(key, datagram); !errors.Is(err, akari.ErrHmacMismatch) {
			t.Fatalf("err = %v, want ErrHmacMismatch", err)
		}
	})

	t.Run("aead failed", func(t *testing.T) {
		t.Parallel()

		h := akari.Header{Type: akari.TypeRespBody, Flags: akari.FlagEncrypt, MessageID: 9, SeqTotal: 1}
		datagram, err := akari.SealPacket(key, &h, payload)
		if err != nil {
			t.Fatalf("SealPacket: %v", err)
		}
		datagram[len(datagram)-1] ^= 0xFF
		if _, _, err := akari.OpenPacket(key, datagram); !errors.Is(err, akari.ErrAeadFailed) {
			t.Fatalf("err = %v, want ErrAeadFailed", err)
		}
	})
}

// -------------------------------------------------------------------------
// TestFlagExclusivity — ENCRYPT|AGG_TAG is rejected both ways
// -------------------------------------------------------------------------

func TestFlagExclusivity(t *testing.T) {
	t.Parallel()

	key := testKey(t)

	h := akari.Header{
		Type:      akari.TypeRespBody,
		Flags:     akari.FlagEncrypt | akari.FlagAggTag,
		MessageID: 1,
		SeqTotal:  1,
	}
	if _, err := akari.SealPacket(key, &h, []byte("x")); !errors.Is(err, akari.ErrFlagConflict) {
		t.Fatalf("seal err = %v, want ErrFlagConflict", err)
	}

	// Hand-craft a datagram with the forbidden combination: valid
	// header, arbitrary trailer. Decode must reject on flags alone.
	forged := akari.Header{
		Type:      akari.TypeRespBody,
		Flags:     akari.FlagEncrypt,
		MessageID: 1,
		SeqTotal:  1,
	}
	datagram, err := akari.SealPacket(key, &forged, []byte("x"))
	if err != nil {
		t.Fatalf("SealPacket: %v", err)
	}
	datagram[4] |= akari.FlagAggTag
	if _, _, err := akari.OpenPacket(key, datagram); !errors.Is(err, akari.ErrFlagConflict) {
		t.Fatalf("open err = %v, want ErrFlagConflict", err)
	}
}

// TestOpenPacketLengthMismatch covers the exact-length rule.
func TestOpenPacketLengthMismatch(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	h := akari.Header{Type: akari.TypeRespBody, MessageID: 3, SeqTotal: 1}
	datagram, err := akari.SealPacket(key, &h, []byte("chunk"))
	if err != nil {
		t.Fatalf("SealPacket: %v", err)
	}

	for _, mutated := range [][]byte{
		datagram[:len(datagram)-1],
		append(append([]byte(nil), datagram...), 0x00),
	} {
		if _, _, err := akari.OpenPacket(key, mutated); !errors.Is(err, akari.ErrInvalidPacketLength) {
			t.Fatalf("err = %v, want ErrInvalidPacketLength", err)
		}
	}
}
