package akari_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
)

// testPSK matches the key used across the end-to-end scenarios.
var testPSK = []byte("test-psk-0000-test")

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := akari.DeriveKey(testPSK)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return key
}

// -------------------------------------------------------------------------
// TestDeriveKey
// -------------------------------------------------------------------------

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	t.Run("32-byte psk passes through", func(t *testing.T) {
		t.Parallel()

		psk := bytes.Repeat([]byte{0xA5}, 32)
		key, err := akari.DeriveKey(psk)
		if err != nil {
			t.Fatalf("DeriveKey: %v", err)
		}
		if !bytes.Equal(key, psk) {
			t.Fatal("32-byte PSK must be used as-is")
		}
	})

	t.Run("other lengths are hashed", func(t *testing.T) {
		t.Parallel()

		key, err := akari.DeriveKey(testPSK)
		if err != nil {
			t.Fatalf("DeriveKey: %v", err)
		}
		want := sha256.Sum256(testPSK)
		if !bytes.Equal(key, want[:]) {
			t.Fatal("short PSK must derive via SHA-256")
		}
		if len(key) != akari.KeyLen {
			t.Fatalf("key length = %d, want %d", len(key), akari.KeyLen)
		}
	})

	t.Run("empty psk rejected", func(t *testing.T) {
		t.Parallel()

		if _, err := akari.DeriveKey(nil); !errors.Is(err, akari.ErrInvalidPSK) {
			t.Fatalf("err = %v, want ErrInvalidPSK", err)
		}
	})
}

// -------------------------------------------------------------------------
// TestComputeTag
// -------------------------------------------------------------------------

func TestComputeTag(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	data := []byte("hello world")

	tag := akari.ComputeTag(key, data)

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	want := mac.Sum(nil)[:akari.TagLen]

	if !bytes.Equal(tag[:], want) {
		t.Fatal("tag is not truncated HMAC-SHA256")
	}
	if !akari.VerifyTag(key, data, tag[:]) {
		t.Fatal("VerifyTag rejected its own tag")
	}

	tag[0] ^= 0x01
	if akari.VerifyTag(key, data, tag[:]) {
		t.Fatal("VerifyTag accepted a mutated tag")
	}
}
