package akari

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// -------------------------------------------------------------------------
// Key Derivation
// -------------------------------------------------------------------------

// ErrInvalidPSK indicates an empty pre-shared key.
var ErrInvalidPSK = errors.New("psk must not be empty")

// KeyLen is the derived key length: the XChaCha20-Poly1305 key size.
const KeyLen = 32

// DeriveKey maps a non-empty pre-shared key of any length to the 32-byte
// key used for per-packet HMAC tags, aggregate tags, and the AEAD. A
// 32-byte PSK is used as-is; anything else is hashed with SHA-256. An
// empty PSK fails with ErrInvalidPSK.
func DeriveKey(psk []byte) ([]byte, error) {
	if len(psk) == 0 {
		return nil, ErrInvalidPSK
	}
	if len(psk) == KeyLen {
		key := make([]byte, KeyLen)
		copy(key, psk)
		return key, nil
	}
	sum := sha256.Sum256(psk)
	return sum[:], nil
}

// -------------------------------------------------------------------------
// Per-Packet and Aggregate HMAC Tags
// -------------------------------------------------------------------------

// ComputeTag returns HMAC-SHA256(key, data) truncated to TagLen bytes.
// Used both for the per-packet tag (data = header || payload) and the
// aggregate tag (data = reassembled body).
func ComputeTag(key, data []byte) [TagLen]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)

	var tag [TagLen]byte
	copy(tag[:], sum[:TagLen])
	return tag
}

// VerifyTag compares a received tag against HMAC-SHA256(key, data) in
// constant time.
func VerifyTag(key, data, tag []byte) bool {
	expected := ComputeTag(key, data)
	return subtle.ConstantTimeCompare(expected[:], tag) == 1
}

// -------------------------------------------------------------------------
// AEAD — XChaCha20-Poly1305
// -------------------------------------------------------------------------

// buildNonce constructs the 24-byte AEAD nonce:
//
//	message_id(8 BE) || seq(2 BE) || flags & 0x03 || 13 zero bytes
//
// The nonce is derivable from the header, so it never travels on the
// wire, and (message_id, seq) makes it unique per datagram within a
// message.
func buildNonce(h *Header) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	binary.BigEndian.PutUint64(nonce[0:8], h.MessageID)
	binary.BigEndian.PutUint16(nonce[8:10], h.Seq)
	nonce[10] = h.Flags & nonceFlagMask
	return nonce
}

// sealPayload encrypts plaintext under key with the header-derived
// nonce and the full encoded header as AAD. The result is
// ciphertext || 16-byte AEAD tag, exactly len(plaintext)+TagLen bytes.
func sealPayload(key []byte, h *Header, headerBytes, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	nonce := buildNonce(h)
	return aead.Seal(nil, nonce[:], plaintext, headerBytes), nil
}

// openPayload decrypts ciphertext||tag produced by sealPayload. Any
// authenticator failure surfaces as ErrAeadFailed.
func openPayload(key []byte, h *Header, headerBytes, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	nonce := buildNonce(h)
	plaintext, err := aead.Open(nil, nonce[:], sealed, headerBytes)
	if err != nil {
		return nil, ErrAeadFailed
	}
	return plaintext, nil
}
