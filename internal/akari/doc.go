// Package akari implements the AKARI-UDP v3 protocol: a datagram-based
// request/response scheme that tunnels HTTP GET/HEAD/POST exchanges
// between a client and a remote proxy over UDP, authenticated by a
// pre-shared key.
//
// This includes the wire codec (header, per-type payloads, header-block
// compression), the authentication primitives (truncated HMAC-SHA256
// per-packet tags, XChaCha20-Poly1305 AEAD, aggregate body tags), the
// client engine with NACK-driven selective retransmission, and the
// proxy-side responder.
package akari
