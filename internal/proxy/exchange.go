package proxy

import (
	"net/netip"
	"sync"
	"time"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
)

// -------------------------------------------------------------------------
// Exchange Table
// -------------------------------------------------------------------------

// exchangeKey identifies one in-flight exchange. A message id is only
// unique per client socket, so the peer address is part of the key.
type exchangeKey struct {
	peer      netip.AddrPort
	messageID uint64
}

// exchange holds the cached packet set of one served response. It
// lives past the initial transmission so NACKs (and duplicate Reqs)
// replay byte-identical packets until the TTL expires.
type exchange struct {
	responder *akari.Responder
	expires   time.Time

	// pending is true while the oracle fetch is still running; a
	// duplicate Req arriving in that window is dropped rather than
	// fetched twice.
	pending bool
}

// exchangeTable is the concurrent map of live exchanges.
type exchangeTable struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[exchangeKey]*exchange
}

func newExchangeTable(ttl time.Duration) *exchangeTable {
	return &exchangeTable{
		ttl: ttl,
		m:   make(map[exchangeKey]*exchange),
	}
}

// lookup returns the live exchange for key, or nil.
func (t *exchangeTable) lookup(key exchangeKey) *exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[key]
}

// claim registers a pending exchange for key. Returns false if one
// already exists (duplicate Req while a fetch is in flight, or a
// replayable completed exchange).
func (t *exchangeTable) claim(key exchangeKey, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.m[key]; ok {
		return false
	}
	t.m[key] = &exchange{pending: true, expires: now.Add(t.ttl)}
	return true
}

// complete attaches the responder to a claimed exchange.
func (t *exchangeTable) complete(key exchangeKey, r *akari.Responder, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.m[key] = &exchange{responder: r, expires: now.Add(t.ttl)}
}

// drop removes a claimed exchange (oracle failure path).
func (t *exchangeTable) drop(key exchangeKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}

// sweep evicts expired exchanges and returns the live count.
func (t *exchangeTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, ex := range t.m {
		if now.After(ex.expires) {
			delete(t.m, key)
		}
	}
	return len(t.m)
}
