package turnserver

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

// ErrStaleNonce signals that the caller's nonce must be refreshed: the
// response carries a fresh value and the request must be retried
// (RFC 5766 Section 4's 438 status, spec.md Section 4.5's StaleNonce
// handshake — mirrored on the client side in turnclient).
var ErrStaleNonce = staleNonceErr{}

type staleNonceErr struct{}

func (staleNonceErr) Error() string { return "turnserver: stale nonce" }

// NonceManager issues and validates per-5-tuple nonces, rotating them
// after Duration has elapsed (0 disables rotation).
type NonceManager struct {
	duration time.Duration

	mu      sync.Mutex
	entries map[string]*nonceEntry
}

type nonceEntry struct {
	value   stun.Nonce
	expires time.Time
}

func (e *nonceEntry) valid(now time.Time) bool {
	return e.expires.IsZero() || e.expires.After(now)
}

// NewNonceManager builds a NonceManager that rotates nonces every
// duration (0 means nonces never expire on their own).
func NewNonceManager(duration time.Duration) *NonceManager {
	return &NonceManager{duration: duration, entries: make(map[string]*nonceEntry)}
}

func newNonceValue() stun.Nonce {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	hexVal := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(hexVal, raw)
	return stun.NewNonce(string(hexVal))
}

// Check validates value against the nonce on file for tuple at time at.
// It always returns the nonce the caller should use going forward: the
// same value on success; the unexpired nonce on file alongside
// ErrStaleNonce when value is missing or wrong; or a freshly issued one
// alongside ErrStaleNonce when tuple has no nonce on file or it expired.
func (n *NonceManager) Check(tuple turn.FiveTuple, value stun.Nonce, at time.Time) (stun.Nonce, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := tuple.Key()
	e, ok := n.entries[key]
	if ok && e.valid(at) {
		if string(e.value) == string(value) {
			return e.value, nil
		}
		return e.value, ErrStaleNonce
	}
	fresh := &nonceEntry{value: newNonceValue()}
	if n.duration != 0 {
		fresh.expires = at.Add(n.duration)
	}
	n.entries[key] = fresh
	return fresh.value, ErrStaleNonce
}

// Forget drops the nonce entry for tuple, e.g. once its allocation is
// torn down.
func (n *NonceManager) Forget(tuple turn.FiveTuple) {
	n.mu.Lock()
	delete(n.entries, tuple.Key())
	n.mu.Unlock()
}
