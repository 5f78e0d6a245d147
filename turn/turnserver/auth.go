package turnserver

import (
	"sync"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

// Authenticator validates the long-term credential carried by an
// authenticated request and returns the integrity key used to validate
// it, so the caller can reuse it when signing the response.
type Authenticator interface {
	Auth(m *stun.Message) (stun.MessageIntegrity, error)
}

// Credential is one configured long-term-credential user.
type Credential struct {
	Username string
	Password string
	Realm    string
}

// StaticAuth authenticates against a fixed, in-memory credential table
// (RFC 5389 Section 10.2's long-term credential mechanism); it is the
// realistic starting point for a standalone relay, with multi-tenant or
// database-backed credential lookup left out of scope.
type StaticAuth struct {
	mu    sync.RWMutex
	table map[string]stun.MessageIntegrity
}

// NewStaticAuth builds a StaticAuth from a fixed credential list.
func NewStaticAuth(creds []Credential) *StaticAuth {
	a := &StaticAuth{table: make(map[string]stun.MessageIntegrity, len(creds))}
	for _, c := range creds {
		a.table[c.Username] = stun.NewLongTermIntegrity(c.Username, c.Realm, c.Password)
	}
	return a
}

var errUnknownUser = unknownUserErr{}

type unknownUserErr struct{}

func (unknownUserErr) Error() string { return "turnserver: unknown username" }

// Auth implements Authenticator.
func (a *StaticAuth) Auth(m *stun.Message) (stun.MessageIntegrity, error) {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return nil, turn.WrapKind("Auth", turn.KindUnauthorized, err)
	}
	a.mu.RLock()
	key, ok := a.table[username.String()]
	a.mu.RUnlock()
	if !ok {
		return nil, turn.WrapKind("Auth", turn.KindUnauthorized, errUnknownUser)
	}
	if err := key.Check(m); err != nil {
		return nil, turn.WrapKind("Auth", turn.KindUnauthorized, err)
	}
	return key, nil
}
