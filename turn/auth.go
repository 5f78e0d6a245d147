package turn

import (
	"github.com/gortc/stun"
)

// AuthParams holds the long-term credential material needed to
// authenticate TURN requests, on both the client and the server side.
//
// On the client, Realm and Nonce start empty and are filled in from the
// 401 challenge that seeds the long-term credential (spec.md Section
// 4.5). On the server, they are seeded from configuration at startup.
type AuthParams struct {
	Username stun.Username
	Password string
	Realm    stun.Realm
	Nonce    stun.Nonce

	integrity stun.MessageIntegrity // lazily (re)computed from the four fields above
}

// NewAuthParams builds AuthParams with no realm/nonce — the initial
// client state before the first 401 challenge.
func NewAuthParams(username, password string) *AuthParams {
	return &AuthParams{Username: stun.NewUsername(username), Password: password}
}

// NewAuthParamsWithRealm builds AuthParams with credentials already
// known — the server's configured state, or a client that has already
// completed one challenge-response round.
func NewAuthParamsWithRealm(username, password, realm, nonce string) *AuthParams {
	p := &AuthParams{
		Username: stun.NewUsername(username),
		Password: password,
		Realm:    stun.NewRealm(realm),
	}
	if nonce != "" {
		p.Nonce = stun.NewNonce(nonce)
	}
	return p
}

// ready reports whether enough material is present to compute
// MESSAGE-INTEGRITY (realm and nonce must have arrived).
func (p *AuthParams) ready() bool {
	return len(p.Realm) > 0 && len(p.Nonce) > 0
}

// SetRealm updates the realm, e.g. from a 401 response, and invalidates
// any cached integrity key.
func (p *AuthParams) SetRealm(realm stun.Realm) {
	p.Realm = realm
	p.integrity = nil
}

// SetNonce updates the nonce, e.g. from a 401 or 438 response.
func (p *AuthParams) SetNonce(nonce stun.Nonce) {
	p.Nonce = nonce
}

// key (re)computes the long-term-credential HMAC key, MD5(username ":"
// realm ":" password), caching it until Realm changes.
func (p *AuthParams) key() stun.MessageIntegrity {
	if p.integrity == nil {
		p.integrity = stun.NewLongTermIntegrity(p.Username.String(), p.Realm.String(), p.Password)
	}
	return p.integrity
}

// AddAuthAttributes appends USERNAME, REALM, NONCE and MESSAGE-INTEGRITY
// to m, in that order, as required by RFC 5389 Section 10.2.2. Returns a
// KindUnauthorized error if realm/nonce have not been established yet.
func (p *AuthParams) AddAuthAttributes(m *stun.Message) error {
	if !p.ready() {
		return wrap("AddAuthAttributes", KindUnauthorized, errMissingCredentials)
	}
	for _, setter := range []stun.Setter{&p.Username, &p.Realm, &p.Nonce} {
		if err := setter.AddTo(m); err != nil {
			return wrap("AddAuthAttributes", KindInvalidInput, err)
		}
	}
	if err := p.key().AddTo(m); err != nil {
		return wrap("AddAuthAttributes", KindInvalidInput, err)
	}
	return nil
}

// Validate recomputes MESSAGE-INTEGRITY for m against the stored
// credentials and compares it to the value m actually carries.
func (p *AuthParams) Validate(m *stun.Message) error {
	if !p.ready() {
		return wrap("Validate", KindUnauthorized, errMissingCredentials)
	}
	if err := p.key().Check(m); err != nil {
		return wrap("Validate", KindUnauthorized, err)
	}
	return nil
}

var errMissingCredentials = &authErr{"realm/nonce not set"}

type authErr struct{ msg string }

func (e *authErr) Error() string { return e.msg }
