package turnclient

import (
	"context"
	"time"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

// Allocate performs the allocation handshake (spec.md Section 4.5):
// an anonymous ALLOCATE, the mandatory 401 challenge, and a second
// ALLOCATE carrying the long-term credential. Exactly one 401 is
// tolerated; a second one is a terminal Unauthorized error.
func (c *Client) Allocate(ctx context.Context) error {
	req, err := stun.Build(stun.TransactionID, turn.AllocateRequest, turn.RequestedTransportUDP, stun.Fingerprint)
	if err != nil {
		return turn.WrapKind("Allocate", turn.KindInvalidInput, err)
	}
	res, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if res.Type == turn.AllocateSuccess {
		return c.onAllocated(res)
	}
	var code stun.ErrorCodeAttribute
	if getErr := code.GetFrom(res); getErr != nil {
		return turn.WrapKind("Allocate", turn.KindProtocolViolation, getErr)
	}
	if code.Code != stun.CodeUnauthorized {
		return turn.WrapKind("Allocate", mapErrorCode(code.Code), errFromCode(code))
	}
	var (
		nonce stun.Nonce
		realm stun.Realm
	)
	if getErr := nonce.GetFrom(res); getErr != nil {
		return turn.WrapKind("Allocate", turn.KindProtocolViolation, getErr)
	}
	if getErr := realm.GetFrom(res); getErr != nil {
		return turn.WrapKind("Allocate", turn.KindProtocolViolation, getErr)
	}
	c.auth.SetRealm(realm)
	c.auth.SetNonce(nonce)

	req2 := stun.New()
	if buildErr := req2.Build(stun.TransactionID, turn.AllocateRequest, turn.RequestedTransportUDP,
		&c.auth.Username, &c.auth.Realm, &c.auth.Nonce,
	); buildErr != nil {
		return turn.WrapKind("Allocate", turn.KindInvalidInput, buildErr)
	}
	if authErr := c.auth.AddAuthAttributes(req2); authErr != nil {
		return authErr
	}
	if fpErr := stun.Fingerprint.AddTo(req2); fpErr != nil {
		return turn.WrapKind("Allocate", turn.KindInvalidInput, fpErr)
	}
	res2, err := c.roundTrip(ctx, req2)
	if err != nil {
		return err
	}
	if res2.Type == turn.AllocateSuccess {
		return c.onAllocated(res2)
	}
	var code2 stun.ErrorCodeAttribute
	if getErr := code2.GetFrom(res2); getErr != nil {
		return turn.WrapKind("Allocate", turn.KindProtocolViolation, getErr)
	}
	if code2.Code == stun.CodeUnauthorized {
		// Second 401: terminal per spec.md Section 4.5.
		return turn.WrapKind("Allocate", turn.KindUnauthorized, errFromCode(code2))
	}
	return turn.WrapKind("Allocate", mapErrorCode(code2.Code), errFromCode(code2))
}

func (c *Client) onAllocated(res *stun.Message) error {
	var lifetime turn.Lifetime
	if err := lifetime.GetFrom(res); err != nil {
		return turn.WrapKind("Allocate", turn.KindProtocolViolation, err)
	}
	var relayed turn.RelayedAddress
	haveRelay := true
	if err := relayed.GetFrom(res); err != nil {
		if err != stun.ErrAttributeNotFound {
			return turn.WrapKind("Allocate", turn.KindProtocolViolation, err)
		}
		haveRelay = false
	}
	if res.Contains(stun.AttrMessageIntegrity) {
		if err := c.auth.Validate(res); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.lifetime = lifetime.Duration
	if haveRelay {
		addr := relayed.Addr()
		c.relayAddr = &addr
	}
	c.allocSeqno++
	seqno := c.allocSeqno
	c.mu.Unlock()

	c.scheduleRefresh(seqno, lifetime.Duration)
	return nil
}

// Refresh sends REFRESH with the given lifetime (0 tears the allocation
// down). A successful response with LIFETIME=0 disables further
// scheduled refreshes; any other lifetime reschedules the timer at 9/10
// of the value the server actually granted.
func (c *Client) Refresh(ctx context.Context, lifetime time.Duration) error {
	res, err := c.do(ctx, func(auth *turn.AuthParams) (*stun.Message, error) {
		req := stun.New()
		if err := req.Build(stun.TransactionID, turn.RefreshRequest, turn.Lifetime{Duration: lifetime}); err != nil {
			return nil, err
		}
		if err := auth.AddAuthAttributes(req); err != nil {
			return nil, err
		}
		if err := stun.Fingerprint.AddTo(req); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if res.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		_ = code.GetFrom(res)
		return turn.WrapKind("Refresh", mapErrorCode(code.Code), errFromCode(code))
	}
	var granted turn.Lifetime
	if err := granted.GetFrom(res); err != nil {
		return turn.WrapKind("Refresh", turn.KindProtocolViolation, err)
	}
	c.mu.Lock()
	c.lifetime = granted.Duration
	c.allocSeqno++
	seqno := c.allocSeqno
	relayGone := granted.Duration == 0
	if relayGone {
		c.relayAddr = nil
	}
	c.mu.Unlock()
	if relayGone {
		return nil // no further refresh scheduled
	}
	c.scheduleRefresh(seqno, granted.Duration)
	return nil
}

func mapErrorCode(code stun.ErrorCode) turn.ErrorKind {
	switch code {
	case stun.CodeUnauthorized:
		return turn.KindUnauthorized
	case stun.CodeBadRequest:
		return turn.KindInvalidInput
	case turn.CodeUnsupportedTransportProtocol:
		return turn.KindUnsupported
	default:
		return turn.KindOther
	}
}

func errFromCode(code stun.ErrorCodeAttribute) error {
	return &stunError{code: code}
}

type stunError struct{ code stun.ErrorCodeAttribute }

func (e *stunError) Error() string { return e.code.Error() }
