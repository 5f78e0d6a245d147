package turnclient

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

const (
	permissionLifetime       = turn.PermissionLifetimeSeconds * time.Second
	permissionRefreshAt      = permissionLifetime * 9 / 10
	channelLifetime          = turn.ChannelLifetimeSeconds * time.Second
	channelRefreshAt         = channelLifetime * 9 / 10
)

// CreatePermission always issues a CREATE-PERMISSION request, even if a
// permission is believed to already exist — this is what refreshes it
// (spec.md Section 4.5). It is idempotent in effect: repeated calls for
// the same peer keep exactly one active permission and each extends its
// lifetime.
func (c *Client) CreatePermission(ctx context.Context, peer turn.Addr) error {
	res, err := c.do(ctx, func(auth *turn.AuthParams) (*stun.Message, error) {
		req := stun.New()
		if err := req.Build(stun.TransactionID, turn.CreatePermissionRequest, turn.PeerAddressFromAddr(peer)); err != nil {
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
		return turn.WrapKind("CreatePermission", mapErrorCode(code.Code), errFromCode(code))
	}
	seqno := c.confirmPermission(peer)
	c.scheduleTimeout(permissionTag{ip: peer.IPKey(), seqno: seqno}, permissionRefreshAt)
	return nil
}

func (c *Client) confirmPermission(peer turn.Addr) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip := peer.IPKey()
	p, ok := c.permissions[ip]
	if !ok {
		p = &permState{addr: peer}
		c.permissions[ip] = p
	}
	p.confirmed = true
	p.seqno++
	return p.seqno
}

// ChannelBind creates (or refreshes) a channel binding to peer. Calling
// it twice for the same peer keeps the original channel number and
// refreshes its lifetime, satisfying the idempotence law in spec.md
// Section 8. A successful bind also implicitly refreshes the permission
// for peer's IP (spec.md Section 9: "ChannelBind implicitly establishes
// the permission").
func (c *Client) ChannelBind(ctx context.Context, peer turn.Addr) (turn.ChannelNumber, error) {
	number, reused := c.existingOrNewChannel(peer)
	if !number.Valid() {
		return 0, turn.WrapKind("ChannelBind", turn.KindOther, errors.New("turnclient: every channel number is bound"))
	}
	res, err := c.do(ctx, func(auth *turn.AuthParams) (*stun.Message, error) {
		req := stun.New()
		if err := req.Build(stun.TransactionID, turn.ChannelBindRequest,
			turn.PeerAddressFromAddr(peer), number,
		); err != nil {
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
		if !reused {
			c.releaseChannel(peer, number)
		}
		return 0, err
	}
	if res.Type.Class == stun.ClassErrorResponse {
		if !reused {
			c.releaseChannel(peer, number)
		}
		var code stun.ErrorCodeAttribute
		_ = code.GetFrom(res)
		return 0, turn.WrapKind("ChannelBind", mapErrorCode(code.Code), errFromCode(code))
	}
	seqno := c.confirmChannel(peer, number)
	c.scheduleTimeout(channelTag{peer: peer, seqno: seqno}, channelRefreshAt)
	// Implicit permission refresh.
	pSeqno := c.confirmPermission(peer)
	c.scheduleTimeout(permissionTag{ip: peer.IPKey(), seqno: pSeqno}, permissionRefreshAt)
	return number, nil
}

// existingOrNewChannel returns the channel already bound to peer, or
// allocates the next free one from the wrapping 0x4000..0x7FFF counter,
// skipping numbers currently bound to another peer (spec.md Section 9
// REDESIGN: "on wrap, skip numbers currently bound").
func (c *Client) existingOrNewChannel(peer turn.Addr) (turn.ChannelNumber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.channels[peer.Key()]; ok {
		return s.number, true
	}
	start := c.nextChan
	n := start
	for {
		if _, taken := c.peerByChan[n]; !taken {
			break
		}
		n = nextChannelNumber(n)
		if n == start {
			// Entire range is bound; caller must fail the request.
			return 0, false
		}
	}
	c.nextChan = nextChannelNumber(n)
	c.channels[peer.Key()] = &chanState{number: n}
	c.peerByChan[n] = peer
	return n, false
}

func nextChannelNumber(n turn.ChannelNumber) turn.ChannelNumber {
	if n == turn.MaxChannelNumber {
		return turn.MinChannelNumber
	}
	return n + 1
}

func (c *Client) releaseChannel(peer turn.Addr, number turn.ChannelNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.channels[peer.Key()]; ok && s.number == number && !s.confirmed {
		delete(c.channels, peer.Key())
		delete(c.peerByChan, number)
	}
}

func (c *Client) confirmChannel(peer turn.Addr, number turn.ChannelNumber) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.channels[peer.Key()]
	if !ok {
		s = &chanState{number: number}
		c.channels[peer.Key()] = s
		c.peerByChan[number] = peer
	}
	s.confirmed = true
	s.seqno++
	return s.seqno
}

// channelFor returns the confirmed channel number bound to peer, if any.
func (c *Client) channelFor(peer turn.Addr) (turn.ChannelNumber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.channels[peer.Key()]
	if !ok || !s.confirmed {
		return 0, false
	}
	return s.number, true
}

// hasPermission reports whether a confirmed permission exists for ip.
func (c *Client) hasPermission(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.permissions[ip]
	return ok && p.confirmed
}

var errNoRoute = errors.New("turnclient: no permission or channel binding for peer")
