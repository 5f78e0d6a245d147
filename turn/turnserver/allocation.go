package turnserver

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/relaygo/turnd/turn"
)

// PeerHandler receives data arriving on an allocation's relayed socket,
// to be forwarded back to the client as a DATA indication or
// ChannelData frame (RFC 5766 Section 10.3).
type PeerHandler interface {
	HandlePeerData(data []byte, tuple turn.FiveTuple, peer turn.Addr)
}

// binding is one active channel number bound to a permission.
type binding struct {
	number  turn.ChannelNumber
	timeout time.Time
}

// permission is the per-peer-IP entry of RFC 5766 Section 2.3's
// address-restricted filter, plus at most one channel binding (RFC 5766
// Section 11 binds a channel number to exactly one peer address).
//
// addr retains the full peer address (not just its IP) from the most
// recent CREATE-PERMISSION or CHANNEL-BIND: permissions key on IP alone
// per RFC 5766 Section 9.1, but relaying data back still needs a port.
type permission struct {
	ip      string // turn.Addr.IPKey()
	addr    turn.Addr
	timeout time.Time
	bind    *binding
}

func (p *permission) expired(now time.Time) bool { return !p.timeout.After(now) }

// allocation is one client's relay allocation: the 5-tuple that
// identifies it, its relayed socket, and its permission/binding tables
// (RFC 5766 Section 2.2).
type allocation struct {
	tuple       turn.FiveTuple
	relayedAddr turn.Addr
	conn        net.PacketConn
	callback    PeerHandler
	timeout     time.Time
	log         *zap.Logger

	permissions map[string]*permission          // key: peer IP
	channels    map[turn.ChannelNumber]*permission // key: bound channel number
}

func newAllocation(tuple turn.FiveTuple, timeout time.Time, log *zap.Logger) *allocation {
	return &allocation{
		tuple:       tuple,
		timeout:     timeout,
		log:         log,
		permissions: make(map[string]*permission),
		channels:    make(map[turn.ChannelNumber]*permission),
	}
}

func (a *allocation) expired(now time.Time) bool { return !a.timeout.After(now) }

func (a *allocation) createPermission(peer turn.Addr, timeout time.Time) {
	ip := peer.IPKey()
	p, ok := a.permissions[ip]
	if !ok {
		p = &permission{ip: ip}
		a.permissions[ip] = p
	}
	p.addr = peer
	p.timeout = timeout
}

// channelBind creates or refreshes a channel binding. It returns
// errChannelConflict if number is already bound to a different peer, or
// a different channel is already bound to this peer (RFC 5766 Section
// 11: a channel number and a peer address are in 1:1 correspondence
// within an allocation).
func (a *allocation) channelBind(number turn.ChannelNumber, peer turn.Addr, timeout time.Time) error {
	ip := peer.IPKey()
	if existing, ok := a.channels[number]; ok && existing.ip != ip {
		return errChannelConflict
	}
	p, ok := a.permissions[ip]
	if !ok {
		p = &permission{ip: ip}
		a.permissions[ip] = p
	}
	if p.bind != nil && p.bind.number != number {
		return errChannelConflict
	}
	p.addr = peer
	if p.timeout.Before(timeout) {
		p.timeout = timeout
	}
	p.bind = &binding{number: number, timeout: timeout}
	a.channels[number] = p
	return nil
}

func (a *allocation) boundChannel(peer turn.Addr) (turn.ChannelNumber, bool) {
	p, ok := a.permissions[peer.IPKey()]
	if !ok || p.bind == nil {
		return 0, false
	}
	return p.bind.number, true
}

func (a *allocation) hasPermission(peer turn.Addr) bool {
	_, ok := a.permissions[peer.IPKey()]
	return ok
}

func (a *allocation) peerForChannel(number turn.ChannelNumber) (turn.Addr, bool) {
	p, ok := a.channels[number]
	if !ok {
		return turn.Addr{}, false
	}
	return p.addr, true
}

// prune drops expired permissions (and the bindings they carry) without
// touching the allocation's own timeout.
func (a *allocation) prune(now time.Time) {
	for ip, p := range a.permissions {
		if p.bind != nil && !p.bind.timeout.After(now) {
			delete(a.channels, p.bind.number)
			p.bind = nil
		}
		if p.expired(now) {
			delete(a.permissions, ip)
		}
	}
}

// readUntilClosed relays everything arriving on the allocation's relay
// socket to callback until the socket errors out (typically because
// Close closed it).
func (a *allocation) readUntilClosed() {
	buf := make([]byte, 2048)
	for {
		if err := a.conn.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
			a.log.Warn("failed to set relay read deadline", zap.Error(err))
			return
		}
		n, addr, err := a.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			a.log.Debug("relay socket closed", zap.Error(err))
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		a.callback.HandlePeerData(append([]byte(nil), buf[:n]...), a.tuple, turn.AddrFromUDP(udpAddr))
	}
}

var errChannelConflict = channelConflictErr{}

type channelConflictErr struct{}

func (channelConflictErr) Error() string {
	return "turnserver: channel number bound to a different peer"
}
