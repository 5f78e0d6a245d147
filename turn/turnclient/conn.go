package turnclient

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/relaygo/turnd/turn"
)

// PacketConn presents an allocated Client as a plain net.PacketConn, so
// callers that already speak UDP (e.g. an existing ICE/media stack) can
// use a TURN relay as a drop-in socket. It requests a permission for a
// peer automatically on first WriteTo; reads from any permitted peer
// arrive interleaved on a single ReadFrom, exactly like a real UDP
// socket receiving from multiple senders.
type PacketConn struct {
	c *Client

	mu       sync.Mutex
	readDL   time.Time
	writeDL  time.Time
	closed   bool
	closeErr error
}

// NewPacketConn wraps an already-allocated Client. Allocate must have
// succeeded before this is useful: LocalAddr returns nil until then.
func NewPacketConn(c *Client) *PacketConn {
	return &PacketConn{c: c}
}

func (p *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	ctx, cancel := p.deadlineCtx(p.readDeadline())
	defer cancel()
	res, err := p.c.Recv(ctx)
	if err != nil {
		return 0, nil, err
	}
	n := copy(b, res.Data)
	return n, res.Peer, nil
}

func (p *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	peer, err := addrToTurn(addr)
	if err != nil {
		return 0, err
	}
	if !p.c.hasPermission(peer.IPKey()) {
		ctx, cancel := p.deadlineCtx(p.writeDeadline())
		defer cancel()
		if err := p.c.CreatePermission(ctx, peer); err != nil {
			return 0, err
		}
	}
	if err := p.c.Send(peer, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *PacketConn) Close() error {
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		return err
	}
	p.closed = true
	p.closeErr = p.c.Close()
	err := p.closeErr
	p.mu.Unlock()
	return err
}

// LocalAddr returns the relayed transport address, or nil if no
// allocation is currently active.
func (p *PacketConn) LocalAddr() net.Addr {
	addr := p.c.RelayAddr()
	if addr == nil {
		return nil
	}
	return *addr
}

func (p *PacketConn) SetDeadline(t time.Time) error {
	p.mu.Lock()
	p.readDL, p.writeDL = t, t
	p.mu.Unlock()
	return nil
}

func (p *PacketConn) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.readDL = t
	p.mu.Unlock()
	return nil
}

func (p *PacketConn) SetWriteDeadline(t time.Time) error {
	p.mu.Lock()
	p.writeDL = t
	p.mu.Unlock()
	return nil
}

func (p *PacketConn) readDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readDL
}

func (p *PacketConn) writeDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeDL
}

func (p *PacketConn) deadlineCtx(dl time.Time) (context.Context, context.CancelFunc) {
	if dl.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), dl)
}

func addrToTurn(addr net.Addr) (turn.Addr, error) {
	if a, ok := addr.(turn.Addr); ok {
		return a, nil
	}
	if u, ok := addr.(*net.UDPAddr); ok {
		return turn.AddrFromUDP(u), nil
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return turn.Addr{}, turn.WrapKind("WriteTo", turn.KindInvalidInput, err)
	}
	udp, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return turn.Addr{}, turn.WrapKind("WriteTo", turn.KindInvalidInput, err)
	}
	return turn.AddrFromUDP(udp), nil
}

var _ net.PacketConn = (*PacketConn)(nil)
