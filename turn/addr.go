package turn

import (
	"fmt"
	"net"
)

// Protocol identifies the transport protocol of a 5-tuple. This core only
// ever allocates ProtoUDP relays; ProtoTCP is accepted as a FiveTuple
// component (the client<->server leg may run over TCP) but REQUESTED-
// TRANSPORT other than UDP is rejected by the server (RFC 5766 only
// defines UDP relays).
type Protocol byte

// Supported and recognized protocol values.
const (
	ProtoUDP Protocol = iota
	ProtoTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("proto(%d)", byte(p))
	}
}

// Addr is an IP:port pair, independent of net.UDPAddr/net.TCPAddr so it
// can be used as a map value and compared by value.
type Addr struct {
	IP   net.IP
	Port int
}

// AddrFromUDP converts a *net.UDPAddr into an Addr.
func AddrFromUDP(a *net.UDPAddr) Addr {
	return Addr{IP: append(net.IP(nil), a.IP...), Port: a.Port}
}

// UDPAddr converts back to *net.UDPAddr for use with net.PacketConn.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// Equal reports whether a and b refer to the same IP and port.
func (a Addr) Equal(b Addr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Network implements net.Addr, so Addr can be returned directly from
// net.PacketConn.ReadFrom/LocalAddr implementations.
func (a Addr) Network() string { return "udp" }

// Key returns a comparable, hashable representation of a suitable for use
// as a map key (net.IP is a []byte and not comparable on its own).
func (a Addr) Key() string {
	return a.IP.String() + "/" + fmt.Sprint(a.Port)
}

// IPKey returns a comparable representation of a's IP alone, used for the
// IP-only permission table (TURN permissions are per-IP, not per-port).
func (a Addr) IPKey() string {
	return a.IP.String()
}

// FiveTuple identifies a client<->server connection: client address,
// server address and transport protocol. It is the key used by the
// server's allocation table.
type FiveTuple struct {
	Client Addr
	Server Addr
	Proto  Protocol
}

// Equal reports whether t and o identify the same 5-tuple.
func (t FiveTuple) Equal(o FiveTuple) bool {
	return t.Proto == o.Proto && t.Client.Equal(o.Client) && t.Server.Equal(o.Server)
}

// Key returns a comparable representation of t suitable for map keys.
func (t FiveTuple) Key() string {
	return t.Client.Key() + ">" + t.Server.Key() + "/" + t.Proto.String()
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s/%s", t.Client, t.Server, t.Proto)
}
