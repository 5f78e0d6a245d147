package turnserver

import (
	"net"

	"github.com/relaygo/turnd/turn"
)

// RelayAllocator hands out the UDP socket backing one allocation's
// relayed transport address (RFC 5766 Section 2.2). The default
// implementation lets the OS pick an ephemeral port; a fixed external
// port range (as real deployments behind a firewall need) is future
// work, noted in DESIGN.md.
type RelayAllocator interface {
	New(proto turn.Protocol) (turn.Addr, net.PacketConn, error)
}

// UDPRelayAllocator allocates relay sockets bound to a single listening
// IP, one net.UDPConn per allocation.
type UDPRelayAllocator struct {
	// IP is the address relay sockets are bound to: typically the same
	// public IP the server's own listener uses.
	IP net.IP
}

// New implements RelayAllocator. Only ProtoUDP relays are supported, per
// RFC 5766 (TURN has no TCP-relay mode).
func (a UDPRelayAllocator) New(proto turn.Protocol) (turn.Addr, net.PacketConn, error) {
	if proto != turn.ProtoUDP {
		return turn.Addr{}, nil, turn.WrapKind("RelayAllocator.New", turn.KindUnsupported, errUnsupportedRelayProto)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: a.IP})
	if err != nil {
		return turn.Addr{}, nil, turn.WrapKind("RelayAllocator.New", turn.KindIO, err)
	}
	return turn.AddrFromUDP(conn.LocalAddr().(*net.UDPAddr)), conn, nil
}

var errUnsupportedRelayProto = unsupportedRelayProtoErr{}

type unsupportedRelayProtoErr struct{}

func (unsupportedRelayProtoErr) Error() string { return "turnserver: only UDP relays are supported" }
