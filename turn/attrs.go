package turn

import (
	"time"

	"github.com/gortc/stun"
)

// RelayedAddress implements the XOR-RELAYED-ADDRESS attribute: the
// public transport address the server allocated for this allocation's
// relay socket (RFC 5766 Section 14.5).
type RelayedAddress struct {
	IP   []byte
	Port int
}

func (a RelayedAddress) String() string { return stun.XORMappedAddress(a).String() }

// AddTo adds XOR-RELAYED-ADDRESS to m.
func (a RelayedAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORRelayedAddress)
}

// GetFrom decodes XOR-RELAYED-ADDRESS from m.
func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, stun.AttrXORRelayedAddress)
}

// PeerAddress implements the XOR-PEER-ADDRESS attribute: the address of
// a peer, as sent by a client (who it wants to talk to) or a server (who
// sent the relayed data) (RFC 5766 Section 14.3).
type PeerAddress struct {
	IP   []byte
	Port int
}

func (a PeerAddress) String() string { return stun.XORMappedAddress(a).String() }

// AddTo adds XOR-PEER-ADDRESS to m.
func (a PeerAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORPeerAddress)
}

// GetFrom decodes XOR-PEER-ADDRESS from m.
func (a *PeerAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, stun.AttrXORPeerAddress)
}

// PeerAddressFromAddr builds a PeerAddress attribute from an Addr.
func PeerAddressFromAddr(a Addr) PeerAddress {
	return PeerAddress{IP: a.IP, Port: a.Port}
}

// Addr converts a PeerAddress attribute back into an Addr.
func (a PeerAddress) Addr() Addr { return Addr{IP: a.IP, Port: a.Port} }

// Addr converts a RelayedAddress attribute back into an Addr.
func (a RelayedAddress) Addr() Addr { return Addr{IP: a.IP, Port: a.Port} }

// Lifetime implements the LIFETIME attribute, carrying an allocation's
// remaining or requested lifetime (RFC 5766 Section 14.2).
type Lifetime struct {
	Duration time.Duration
}

const lifetimeAttrSize = 4

// AddTo adds LIFETIME to m, truncating Duration to whole seconds.
func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, lifetimeAttrSize)
	bin.PutUint32(v, uint32(l.Duration/time.Second))
	m.Add(stun.AttrLifetime, v)
	return nil
}

// GetFrom decodes LIFETIME from m.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != lifetimeAttrSize {
		return &BadAttrLength{Attr: stun.AttrLifetime, Got: len(v), Expected: lifetimeAttrSize}
	}
	l.Duration = time.Duration(bin.Uint32(v)) * time.Second
	return nil
}

// RequestedTransport implements the REQUESTED-TRANSPORT attribute. Per
// RFC 5766 Section 14.7 the upper 8 bits carry the IANA protocol number
// (17 == UDP, the only value this core will ever allocate).
type RequestedTransport struct {
	Protocol byte
}

const requestedTransportAttrSize = 4

// AddTo adds REQUESTED-TRANSPORT to m.
func (r RequestedTransport) AddTo(m *stun.Message) error {
	v := make([]byte, requestedTransportAttrSize)
	v[0] = r.Protocol
	m.Add(stun.AttrRequestedTransport, v)
	return nil
}

// GetFrom decodes REQUESTED-TRANSPORT from m.
func (r *RequestedTransport) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != requestedTransportAttrSize {
		return &BadAttrLength{Attr: stun.AttrRequestedTransport, Got: len(v), Expected: requestedTransportAttrSize}
	}
	r.Protocol = v[0]
	return nil
}

// Data implements the DATA attribute carrying a relayed payload inside a
// SEND or DATA indication (RFC 5766 Section 14.4).
type Data []byte

// AddTo adds DATA to m.
func (d Data) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}

// GetFrom decodes DATA from m.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// UnknownAttributes implements the UNKNOWN-ATTRIBUTES attribute (RFC
// 5389 Section 15.9): the list of attribute types a 420 error response
// rejects. Allocate rejects DONT-FRAGMENT, RESERVATION-TOKEN and
// EVEN-PORT this way (spec.md Section 4.6).
type UnknownAttributes []stun.AttrType

// AddTo adds UNKNOWN-ATTRIBUTES to m. Per RFC 5389, if the list has an
// odd number of entries one is repeated so the attribute is a whole
// number of 32-bit words.
func (u UnknownAttributes) AddTo(m *stun.Message) error {
	types := u
	if len(types)%2 == 1 {
		types = append(append([]stun.AttrType{}, types...), types[len(types)-1])
	}
	v := make([]byte, 2*len(types))
	for i, t := range types {
		bin.PutUint16(v[2*i:], uint16(t))
	}
	m.Add(stun.AttrUnknownAttributes, v)
	return nil
}
