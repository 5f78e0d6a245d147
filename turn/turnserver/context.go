package turnserver

import (
	"net"
	"sync"
	"time"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

// context is a single request/response processing cycle, pooled so a
// busy server doesn't allocate one per datagram (gortcd's own
// server/context.go does the same).
type context struct {
	conn net.PacketConn
	addr net.Addr
	cfg  config
	time time.Time

	client turn.Addr
	server turn.Addr
	proto  turn.Protocol
	tuple  turn.FiveTuple

	request  *stun.Message
	response *stun.Message
	cdata    turn.ChannelData

	nonce     stun.Nonce
	realm     stun.Realm
	integrity stun.MessageIntegrity

	buf []byte // backs request.Raw / cdata.Raw for this cycle
}

var contextPool = sync.Pool{New: func() interface{} {
	return &context{
		request:  new(stun.Message),
		response: new(stun.Message),
		buf:      make([]byte, 2048),
	}
}}

func acquireContext() *context {
	return contextPool.Get().(*context)
}

func putContext(c *context) {
	c.reset()
	contextPool.Put(c)
}

func (c *context) reset() {
	c.conn = nil
	c.addr = nil
	c.cfg = config{}
	c.time = time.Time{}
	c.client = turn.Addr{}
	c.server = turn.Addr{}
	c.proto = 0
	c.tuple = turn.FiveTuple{}
	c.integrity = nil
	c.nonce = nil
	c.realm = nil
	c.cdata.Reset()
	c.request.Reset()
	c.response.Reset()
	c.buf = c.buf[:cap(c.buf)]
}

// setTuple assembles the 5-tuple from client/server/proto, which the
// caller has already populated on c.
func (c *context) setTuple() {
	c.tuple = turn.FiveTuple{Client: c.client, Server: c.server, Proto: c.proto}
}

func (c *context) allowPeer(addr turn.Addr) bool {
	return c.cfg.peerFilter.Action(addr) != Deny
}

func (c *context) allowClient(addr turn.Addr) bool {
	return c.cfg.clientFilter.Action(addr) != Deny
}

// build resets c.response into class/method, carrying the request's
// transaction ID, then applies setters in order. WriteHeader is called
// before any attribute is added, matching the wire requirement that the
// header be in place before attribute TLVs are appended.
func (c *context) build(class stun.MessageClass, method stun.Method, setters ...stun.Setter) error {
	if c.request.Type.Class == stun.ClassIndication {
		return nil
	}
	c.response.Reset()
	c.response.Type = stun.MessageType{Class: class, Method: method}
	c.response.TransactionID = c.request.TransactionID
	c.response.WriteHeader()
	if len(c.nonce) > 0 {
		if err := c.nonce.AddTo(c.response); err != nil {
			return err
		}
	}
	if len(c.realm) > 0 {
		if err := c.realm.AddTo(c.response); err != nil {
			return err
		}
	}
	if c.cfg.software != "" {
		if err := c.cfg.software.AddTo(c.response); err != nil {
			return err
		}
	}
	for _, s := range setters {
		if err := s.AddTo(c.response); err != nil {
			return err
		}
	}
	if c.integrity != nil {
		if err := c.integrity.AddTo(c.response); err != nil {
			return err
		}
	}
	return stun.Fingerprint.AddTo(c.response)
}

// buildOk builds a success response of request's method.
func (c *context) buildOk(setters ...stun.Setter) error {
	return c.build(stun.ClassSuccessResponse, c.request.Type.Method, setters...)
}

// buildErr builds an error response of request's method. code must be
// added by the caller as one of setters (typically stun.CodeXXX).
func (c *context) buildErr(setters ...stun.Setter) error {
	return c.build(stun.ClassErrorResponse, c.request.Type.Method, setters...)
}
