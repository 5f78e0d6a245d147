package turnclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

// fakeServer is a minimal TURN server used only to exercise the client
// state machine: one mandatory 401 challenge on ALLOCATE, then success
// responses for ALLOCATE/REFRESH/CREATE-PERMISSION/CHANNEL-BIND.
type fakeServer struct {
	t      *testing.T
	tr     turn.Transport
	stun   *turn.StunTransport
	chanTr *turn.ChannelDataTransport
	auth   *turn.AuthParams

	challenged bool
}

func newFakeServer(t *testing.T, tr turn.Transport) *fakeServer {
	s, c := turn.NewTransports(tr, false)
	return &fakeServer{
		t:      t,
		tr:     tr,
		stun:   s,
		chanTr: c,
		auth:   turn.NewAuthParamsWithRealm("user", "pass", "example.org", "n0nce"),
	}
}

func (f *fakeServer) run(ctx context.Context) {
	for {
		item, err := f.stun.Recv(ctx)
		if err != nil {
			return
		}
		if item.Kind != turn.KindStun {
			continue
		}
		f.handle(item.Stun)
	}
}

func (f *fakeServer) handle(req *stun.Message) {
	switch req.Type {
	case turn.AllocateRequest:
		f.handleAllocate(req)
	case turn.RefreshRequest:
		f.respondLifetime(req, turn.RefreshSuccess, 600*time.Second)
	case turn.CreatePermissionRequest:
		f.respondEmpty(req, turn.CreatePermissionSuccess)
	case turn.ChannelBindRequest:
		f.respondEmpty(req, turn.ChannelBindSuccess)
	}
}

func (f *fakeServer) newResponse(req *stun.Message, class stun.MessageClass) *stun.Message {
	res := stun.New()
	res.Type = stun.MessageType{Class: class, Method: req.Type.Method}
	res.TransactionID = req.TransactionID
	res.WriteHeader()
	return res
}

func (f *fakeServer) handleAllocate(req *stun.Message) {
	if !req.Contains(stun.AttrUsername) {
		res := f.newResponse(req, stun.ClassErrorResponse)
		stun.CodeUnauthorized.AddTo(res)
		stun.NewRealm("example.org").AddTo(res)
		stun.NewNonce("n0nce").AddTo(res)
		f.stun.Send(res)
		return
	}
	f.respondLifetime(req, turn.AllocateSuccess, 600*time.Second)
}

func (f *fakeServer) respondLifetime(req *stun.Message, typ stun.MessageType, lifetime time.Duration) {
	res := f.newResponse(req, typ.Class)
	turn.Lifetime{Duration: lifetime}.AddTo(res)
	if typ == turn.AllocateSuccess {
		relay := turn.RelayedAddress{IP: net.ParseIP("203.0.113.9").To4(), Port: 40000}
		relay.AddTo(res)
	}
	f.stun.Send(res)
}

func (f *fakeServer) respondEmpty(req *stun.Message, typ stun.MessageType) {
	res := f.newResponse(req, typ.Class)
	f.stun.Send(res)
}

func newPipePair() (turn.Transport, turn.Transport) {
	a, b := net.Pipe()
	return a, b
}

func TestClient_AllocateSurvivesOneChallenge(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := newFakeServer(t, serverConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.run(ctx)

	c := New(Config{Username: "user", Password: "pass", RequestTimeout: 2 * time.Second}, clientConn)
	defer c.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if err := c.Allocate(reqCtx); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if c.RelayAddr() == nil {
		t.Fatal("expected relay address after successful allocation")
	}
}

func TestClient_CreatePermissionAndChannelBind(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := newFakeServer(t, serverConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.run(ctx)

	c := New(Config{Username: "user", Password: "pass", RequestTimeout: 2 * time.Second}, clientConn)
	defer c.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if err := c.Allocate(reqCtx); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	peer := turn.Addr{IP: net.ParseIP("198.51.100.5").To4(), Port: 9000}
	if err := c.CreatePermission(reqCtx, peer); err != nil {
		t.Fatalf("CreatePermission failed: %v", err)
	}
	if !c.hasPermission(peer.IPKey()) {
		t.Fatal("expected permission to be recorded")
	}

	number, err := c.ChannelBind(reqCtx, peer)
	if err != nil {
		t.Fatalf("ChannelBind failed: %v", err)
	}
	if !number.Valid() {
		t.Fatalf("got invalid channel number %v", number)
	}

	number2, err := c.ChannelBind(reqCtx, peer)
	if err != nil {
		t.Fatalf("second ChannelBind failed: %v", err)
	}
	if number2 != number {
		t.Fatalf("rebinding the same peer should reuse the channel: got %v, want %v", number2, number)
	}
}

func TestClient_SendPrefersChannelOverIndication(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := newFakeServer(t, serverConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.run(ctx)

	c := New(Config{Username: "user", Password: "pass", RequestTimeout: 2 * time.Second}, clientConn)
	defer c.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if err := c.Allocate(reqCtx); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	peer := turn.Addr{IP: net.ParseIP("198.51.100.5").To4(), Port: 9000}
	if err := c.CreatePermission(reqCtx, peer); err != nil {
		t.Fatalf("CreatePermission failed: %v", err)
	}

	number, err := c.ChannelBind(reqCtx, peer)
	if err != nil {
		t.Fatalf("ChannelBind failed: %v", err)
	}
	if err := c.Send(peer, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The payload must reach the fake server as a ChannelData frame on the
	// bound channel, not as a SEND indication.
	cd, err := srv.chanTr.Recv(reqCtx)
	if err != nil {
		t.Fatalf("expected a ChannelData frame at the server: %v", err)
	}
	if cd.Number != number || string(cd.Data) != "hello" {
		t.Fatalf("unexpected ChannelData frame: number %v data %q, want %v %q", cd.Number, cd.Data, number, "hello")
	}
}

// TestClient_ChannelNumberWrapsAndSkipsBound exercises the REDESIGN
// FLAG SPEC_FULL.md documents for existingOrNewChannel/nextChannelNumber:
// on wraparound the counter must skip any channel number still bound to
// a different peer rather than risk reusing it.
func TestClient_ChannelNumberWrapsAndSkipsBound(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	c := New(Config{Username: "user", Password: "pass", RequestTimeout: 200 * time.Millisecond}, clientConn)
	defer c.Close()

	other := turn.Addr{IP: net.ParseIP("198.51.100.1").To4(), Port: 1}
	c.mu.Lock()
	c.nextChan = turn.MaxChannelNumber
	c.channels[other.Key()] = &chanState{number: turn.MinChannelNumber, confirmed: true}
	c.peerByChan[turn.MinChannelNumber] = other
	c.mu.Unlock()

	peerA := turn.Addr{IP: net.ParseIP("198.51.100.5").To4(), Port: 9000}
	numberA, reused := c.existingOrNewChannel(peerA)
	if reused {
		t.Fatal("expected a fresh channel for peerA")
	}
	if numberA != turn.MaxChannelNumber {
		t.Fatalf("expected the last free number %v before wrap, got %v", turn.MaxChannelNumber, numberA)
	}

	peerB := turn.Addr{IP: net.ParseIP("198.51.100.6").To4(), Port: 9001}
	numberB, reused := c.existingOrNewChannel(peerB)
	if reused {
		t.Fatal("expected a fresh channel for peerB")
	}
	if numberB == turn.MinChannelNumber {
		t.Fatalf("expected MinChannelNumber (bound to %s) to be skipped on wrap, got it assigned to peerB", other)
	}
	if numberB != turn.MinChannelNumber+1 {
		t.Fatalf("expected the counter to wrap to MinChannelNumber and skip the one bound number, got %v", numberB)
	}

	// Calling again for peerA must return the same, already-bound number.
	numberAAgain, reused := c.existingOrNewChannel(peerA)
	if !reused {
		t.Fatal("expected peerA's existing binding to be reused")
	}
	if numberAAgain != numberA {
		t.Fatalf("expected existingOrNewChannel to keep returning %v for peerA, got %v", numberA, numberAAgain)
	}
}

func TestClient_SendWithoutRouteFails(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer serverConn.Close()
	c := New(Config{Username: "user", Password: "pass", RequestTimeout: 200 * time.Millisecond}, clientConn)
	defer c.Close()

	peer := turn.Addr{IP: net.ParseIP("198.51.100.5").To4(), Port: 9000}
	err := c.Send(peer, []byte("hi"))
	if turn.KindOf(err) != turn.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput, got %v (%v)", turn.KindOf(err), err)
	}
}
