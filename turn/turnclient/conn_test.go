package turnclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaygo/turnd/turn"
)

func TestPacketConn_WriteToCreatesPermissionAutomatically(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := newFakeServer(t, serverConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.run(ctx)

	c := New(Config{Username: "user", Password: "pass", RequestTimeout: 2 * time.Second}, clientConn)
	pc := NewPacketConn(c)
	defer pc.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if err := c.Allocate(reqCtx); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if pc.LocalAddr() == nil {
		t.Fatal("expected LocalAddr after allocation")
	}

	peer := &net.UDPAddr{IP: net.ParseIP("198.51.100.5").To4(), Port: 9000}
	if err := pc.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetWriteDeadline: %v", err)
	}
	if _, err := pc.WriteTo([]byte("hello"), peer); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if !c.hasPermission(turn.AddrFromUDP(peer).IPKey()) {
		t.Fatal("expected WriteTo to have created a permission")
	}
}
