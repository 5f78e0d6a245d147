package turn

import (
	"bytes"
	"context"
	"testing"

	"github.com/gortc/stun"
)

func buildBindingRequest(t *testing.T) *stun.Message {
	t.Helper()
	m := stun.New()
	if err := m.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDecoder_DemultiplexesConcatenatedStream(t *testing.T) {
	stunMsg := buildBindingRequest(t)
	cd, err := NewChannelData(0x4000, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	cd.Encode()

	var buf bytes.Buffer
	buf.Write(stunMsg.Raw)
	buf.Write(cd.Raw)

	dec := NewDecoder(&buf, false)

	first, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != KindStun {
		t.Fatalf("expected first item to be STUN, got %s", first.Kind)
	}

	second, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != KindChannelData {
		t.Fatalf("expected second item to be ChannelData, got %s", second.Kind)
	}
	if string(second.Channel.Data) != "hi" {
		t.Fatalf("unexpected payload %q", second.Channel.Data)
	}
}

func TestDecoder_BadPrefixIsFatalWithoutConsuming(t *testing.T) {
	buf := bytes.NewReader([]byte{0b1000_0000, 0, 0, 0})
	dec := NewDecoder(buf, false)
	_, err := dec.Decode()
	if KindOf(err) != KindProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	// The bad byte was only peeked, so a second Decode sees it again.
	if _, err := dec.Decode(); KindOf(err) != KindProtocolViolation {
		t.Fatalf("expected the same prefix to be rejected again, got %v", err)
	}
}

func TestDecoder_BrokenStunPreservesRawBytes(t *testing.T) {
	// Well-formed STUN header (prefix 0b00, plausible length) but the
	// magic cookie is wrong, so Message.Decode() will fail semantically.
	raw := make([]byte, 20)
	raw[0] = 0x00
	raw[1] = 0x01 // method bits, not important
	// length = 0
	buf := bytes.NewReader(raw)
	dec := NewDecoder(buf, false)
	item, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != KindBrokenStun {
		t.Fatalf("expected KindBrokenStun, got %s", item.Kind)
	}
	if !bytes.Equal(item.Raw, raw) {
		t.Fatal("expected raw bytes to be preserved on broken decode")
	}
	if item.ParseErr == nil {
		t.Fatal("expected a parse error to be recorded")
	}
}

func TestDecoder_ChannelDataPaddingOnTCP(t *testing.T) {
	cd, _ := NewChannelData(0x4000, []byte("abc")) // 3 bytes -> padded to 4
	cd.Encode()
	var buf bytes.Buffer
	buf.Write(cd.Raw)
	buf.Write([]byte{0}) // one padding byte on the wire

	dec := NewDecoder(&buf, true)
	item, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if string(item.Channel.Data) != "abc" {
		t.Fatalf("unexpected payload %q", item.Channel.Data)
	}
}

func TestEncodeDecode_RoundTripStun(t *testing.T) {
	stunMsg := buildBindingRequest(t)
	var buf bytes.Buffer
	enc := NewEncoder(&buf, false)
	if err := enc.Encode(NewStunMessage(stunMsg)); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(&buf, false)
	item, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != KindStun {
		t.Fatalf("expected KindStun, got %s", item.Kind)
	}
	if item.Stun.Type != stunMsg.Type {
		t.Fatalf("type mismatch after round trip")
	}
}

func TestTransports_PeekIsHonestAndFair(t *testing.T) {
	stunMsg := buildBindingRequest(t)
	cd, _ := NewChannelData(0x4000, []byte("x"))
	cd.Encode()

	serverSide, clientSide := pipeTransport()
	stunTr, chanTr := NewTransports(serverSide, false)

	go func() {
		var buf bytes.Buffer
		buf.Write(cd.Raw)
		buf.Write(stunMsg.Raw)
		clientSide.Write(buf.Bytes())
	}()

	ctx := context.Background()
	gotChan, err := chanTr.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotChan.Data) != "x" {
		t.Fatalf("unexpected channel payload %q", gotChan.Data)
	}
	gotStun, err := stunTr.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gotStun.Stun.Type != stunMsg.Type {
		t.Fatal("stun façade did not receive the stun item")
	}
}
