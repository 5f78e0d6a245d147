package turn

import (
	"context"
	"io"
	"sync"

	"github.com/gortc/stun"
)

// Transport is the shared connection a StunTransport and a
// ChannelDataTransport multiplex over (spec.md Section 4.3). It is
// typically a net.Conn but is kept as the narrower io.ReadWriter so
// tests can use net.Pipe or an in-memory buffer.
type Transport interface {
	io.Reader
	io.Writer
}

// mux owns the single Decoder/Encoder pair for a shared Transport and
// fans decoded items out to the two logical streams. Each decoded item
// is delivered to exactly one of stunCh/channelCh — this is what makes
// the "peek without consuming the other stream's head" rule honest: a
// façade never sees an item that belongs to its sibling.
type mux struct {
	enc *Encoder

	encMu sync.Mutex // single owner of the encoder, since Go has goroutines rather than one cooperative thread

	stunCh    chan *TurnMessage
	channelCh chan *ChannelData

	errOnce sync.Once
	err     error
	done    chan struct{}
}

// newMux starts the background demultiplex loop over t.
func newMux(t Transport, framed bool) *mux {
	m := &mux{
		enc:       NewEncoder(t, framed),
		stunCh:    make(chan *TurnMessage, 16),
		channelCh: make(chan *ChannelData, 16),
		done:      make(chan struct{}),
	}
	dec := NewDecoder(t, framed)
	go m.readLoop(dec)
	return m
}

func (m *mux) readLoop(dec *Decoder) {
	defer close(m.stunCh)
	defer close(m.channelCh)
	for {
		item, err := dec.Decode()
		if err != nil {
			m.fail(err)
			return
		}
		switch item.Kind {
		case KindStun, KindBrokenStun:
			select {
			case m.stunCh <- item:
			case <-m.done:
				return
			}
		case KindChannelData:
			select {
			case m.channelCh <- item.Channel:
			case <-m.done:
				return
			}
		}
	}
}

func (m *mux) fail(err error) {
	m.errOnce.Do(func() {
		m.err = err
		close(m.done)
	})
}

func (m *mux) writeStun(msg *stun.Message) error {
	m.encMu.Lock()
	defer m.encMu.Unlock()
	return m.enc.Encode(NewStunMessage(msg))
}

func (m *mux) writeChannelData(cd *ChannelData) error {
	m.encMu.Lock()
	defer m.encMu.Unlock()
	return m.enc.Encode(NewChannelDataMessage(cd))
}

// StunTransport is the STUN-only façade over a shared Transport.
type StunTransport struct{ m *mux }

// ChannelDataTransport is the ChannelData-only façade over the same
// shared Transport.
type ChannelDataTransport struct{ m *mux }

// NewTransports builds the paired façades that multiplex STUN and
// ChannelData over t (spec.md Section 4.3). framed selects TCP-style
// padding (true) or UDP-style exact framing (false).
func NewTransports(t Transport, framed bool) (*StunTransport, *ChannelDataTransport) {
	m := newMux(t, framed)
	return &StunTransport{m: m}, &ChannelDataTransport{m: m}
}

// Send encodes and writes a STUN message.
func (s *StunTransport) Send(msg *stun.Message) error { return s.m.writeStun(msg) }

// Recv returns the next STUN item (KindStun or KindBrokenStun), blocking
// until one arrives, ctx is done, or the transport fails.
func (s *StunTransport) Recv(ctx context.Context) (*TurnMessage, error) {
	select {
	case item, ok := <-s.m.stunCh:
		if !ok {
			return nil, s.m.err
		}
		return item, nil
	case <-s.m.done:
		return nil, s.m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send encodes and writes a ChannelData frame.
func (c *ChannelDataTransport) Send(cd *ChannelData) error { return c.m.writeChannelData(cd) }

// Recv returns the next ChannelData frame, blocking until one arrives,
// ctx is done, or the transport fails.
func (c *ChannelDataTransport) Recv(ctx context.Context) (*ChannelData, error) {
	select {
	case item, ok := <-c.m.channelCh:
		if !ok {
			return nil, c.m.err
		}
		return item, nil
	case <-c.m.done:
		return nil, c.m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
