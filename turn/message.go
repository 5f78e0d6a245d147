package turn

import (
	"bufio"
	"errors"
	"io"

	"github.com/gortc/stun"
)

// Kind discriminates the three states a decoded frame can be in.
// Closed variant: exhaustive switches over Kind should always have a
// default case that panics, so a new Kind added later is caught at
// review time rather than silently mishandled.
type Kind byte

// The three tagged states of TurnMessage (spec.md Section 3).
const (
	KindStun Kind = iota
	KindBrokenStun
	KindChannelData
)

func (k Kind) String() string {
	switch k {
	case KindStun:
		return "stun"
	case KindBrokenStun:
		return "broken_stun"
	case KindChannelData:
		return "channel_data"
	default:
		return "unknown"
	}
}

// TurnMessage is the tagged union decoded from (or encoded to) a single
// byte stream shared by STUN and ChannelData. Exactly one of Stun/Raw,
// Channel is meaningful, selected by Kind.
type TurnMessage struct {
	Kind Kind

	Stun *stun.Message // valid when Kind == KindStun

	Raw      []byte // valid when Kind == KindBrokenStun: the undecodable bytes
	ParseErr error  // valid when Kind == KindBrokenStun: why decode failed

	Channel *ChannelData // valid when Kind == KindChannelData
}

// NewStunMessage wraps m as a KindStun item.
func NewStunMessage(m *stun.Message) *TurnMessage { return &TurnMessage{Kind: KindStun, Stun: m} }

// NewChannelDataMessage wraps cd as a KindChannelData item.
func NewChannelDataMessage(cd *ChannelData) *TurnMessage {
	return &TurnMessage{Kind: KindChannelData, Channel: cd}
}

// errBadFramePrefix is returned when the first byte's top two bits are
// neither 0b00 (STUN) nor 0b01 (ChannelData). Per spec.md Section 8 this
// must not consume bytes beyond the one peeked.
var errBadFramePrefix = errors.New("turn: byte 0 has unrecognized framing prefix")

// Decoder demultiplexes STUN messages and ChannelData frames off of a
// single byte stream (spec.md Section 4.1). It is safe to call Decode
// repeatedly in a loop; partial frames are handled by blocking reads on
// the underlying bufio.Reader rather than by an explicit resumable
// state machine — see DESIGN.md for why this is the idiomatic Go shape
// of the spec's push-fed decoder.
type Decoder struct {
	r      *bufio.Reader
	framed bool // true for a stream transport (TCP) that pads ChannelData to 4 bytes
}

// NewDecoder returns a Decoder reading from r. framed should be true iff
// r is a byte-stream transport (TCP) where ChannelData frames are padded
// to a multiple of 4 bytes; false for a message-oriented transport (UDP)
// where no padding is applied.
func NewDecoder(r io.Reader, framed bool) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096), framed: framed}
}

// Decode reads exactly one frame and returns its tagged representation.
// A malformed STUN message yields a KindBrokenStun item (framing is
// preserved even though semantics are lost); a malformed ChannelData
// frame returns a non-nil error with a nil message, since there is no
// BrokenChannelData variant — the stream is still usable for the next
// call. Decode returns io.EOF when the stream is cleanly closed between
// frames.
func (d *Decoder) Decode() (*TurnMessage, error) {
	head, err := d.r.Peek(1)
	if err != nil {
		return nil, err
	}
	switch head[0] >> 6 {
	case 0b00:
		return d.decodeStun()
	case 0b01:
		return d.decodeChannelData()
	default:
		return nil, wrap("Decode", KindProtocolViolation, errBadFramePrefix)
	}
}

func (d *Decoder) decodeStun() (*TurnMessage, error) {
	const headerSize = 20
	header, err := peekExactly(d.r, headerSize)
	if err != nil {
		return nil, wrap("Decode", KindIO, err)
	}
	length := int(bin.Uint16(header[2:4]))
	total := headerSize + length
	buf := make([]byte, total)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, wrap("Decode", KindIO, err)
	}
	m := &stun.Message{Raw: buf}
	if decErr := m.Decode(); decErr != nil {
		return &TurnMessage{Kind: KindBrokenStun, Raw: buf, ParseErr: decErr}, nil
	}
	return NewStunMessage(m), nil
}

func (d *Decoder) decodeChannelData() (*TurnMessage, error) {
	header, err := peekExactly(d.r, channelDataHeaderSize)
	if err != nil {
		return nil, wrap("Decode", KindIO, err)
	}
	length := int(bin.Uint16(header[2:4]))
	total := channelDataHeaderSize + length
	readLen := total
	if d.framed {
		readLen = channelDataHeaderSize + PaddedLen(length)
	}
	buf := make([]byte, readLen)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, wrap("Decode", KindIO, err)
	}
	cd := &ChannelData{Raw: buf[:total]}
	if decErr := cd.Decode(); decErr != nil {
		// Fatal to this frame only; the next Decode() call starts fresh.
		return nil, wrap("Decode", KindProtocolViolation, decErr)
	}
	return NewChannelDataMessage(cd), nil
}

func peekExactly(r *bufio.Reader, n int) ([]byte, error) {
	for {
		b, err := r.Peek(n)
		if err == nil {
			return b, nil
		}
		if err == bufio.ErrBufferFull {
			return nil, errors.New("turn: frame larger than decode buffer")
		}
		return nil, err
	}
}

// Encoder serializes TurnMessage items onto a single byte stream. It is
// one-shot per call: Encode blocks until the entire frame has been
// written (mirroring the "cannot start a new item until the previous is
// fully drained" rule from spec.md, which a blocking io.Writer already
// guarantees in Go).
type Encoder struct {
	w      io.Writer
	framed bool
}

// NewEncoder returns an Encoder writing to w with the same framed
// convention as NewDecoder.
func NewEncoder(w io.Writer, framed bool) *Encoder {
	return &Encoder{w: w, framed: framed}
}

// Encode writes m to the underlying stream. KindBrokenStun is not a
// legal input and returns a KindInvalidInput error.
func (e *Encoder) Encode(m *TurnMessage) error {
	switch m.Kind {
	case KindStun:
		if len(m.Stun.Raw) == 0 {
			m.Stun.Encode()
		}
		_, err := e.w.Write(m.Stun.Raw)
		return wrap("Encode", KindIO, err)
	case KindChannelData:
		m.Channel.Encode()
		if !e.framed {
			_, err := e.w.Write(m.Channel.Raw)
			return wrap("Encode", KindIO, err)
		}
		padded := PaddedLen(len(m.Channel.Raw))
		if padded == len(m.Channel.Raw) {
			_, err := e.w.Write(m.Channel.Raw)
			return wrap("Encode", KindIO, err)
		}
		buf := make([]byte, padded)
		copy(buf, m.Channel.Raw)
		_, err := e.w.Write(buf)
		return wrap("Encode", KindIO, err)
	default:
		return wrap("Encode", KindInvalidInput, errors.New("turn: BrokenStun is not encodable"))
	}
}

// ExactRequiredBytes returns the number of bytes Encode(m) will write,
// without writing anything — the sum of the child encoder's bytes, per
// spec.md Section 4.1.
func (m *TurnMessage) ExactRequiredBytes(framed bool) int {
	switch m.Kind {
	case KindStun:
		return len(m.Stun.Raw)
	case KindChannelData:
		n := channelDataHeaderSize + len(m.Channel.Data)
		if framed {
			return channelDataHeaderSize + PaddedLen(len(m.Channel.Data))
		}
		return n
	default:
		return 0
	}
}
