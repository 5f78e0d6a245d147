package turn

import (
	"bytes"
	"errors"
	"io"
)

// channelDataHeaderSize is 2 bytes channel number + 2 bytes length.
const channelDataHeaderSize = 4

// ErrInvalidChannelNumber means the channel number is outside
// [0x4000, 0x7FFF] (RFC 5766 Section 11).
var ErrInvalidChannelNumber = errors.New("channel number not in [0x4000, 0x7FFF]")

// ErrBadChannelDataLength means the declared length did not match the
// actual number of bytes available.
var ErrBadChannelDataLength = errors.New("channelData length != len(Data)")

// ChannelData is the compact alternative to SEND/DATA indications: a
// 4-byte header (channel number, length) followed by the payload.
//
// RFC 5766 Section 11.4.
type ChannelData struct {
	Number ChannelNumber
	Data   []byte // payload; may alias Raw
	Raw    []byte // header + payload, no TCP padding
}

// Equal reports structural equality: same channel number and payload.
func (c *ChannelData) Equal(b *ChannelData) bool {
	if c == nil || b == nil {
		return c == b
	}
	return c.Number == b.Number && bytes.Equal(c.Data, b.Data)
}

// Reset clears c for reuse.
func (c *ChannelData) Reset() {
	c.Raw = c.Raw[:0]
	c.Data = nil
	c.Number = 0
}

// NewChannelData validates number and builds a ChannelData wrapping data.
// Constructing with an out-of-range channel number is rejected here, per
// spec.md Testable Properties ("Channel number 0x3FFF rejected at
// construction").
func NewChannelData(number ChannelNumber, data []byte) (*ChannelData, error) {
	if !number.Valid() {
		return nil, ErrInvalidChannelNumber
	}
	if len(data) > 0xFFFF {
		return nil, errors.New("channelData payload too large")
	}
	return &ChannelData{Number: number, Data: data}, nil
}

// Encode serializes c into c.Raw (header + payload, no padding — callers
// writing to a TCP transport must pad separately via PaddedLen).
func (c *ChannelData) Encode() {
	c.Raw = make([]byte, channelDataHeaderSize+len(c.Data))
	bin.PutUint16(c.Raw[0:2], uint16(c.Number))
	bin.PutUint16(c.Raw[2:4], uint16(len(c.Data)))
	copy(c.Raw[channelDataHeaderSize:], c.Data)
}

// Decode parses c.Raw (header + exactly len bytes of payload, already
// stripped of any TCP padding) into Number/Data. A decode error is fatal
// to this frame only — callers MUST NOT treat it as fatal to the stream.
func (c *ChannelData) Decode() error {
	buf := c.Raw
	if len(buf) < channelDataHeaderSize {
		return io.ErrUnexpectedEOF
	}
	num := ChannelNumber(bin.Uint16(buf[0:2]))
	length := int(bin.Uint16(buf[2:4]))
	payload := buf[channelDataHeaderSize:]
	if length != len(payload) {
		return ErrBadChannelDataLength
	}
	if !num.Valid() {
		return ErrInvalidChannelNumber
	}
	c.Number = num
	c.Data = payload
	return nil
}

// PaddedLen rounds n up to the next multiple of 4, used when framing
// ChannelData on a TCP transport (RFC 5766 Section 11.5: "the TURN
// ChannelData message is padded to a multiple of four bytes").
func PaddedLen(n int) int {
	if rem := n % 4; rem != 0 {
		return n + (4 - rem)
	}
	return n
}

// IsChannelData reports whether buf looks like a well-formed ChannelData
// frame: a valid channel number and a length field matching the
// remaining bytes exactly (no padding allowance — used for UDP framing
// where the datagram boundary is exact).
func IsChannelData(buf []byte) bool {
	if len(buf) < channelDataHeaderSize {
		return false
	}
	num := ChannelNumber(bin.Uint16(buf[0:2]))
	if !num.Valid() {
		return false
	}
	l := int(bin.Uint16(buf[2:4]))
	return l == len(buf[channelDataHeaderSize:])
}
