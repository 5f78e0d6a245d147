package turn

import (
	"strconv"

	"github.com/gortc/stun"
)

// ChannelNumber represents the CHANNEL-NUMBER attribute.
//
// RFC 5766 Section 14.1: valid values are 0x4000 through 0x7FFF.
type ChannelNumber uint16

// Valid channel number range, RFC 5766 Section 11.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF
)

// Valid reports whether n is in [MinChannelNumber, MaxChannelNumber].
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

func (n ChannelNumber) String() string { return strconv.Itoa(int(n)) }

// channelNumberAttrSize is 16 bits of number + 16 bits of RFFU (= 0).
const channelNumberAttrSize = 4

// AddTo adds CHANNEL-NUMBER to m.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, channelNumberAttrSize)
	bin.PutUint16(v[:2], uint16(n))
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

// GetFrom decodes CHANNEL-NUMBER from m.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != channelNumberAttrSize {
		return &BadAttrLength{Attr: stun.AttrChannelNumber, Got: len(v), Expected: channelNumberAttrSize}
	}
	*n = ChannelNumber(bin.Uint16(v[:2]))
	return nil
}

// BadAttrLength means that length for attribute is invalid.
type BadAttrLength struct {
	Attr     stun.AttrType
	Got      int
	Expected int
}

func (e *BadAttrLength) Error() string {
	return "incorrect length for " + e.Attr.String()
}
