package turn

import (
	"bytes"
	"testing"
)

func TestNewChannelData_RejectsOutOfRange(t *testing.T) {
	if _, err := NewChannelData(0x3FFF, []byte("hi")); err != ErrInvalidChannelNumber {
		t.Fatalf("expected ErrInvalidChannelNumber, got %v", err)
	}
	if _, err := NewChannelData(0x7FFF, []byte("hi")); err != nil {
		t.Fatalf("0x7FFF should be accepted: %v", err)
	}
	if _, err := NewChannelData(0x4000, []byte("hi")); err != nil {
		t.Fatalf("0x4000 should be accepted: %v", err)
	}
}

func TestChannelData_EncodeDecodeRoundTrip(t *testing.T) {
	cd, err := NewChannelData(0x4000, []byte("hello, peer"))
	if err != nil {
		t.Fatal(err)
	}
	cd.Encode()

	var out ChannelData
	out.Raw = append([]byte(nil), cd.Raw...)
	if err := out.Decode(); err != nil {
		t.Fatal(err)
	}
	if !cd.Equal(&out) {
		t.Fatalf("round trip mismatch: %+v vs %+v", cd, out)
	}
}

func TestChannelData_BadLengthIsFatalToFrameOnly(t *testing.T) {
	cd := &ChannelData{Raw: []byte{0x40, 0x00, 0x00, 0xFF, 'h', 'i'}} // declares 255 bytes, has 2
	if err := cd.Decode(); err != ErrBadChannelDataLength {
		t.Fatalf("expected ErrBadChannelDataLength, got %v", err)
	}
}

func TestIsChannelData(t *testing.T) {
	cd, _ := NewChannelData(0x4001, []byte("abc"))
	cd.Encode()
	if !IsChannelData(cd.Raw) {
		t.Fatal("expected IsChannelData to recognize a valid frame")
	}
	if IsChannelData([]byte{0x00, 0x01, 0x00, 0x00}) {
		t.Fatal("binding-range prefix must not look like channel data")
	}
}

func TestPaddedLen(t *testing.T) {
	cases := map[int]int{0: 0, 1: 4, 2: 4, 3: 4, 4: 4, 5: 8}
	for in, want := range cases {
		if got := PaddedLen(in); got != want {
			t.Fatalf("PaddedLen(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestChannelNumber_WireFormat(t *testing.T) {
	cd, _ := NewChannelData(0x4002, []byte{1, 2, 3})
	cd.Encode()
	if !bytes.Equal(cd.Raw[:2], []byte{0x40, 0x02}) {
		t.Fatalf("unexpected channel number bytes: %x", cd.Raw[:2])
	}
	if !bytes.Equal(cd.Raw[2:4], []byte{0x00, 0x03}) {
		t.Fatalf("unexpected length bytes: %x", cd.Raw[2:4])
	}
}
