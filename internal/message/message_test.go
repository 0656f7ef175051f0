package message

import "testing"

func TestChecksumByte(t *testing.T) {
	m := Message{Raw: []byte{0x01, 0x02, 0xAB}}
	if got := m.ChecksumByte(); got != 0xAB {
		t.Errorf("ChecksumByte() = %#x, want 0xab", got)
	}
}

func TestChecksumByteEmpty(t *testing.T) {
	m := Message{}
	if got := m.ChecksumByte(); got != 0 {
		t.Errorf("ChecksumByte() on empty Raw = %#x, want 0", got)
	}
}

func TestHex(t *testing.T) {
	m := Message{Raw: []byte{0x8d, 0x00, 0xff}}
	if got, want := m.Hex(), "8d00ff"; got != want {
		t.Errorf("Hex() = %q, want %q", got, want)
	}
}
