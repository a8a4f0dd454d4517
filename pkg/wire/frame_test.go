package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBinaryFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		frame   BinaryFrame
	}{
		{"first with payload", BinaryFrame{Kind: KindAudio, Tag: TagFirst, Payload: []byte{1, 2, 3, 4}}},
		{"middle", BinaryFrame{Kind: KindAudio, Tag: TagMiddle, Payload: bytes.Repeat([]byte{0xAB}, 960)}},
		{"last empty payload", BinaryFrame{Kind: KindAudio, Tag: TagLast}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.frame.Marshal()
			if len(b) != HeaderSize+len(tc.frame.Payload) {
				t.Fatalf("marshal length = %d; want %d", len(b), HeaderSize+len(tc.frame.Payload))
			}
			got, err := ParseFrame(b)
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if got.Kind != tc.frame.Kind || got.Tag != tc.frame.Tag {
				t.Errorf("header = kind %d tag %v; want kind %d tag %v", got.Kind, got.Tag, tc.frame.Kind, tc.frame.Tag)
			}
			if !bytes.Equal(got.Payload, tc.frame.Payload) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestParseFrame_LengthMismatch(t *testing.T) {
	f := BinaryFrame{Kind: KindAudio, Tag: TagMiddle, Payload: []byte("audio")}
	b := f.Marshal()
	binary.BigEndian.PutUint32(b[2:6], 99)
	if _, err := ParseFrame(b); err == nil {
		t.Fatal("ParseFrame accepted mismatched length")
	}
}

func TestParseFrame_ShortHeader(t *testing.T) {
	if _, err := ParseFrame(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("ParseFrame accepted short header")
	}
}

func TestParseFrame_ReservedBytesIgnored(t *testing.T) {
	f := BinaryFrame{Kind: KindAudio, Tag: TagNormal, Payload: []byte{7}}
	b := f.Marshal()
	for i := 6; i < HeaderSize; i++ {
		if b[i] != 0 {
			t.Fatalf("reserved byte %d = %d; want 0", i, b[i])
		}
	}
}
