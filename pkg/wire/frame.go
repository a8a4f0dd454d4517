// Package wire implements the client socket protocol: binary audio
// frames with a fixed 16-byte header multiplexed with JSON control
// messages on one duplex websocket.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed binary frame header length.
const HeaderSize = 16

// Frame kinds (header byte 0).
const (
	KindAudio byte = 1
)

// Tag marks a frame's position within an utterance or response.
type Tag byte

// Frame tags (header byte 1).
const (
	TagNormal Tag = 0
	TagFirst  Tag = 1
	TagMiddle Tag = 2
	TagLast   Tag = 3
)

// String returns the lowercase tag name.
func (t Tag) String() string {
	switch t {
	case TagNormal:
		return "normal"
	case TagFirst:
		return "first"
	case TagMiddle:
		return "middle"
	case TagLast:
		return "last"
	}
	return fmt.Sprintf("tag(%d)", byte(t))
}

// BinaryFrame is one audio frame on the wire.
//
// Header layout:
//
//	byte 0     kind (1 = audio)
//	byte 1     tag
//	bytes 2-5  payload length, big-endian
//	bytes 6-15 reserved, zero
type BinaryFrame struct {
	Kind    byte
	Tag     Tag
	Seq     uint32 // sequence within the response; not on the wire
	Payload []byte
}

// Marshal serializes the frame, header plus payload.
func (f *BinaryFrame) Marshal() []byte {
	b := make([]byte, HeaderSize+len(f.Payload))
	b[0] = f.Kind
	b[1] = byte(f.Tag)
	binary.BigEndian.PutUint32(b[2:6], uint32(len(f.Payload)))
	copy(b[HeaderSize:], f.Payload)
	return b
}

// ParseFrame decodes a binary frame. A declared length that does not
// match the actual payload length is a protocol violation and fatal to
// the connection.
func ParseFrame(b []byte) (*BinaryFrame, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("wire: short frame: %d bytes", len(b))
	}
	declared := binary.BigEndian.Uint32(b[2:6])
	payload := b[HeaderSize:]
	if int(declared) != len(payload) {
		return nil, fmt.Errorf("wire: frame length mismatch: declared %d, got %d", declared, len(payload))
	}
	return &BinaryFrame{
		Kind:    b[0],
		Tag:     Tag(b[1]),
		Payload: payload,
	}, nil
}
