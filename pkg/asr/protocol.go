package asr

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing for the bigmodel streaming endpoint. Every websocket
// message starts with a 4-byte header:
//
//	byte 0: version (high nibble) + header size in 4-byte units (low)
//	byte 1: message type (high nibble) + flags (low)
//	byte 2: serialization (high nibble) + compression (low)
//	byte 3: reserved
//
// followed by an optional 4-byte sequence (when the flags say so) and a
// big-endian payload size + payload.
const (
	protoVersionByte = 0x11 // version 1, header size 1

	msgFullClient  = 0x1
	msgAudioClient = 0x2
	msgFullServer  = 0x9
	msgError       = 0xf

	flagNone     = 0x0
	flagLast     = 0x2
	flagFinal    = 0x3
	flagSequence = 0x1

	serRaw  = 0x0
	serJSON = 0x1

	compNone = 0x0
	compGzip = 0x1
)

// marshalClientMsg frames one client message.
func marshalClientMsg(msgType, flags, ser, comp byte, payload []byte) ([]byte, error) {
	if comp == compGzip && len(payload) > 0 {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		payload = gz.Bytes()
	}

	buf := make([]byte, 0, 8+len(payload))
	buf = append(buf, protoVersionByte, msgType<<4|flags, ser<<4|comp, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}

// serverMsg is a parsed server message.
type serverMsg struct {
	msgType byte
	flags   byte
	payload []byte
}

// parseServerMsg decodes one server message, inflating a gzip payload.
func parseServerMsg(data []byte) (*serverMsg, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("asr: server message too short: %d bytes", len(data))
	}
	m := &serverMsg{
		msgType: data[1] >> 4,
		flags:   data[1] & 0x0f,
	}
	comp := data[2] & 0x0f

	off := int(data[0]&0x0f) * 4 // header size in 4-byte units
	if m.flags&flagSequence != 0 {
		off += 4
	}
	if len(data) < off+4 {
		return nil, fmt.Errorf("asr: server message truncated before payload size")
	}
	size := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(size) {
		return nil, fmt.Errorf("asr: payload size %d exceeds message", size)
	}
	m.payload = data[off : off+int(size)]

	if comp == compGzip && len(m.payload) > 0 {
		r, err := gzip.NewReader(bytes.NewReader(m.payload))
		if err != nil {
			return nil, fmt.Errorf("asr: gzip payload: %w", err)
		}
		defer r.Close()
		if m.payload, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("asr: gzip payload: %w", err)
		}
	}
	return m, nil
}
