// Package opus wraps libopus for the mono voice streams the engine
// carries, and parses enough of the RFC 6716 TOC byte to size frames
// without decoding them.
package opus

import "time"

type (
	// TOC is the table-of-contents byte leading every Opus packet:
	// a configuration number, a stereo flag, and a frame count code.
	//
	//	 0 1 2 3 4 5 6 7
	//	+-+-+-+-+-+-+-+-+
	//	| config  |s| c |
	//	+-+-+-+-+-+-+-+-+
	//
	// https://datatracker.ietf.org/doc/html/rfc6716#section-3.1
	TOC byte

	// Configuration is the 5-bit configuration number selecting mode,
	// bandwidth and frame size.
	Configuration byte

	// FrameCode is the 2-bit frame count code.
	FrameCode byte
)

// Frame count codes.
const (
	OneFrame FrameCode = iota
	TwoEqualFrames
	TwoDifferentFrames
	ArbitraryFrames
)

// Configuration returns the configuration number.
func (t TOC) Configuration() Configuration {
	return Configuration(t >> 3)
}

// IsStereo reports whether the packet carries stereo audio.
func (t TOC) IsStereo() bool {
	return t&0b00000100 != 0
}

// FrameCode returns the frame count code.
func (t TOC) FrameCode() FrameCode {
	return FrameCode(t & 0b00000011)
}

// FrameDuration returns the per-frame duration for this configuration.
// https://datatracker.ietf.org/doc/html/rfc6716#section-3.1
func (c Configuration) FrameDuration() time.Duration {
	switch c {
	case 16, 20, 24, 28:
		return 2500 * time.Microsecond
	case 17, 21, 25, 29:
		return 5 * time.Millisecond
	case 0, 4, 8, 12, 14, 18, 22, 26, 30:
		return 10 * time.Millisecond
	case 1, 5, 9, 13, 15, 19, 23, 27, 31:
		return 20 * time.Millisecond
	case 2, 6, 10:
		return 40 * time.Millisecond
	case 3, 7, 11:
		return 60 * time.Millisecond
	}
	return 0
}
