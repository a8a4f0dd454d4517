package opus

import (
	"slices"
	"time"
)

// Frame is a raw Opus encoded packet.
type Frame []byte

// TOC returns the TOC byte, or 0 for an empty frame.
func (f Frame) TOC() TOC {
	if len(f) == 0 {
		return 0
	}
	return TOC(f[0])
}

// Duration returns the total audio duration carried by this packet.
func (f Frame) Duration() time.Duration {
	if len(f) == 0 {
		return 0
	}
	toc := f.TOC()
	fd := toc.Configuration().FrameDuration()
	switch toc.FrameCode() {
	case OneFrame:
		return fd
	case TwoEqualFrames, TwoDifferentFrames:
		return fd * 2
	case ArbitraryFrames:
		if len(f) < 2 {
			return 0
		}
		return fd * time.Duration(f[1]&0b00111111)
	}
	return 0
}

// Clone returns a copy of the frame.
func (f Frame) Clone() Frame {
	return slices.Clone(f)
}
