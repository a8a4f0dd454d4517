// Package pcm describes the linear PCM formats the engine moves between
// the client codec, VAD, ASR, and TTS providers.
package pcm

import "time"

const (
	// L16Mono16K is audio/L16; rate=16000; channels=1. Input side.
	L16Mono16K Format = iota
	// L16Mono24K is audio/L16; rate=24000; channels=1. Common TTS
	// provider output rate.
	L16Mono24K
	// L16Mono48K is audio/L16; rate=48000; channels=1.
	L16Mono48K
)

// Format identifies a 16-bit mono linear PCM configuration.
type Format int

// FromRate returns the Format for a sample rate, or ok=false if the
// rate is not one the engine supports.
func FromRate(rate int) (Format, bool) {
	switch rate {
	case 16000:
		return L16Mono16K, true
	case 24000:
		return L16Mono24K, true
	case 48000:
		return L16Mono48K, true
	}
	return 0, false
}

// SampleRate returns the sample rate in Hz.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	}
	panic("pcm: invalid format")
}

// BytesPerSample is the sample width shared by all supported formats.
const BytesPerSample = 2

// BytesIn returns the number of bytes covering duration d.
func (f Format) BytesIn(d time.Duration) int {
	samples := int64(f.SampleRate()) * int64(d) / int64(time.Second)
	return int(samples) * BytesPerSample
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate())
}

// String returns the MIME-style description of the format.
func (f Format) String() string {
	switch f {
	case L16Mono16K:
		return "audio/L16;rate=16000"
	case L16Mono24K:
		return "audio/L16;rate=24000"
	case L16Mono48K:
		return "audio/L16;rate=48000"
	}
	return "audio/L16;rate=?"
}
