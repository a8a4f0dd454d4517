// Package resample converts mono 16-bit PCM between the sample rates
// used on the provider and client sides. TTS providers commonly return
// 24 kHz audio while the negotiated output codec runs at 16 kHz.
package resample

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
)

// Converter converts a stream of mono PCM chunks from one format to
// another. It keeps filter state between chunks, so one Converter must
// be used per continuous stream.
type Converter struct {
	src, dst pcm.Format
	rs       resampling.Resampler
}

// New creates a Converter from src to dst. When the rates match the
// converter passes data through unchanged.
func New(src, dst pcm.Format) (*Converter, error) {
	c := &Converter{src: src, dst: dst}
	if src.SampleRate() == dst.SampleRate() {
		return c, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(src.SampleRate()),
		OutputRate: float64(dst.SampleRate()),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	c.rs = rs
	return c, nil
}

// Convert processes one chunk of little-endian int16 PCM and returns
// the converted chunk. Output length varies with filter state; callers
// must not assume a fixed ratio per call.
func (c *Converter) Convert(b []byte) ([]byte, error) {
	if c.rs == nil {
		return b, nil
	}
	in := make([]float64, len(b)/2)
	for i := range in {
		s := int16(b[i*2]) | int16(b[i*2+1])<<8
		in[i] = float64(s) / 32768.0
	}
	out, err := c.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	return floatsToBytes(out), nil
}

func floatsToBytes(out []float64) []byte {
	b := make([]byte, len(out)*2)
	for i, v := range out {
		var s int16
		switch {
		case v >= 1.0:
			s = 32767
		case v <= -1.0:
			s = -32768
		default:
			s = int16(v * 32767.0)
		}
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
