package vad

import "math"

// EnergyDetector scores frames by RMS energy over 16-bit little-endian
// mono PCM. It is the zero-dependency default; model-backed detectors
// plug in behind the Detector interface.
type EnergyDetector struct {
	// NoiseFloor is the RMS at which the probability reaches 0.
	NoiseFloor float64
	// SpeechRMS is the RMS at which the probability reaches 1.
	SpeechRMS float64
}

// NewEnergyDetector returns a detector tuned for near-field microphone
// capture.
func NewEnergyDetector() *EnergyDetector {
	return &EnergyDetector{NoiseFloor: 150, SpeechRMS: 1200}
}

// Prob implements Detector. The probability ramps linearly between the
// noise floor and the speech reference level.
func (d *EnergyDetector) Prob(pcm []byte) (float64, error) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, nil
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	switch {
	case rms <= d.NoiseFloor:
		return 0, nil
	case rms >= d.SpeechRMS:
		return 1, nil
	default:
		return (rms - d.NoiseFloor) / (d.SpeechRMS - d.NoiseFloor), nil
	}
}
