// Package vad turns a stream of fixed-size PCM frames into
// start-of-speech and end-of-speech events. A pluggable Detector
// scores each frame; the Stream applies hysteresis so short noise
// bursts and short pauses do not flap the speech state.
package vad

import (
	"log/slog"
	"time"
)

// EventKind is the kind of a speech boundary event.
type EventKind int

const (
	// Start marks the onset of a user utterance.
	Start EventKind = iota
	// End marks the end of a user utterance.
	End
)

// String returns the event kind name.
func (k EventKind) String() string {
	if k == Start {
		return "start"
	}
	return "end"
}

// Event is one speech boundary decision with the wall-clock time of the
// frame that produced it.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
}

// Detector scores the voicing probability of one PCM frame.
type Detector interface {
	// Prob returns a probability in [0, 1] that the frame contains
	// speech.
	Prob(pcm []byte) (float64, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(pcm []byte) (float64, error)

// Prob calls the underlying function.
func (f DetectorFunc) Prob(pcm []byte) (float64, error) {
	return f(pcm)
}

// Config holds the hysteresis parameters.
type Config struct {
	// StartThreshold is the voicing probability above which a frame
	// counts toward speech onset.
	StartThreshold float64
	// EndThreshold is the probability below which a frame counts
	// toward speech end. Must be <= StartThreshold.
	EndThreshold float64
	// MinSpeech is how long frames must stay above StartThreshold
	// before Start fires.
	MinSpeech time.Duration
	// MinSilence is how long frames must stay below EndThreshold
	// before End fires.
	MinSilence time.Duration
}

// DefaultConfig returns the production defaults: speech confirmed after
// 200 ms of voicing, end confirmed after 600 ms of silence.
func DefaultConfig() Config {
	return Config{
		StartThreshold: 0.6,
		EndThreshold:   0.4,
		MinSpeech:      200 * time.Millisecond,
		MinSilence:     600 * time.Millisecond,
	}
}

type state int

const (
	stateSilence state = iota
	stateMaybeSpeech
	stateSpeech
	stateMaybeSilence
)

// Stream is the per-session VAD state machine. It is not safe for
// concurrent use; the session's audio task owns it.
type Stream struct {
	det      Detector
	cfg      Config
	frameDur time.Duration

	st       state
	accum    time.Duration // time spent in the current maybe-state
	onsetAt  time.Time     // first voiced frame of the pending onset
	degraded bool
}

// NewStream creates a Stream with the given detector, config, and
// per-frame duration (60 ms at 16 kHz mono in production).
func NewStream(det Detector, cfg Config, frameDur time.Duration) *Stream {
	return &Stream{det: det, cfg: cfg, frameDur: frameDur}
}

// Speaking reports whether the stream is currently inside an utterance.
func (s *Stream) Speaking() bool {
	return s.st == stateSpeech || s.st == stateMaybeSilence
}

// Reset returns the stream to silence without emitting events.
func (s *Stream) Reset() {
	s.st = stateSilence
	s.accum = 0
}

// Feed scores one frame and advances the state machine. It returns the
// boundary events produced by this frame, if any. A detector failure
// degrades to pass-through — the frame is treated as speech and a
// warning is logged — so a broken model never ends the session.
func (s *Stream) Feed(pcm []byte, now time.Time) []Event {
	prob, err := s.det.Prob(pcm)
	if err != nil {
		if !s.degraded {
			slog.Warn("vad: detector failed, degrading to pass-through", "err", err)
			s.degraded = true
		}
		prob = 1.0
	}

	voiced := prob >= s.cfg.StartThreshold
	silent := prob < s.cfg.EndThreshold

	switch s.st {
	case stateSilence:
		if voiced {
			s.st = stateMaybeSpeech
			s.onsetAt = now
			s.accum = s.frameDur
			if s.accum >= s.cfg.MinSpeech {
				s.st = stateSpeech
				return []Event{{Kind: Start, Timestamp: s.onsetAt}}
			}
		}
	case stateMaybeSpeech:
		if !voiced {
			s.st = stateSilence
			s.accum = 0
			break
		}
		s.accum += s.frameDur
		if s.accum >= s.cfg.MinSpeech {
			s.st = stateSpeech
			return []Event{{Kind: Start, Timestamp: s.onsetAt}}
		}
	case stateSpeech:
		if silent {
			s.st = stateMaybeSilence
			s.accum = s.frameDur
			if s.accum >= s.cfg.MinSilence {
				s.st = stateSilence
				return []Event{{Kind: End, Timestamp: now}}
			}
		}
	case stateMaybeSilence:
		if !silent {
			s.st = stateSpeech
			s.accum = 0
			break
		}
		s.accum += s.frameDur
		if s.accum >= s.cfg.MinSilence {
			s.st = stateSilence
			return []Event{{Kind: End, Timestamp: now}}
		}
	}
	return nil
}
