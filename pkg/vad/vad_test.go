package vad

import (
	"errors"
	"testing"
	"time"
)

const frameDur = 60 * time.Millisecond

// probSeq returns a detector that replays the given probabilities.
func probSeq(probs []float64) Detector {
	i := 0
	return DetectorFunc(func([]byte) (float64, error) {
		p := probs[i%len(probs)]
		i++
		return p, nil
	})
}

// feedN runs n frames through the stream and collects events.
func feedN(s *Stream, n int, start time.Time) []Event {
	var events []Event
	for i := 0; i < n; i++ {
		now := start.Add(time.Duration(i) * frameDur)
		events = append(events, s.Feed(nil, now)...)
	}
	return events
}

func TestStream_StartAfterMinSpeech(t *testing.T) {
	// 200ms at 60ms frames = 4 voiced frames to confirm onset.
	probs := []float64{0.9, 0.9, 0.9, 0.9, 0.9}
	s := NewStream(probSeq(probs), DefaultConfig(), frameDur)

	t0 := time.Unix(0, 0)
	events := feedN(s, 5, t0)
	if len(events) != 1 || events[0].Kind != Start {
		t.Fatalf("events = %v; want one Start", events)
	}
	if !events[0].Timestamp.Equal(t0) {
		t.Errorf("Start timestamp = %v; want onset frame time %v", events[0].Timestamp, t0)
	}
	if !s.Speaking() {
		t.Error("Speaking() = false after Start")
	}
}

func TestStream_NoStartOnShortBurst(t *testing.T) {
	// Two voiced frames (120ms) then silence: below the 200ms gate.
	probs := []float64{0.9, 0.9, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	s := NewStream(probSeq(probs), DefaultConfig(), frameDur)
	if events := feedN(s, 10, time.Unix(0, 0)); len(events) != 0 {
		t.Errorf("events = %v; want none for short burst", events)
	}
}

func TestStream_EndAfterMinSilence(t *testing.T) {
	// Speech, then 600ms (10 frames) of silence.
	probs := []float64{0.9, 0.9, 0.9, 0.9, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	s := NewStream(probSeq(probs), DefaultConfig(), frameDur)
	events := feedN(s, 14, time.Unix(0, 0))
	if len(events) != 2 {
		t.Fatalf("events = %v; want Start then End", events)
	}
	if events[0].Kind != Start || events[1].Kind != End {
		t.Errorf("event kinds = %v, %v; want start, end", events[0].Kind, events[1].Kind)
	}
	if s.Speaking() {
		t.Error("Speaking() = true after End")
	}
}

func TestStream_ShortPauseDoesNotEnd(t *testing.T) {
	// A 300ms dip inside an utterance must not fire End.
	probs := []float64{
		0.9, 0.9, 0.9, 0.9, // speech confirmed
		0.1, 0.1, 0.1, 0.1, 0.1, // 300ms dip
		0.9, 0.9, 0.9, 0.9, 0.9, // speech resumes
	}
	s := NewStream(probSeq(probs), DefaultConfig(), frameDur)
	events := feedN(s, 14, time.Unix(0, 0))
	for _, e := range events {
		if e.Kind == End {
			t.Fatalf("End fired during a short pause: %v", events)
		}
	}
	if !s.Speaking() {
		t.Error("Speaking() = false; pause should not end the utterance")
	}
}

func TestStream_DetectorErrorDegradesToPassThrough(t *testing.T) {
	det := DetectorFunc(func([]byte) (float64, error) {
		return 0, errors.New("model crashed")
	})
	s := NewStream(det, DefaultConfig(), frameDur)
	events := feedN(s, 5, time.Unix(0, 0))
	if len(events) != 1 || events[0].Kind != Start {
		t.Fatalf("events = %v; want pass-through to treat frames as speech", events)
	}
}

func TestEnergyDetector(t *testing.T) {
	det := NewEnergyDetector()

	silence := make([]byte, 1920)
	if p, _ := det.Prob(silence); p != 0 {
		t.Errorf("silence prob = %v; want 0", p)
	}

	loud := make([]byte, 1920)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0x00
		loud[i+1] = 0x20 // 8192
	}
	if p, _ := det.Prob(loud); p != 1 {
		t.Errorf("loud prob = %v; want 1", p)
	}

	if p, _ := det.Prob(nil); p != 0 {
		t.Errorf("empty frame prob = %v; want 0", p)
	}
}
