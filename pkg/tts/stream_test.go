package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/queue"
	"github.com/voxloop/voxloop/pkg/wire"
)

// pcmRamp returns n bytes of deterministic non-zero PCM.
func pcmRamp(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// scriptedSynth serves canned PCM per trimmed sentence and fails the
// sentences listed in fail.
type scriptedSynth struct {
	format pcm.Format
	audio  map[string][]byte
	fail   map[string]bool
}

func (s *scriptedSynth) Speak(ctx context.Context, model, text string) (*Audio, error) {
	if s.fail[text] {
		return nil, errors.New("synth unavailable")
	}
	b, ok := s.audio[text]
	if !ok {
		return nil, errors.New("unexpected sentence: " + text)
	}
	return &Audio{Format: s.format, R: io.NopCloser(bytes.NewReader(b))}, nil
}

func waitStream(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func drainFrames(t *testing.T, q *queue.Queue[*wire.BinaryFrame]) []*wire.BinaryFrame {
	t.Helper()
	var fs []*wire.BinaryFrame
	for q.Len() > 0 {
		f, err := q.Next()
		if err != nil {
			t.Fatalf("queue Next: %v", err)
		}
		fs = append(fs, f)
	}
	return fs
}

func TestStreamSpeaksTaggedFrames(t *testing.T) {
	frameBytes := pcm.L16Mono16K.BytesIn(DefaultFrameDuration)
	a1 := pcmRamp(2*frameBytes, 1)
	a2 := pcmRamp(frameBytes, 7)
	synth := &scriptedSynth{
		format: pcm.L16Mono16K,
		audio: map[string][]byte{
			"First one.": a1,
			"Second.":    a2,
		},
	}
	var starts, ends []string
	out := queue.New[*wire.BinaryFrame](32)
	s := NewStream(context.Background(), Config{
		Model:         "mock/voice",
		Synth:         synth,
		Output:        pcm.L16Mono16K,
		SentenceStart: func(text string) { starts = append(starts, text) },
		SentenceEnd:   func(text string) { ends = append(ends, text) },
	}, out)

	if err := s.Feed("First one. Second."); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	s.CloseWrite()
	waitStream(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	fs := drainFrames(t, out)
	if len(fs) != 4 {
		t.Fatalf("got %d frames, want 4", len(fs))
	}
	if fs[0].Tag != wire.TagFirst {
		t.Errorf("frame 0 tag = %v, want first", fs[0].Tag)
	}
	for i := 1; i < len(fs)-1; i++ {
		if fs[i].Tag != wire.TagMiddle {
			t.Errorf("frame %d tag = %v, want middle", i, fs[i].Tag)
		}
	}
	last := fs[len(fs)-1]
	if last.Tag != wire.TagLast || len(last.Payload) != 0 {
		t.Errorf("last frame tag = %v payload = %d bytes, want empty last", last.Tag, len(last.Payload))
	}
	for i, f := range fs {
		if f.Kind != wire.KindAudio {
			t.Errorf("frame %d kind = %d, want audio", i, f.Kind)
		}
		if f.Seq != uint32(i) {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
	}

	var got []byte
	for _, f := range fs {
		got = append(got, f.Payload...)
	}
	want := append(append([]byte(nil), a1...), a2...)
	if !bytes.Equal(got, want) {
		t.Fatalf("payload bytes differ: got %d bytes, want %d", len(got), len(want))
	}

	wantSentences := []string{"First one.", "Second."}
	if len(starts) != len(wantSentences) || len(ends) != len(wantSentences) {
		t.Fatalf("callbacks: %d starts, %d ends, want %d each", len(starts), len(ends), len(wantSentences))
	}
	for i, w := range wantSentences {
		if starts[i] != w || ends[i] != w {
			t.Errorf("sentence %d callbacks = (%q, %q), want %q", i, starts[i], ends[i], w)
		}
	}
}

func TestStreamPadsPartialFrame(t *testing.T) {
	frameBytes := pcm.L16Mono16K.BytesIn(DefaultFrameDuration)
	a1 := pcmRamp(frameBytes/2, 3)
	synth := &scriptedSynth{
		format: pcm.L16Mono16K,
		audio:  map[string][]byte{"Short.": a1},
	}
	out := queue.New[*wire.BinaryFrame](32)
	s := NewStream(context.Background(), Config{Model: "mock/voice", Synth: synth, Output: pcm.L16Mono16K}, out)
	if err := s.Feed("Short."); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	s.CloseWrite()
	waitStream(t, s)

	fs := drainFrames(t, out)
	if len(fs) != 2 {
		t.Fatalf("got %d frames, want 2", len(fs))
	}
	if len(fs[0].Payload) != frameBytes {
		t.Fatalf("frame 0 payload = %d bytes, want full frame %d", len(fs[0].Payload), frameBytes)
	}
	if !bytes.Equal(fs[0].Payload[:len(a1)], a1) {
		t.Error("frame 0 does not start with the synthesized audio")
	}
	if !bytes.Equal(fs[0].Payload[len(a1):], make([]byte, frameBytes-len(a1))) {
		t.Error("partial frame not padded with silence")
	}
	if fs[1].Tag != wire.TagLast {
		t.Errorf("frame 1 tag = %v, want last", fs[1].Tag)
	}
}

func TestStreamDropsFailedSentence(t *testing.T) {
	frameBytes := pcm.L16Mono16K.BytesIn(DefaultFrameDuration)
	a1 := pcmRamp(frameBytes, 11)
	a3 := pcmRamp(frameBytes, 29)
	synth := &scriptedSynth{
		format: pcm.L16Mono16K,
		audio: map[string][]byte{
			"One.":   a1,
			"Three.": a3,
		},
		fail: map[string]bool{"Two.": true},
	}
	var ends []string
	out := queue.New[*wire.BinaryFrame](32)
	s := NewStream(context.Background(), Config{
		Model:       "mock/voice",
		Synth:       synth,
		Output:      pcm.L16Mono16K,
		SentenceEnd: func(text string) { ends = append(ends, text) },
	}, out)

	for _, delta := range []string{"One.", " Two.", " Three."} {
		if err := s.Feed(delta); err != nil {
			t.Fatalf("Feed: %v", err)
		}
		// Space the deltas out so each sentence is synthesized alone
		// instead of batching with the next.
		time.Sleep(10 * time.Millisecond)
	}
	s.CloseWrite()
	waitStream(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	fs := drainFrames(t, out)
	var got []byte
	for _, f := range fs {
		got = append(got, f.Payload...)
	}
	want := append(append([]byte(nil), a1...), a3...)
	if !bytes.Equal(got, want) {
		t.Fatalf("payload bytes differ after dropped sentence: got %d bytes, want %d", len(got), len(want))
	}
	if fs[len(fs)-1].Tag != wire.TagLast {
		t.Error("response not closed with a last frame")
	}
	if len(ends) != 2 || ends[0] != "One." || ends[1] != "Three." {
		t.Errorf("completed sentences = %q, want [One. Three.]", ends)
	}
}

func TestStreamStopEmitsNothingFurther(t *testing.T) {
	blocked := make(chan struct{})
	synth := SpeakFunc(func(ctx context.Context, model, text string) (*Audio, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	out := queue.New[*wire.BinaryFrame](32)
	s := NewStream(context.Background(), Config{Model: "mock/voice", Synth: synth, Output: pcm.L16Mono16K}, out)
	if err := s.Feed("Hello there."); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("synthesis never started")
	}
	s.Stop()
	waitStream(t, s)

	if n := out.Len(); n != 0 {
		t.Fatalf("stopped stream left %d frames", n)
	}
}

func TestStreamChunkTimeoutDropsSentence(t *testing.T) {
	frameBytes := pcm.L16Mono16K.BytesIn(DefaultFrameDuration)
	a2 := pcmRamp(frameBytes, 17)
	synth := SpeakFunc(func(ctx context.Context, model, text string) (*Audio, error) {
		if text == "Slow one." {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Audio{Format: pcm.L16Mono16K, R: io.NopCloser(bytes.NewReader(a2))}, nil
	})
	out := queue.New[*wire.BinaryFrame](32)
	s := NewStream(context.Background(), Config{
		Model:        "mock/voice",
		Synth:        synth,
		Output:       pcm.L16Mono16K,
		ChunkTimeout: 30 * time.Millisecond,
	}, out)
	if err := s.Feed("Slow one."); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.Feed(" Quick one."); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	s.CloseWrite()
	waitStream(t, s)

	fs := drainFrames(t, out)
	if len(fs) != 2 {
		t.Fatalf("got %d frames, want 2", len(fs))
	}
	if fs[0].Tag != wire.TagFirst || !bytes.Equal(fs[0].Payload, a2) {
		t.Error("surviving sentence audio not emitted after timed-out sentence")
	}
	if fs[1].Tag != wire.TagLast {
		t.Error("response not closed with a last frame")
	}
}

func TestStreamEncodesPayloads(t *testing.T) {
	frameBytes := pcm.L16Mono16K.BytesIn(DefaultFrameDuration)
	a1 := pcmRamp(frameBytes, 5)
	synth := &scriptedSynth{
		format: pcm.L16Mono16K,
		audio:  map[string][]byte{"Encoded.": a1},
	}
	out := queue.New[*wire.BinaryFrame](32)
	s := NewStream(context.Background(), Config{
		Model:  "mock/voice",
		Synth:  synth,
		Output: pcm.L16Mono16K,
		Encode: func(pcmFrame []byte) ([]byte, error) {
			return []byte{0xAB, byte(len(pcmFrame))}, nil
		},
	}, out)
	if err := s.Feed("Encoded."); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	s.CloseWrite()
	waitStream(t, s)

	fs := drainFrames(t, out)
	if len(fs) != 2 {
		t.Fatalf("got %d frames, want 2", len(fs))
	}
	if want := []byte{0xAB, byte(frameBytes)}; !bytes.Equal(fs[0].Payload, want) {
		t.Fatalf("frame 0 payload = %x, want %x", fs[0].Payload, want)
	}
	if len(fs[1].Payload) != 0 {
		t.Error("last frame payload not empty")
	}
}
