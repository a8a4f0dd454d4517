package dialog

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/iterator"

	"github.com/voxloop/voxloop/pkg/asr"
	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/tts"
	"github.com/voxloop/voxloop/pkg/wire"
)

const testFrameBytes = 1920 // 60 ms at 16 kHz mono

// loudFrame is one frame the energy detector scores as speech.
func loudFrame() []byte {
	b := make([]byte, testFrameBytes)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(int16(6000)))
	}
	return b
}

func silentFrame() []byte {
	return make([]byte, testFrameBytes)
}

// feedSpeech pushes n voiced frames followed by enough silence to trip
// the end-of-speech hysteresis.
func feedSpeech(c *Controller, voiced, silent int) {
	for i := 0; i < voiced; i++ {
		c.FeedAudio(loudFrame())
	}
	for i := 0; i < silent; i++ {
		c.FeedAudio(silentFrame())
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// mockSink records everything the controller writes to the client.
// Writes serialize on one mutex like the real connection's write pump,
// so the event log reflects wire order.
type mockSink struct {
	mu        sync.Mutex
	frames    []*wire.BinaryFrame
	frameAt   []time.Time
	controls  []*wire.ControlMessage
	events    []string
	frameWait time.Duration // simulated client-side write latency
}

func (s *mockSink) SendFrame(f *wire.BinaryFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frameWait > 0 {
		time.Sleep(s.frameWait)
	}
	s.frames = append(s.frames, f)
	s.frameAt = append(s.frameAt, time.Now())
	s.events = append(s.events, "frame")
	return nil
}

func (s *mockSink) SendControl(m *wire.ControlMessage) error {
	cp := *m
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, &cp)
	s.events = append(s.events, "control:"+m.Type+"/"+m.State)
	return nil
}

func (s *mockSink) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *mockSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *mockSink) allFrames() []*wire.BinaryFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.BinaryFrame(nil), s.frames...)
}

func (s *mockSink) controlsOf(msgType, state string) []*wire.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.ControlMessage
	for _, m := range s.controls {
		if m.Type == msgType && (state == "" || m.State == state) {
			out = append(out, m)
		}
	}
	return out
}

// mockASR finalizes an utterance with finalText when the last segment
// arrives, and emits partialText once after the first audio push.
type mockASR struct {
	partialText string
	finalText   string

	mu          sync.Mutex
	begun       []string
	current     string
	partialSent bool
	pushedBytes int

	results   chan *asr.Result
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockASR(partial, final string) *mockASR {
	return &mockASR{
		partialText: partial,
		finalText:   final,
		results:     make(chan *asr.Result, 64),
		closed:      make(chan struct{}),
	}
}

func (m *mockASR) Open(ctx context.Context, model string, format pcm.Format) (asr.Stream, error) {
	return m, nil
}

func (m *mockASR) Begin(utteranceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begun = append(m.begun, utteranceID)
	m.current = utteranceID
	m.partialSent = false
	return nil
}

func (m *mockASR) Push(pcm []byte, last bool) error {
	m.mu.Lock()
	id := m.current
	m.pushedBytes += len(pcm)
	emitPartial := !last && !m.partialSent && m.partialText != ""
	if emitPartial {
		m.partialSent = true
	}
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	if emitPartial {
		m.results <- &asr.Result{UtteranceID: id, Text: m.partialText}
	}
	if last {
		m.results <- &asr.Result{UtteranceID: id, Text: m.finalText, Final: true}
	}
	return nil
}

func (m *mockASR) Next() (*asr.Result, error) {
	select {
	case r := <-m.results:
		return r, nil
	case <-m.closed:
		return nil, iterator.Done
	}
}

func (m *mockASR) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockASR) utterances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.begun...)
}

// mockDriver returns scripted chunks per invocation; when block is
// set, the stream produces nothing until the request is cancelled.
type mockDriver struct {
	script func(call int, req *gen.Request) []*gen.Chunk
	block  bool

	mu       sync.Mutex
	requests []*gen.Request
	aborted  bool
}

func (d *mockDriver) wasAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

func (d *mockDriver) Stream(ctx context.Context, req *gen.Request) (gen.Stream, error) {
	cp := *req
	cp.Messages = append([]gen.Message(nil), req.Messages...)
	d.mu.Lock()
	d.requests = append(d.requests, &cp)
	call := len(d.requests)
	d.mu.Unlock()

	b := gen.NewStreamBuilder(16)
	go func() {
		if d.block {
			<-ctx.Done()
			d.mu.Lock()
			d.aborted = true
			d.mu.Unlock()
			b.Abort(ctx.Err())
			return
		}
		for _, ch := range d.script(call, &cp) {
			if err := b.Add(ch); err != nil {
				return
			}
		}
		b.Done(gen.Usage{})
	}()
	return b.Stream(), nil
}

func (d *mockDriver) calls() []*gen.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*gen.Request(nil), d.requests...)
}

// mockSynth serves canned PCM per trimmed sentence; sentences in hang
// block until the synthesis context expires.
type mockSynth struct {
	audio map[string][]byte
	hang  map[string]bool
}

func (s *mockSynth) Speak(ctx context.Context, model, text string) (*tts.Audio, error) {
	if s.hang[text] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b, ok := s.audio[text]
	if !ok {
		b = make([]byte, testFrameBytes)
	}
	return &tts.Audio{Format: pcm.L16Mono16K, R: io.NopCloser(bytes.NewReader(b))}, nil
}
