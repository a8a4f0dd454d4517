package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/iterator"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/audio/resample"
	"github.com/voxloop/voxloop/pkg/queue"
	"github.com/voxloop/voxloop/pkg/wire"
)

// DefaultChunkTimeout bounds one sentence's synthesis, reading
// included. A sentence that misses the bound is dropped and the
// response continues.
const DefaultChunkTimeout = 10 * time.Second

// DefaultFrameDuration is the outbound frame length.
const DefaultFrameDuration = 60 * time.Millisecond

// EncodeFunc turns one frame worth of PCM into the wire payload. A nil
// EncodeFunc sends raw PCM.
type EncodeFunc func(pcm []byte) ([]byte, error)

// Config parameterizes a speak stream.
type Config struct {
	// Model is the synthesizer name, e.g. "openai/gpt-4o-mini-tts".
	Model string
	// Synth speaks sentences. Nil uses DefaultMux.
	Synth Synthesizer
	// Output is the negotiated client audio format.
	Output pcm.Format
	// FrameDuration is the outbound frame length. Zero selects the
	// default.
	FrameDuration time.Duration
	// ChunkTimeout bounds one sentence's synthesis. Zero selects the
	// default.
	ChunkTimeout time.Duration
	// MaxSentenceRunes caps sentence length before a forced split.
	MaxSentenceRunes int
	// Encode encodes each frame's payload. Nil sends raw PCM.
	Encode EncodeFunc
	// SentenceStart and SentenceEnd, when set, are called around each
	// sentence's synthesis with the trimmed sentence text.
	SentenceStart func(text string)
	SentenceEnd   func(text string)
}

// Stream speaks one response. Text deltas go in through Feed; tagged
// audio frames come out on the queue given to NewStream: the first
// frame carries TagFirst, subsequent frames TagMiddle, and after
// CloseWrite and drain one empty TagLast frame marks the end.
//
// Stop cancels the stream immediately; no further frames are emitted
// and no TagLast is produced.
type Stream struct {
	cfg    Config
	agg    *Aggregator
	out    *queue.Queue[*wire.BinaryFrame]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// run goroutine state.
	seq   uint32
	spoke bool
	rem   []byte
	convs map[pcm.Format]*resample.Converter

	mu  sync.Mutex
	err error
}

// NewStream starts a speak stream writing frames to out. The stream
// does not close out; the queue belongs to the session.
func NewStream(ctx context.Context, cfg Config, out *queue.Queue[*wire.BinaryFrame]) *Stream {
	if cfg.Synth == nil {
		cfg.Synth = DefaultMux
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		agg:    NewAggregator(cfg.MaxSentenceRunes),
		out:    out,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		convs:  make(map[pcm.Format]*resample.Converter),
	}
	// Cancellation must also unblock the sentence wait.
	context.AfterFunc(ctx, s.agg.Close)
	go s.run()
	return s
}

// Feed appends a response text delta.
func (s *Stream) Feed(text string) error {
	return s.agg.Feed(text)
}

// CloseWrite marks the end of the response text. Remaining sentences
// are synthesized, then the TagLast frame is emitted.
func (s *Stream) CloseWrite() {
	s.agg.CloseWrite()
}

// Stop cancels the stream. Buffered text is discarded and no further
// frames are emitted.
func (s *Stream) Stop() {
	s.cancel()
	s.agg.Close()
}

// Done is closed when the stream has finished, normally or not.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports the terminal error, nil after a normal finish.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) run() {
	defer close(s.done)
	defer s.cancel()
	for {
		text, err := s.agg.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) && s.ctx.Err() == nil {
				s.finish()
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if !s.speakSentence(text) {
			return
		}
	}
}

// speakSentence synthesizes one sentence and emits its frames. A
// provider failure drops the sentence and returns true so the response
// continues; only cancellation or a dead queue stop the stream.
func (s *Stream) speakSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	if s.cfg.SentenceStart != nil {
		s.cfg.SentenceStart(text)
	}
	b, err := s.synthesize(text)
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		slog.Warn("tts: sentence dropped", "model", s.cfg.Model, "err", err)
		return true
	}
	if !s.emit(b) {
		return false
	}
	if s.cfg.SentenceEnd != nil {
		s.cfg.SentenceEnd(text)
	}
	return true
}

func (s *Stream) synthesize(text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ChunkTimeout)
	defer cancel()

	audio, err := s.cfg.Synth.Speak(ctx, s.cfg.Model, text)
	if err != nil {
		return nil, err
	}
	defer audio.R.Close()

	// Reading the provider body does not watch ctx on its own; closing
	// the body on expiry unblocks the read.
	stop := context.AfterFunc(ctx, func() { audio.R.Close() })
	defer stop()

	b, err := io.ReadAll(audio.R)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if audio.Format == s.cfg.Output {
		return b, nil
	}
	conv := s.convs[audio.Format]
	if conv == nil {
		if conv, err = resample.New(audio.Format, s.cfg.Output); err != nil {
			return nil, err
		}
		s.convs[audio.Format] = conv
	}
	return conv.Convert(b)
}

// emit slices pcm into full frames and puts them on the out queue,
// carrying any partial frame over to the next sentence. Put blocks
// when the queue is full; that pause is the backpressure path.
func (s *Stream) emit(b []byte) bool {
	s.rem = append(s.rem, b...)
	frameBytes := s.cfg.Output.BytesIn(s.cfg.FrameDuration)
	for len(s.rem) >= frameBytes {
		if !s.putFrame(s.rem[:frameBytes]) {
			return false
		}
		s.rem = s.rem[frameBytes:]
	}
	return true
}

// finish pads the carried remainder to a full frame, emits it, and
// closes the response with the empty TagLast frame.
func (s *Stream) finish() {
	if len(s.rem) > 0 {
		frameBytes := s.cfg.Output.BytesIn(s.cfg.FrameDuration)
		s.rem = append(s.rem, make([]byte, frameBytes-len(s.rem))...)
		if !s.putFrame(s.rem) {
			return
		}
		s.rem = nil
	}
	f := &wire.BinaryFrame{Kind: wire.KindAudio, Tag: wire.TagLast, Seq: s.seq}
	s.seq++
	if err := s.out.Put(f); err != nil {
		s.setErr(err)
	}
}

func (s *Stream) putFrame(pcmFrame []byte) bool {
	payload := pcmFrame
	if s.cfg.Encode != nil {
		var err error
		if payload, err = s.cfg.Encode(pcmFrame); err != nil {
			s.setErr(err)
			return false
		}
	}
	tag := wire.TagMiddle
	if !s.spoke {
		tag = wire.TagFirst
		s.spoke = true
	}
	f := &wire.BinaryFrame{Kind: wire.KindAudio, Tag: tag, Seq: s.seq, Payload: payload}
	s.seq++
	if s.ctx.Err() != nil {
		return false
	}
	if err := s.out.Put(f); err != nil {
		s.setErr(err)
		return false
	}
	return true
}
