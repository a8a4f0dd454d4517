// Package dialog is the per-connection streaming engine: the state
// machine that wires VAD, ASR, turn detection, the LLM driver, the
// tool dispatcher, and TTS into one conversation over one socket, with
// barge-in, backpressure, and bounded cancellation latency.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/api/iterator"

	"github.com/voxloop/voxloop/pkg/asr"
	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/queue"
	"github.com/voxloop/voxloop/pkg/tools"
	"github.com/voxloop/voxloop/pkg/tts"
	"github.com/voxloop/voxloop/pkg/turndetect"
	"github.com/voxloop/voxloop/pkg/vad"
	"github.com/voxloop/voxloop/pkg/wire"
)

// Defaults for the controller's tunables.
const (
	DefaultCommitTimeout     = 800 * time.Millisecond
	DefaultFrameDuration     = 60 * time.Millisecond
	DefaultFirstTokenTimeout = 20 * time.Second
	DefaultTotalTimeout      = 120 * time.Second
	DefaultOutboundFrames    = 32
	DefaultInboundFrames     = 100
)

// Sink is where the controller writes to the client. wire.Conn
// satisfies it; tests substitute a recorder.
type Sink interface {
	SendFrame(f *wire.BinaryFrame) error
	SendControl(m *wire.ControlMessage) error
}

// Config wires a Controller. Session, Sink, Recognizer, Driver, and
// Synth are required; everything else has a usable default.
type Config struct {
	Session *Session
	Sink    Sink

	Recognizer asr.Recognizer
	ASRModel   string
	Driver     gen.Driver
	LLMModel   string
	Synth      tts.Synthesizer
	TTSModel   string
	// Encode encodes outbound frame payloads. Nil sends raw PCM.
	Encode tts.EncodeFunc

	// Dispatcher runs tool calls. Nil disables tools.
	Dispatcher *tools.Dispatcher
	// IoT and MCP, when set, receive their control message payloads.
	IoT *tools.IoT
	MCP *tools.MCP

	// Classifier decides whether a transcript yields the floor. Nil
	// uses the built-in rules.
	Classifier turndetect.Classifier
	// Detector scores voicing per frame. Nil uses the energy detector.
	Detector vad.Detector
	// VAD holds the hysteresis parameters. Zero uses the defaults.
	VAD vad.Config

	SystemPrompt string
	Params       *gen.Params

	FrameDuration     time.Duration
	CommitTimeout     time.Duration
	FirstTokenTimeout time.Duration
	TotalTimeout      time.Duration
	// TTSChunkTimeout bounds one sentence's synthesis.
	TTSChunkTimeout time.Duration

	OutboundFrames int
	InboundFrames  int
}

type inFrame struct {
	pcm []byte
	at  time.Time
}

// Controller owns one session's dialog. All stage goroutines are
// started by Start and joined by Close.
type Controller struct {
	cfg  Config
	sess *Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	in  *queue.Ring[*inFrame]
	out *queue.Queue[*wire.BinaryFrame]

	vadStream *vad.Stream
	asrStream asr.Stream

	lastActive atomic.Int64 // unix nano of the last user activity

	mu           sync.Mutex
	state        State
	manual       bool
	uttID        string
	uttActive    bool
	uttCommitted bool
	uttEpoch     int
	partial      string
	commitTimer  *time.Timer
	rsp          *response
}

// NewController builds a Controller. Call Start to begin processing.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Session == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("dialog: session and sink are required")
	}
	if cfg.Recognizer == nil || cfg.Driver == nil || cfg.Synth == nil {
		return nil, fmt.Errorf("dialog: recognizer, driver, and synthesizer are required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = turndetect.NewRules()
	}
	if cfg.Detector == nil {
		cfg.Detector = vad.NewEnergyDetector()
	}
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig()
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.FirstTokenTimeout <= 0 {
		cfg.FirstTokenTimeout = DefaultFirstTokenTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = DefaultTotalTimeout
	}
	if cfg.OutboundFrames <= 0 {
		cfg.OutboundFrames = DefaultOutboundFrames
	}
	if cfg.InboundFrames <= 0 {
		cfg.InboundFrames = DefaultInboundFrames
	}
	c := &Controller{
		cfg:       cfg,
		sess:      cfg.Session,
		in:        queue.NewRing[*inFrame](cfg.InboundFrames),
		out:       queue.New[*wire.BinaryFrame](cfg.OutboundFrames),
		vadStream: vad.NewStream(cfg.Detector, cfg.VAD, cfg.FrameDuration),
	}
	c.lastActive.Store(time.Now().UnixNano())
	return c, nil
}

// State returns the current dialog state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IdleSince returns the time of the last user activity: construction,
// speech onset, or a committed transcript.
func (c *Controller) IdleSince() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Start opens the recognizer stream and starts the stage goroutines.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	stream, err := c.cfg.Recognizer.Open(c.ctx, c.cfg.ASRModel, c.sess.Input)
	if err != nil {
		return fmt.Errorf("dialog: open recognizer: %w", err)
	}
	c.asrStream = stream
	c.wg.Add(3)
	go c.audioLoop()
	go c.asrLoop()
	go c.writeLoop()
	return nil
}

// Close cancels in-flight work and joins the stage goroutines. The
// session's history survives for the resume cache.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.state = StateClosing
	rsp := c.rsp
	c.rsp = nil
	c.stopCommitTimerLocked()
	c.mu.Unlock()

	if rsp != nil {
		rsp.cancel()
		rsp.stopTTS()
		rsp.markDrained()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.in.CloseWithError(context.Canceled)
	c.out.CloseWithError(context.Canceled)
	var err error
	if c.asrStream != nil {
		err = c.asrStream.Close()
	}
	c.wg.Wait()
	return err
}

// Bind registers the controller's control message handlers on r.
func (c *Controller) Bind(r *wire.Router) {
	r.HandleFunc(wire.TypeAbort, func(ctx context.Context, msg *wire.ControlMessage) error {
		c.Abort()
		return nil
	})
	r.HandleFunc(wire.TypeListen, func(ctx context.Context, msg *wire.ControlMessage) error {
		return c.handleListen(msg)
	})
	if c.cfg.IoT != nil {
		r.HandleFunc(wire.TypeIoT, func(ctx context.Context, msg *wire.ControlMessage) error {
			return c.handleIoT(msg)
		})
	}
	if c.cfg.MCP != nil {
		r.HandleFunc(wire.TypeMCP, func(ctx context.Context, msg *wire.ControlMessage) error {
			c.cfg.MCP.HandlePayload(msg.Payload)
			return nil
		})
	}
}

// FeedAudio enqueues one decoded PCM frame from the client. When the
// inbound queue is full the oldest frame is dropped: recency matters
// more to VAD than completeness.
func (c *Controller) FeedAudio(pcm []byte) {
	evicted, err := c.in.Put(&inFrame{pcm: pcm, at: time.Now()})
	if err != nil {
		return
	}
	if evicted {
		slog.Debug("dialog: inbound audio overflow, dropped oldest",
			"session", c.sess.ID, "dropped", c.in.Dropped())
	}
}

// Abort cancels the active utterance and response and returns to IDLE.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	rsp := c.rsp
	c.rsp = nil
	c.state = StateIdle
	flushASR := c.uttActive && !c.uttCommitted
	c.uttActive = false
	c.uttEpoch++
	c.stopCommitTimerLocked()
	c.mu.Unlock()

	if rsp != nil {
		c.cancelResponse(rsp)
	}
	if flushASR {
		// Close out the recognizer utterance; its results are ignored.
		if err := c.asrStream.Push(nil, true); err != nil {
			slog.Debug("dialog: asr flush on abort", "session", c.sess.ID, "err", err)
		}
	}
}

func (c *Controller) handleListen(msg *wire.ControlMessage) error {
	if msg.Mode != "" {
		c.mu.Lock()
		c.manual = msg.Mode == wire.ModeManual
		c.mu.Unlock()
	}
	switch msg.State {
	case wire.ListenStart, wire.ListenDetect:
		// detect is the legacy server-driven mode; until the protocol
		// distinguishes it we treat it as an explicit start.
		c.onSpeechStart(time.Now())
	case wire.ListenStop:
		c.mu.Lock()
		epoch := c.uttEpoch
		c.mu.Unlock()
		c.onSpeechEnd()
		// An explicit stop commits without the turn-detect wait.
		c.commitUtterance(epoch)
	case "":
	default:
		slog.Warn("dialog: unknown listen state", "session", c.sess.ID, "state", msg.State)
	}
	return nil
}

func (c *Controller) handleIoT(msg *wire.ControlMessage) error {
	if len(msg.Descriptors) > 0 {
		if err := c.cfg.IoT.UpdateDescriptors(msg.Descriptors); err != nil {
			return err
		}
	}
	if len(msg.States) > 0 {
		if err := c.cfg.IoT.UpdateStates(msg.States); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) audioLoop() {
	defer c.wg.Done()
	for {
		f, err := c.in.Next()
		if err != nil {
			return
		}
		c.processFrame(f)
	}
}

func (c *Controller) processFrame(f *inFrame) {
	c.mu.Lock()
	manual := c.manual
	c.mu.Unlock()

	if !manual {
		for _, ev := range c.vadStream.Feed(f.pcm, f.at) {
			switch ev.Kind {
			case vad.Start:
				c.onSpeechStart(ev.Timestamp)
			case vad.End:
				c.onSpeechEnd()
			}
		}
	}

	c.mu.Lock()
	active := c.uttActive && !c.uttCommitted
	c.mu.Unlock()
	if !active {
		return
	}
	if err := c.asrStream.Push(f.pcm, false); err != nil {
		slog.Warn("dialog: asr push failed", "session", c.sess.ID, "err", err)
	}
}

// onSpeechStart handles a speech onset: a new utterance from IDLE, a
// resumed utterance from TRANSCRIBING (the user only paused), or a
// barge-in from SPEAKING.
func (c *Controller) onSpeechStart(ts time.Time) {
	c.lastActive.Store(ts.UnixNano())
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		c.beginUtterance()
	case StateTranscribing:
		if c.uttCommitted {
			// Too late to extend this utterance; the next one starts
			// once the pending response settles.
			c.mu.Unlock()
			return
		}
		c.stopCommitTimerLocked()
		c.uttEpoch++
		c.state = StateListening
		c.mu.Unlock()
	case StateSpeaking:
		rsp := c.rsp
		c.rsp = nil
		c.state = StateIdle
		c.mu.Unlock()
		if rsp != nil {
			c.cancelResponse(rsp)
		}
		c.beginUtterance()
	default:
		c.mu.Unlock()
	}
}

// beginUtterance allocates a fresh utterance id and opens it on the
// recognizer. The dial happens outside the state lock.
func (c *Controller) beginUtterance() {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateListening {
		c.mu.Unlock()
		return
	}
	id := c.sess.NextUtteranceID()
	c.uttID = id
	c.uttActive = true
	c.uttCommitted = false
	c.uttEpoch++
	c.partial = ""
	c.state = StateListening
	c.mu.Unlock()

	if err := c.asrStream.Begin(id); err != nil {
		slog.Warn("dialog: recognizer begin failed", "session", c.sess.ID, "utterance", id, "err", err)
		c.mu.Lock()
		if c.uttID == id {
			c.uttActive = false
			c.state = StateIdle
		}
		c.mu.Unlock()
	}
}

// onSpeechEnd moves LISTENING to TRANSCRIBING and starts the commit
// wait: the turn is committed at the first yield decision or after the
// commit timeout, whichever comes first.
func (c *Controller) onSpeechEnd() {
	c.mu.Lock()
	if c.state != StateListening || !c.uttActive {
		c.mu.Unlock()
		return
	}
	c.state = StateTranscribing
	epoch := c.uttEpoch
	partial := c.partial
	c.mu.Unlock()

	if c.yields(partial) {
		c.commitUtterance(epoch)
		return
	}
	c.armCommitTimer(epoch)
}

func (c *Controller) yields(transcript string) bool {
	return c.cfg.Classifier.Classify(transcript).Yield
}

func (c *Controller) armCommitTimer(epoch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uttEpoch != epoch || c.state != StateTranscribing {
		return
	}
	c.stopCommitTimerLocked()
	c.commitTimer = time.AfterFunc(c.cfg.CommitTimeout, func() {
		c.commitUtterance(epoch)
	})
}

func (c *Controller) stopCommitTimerLocked() {
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
}

// commitUtterance ends the recognizer utterance; the final transcript
// arrives through the asr loop. A stale epoch is a no-op, which is how
// a resumed utterance invalidates its pending commit.
func (c *Controller) commitUtterance(epoch int) {
	c.mu.Lock()
	if c.uttEpoch != epoch || c.state != StateTranscribing || !c.uttActive || c.uttCommitted {
		c.mu.Unlock()
		return
	}
	c.uttCommitted = true
	c.stopCommitTimerLocked()
	c.mu.Unlock()

	if err := c.asrStream.Push(nil, true); err != nil {
		slog.Warn("dialog: asr finalize failed", "session", c.sess.ID, "err", err)
	}
}

func (c *Controller) asrLoop() {
	defer c.wg.Done()
	for {
		res, err := c.asrStream.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) || errors.Is(err, context.Canceled) {
				return
			}
			var re *asr.RecoverableError
			if errors.As(err, &re) {
				c.onASRFailure(re)
				continue
			}
			slog.Warn("dialog: asr stream error", "session", c.sess.ID, "err", err)
			return
		}
		c.onTranscript(res)
	}
}

func (c *Controller) onTranscript(res *asr.Result) {
	c.mu.Lock()
	if !c.uttActive || res.UtteranceID != c.uttID {
		c.mu.Unlock()
		return
	}
	if !res.Final {
		c.partial = res.Text
		st := c.state
		epoch := c.uttEpoch
		committed := c.uttCommitted
		c.mu.Unlock()
		if st == StateTranscribing && !committed && c.yields(res.Text) {
			c.commitUtterance(epoch)
		}
		return
	}
	// The provider finalized; accept even if our commit is still
	// pending (realtime endpointing does this).
	c.uttCommitted = true
	c.uttActive = false
	c.stopCommitTimerLocked()
	c.mu.Unlock()
	c.finishUtterance(res.Text)
}

// onASRFailure applies the recovery policy for a mid-utterance provider
// failure: a usable partial from a committed utterance stands in for
// the final transcript, anything else discards the utterance.
func (c *Controller) onASRFailure(re *asr.RecoverableError) {
	slog.Warn("dialog: recognition failed", "session", c.sess.ID, "err", re)
	c.mu.Lock()
	if !c.uttActive {
		c.mu.Unlock()
		return
	}
	partial := strings.TrimSpace(re.Partial)
	usable := c.uttCommitted && partial != ""
	c.uttActive = false
	c.stopCommitTimerLocked()
	if !usable {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.finishUtterance(partial)
}

// finishUtterance commits the user turn and starts the response.
func (c *Controller) finishUtterance(text string) {
	text = strings.TrimSpace(text)
	c.lastActive.Store(time.Now().UnixNano())
	c.mu.Lock()
	if c.state != StateTranscribing && c.state != StateListening {
		c.mu.Unlock()
		return
	}
	if text == "" {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	rsp := newResponse(c.ctx, c.sess.NextResponseID())
	c.rsp = rsp
	c.state = StateThinking
	c.mu.Unlock()

	c.sess.History.Append(Turn{Role: gen.RoleUser, Content: text})
	c.sendControl(&wire.ControlMessage{Type: wire.TypeSTT, SessionID: c.sess.ID, Text: text})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.respond(rsp)
	}()
}

func (c *Controller) writeLoop() {
	defer c.wg.Done()
	for {
		f, err := c.out.Next()
		if err != nil {
			return
		}
		c.mu.Lock()
		rsp := c.rsp
		c.mu.Unlock()
		if rsp == nil || rsp.ctx.Err() != nil {
			// The frame's response was cancelled after the frame was
			// queued; the client has already been told to stop.
			continue
		}
		if err := c.cfg.Sink.SendFrame(f); err != nil {
			slog.Warn("dialog: frame write failed", "session", c.sess.ID, "err", err)
			continue
		}
		if f.Tag == wire.TagLast {
			rsp.markDrained()
		}
	}
}

// cancelResponse silences a response: in-flight LLM and TTS work is
// cancelled, queued audio is dropped, and the client is told to stop
// playback. The tts stop is written after any frame already handed to
// the sink and never before the producer has stopped: a Put blocked on
// the full queue fails on the reset, and the second reset clears
// anything that raced in while it wound down.
func (c *Controller) cancelResponse(rsp *response) {
	rsp.cancel()
	rsp.stopTTS()
	c.out.Reset()
	rsp.awaitTTS()
	c.out.Reset()
	c.sendControl(&wire.ControlMessage{Type: wire.TypeTTS, State: wire.TTSStop, SessionID: c.sess.ID})
	rsp.markDrained()
}

func (c *Controller) sendControl(m *wire.ControlMessage) {
	if err := c.cfg.Sink.SendControl(m); err != nil {
		slog.Warn("dialog: control write failed", "session", c.sess.ID, "type", m.Type, "err", err)
	}
}

// setState moves the state only if it currently matches from.
func (c *Controller) setState(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}
