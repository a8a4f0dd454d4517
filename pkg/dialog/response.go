package dialog

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/tts"
	"github.com/voxloop/voxloop/pkg/wire"
)

// response is the in-flight assistant reply: one cancellation scope
// covering the LLM stream, tool calls, and TTS.
type response struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	tts *tts.Stream

	drained     chan struct{}
	drainedOnce sync.Once
}

func newResponse(parent context.Context, id string) *response {
	ctx, cancel := context.WithCancel(parent)
	return &response{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
	}
}

func (r *response) setTTS(s *tts.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts = s
}

func (r *response) stopTTS() {
	r.mu.Lock()
	s := r.tts
	r.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// awaitTTS blocks until the speak stream goroutine has exited. A
// response that never reached synthesis returns immediately.
func (r *response) awaitTTS() {
	r.mu.Lock()
	s := r.tts
	r.mu.Unlock()
	if s != nil {
		<-s.Done()
	}
}

// markDrained records that the response's last audio frame has left
// the writer (or that there is nothing left to wait for).
func (r *response) markDrained() {
	r.drainedOnce.Do(func() { close(r.drained) })
}

// respond drives one assistant reply: stream the LLM, speak text
// deltas through TTS, run tool calls and re-invoke, and commit the
// assistant turn only when the reply finishes without cancellation.
func (c *Controller) respond(rsp *response) {
	speak := tts.NewStream(rsp.ctx, tts.Config{
		Model:         c.cfg.TTSModel,
		Synth:         c.cfg.Synth,
		Output:        c.sess.Output,
		FrameDuration: c.cfg.FrameDuration,
		ChunkTimeout:  c.cfg.TTSChunkTimeout,
		Encode:        c.cfg.Encode,
		SentenceStart: func(text string) {
			c.sendControl(&wire.ControlMessage{
				Type: wire.TypeTTS, State: wire.TTSSentenceStart,
				SessionID: c.sess.ID, Text: text,
			})
		},
		SentenceEnd: func(text string) {
			c.sendControl(&wire.ControlMessage{
				Type: wire.TypeTTS, State: wire.TTSSentenceEnd,
				SessionID: c.sess.ID, Text: text,
			})
		},
	}, c.out)
	rsp.setTTS(speak)

	text, err := c.generate(rsp, speak)
	if err != nil {
		speak.Stop()
		if rsp.ctx.Err() != nil {
			// Abort or barge-in already silenced the client.
			return
		}
		slog.Warn("dialog: response failed", "session", c.sess.ID, "response", rsp.id, "err", err)
		c.failResponse(rsp)
		return
	}

	// The reply is complete when TTS has drained, not when the LLM
	// stops producing text.
	speak.CloseWrite()
	select {
	case <-speak.Done():
	case <-rsp.ctx.Done():
		speak.Stop()
		return
	}
	select {
	case <-rsp.drained:
	case <-rsp.ctx.Done():
		return
	}
	c.finishResponse(rsp, text)
}

// generate runs the LLM, feeding text to speak and looping through
// tool calls until the model produces a terminal response. It returns
// the full assistant text.
func (c *Controller) generate(rsp *response, speak *tts.Stream) (string, error) {
	msgs := c.sess.History.Messages()
	var full strings.Builder
	var defs []gen.ToolDef
	if c.cfg.Dispatcher != nil {
		defs = c.cfg.Dispatcher.Defs()
	}
	// tts start is announced with the first spoken text, so an abort
	// during THINKING never promises audio that will not come.
	started := false

	for {
		stream, err := c.cfg.Driver.Stream(rsp.ctx, &gen.Request{
			SessionID: c.sess.ID,
			Model:     c.cfg.LLMModel,
			System:    c.cfg.SystemPrompt,
			Messages:  msgs,
			Tools:     defs,
			Params:    c.cfg.Params,
		})
		if err != nil {
			return "", err
		}
		stream = gen.Guard(stream, c.cfg.FirstTokenTimeout, c.cfg.TotalTimeout)

		var calls []gen.ToolCall
		for {
			chunk, err := stream.Next()
			if err != nil {
				stream.Close()
				var state *gen.State
				if errors.As(err, &state) && state.Status() != gen.StatusError {
					break
				}
				return "", err
			}
			if chunk.Text != "" {
				c.setState(StateThinking, StateSpeaking)
				if !started {
					started = true
					c.sendControl(&wire.ControlMessage{Type: wire.TypeTTS, State: wire.TTSStart, SessionID: c.sess.ID})
				}
				full.WriteString(chunk.Text)
				if err := speak.Feed(chunk.Text); err != nil {
					slog.Warn("dialog: tts feed failed", "session", c.sess.ID, "err", err)
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}

		if len(calls) == 0 {
			return full.String(), nil
		}
		msgs, err = c.runToolCalls(rsp, msgs, calls)
		if err != nil {
			return "", err
		}
	}
}

// runToolCalls dispatches the proposed calls in order and extends the
// dialogue with the assistant proposal and each tool result. A call
// arriving after cancellation is discarded.
func (c *Controller) runToolCalls(rsp *response, msgs []gen.Message, calls []gen.ToolCall) ([]gen.Message, error) {
	if c.cfg.Dispatcher == nil {
		return nil, errors.New("dialog: model proposed tool calls but no dispatcher is configured")
	}
	if rsp.ctx.Err() != nil {
		return nil, rsp.ctx.Err()
	}
	c.setState(StateThinking, StateToolCalling)
	defer c.setState(StateToolCalling, StateThinking)

	// Dispatch everything before touching history so a cancellation
	// mid-way never records a proposal without its results.
	results := make([]string, len(calls))
	for i, call := range calls {
		if rsp.ctx.Err() != nil {
			return nil, rsp.ctx.Err()
		}
		result, err := c.cfg.Dispatcher.Dispatch(rsp.ctx, call)
		if err != nil {
			if rsp.ctx.Err() != nil {
				return nil, rsp.ctx.Err()
			}
			slog.Warn("dialog: tool call failed", "session", c.sess.ID, "tool", call.Name, "err", err)
			result = `{"error": ` + strconv.Quote(err.Error()) + `}`
		}
		results[i] = result
	}

	msgs = append(msgs, gen.ToolCallMessage(calls...))
	c.sess.History.Append(Turn{Role: gen.RoleAssistant, ToolCalls: calls})
	for i, call := range calls {
		msgs = append(msgs, gen.ToolResultMessage(call.ID, results[i]))
		c.sess.History.Append(Turn{Role: gen.RoleTool, Content: results[i], ToolCallID: call.ID})
	}
	return msgs, nil
}

// finishResponse commits the assistant turn and returns to IDLE.
func (c *Controller) finishResponse(rsp *response, text string) {
	c.mu.Lock()
	if c.rsp != rsp {
		// Superseded by an abort between drain and commit.
		c.mu.Unlock()
		return
	}
	c.rsp = nil
	if c.state == StateSpeaking || c.state == StateThinking {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.sendControl(&wire.ControlMessage{Type: wire.TypeTTS, State: wire.TTSStop, SessionID: c.sess.ID})
	if text != "" {
		c.sess.History.Append(Turn{Role: gen.RoleAssistant, Content: text})
	}
}

// failResponse applies the stage-recoverable policy: silence the
// client, back to IDLE, session stays open, nothing committed.
func (c *Controller) failResponse(rsp *response) {
	c.mu.Lock()
	if c.rsp == rsp {
		c.rsp = nil
		if c.state != StateClosing {
			c.state = StateIdle
		}
	}
	c.mu.Unlock()
	c.out.Reset()
	c.sendControl(&wire.ControlMessage{Type: wire.TypeTTS, State: wire.TTSStop, SessionID: c.sess.ID})
}
