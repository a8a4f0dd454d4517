package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/api/iterator"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
)

// VolcConfig configures the Volcengine bigmodel streaming recognizer.
type VolcConfig struct {
	// Endpoint is the websocket URL of the streaming endpoint.
	Endpoint string
	// AppKey and AccessKey authenticate the connection.
	AppKey    string
	AccessKey string
	// ResourceID selects the service tier.
	ResourceID string
	// Language, e.g. "zh-CN" or "en-US".
	Language string
	// EnableITN turns on inverse text normalization.
	EnableITN bool
	// EnablePunc turns on punctuation.
	EnablePunc bool
	// Hotwords boost recognition of specific phrases.
	Hotwords []string
	// IdleTimeout closes the upstream connection after this long
	// without audio. The next utterance redials. Default 10s.
	IdleTimeout time.Duration
	// DialRetries is how many times a failed dial is retried.
	// Default 2, with DialBackoff between attempts.
	DialRetries int
	// DialBackoff is the wait between dial attempts. Default 200ms.
	DialBackoff time.Duration
}

// Volc is a Recognizer backed by the Volcengine bigmodel streaming
// endpoint. The upstream connection is kept across utterances and
// dropped after IdleTimeout without audio.
type Volc struct {
	cfg VolcConfig
}

var _ Recognizer = (*Volc)(nil)

// NewVolc returns a Volc recognizer with defaults applied.
func NewVolc(cfg VolcConfig) *Volc {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 2
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = 200 * time.Millisecond
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = "volc.bigasr.sauc.duration"
	}
	return &Volc{cfg: cfg}
}

// Open implements Recognizer. The connection is established lazily on
// the first Begin.
func (p *Volc) Open(ctx context.Context, model string, format pcm.Format) (Stream, error) {
	return &volcStream{
		ctx:     ctx,
		cfg:     p.cfg,
		format:  format,
		results: make(chan *Result, 16),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
	}, nil
}

type volcStream struct {
	ctx    context.Context
	cfg    VolcConfig
	format pcm.Format

	mu      sync.Mutex
	conn    *websocket.Conn
	idle    *time.Timer
	utterID string
	partial string

	results chan *Result
	errCh   chan error
	closeCh chan struct{}

	closeOnce sync.Once
}

var _ Stream = (*volcStream)(nil)

// Begin starts a new utterance, dialing upstream if needed.
func (s *volcStream) Begin(utteranceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.utterID = utteranceID
	s.partial = ""
	if s.idle != nil {
		s.idle.Stop()
	}

	if s.conn == nil {
		conn, err := s.dial()
		if err != nil {
			return err
		}
		s.conn = conn
		go s.recvLoop(conn)
	}
	return s.sendConfigLocked()
}

// Push sends one audio chunk; last marks end-of-audio for the current
// utterance.
func (s *volcStream) Push(pcmData []byte, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("asr: push before begin")
	}

	flags := byte(flagNone)
	if last {
		flags = flagLast
	}
	msg, err := marshalClientMsg(msgAudioClient, flags, serRaw, compNone, pcmData)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		s.dropConnLocked()
		return &RecoverableError{Partial: s.partial, Err: err}
	}

	if last {
		if s.idle == nil {
			s.idle = time.AfterFunc(s.cfg.IdleTimeout, s.idleClose)
		} else {
			s.idle.Reset(s.cfg.IdleTimeout)
		}
	}
	return nil
}

// Next returns the next transcript update. It returns iterator.Done
// after Close, and a *RecoverableError on upstream failure.
func (s *volcStream) Next() (*Result, error) {
	// Deliver buffered results before surfacing an error, so partials
	// received ahead of a failure are not lost.
	select {
	case r := <-s.results:
		return r, nil
	default:
	}
	select {
	case r := <-s.results:
		return r, nil
	case err := <-s.errCh:
		return nil, err
	case <-s.closeCh:
		// Drain buffered results, then a failure that raced the close.
		select {
		case r := <-s.results:
			return r, nil
		default:
		}
		select {
		case err := <-s.errCh:
			return nil, err
		default:
			return nil, iterator.Done
		}
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// Close shuts the stream down. Safe to call more than once.
func (s *volcStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.mu.Lock()
		if s.idle != nil {
			s.idle.Stop()
		}
		s.dropConnLocked()
		s.mu.Unlock()
	})
	return nil
}

func (s *volcStream) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Api-App-Key", s.cfg.AppKey)
	header.Set("X-Api-Access-Key", s.cfg.AccessKey)
	header.Set("X-Api-Resource-Id", s.cfg.ResourceID)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	var lastErr error
	for attempt := 0; attempt <= s.cfg.DialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.DialBackoff):
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			}
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(s.ctx, s.cfg.Endpoint, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			err = fmt.Errorf("%w, status=%s, body=%s", err, resp.Status, body)
		}
		lastErr = err
		slog.Warn("asr: dial failed", "attempt", attempt+1, "err", err)
	}
	return nil, fmt.Errorf("asr: connect %s: %w", s.cfg.Endpoint, lastErr)
}

// sendConfigLocked sends the full client request that opens an
// utterance. Callers hold s.mu.
func (s *volcStream) sendConfigLocked() error {
	req := map[string]any{
		"user": map[string]any{"uid": s.utterID},
		"audio": map[string]any{
			"format":      "pcm",
			"sample_rate": s.format.SampleRate(),
			"channel":     1,
			"bits":        16,
		},
		"request": map[string]any{
			"reqid":           s.utterID,
			"show_utterances": true,
			"result_type":     "single",
			"language":        s.cfg.Language,
			"enable_itn":      s.cfg.EnableITN,
			"enable_punc":     s.cfg.EnablePunc,
		},
	}
	if len(s.cfg.Hotwords) > 0 {
		req["request"].(map[string]any)["hotwords"] = s.cfg.Hotwords
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := marshalClientMsg(msgFullClient, flagNone, serJSON, compGzip, payload)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		s.dropConnLocked()
		return fmt.Errorf("asr: send config: %w", err)
	}
	return nil
}

func (s *volcStream) dropConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *volcStream) idleClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		slog.Debug("asr: closing idle upstream connection")
		s.dropConnLocked()
	}
}

func (s *volcStream) recvLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				s.sendError(err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := parseServerMsg(data)
		if err != nil {
			slog.Warn("asr: bad server message", "err", err)
			continue
		}

		switch msg.msgType {
		case msgFullServer:
			s.handleResult(msg)
		case msgError:
			var e struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(msg.payload, &e) == nil {
				s.sendError(fmt.Errorf("asr: upstream error %d: %s", e.Code, e.Message))
			} else {
				s.sendError(fmt.Errorf("asr: upstream error: %s", msg.payload))
			}
			return
		}
	}
}

func (s *volcStream) handleResult(msg *serverMsg) {
	var resp struct {
		Result struct {
			Text       string `json:"text"`
			Utterances []struct {
				Text     string `json:"text"`
				Definite bool   `json:"definite"`
			} `json:"utterances"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msg.payload, &resp); err != nil {
		slog.Warn("asr: bad result payload", "err", err)
		return
	}

	final := msg.flags == flagFinal
	for _, u := range resp.Result.Utterances {
		if u.Definite {
			final = true
		}
	}

	s.mu.Lock()
	s.partial = resp.Result.Text
	id := s.utterID
	s.mu.Unlock()

	r := &Result{UtteranceID: id, Text: resp.Result.Text, Final: final}
	select {
	case s.results <- r:
	case <-s.closeCh:
	}
}

func (s *volcStream) sendError(err error) {
	s.mu.Lock()
	partial := s.partial
	s.mu.Unlock()
	select {
	case s.errCh <- &RecoverableError{Partial: partial, Err: err}:
	default:
	}
}
