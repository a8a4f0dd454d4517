package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxloop/voxloop/pkg/audio/opus"
	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/dialog"
	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/tools"
	"github.com/voxloop/voxloop/pkg/wire"
)

const (
	helloTimeout  = 10 * time.Second
	protocolVer   = 1
	watchInterval = 5 * time.Second
)

// session glues one websocket connection to a dialog controller:
// hello negotiation, codec, message routing, idle disconnect, and the
// resume snapshot on the way out.
type session struct {
	srv    *Server
	conn   *wire.Conn
	sess   *dialog.Session
	ctrl   *dialog.Controller
	router *wire.Router

	format    pcm.Format
	frameDur  time.Duration
	dec       *opus.Decoder
	enc       *opus.Encoder
	mcpClient *tools.MCP
}

func (s *Server) serveConn(ctx context.Context, conn *wire.Conn) {
	sn, err := s.negotiate(ctx, conn)
	if err != nil {
		slog.Warn("server: handshake failed", "err", err)
		conn.CloseWithStatus(4000, "handshake failed")
		return
	}
	s.addSession(sn)
	defer s.removeSession(sn)
	sn.run(ctx)
}

// negotiate performs the hello handshake: the first message must be a
// hello carrying the client's audio parameters; the reply assigns the
// session id.
func (s *Server) negotiate(ctx context.Context, conn *wire.Conn) (*session, error) {
	var hello *wire.ControlMessage
	select {
	case inb, ok := <-conn.Inbound():
		if !ok {
			return nil, fmt.Errorf("connection closed before hello: %w", conn.Err())
		}
		if inb.Control == nil || inb.Control.Type != wire.TypeHello {
			return nil, errors.New("first message is not hello")
		}
		hello = inb.Control
	case <-time.After(helloTimeout):
		return nil, errors.New("hello timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	codec, rate, frameDur := "opus", 16000, 60
	if p := hello.AudioParams; p != nil {
		if p.Format != "" {
			codec = p.Format
		}
		if p.SampleRate != 0 {
			rate = p.SampleRate
		}
		if p.FrameDuration != 0 {
			frameDur = p.FrameDuration
		}
	}
	if codec != "opus" && codec != "pcm" {
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
	format, ok := pcm.FromRate(rate)
	if !ok {
		return nil, fmt.Errorf("unsupported sample rate %d", rate)
	}

	sess := s.resumeOrCreate(ctx, hello.SessionID, format)

	sn := &session{
		srv:      s,
		conn:     conn,
		sess:     sess,
		format:   format,
		frameDur: time.Duration(frameDur) * time.Millisecond,
	}
	if codec == "opus" {
		dec, err := opus.NewDecoder(rate)
		if err != nil {
			return nil, fmt.Errorf("open decoder: %w", err)
		}
		enc, err := opus.NewEncoder(rate)
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("open encoder: %w", err)
		}
		sn.dec, sn.enc = dec, enc
	}

	if err := sn.buildController(); err != nil {
		sn.closeCodec()
		return nil, err
	}

	err := conn.SendControl(&wire.ControlMessage{
		Type:      wire.TypeHello,
		SessionID: sess.ID,
		Version:   protocolVer,
		ServerVer: s.version,
		AudioParams: &wire.AudioParams{
			Format:        codec,
			SampleRate:    rate,
			Channels:      1,
			FrameDuration: frameDur,
		},
	})
	if err != nil {
		sn.ctrl.Close()
		sn.closeCodec()
		return nil, err
	}
	return sn, nil
}

func (s *Server) resumeOrCreate(ctx context.Context, id string, format pcm.Format) *dialog.Session {
	if id != "" {
		sess, err := s.cache.Resume(ctx, id, format, format)
		if err == nil {
			slog.Info("server: session resumed", "session", id, "turns", sess.History.Len())
			return sess
		}
		if !errors.Is(err, dialog.ErrNoSnapshot) {
			slog.Warn("server: resume failed", "session", id, "err", err)
		}
	}
	sess := dialog.NewSession(format, format)
	if w := s.cfg.Agent.Welcome; w != "" {
		sess.History.Append(dialog.Turn{Role: gen.RoleAssistant, Content: w})
	}
	return sess
}

func (sn *session) buildController() error {
	agent := &sn.srv.cfg.Agent
	disp := tools.NewDispatcher()
	iot, err := tools.NewIoT(disp, sn.sendIoTCommands)
	if err != nil {
		return err
	}
	mcp := tools.NewMCP(disp, sn.sendMCPPayload)
	sn.mcpClient = mcp

	var params *gen.Params
	if agent.MaxTokens != 0 || agent.Temperature != 0 || agent.TopP != 0 {
		params = &gen.Params{
			MaxTokens:   agent.MaxTokens,
			Temperature: agent.Temperature,
			TopP:        agent.TopP,
		}
	}

	dcfg := sn.srv.cfg.Dialog
	ctrl, err := dialog.NewController(dialog.Config{
		Session:           sn.sess,
		Sink:              sn,
		Recognizer:        sn.srv.providers.ASR,
		ASRModel:          agent.ASR,
		Driver:            sn.srv.providers.LLM,
		LLMModel:          agent.LLM,
		Synth:             sn.srv.providers.TTS,
		TTSModel:          agent.TTS,
		Encode:            sn.encodeFunc(),
		Dispatcher:        disp,
		IoT:               iot,
		MCP:               mcp,
		SystemPrompt:      agent.SystemPrompt,
		Params:            params,
		FrameDuration:     sn.frameDur,
		CommitTimeout:     dcfg.CommitTimeout,
		FirstTokenTimeout: dcfg.FirstTokenTimeout,
		TotalTimeout:      dcfg.TotalTimeout,
		TTSChunkTimeout:   dcfg.TTSChunkTimeout,
	})
	if err != nil {
		return err
	}
	sn.ctrl = ctrl

	r := wire.NewRouter()
	ctrl.Bind(r)
	r.HandleFunc(wire.TypeHello, func(context.Context, *wire.ControlMessage) error {
		// Repeated hello after the handshake is a no-op.
		return nil
	})
	r.HandleFunc(wire.TypeServer, sn.handleServer)
	sn.router = r
	return nil
}

// encodeFunc returns the outbound payload encoder, nil for raw PCM.
func (sn *session) encodeFunc() func([]byte) ([]byte, error) {
	if sn.enc == nil {
		return nil
	}
	frameSize := sn.format.SampleRate() * int(sn.frameDur/time.Millisecond) / 1000
	return func(pcmData []byte) ([]byte, error) {
		f, err := sn.enc.EncodeBytes(pcmData, frameSize)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

func (sn *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sn.ctrl.Start(ctx); err != nil {
		slog.Error("server: controller start failed", "session", sn.sess.ID, "err", err)
		sn.conn.CloseWithStatus(4001, "backend unavailable")
		sn.shutdown(ctx)
		return
	}
	slog.Info("server: session started", "session", sn.sess.ID, "remote_codec", sn.codecName())

	go sn.initMCP(ctx)
	go sn.watchIdle(ctx)

	for inb := range sn.conn.Inbound() {
		switch {
		case inb.Frame != nil:
			sn.feedFrame(inb.Frame)
		case inb.Control != nil:
			if err := sn.router.Dispatch(ctx, inb.Control); err != nil {
				slog.Warn("server: control message failed",
					"session", sn.sess.ID, "type", inb.Control.Type, "err", err)
			}
		}
	}
	if err := sn.conn.Err(); err != nil {
		slog.Info("server: connection closed", "session", sn.sess.ID, "err", err)
	}
	sn.shutdown(ctx)
}

func (sn *session) feedFrame(f *wire.BinaryFrame) {
	payload := f.Payload
	if sn.dec != nil {
		decoded, err := sn.dec.Decode(opus.Frame(payload))
		if err != nil {
			slog.Debug("server: opus decode failed", "session", sn.sess.ID, "err", err)
			return
		}
		payload = decoded
	}
	sn.ctrl.FeedAudio(payload)
}

func (sn *session) shutdown(ctx context.Context) {
	sn.ctrl.Close()
	sn.closeCodec()
	if sn.sess.History.Len() > 0 {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := sn.srv.cache.Save(saveCtx, sn.sess); err != nil {
			slog.Warn("server: snapshot save failed", "session", sn.sess.ID, "err", err)
		}
	}
	sn.conn.Close()
}

func (sn *session) closeCodec() {
	if sn.dec != nil {
		sn.dec.Close()
	}
	if sn.enc != nil {
		sn.enc.Close()
	}
}

func (sn *session) codecName() string {
	if sn.dec != nil {
		return "opus"
	}
	return "pcm"
}

// watchIdle disconnects the session after the configured quiet period.
func (sn *session) watchIdle(ctx context.Context) {
	idle := sn.srv.cfg.Listen.IdleTimeout
	if idle <= 0 {
		return
	}
	t := time.NewTicker(watchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(sn.ctrl.IdleSince()) > idle {
				slog.Info("server: idle disconnect", "session", sn.sess.ID)
				sn.conn.Close()
				return
			}
		}
	}
}

// initMCP probes the client for MCP tool support. Most firmwares do
// not speak it; failure only means no remote tools.
func (sn *session) initMCP(ctx context.Context) {
	mcpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sn.mcpClient.Initialize(mcpCtx); err != nil {
		slog.Debug("server: mcp not available", "session", sn.sess.ID, "err", err)
	}
}

func (sn *session) handleServer(ctx context.Context, msg *wire.ControlMessage) error {
	switch msg.Action {
	case "restart":
		slog.Warn("server: restart requested", "session", sn.sess.ID)
		sn.srv.RequestRestart()
		return nil
	case "stats":
		stats, err := json.Marshal(map[string]any{
			"sessions":  sn.srv.sessionCount(),
			"uptime_ms": time.Since(sn.srv.startedAt).Milliseconds(),
			"version":   sn.srv.version,
		})
		if err != nil {
			return err
		}
		return sn.conn.SendControl(&wire.ControlMessage{
			Type:    wire.TypeServer,
			Action:  "stats",
			Payload: stats,
		})
	default:
		return fmt.Errorf("server: unknown action %q", msg.Action)
	}
}

// SendFrame implements dialog.Sink.
func (sn *session) SendFrame(f *wire.BinaryFrame) error {
	return sn.conn.SendFrame(f)
}

// SendControl implements dialog.Sink, stamping the session id.
func (sn *session) SendControl(m *wire.ControlMessage) error {
	m.SessionID = sn.sess.ID
	return sn.conn.SendControl(m)
}

func (sn *session) sendIoTCommands(_ context.Context, commands []tools.Command) error {
	raw, err := json.Marshal(commands)
	if err != nil {
		return err
	}
	return sn.SendControl(&wire.ControlMessage{Type: wire.TypeIoT, Commands: raw})
}

func (sn *session) sendMCPPayload(_ context.Context, payload json.RawMessage) error {
	return sn.SendControl(&wire.ControlMessage{Type: wire.TypeMCP, Payload: payload})
}
