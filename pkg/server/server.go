package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxloop/voxloop/pkg/dialog"
	"github.com/voxloop/voxloop/pkg/kv"
	"github.com/voxloop/voxloop/pkg/wire"
)

// ErrRestartRequested is returned by ListenAndServe after a client's
// `server restart` message shut the listener down. The daemon exits
// with a distinct code so its supervisor restarts it.
var ErrRestartRequested = errors.New("server: restart requested")

// Server is the voxloop websocket listener.
type Server struct {
	cfg       *Config
	providers *ProviderSet
	cache     *dialog.Cache
	store     kv.Store
	version   string
	startedAt time.Time
	baseCtx   context.Context

	upgrader websocket.Upgrader

	restartOnce sync.Once
	restartCh   chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a server from config: providers registered, resume cache
// opened. The version string is echoed in hello replies.
func New(ctx context.Context, cfg *Config, version string) (*Server, error) {
	providers, err := BuildProviders(ctx, &cfg.Providers)
	if err != nil {
		return nil, err
	}

	var store kv.Store
	switch cfg.Resume.Backend {
	case "badger":
		store, err = kv.NewBadger(kv.BadgerOptions{Dir: cfg.Resume.Dir})
		if err != nil {
			return nil, err
		}
	default:
		store = kv.NewMemory()
	}

	return &Server{
		cfg:       cfg,
		providers: providers,
		cache:     dialog.NewCache(store, cfg.Resume.TTL),
		store:     store,
		version:   version,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			// Embedded clients do not send a browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		restartCh: make(chan struct{}),
		sessions:  make(map[string]*session),
	}, nil
}

// ListenAndServe blocks serving websocket sessions until ctx is
// cancelled or a restart is requested.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Listen.Path, s.handleUpgrade)

	srv := &http.Server{Addr: s.cfg.Listen.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.cfg.Listen.Addr, "path", s.cfg.Listen.Path)
		errCh <- srv.ListenAndServe()
	}()

	var reason error
	select {
	case err := <-errCh:
		s.store.Close()
		return fmt.Errorf("server: listen %s: %w", s.cfg.Listen.Addr, err)
	case <-ctx.Done():
		reason = ctx.Err()
	case <-s.restartCh:
		reason = ErrRestartRequested
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
	s.closeSessions()
	s.store.Close()
	if errors.Is(reason, context.Canceled) {
		return nil
	}
	return reason
}

// RequestRestart asks ListenAndServe to shut down and report
// ErrRestartRequested.
func (s *Server) RequestRestart() {
	s.restartOnce.Do(func() { close(s.restartCh) })
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	// The request context dies as soon as this handler returns, even
	// for a hijacked connection; the session runs on the server's
	// context instead.
	go s.serveConn(s.sessionContext(), wire.NewConn(ws))
}

func (s *Server) sessionContext() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) addSession(sn *session) {
	s.mu.Lock()
	s.sessions[sn.sess.ID] = sn
	s.mu.Unlock()
}

func (s *Server) removeSession(sn *session) {
	s.mu.Lock()
	delete(s.sessions, sn.sess.ID)
	s.mu.Unlock()
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sn := range s.sessions {
		open = append(open, sn)
	}
	s.mu.Unlock()
	for _, sn := range open {
		sn.conn.Close()
	}
}
