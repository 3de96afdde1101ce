package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zephirus-bridge/internal/hub"
)

type Options struct {
	// SendBuffer is the per-subscriber queue depth.
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Version      string
	// RawLines, if set, is served at /api/lines.
	RawLines *LogBuffer
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = hub.DefaultBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
}

// Server accepts WebSocket subscribers on / and /ws and serves the JSON API.
type Server struct {
	hub    *hub.Hub
	status *Status
	logs   *LogBuffer
	opts   Options
	log    *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	shut     bool
	closing  chan struct{}
	sessions sync.WaitGroup
}

func NewServer(h *hub.Hub, status *Status, logs *LogBuffer, opts Options, logger *slog.Logger) *Server {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if status == nil {
		status = NewStatus(nil, h)
	}
	return &Server{
		hub:    h,
		status: status,
		logs:   logs,
		opts:   opts,
		log:    logger.With("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 5 * time.Second,
			// Dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// Listen binds addr. Callers treat an error here as fatal.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("web: listen %s: %w", addr, err)
	}
	return ln, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/status", getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.status.Snapshot(time.Now().UTC()))
	}))
	if s.logs != nil {
		mux.Handle("/api/logs", s.logs.Handler())
	}
	if s.opts.RawLines != nil {
		mux.Handle("/api/lines", s.opts.RawLines.Handler())
	}
	mux.Handle("/api/about", AboutHandler(s.opts.Version))

	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.serveWS(w, r)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := s.status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "%s\n\nconnect a WebSocket client to / or /ws for telemetry.\n", serviceName)
		if snap.Link != nil {
			_, _ = fmt.Fprintf(w, "\nlink_state=%s\ndevice=%s\nframes=%d\n", snap.Link.State, snap.Link.Device, snap.Link.Frames)
		}
		if snap.Hub != nil {
			_, _ = fmt.Fprintf(w, "subscribers=%d\n", snap.Hub.Subscribers)
		}
		_, _ = fmt.Fprintf(w, "\nsee /api/status, /api/logs, /api/lines, /api/about\n")
	})

	return mux
}

// Serve runs until ctx is cancelled or the listener fails. On shutdown every
// open session is closed with a going-away frame.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		s.shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			s.log.Warn("sessions still open after shutdown timeout")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web: serve: %w", err)
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shut {
		s.shut = true
		close(s.closing)
	}
}

// beginSession reserves a session slot unless shutdown has started.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shut {
		return false
	}
	s.sessions.Add(1)
	return true
}

func getOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
