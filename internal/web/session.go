package web

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"zephirus-bridge/internal/hub"
)

// Inbound messages are ignored; the limit only bounds what a client can make
// us buffer.
const maxInboundBytes = 512

var (
	errRemoteClosed = errors.New("remote closed")
	errUnsubscribed = errors.New("unsubscribed")
	errShutdown     = errors.New("server shutdown")
)

type session struct {
	conn    *websocket.Conn
	sub     *hub.Subscription
	opts    Options
	closing <-chan struct{}

	readDone chan struct{}
	readErr  error
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.beginSession() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sub, err := s.hub.Register("ws", s.opts.SendBuffer)
	if err != nil {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down", s.opts.WriteTimeout)
		_ = conn.Close()
		return
	}
	s.log.Info("subscriber connected", "id", sub.ID, "remote", r.RemoteAddr, "subscribers", s.hub.Len())

	sess := &session{conn: conn, sub: sub, opts: s.opts, closing: s.closing, readDone: make(chan struct{})}
	reason := sess.run()

	s.hub.Unregister(sub.ID)
	s.log.Info("subscriber disconnected", "id", sub.ID, "remote", r.RemoteAddr, "reason", reason.Error(),
		"delivered", sub.Delivered(), "dropped", sub.Dropped())
}

// run pumps messages until either side goes away and returns why.
// The connection is closed on return.
func (s *session) run() error {
	go func() {
		s.readErr = s.readPump()
		close(s.readDone)
	}()

	err := s.writePump()
	_ = s.conn.Close()
	<-s.readDone
	return err
}

// readPump discards inbound frames and keeps the read deadline moving on
// pongs. It returns when the peer closes or stops answering pings.
func (s *session) readPump() error {
	s.conn.SetReadLimit(maxInboundBytes)
	pongWait := s.opts.PingInterval + s.opts.WriteTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return errRemoteClosed
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (s *session) writePump() error {
	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-s.sub.C:
			if !ok {
				writeClose(s.conn, websocket.CloseGoingAway, "server shutting down", s.opts.WriteTimeout)
				return errUnsubscribed
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-s.closing:
			writeClose(s.conn, websocket.CloseGoingAway, "server shutting down", s.opts.WriteTimeout)
			return errShutdown
		case <-s.readDone:
			return s.readErr
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}
