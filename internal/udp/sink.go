// Package udp republishes telemetry records as JSON datagrams, one record per
// datagram, for ground-station tools that listen on UDP.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"zephirus-bridge/internal/hub"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Sink struct {
	dest string
	conn udpConn
	log  *slog.Logger
	warn rate.Sometimes

	sent   atomic.Uint64
	failed atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

func NewSink(dest string, logger *slog.Logger) (*Sink, error) {
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		// DialUDP selects a suitable local address automatically.
		return net.DialUDP(network, laddr, raddr)
	}
	return newSink(dest, net.ResolveUDPAddr, dial, logger)
}

func newSink(dest string, resolve resolveFunc, dial dialFunc, logger *slog.Logger) (*Sink, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", dest, err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", dest, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		dest: dest,
		conn: conn,
		log:  logger.With("component", "udp", "dest", dest),
		warn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// Send writes one datagram. Empty payloads are skipped.
func (s *Sink) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := s.conn.Write(payload)
	return err
}

// Run forwards messages until msgs is closed or ctx ends. Write failures are
// counted and logged; they never stop the sink.
func (s *Sink) Run(ctx context.Context, msgs <-chan hub.Message) error {
	s.log.Info("udp sink started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := s.Send(msg.Payload); err != nil {
				s.failed.Add(1)
				s.mu.Lock()
				s.lastErr = err.Error()
				s.mu.Unlock()
				s.warn.Do(func() { s.log.Warn("udp send failed", "err", err, "failed", s.failed.Load()) })
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *Sink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type Snapshot struct {
	Dest      string `json:"dest"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Dest: s.dest, Sent: s.sent.Load(), Failed: s.failed.Load(), LastError: s.lastErr}
}
