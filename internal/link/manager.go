// Package link owns the serial connection to the telemetry radio.
//
// A Manager runs one read loop at a time through the states
// SEARCHING -> OPENING -> STREAMING -> FAILED -> SEARCHING, retrying
// forever after a fixed delay. Every newline-delimited line is handed to the
// frame parser; parsed records go to a Publisher without waiting on delivery.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"zephirus-bridge/internal/frame"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultBaud         = 115200
	DefaultRetryDelay   = 2 * time.Second
	DefaultMaxLineBytes = 4096
)

// ErrAlreadyRunning is returned by Run while another Run is active.
var ErrAlreadyRunning = errors.New("link: manager already running")

// Publisher receives every successfully parsed record.
// Publish must not block for long; it runs on the serial read loop.
type Publisher interface {
	Publish(rec frame.Record)
}

type Config struct {
	Candidates   []Matcher
	Baud         int
	RetryDelay   time.Duration
	MaxLineBytes int
	Marker       string

	// Enumerate lists candidate device paths. Defaults to ListPorts.
	Enumerate func() ([]string, error)
	// Open opens a device path. Defaults to the platform serial driver.
	Open func(path string, baud int) (io.ReadCloser, error)

	// OnStateChange is called on the manager goroutine after each transition.
	OnStateChange func(State)
	// LineTap sees every non-blank line before it is parsed.
	LineTap func(line string)
}

type Manager struct {
	cfg    Config
	parser frame.Parser
	pub    Publisher
	log    *slog.Logger
	warn   rate.Sometimes

	running atomic.Bool

	mu         sync.RWMutex
	state      State
	since      time.Time
	device     string
	lastErr    string
	lastFrame  time.Time
	lastSeq    uint32
	haveSeq    bool
	missLogged bool

	lines    uint64
	frames   uint64
	tooLong  uint64
	seqGaps  uint64
	opens    uint64
	connects uint64
	failures uint64
	rejects  map[frame.Reason]uint64
}

func New(cfg Config, pub Publisher, logger *slog.Logger) (*Manager, error) {
	if pub == nil {
		return nil, fmt.Errorf("link: publisher is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = DefaultCandidates()
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.Marker == "" {
		cfg.Marker = frame.DefaultMarker
	}
	if cfg.Enumerate == nil {
		cfg.Enumerate = ListPorts
	}
	if cfg.Open == nil {
		cfg.Open = openSerial
	}

	return &Manager{
		cfg:     cfg,
		parser:  frame.Parser{Marker: cfg.Marker},
		pub:     pub,
		log:     logger.With("component", "link"),
		warn:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		state:   StateSearching,
		since:   time.Now().UTC(),
		rejects: make(map[frame.Reason]uint64),
	}, nil
}

// Run drives the connection until ctx is cancelled. Only one Run may be
// active per Manager.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.log.Info("serial link starting", "candidates", m.patterns(), "baud", m.cfg.Baud, "retry_delay", m.cfg.RetryDelay)

	// The delay is fixed; the context only ends the wait early on shutdown.
	retry := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.RetryDelay), ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.setState(StateSearching, "")
		path, err := m.discover()
		if err != nil {
			m.noteMiss(err)
			if !wait(retry) {
				return ctx.Err()
			}
			continue
		}

		m.setDevice(path)
		m.setState(StateOpening, "")
		port, err := m.cfg.Open(path, m.cfg.Baud)
		if err != nil {
			err = fmt.Errorf("link: open %s: %w", path, err)
			m.setState(StateFailed, err.Error())
			m.log.Error("serial open failed", "device", path, "baud", m.cfg.Baud, "err", err, "retry_in", m.cfg.RetryDelay)
			if !wait(retry) {
				return ctx.Err()
			}
			continue
		}

		m.setState(StateStreaming, "")
		m.log.Info("serial connected", "device", path, "baud", m.cfg.Baud)
		err = m.stream(ctx, path, port)
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.log.Info("serial link stopped", "device", path)
			return ctxErr
		}
		m.setState(StateFailed, err.Error())
		m.log.Warn("serial disconnected", "device", path, "err", err, "retry_in", m.cfg.RetryDelay)
		if !wait(retry) {
			return ctx.Err()
		}
	}
}

func (m *Manager) discover() (string, error) {
	ports, err := m.cfg.Enumerate()
	if err != nil {
		return "", fmt.Errorf("link: enumerate ports: %w", err)
	}
	path, ok := Select(ports, m.cfg.Candidates)
	if !ok {
		return "", fmt.Errorf("%w (ports=%v)", ErrNoDevice, ports)
	}
	return path, nil
}

// stream reads lines until the device fails. The port is closed on return.
func (m *Manager) stream(ctx context.Context, path string, port io.ReadCloser) error {
	closePort := sync.OnceFunc(func() { _ = port.Close() })
	stop := context.AfterFunc(ctx, closePort)
	defer func() {
		stop()
		closePort()
	}()

	m.mu.Lock()
	m.haveSeq = false
	m.mu.Unlock()

	r := bufio.NewReaderSize(port, m.cfg.MaxLineBytes)
	discarding := false
	for {
		line, err := r.ReadSlice('\n')
		switch {
		case err == nil:
			if discarding {
				discarding = false
				continue
			}
			m.handleLine(line)
		case errors.Is(err, bufio.ErrBufferFull):
			if !discarding {
				discarding = true
				m.mu.Lock()
				m.tooLong++
				m.mu.Unlock()
				m.log.Debug("line too long, discarding", "device", path, "max_bytes", m.cfg.MaxLineBytes)
			}
		default:
			// A trailing partial line is dropped: the device went away mid-frame.
			return fmt.Errorf("link: read %s: %w", path, err)
		}
	}
}

func (m *Manager) handleLine(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return
	}
	if m.cfg.LineTap != nil {
		m.cfg.LineTap(line)
	}

	rec, err := m.parser.Parse(line)
	now := time.Now().UTC()

	m.mu.Lock()
	m.lines++
	if err != nil {
		reason := frame.ReasonOf(err)
		m.rejects[reason]++
		total := m.rejects[reason]
		m.mu.Unlock()
		m.logReject(reason, err, line, total)
		return
	}
	m.frames++
	m.lastFrame = now
	if rec.HasSequence {
		if m.haveSeq && uint64(rec.Sequence) > uint64(m.lastSeq)+1 {
			m.seqGaps += uint64(rec.Sequence) - uint64(m.lastSeq) - 1
		}
		m.lastSeq = rec.Sequence
	}
	// An unnumbered frame breaks the chain rather than hiding a gap behind it.
	m.haveSeq = rec.HasSequence
	m.mu.Unlock()

	m.pub.Publish(rec)
}

func (m *Manager) logReject(reason frame.Reason, err error, line string, total uint64) {
	if reason == frame.ReasonNotAFrame {
		m.log.Debug("ignored line", "line", truncate(line, 120))
		return
	}
	m.log.Debug("frame rejected", "reason", reason.String(), "err", err)
	m.warn.Do(func() {
		m.log.Warn("frame rejected", "reason", reason.String(), "err", err, "total", total)
	})
}

func (m *Manager) noteMiss(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	first := !m.missLogged
	m.missLogged = true
	m.mu.Unlock()

	if first {
		m.log.Warn("serial device not found, retrying", "candidates", m.patterns(), "err", err, "retry_in", m.cfg.RetryDelay)
		return
	}
	m.log.Debug("serial device not found", "err", err)
}

// wait sleeps for the next retry delay. It returns false once the backoff's
// context has ended.
func wait(b backoff.BackOffContext) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) setDevice(path string) {
	m.mu.Lock()
	m.device = path
	m.missLogged = false
	m.mu.Unlock()
}

func (m *Manager) setState(s State, lastErr string) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	if changed {
		m.since = time.Now().UTC()
	}
	switch s {
	case StateOpening:
		m.opens++
	case StateStreaming:
		m.connects++
		m.lastErr = ""
	case StateFailed:
		m.failures++
	}
	if lastErr != "" {
		m.lastErr = lastErr
	}
	m.mu.Unlock()

	if changed && m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) patterns() []string {
	out := make([]string, 0, len(m.cfg.Candidates))
	for _, c := range m.cfg.Candidates {
		out = append(out, c.Pattern)
	}
	return out
}

type Snapshot struct {
	State         State             `json:"state"`
	StateSinceUTC string            `json:"state_since_utc"`
	Device        string            `json:"device,omitempty"`
	Baud          int               `json:"baud"`
	Candidates    []string          `json:"candidates"`
	Lines         uint64            `json:"lines"`
	Frames        uint64            `json:"frames"`
	Rejected      map[string]uint64 `json:"rejected,omitempty"`
	LinesTooLong  uint64            `json:"lines_too_long,omitempty"`
	SequenceGaps  uint64            `json:"sequence_gaps"`
	Opens         uint64            `json:"opens"`
	Connects      uint64            `json:"connects"`
	Failures      uint64            `json:"failures"`
	LastError     string            `json:"last_error,omitempty"`
	LastFrameUTC  string            `json:"last_frame_utc,omitempty"`
}

func (m *Manager) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Snapshot{
		State:         m.state,
		StateSinceUTC: m.since.Format(time.RFC3339Nano),
		Device:        m.device,
		Baud:          m.cfg.Baud,
		Candidates:    m.patterns(),
		Lines:         m.lines,
		Frames:        m.frames,
		LinesTooLong:  m.tooLong,
		SequenceGaps:  m.seqGaps,
		Opens:         m.opens,
		Connects:      m.connects,
		Failures:      m.failures,
		LastError:     m.lastErr,
	}
	if len(m.rejects) > 0 {
		out.Rejected = make(map[string]uint64, len(m.rejects))
		for r, n := range m.rejects {
			out.Rejected[r.String()] = n
		}
	}
	if !m.lastFrame.IsZero() {
		out.LastFrameUTC = m.lastFrame.Format(time.RFC3339Nano)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
