package web

import (
	"sync"
	"time"

	"zephirus-bridge/internal/hub"
	"zephirus-bridge/internal/link"
)

const serviceName = "zephirus-bridge"

// LinkReporter is implemented by *link.Manager.
type LinkReporter interface {
	Snapshot() link.Snapshot
}

// Status aggregates the runtime view served at /api/status.
type Status struct {
	start time.Time
	link  LinkReporter
	hub   *hub.Hub

	mu    sync.RWMutex
	sinks map[string]func() any
	info  map[string]string
}

func NewStatus(l LinkReporter, h *hub.Hub) *Status {
	return &Status{
		start: time.Now().UTC(),
		link:  l,
		hub:   h,
		sinks: make(map[string]func() any),
		info:  make(map[string]string),
	}
}

// AddSink registers a named snapshot source, e.g. "udp" or "mqtt".
func (s *Status) AddSink(name string, snapshot func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[name] = snapshot
}

// SetInfo records a static key shown under "info" (mode, listen address).
func (s *Status) SetInfo(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[key] = value
}

type StatusSnapshot struct {
	Service   string            `json:"service"`
	NowUTC    string            `json:"now_utc"`
	UptimeSec int64             `json:"uptime_sec"`
	Info      map[string]string `json:"info,omitempty"`
	Link      *link.Snapshot    `json:"link,omitempty"`
	Hub       *hub.Stats        `json:"hub,omitempty"`
	Sinks     map[string]any    `json:"sinks,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:   serviceName,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
	}
	if s.link != nil {
		ls := s.link.Snapshot()
		snap.Link = &ls
	}
	if s.hub != nil {
		hs := s.hub.Stats()
		snap.Hub = &hs
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.info) > 0 {
		snap.Info = make(map[string]string, len(s.info))
		for k, v := range s.info {
			snap.Info[k] = v
		}
	}
	if len(s.sinks) > 0 {
		snap.Sinks = make(map[string]any, len(s.sinks))
		for name, fn := range s.sinks {
			snap.Sinks[name] = fn()
		}
	}
	return snap
}
