package sim

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"zephirus-bridge/internal/frame"
)

// DevicePath is the pseudo device reported by Enumerate.
const DevicePath = "sim://zephirus0"

type PortConfig struct {
	Flight   Flight
	Interval time.Duration
	Marker   string
	// NoiseEvery inserts a non-frame status line after every n frames.
	// Zero disables noise.
	NoiseEvery int
}

// Port behaves like the radio's serial device: a byte stream of
// newline-terminated lines. Close ends the stream.
type Port struct {
	r      *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open starts emitting lines immediately.
func Open(cfg PortConfig) *Port {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Marker == "" {
		cfg.Marker = frame.DefaultMarker
	}
	r, w := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{r: r, cancel: cancel, done: make(chan struct{})}
	go p.run(ctx, w, cfg)
	return p
}

func (p *Port) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *Port) Close() error {
	p.once.Do(func() {
		p.cancel()
		_ = p.r.Close()
	})
	<-p.done
	return nil
}

func (p *Port) run(ctx context.Context, w *io.PipeWriter, cfg PortConfig) {
	defer close(p.done)
	defer w.Close()

	if _, err := io.WriteString(w, "ZEPHIRUS downlink ready\r\n"); err != nil {
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	start := time.Now()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		rec := cfg.Flight.Record(time.Since(start), seq)
		if _, err := io.WriteString(w, rec.Line(cfg.Marker)+"\r\n"); err != nil {
			return
		}
		if cfg.NoiseEvery > 0 && seq%uint32(cfg.NoiseEvery) == 0 {
			line := fmt.Sprintf("gps: fix=3d sats=%d hdop=%.2f\r\n", rec.SatelliteCount, rec.HDOP)
			if _, err := io.WriteString(w, line); err != nil {
				return
			}
		}
	}
}

// Enumerate reports the simulated device as the only available port.
func Enumerate() ([]string, error) {
	return []string{DevicePath}, nil
}

// Opener returns an open function compatible with the serial link manager.
func Opener(cfg PortConfig) func(path string, baud int) (io.ReadCloser, error) {
	return func(path string, _ int) (io.ReadCloser, error) {
		if path != DevicePath {
			return nil, fmt.Errorf("sim: unknown device %q", path)
		}
		return Open(cfg), nil
	}
}
