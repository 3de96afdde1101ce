// Package led drives a single status LED that is lit while telemetry is
// streaming from the radio.
package led

import (
	"log/slog"
	"sync"
)

type output interface {
	SetValue(v int) error
	Close() error
}

var openGPIOFn = openGPIO

// Indicator is safe for concurrent use. A nil *Indicator ignores all calls,
// so callers do not need to check whether the LED is enabled.
type Indicator struct {
	pin int
	log *slog.Logger

	mu  sync.Mutex
	out output
	on  bool
}

func Open(pin int, logger *slog.Logger) (*Indicator, error) {
	out, err := openGPIOFn(pin)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{pin: pin, log: logger.With("component", "led", "pin", pin), out: out}, nil
}

func (i *Indicator) Set(on bool) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.out == nil || i.on == on {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := i.out.SetValue(v); err != nil {
		i.log.Warn("led set failed", "on", on, "err", err)
		return
	}
	i.on = on
}

func (i *Indicator) On() bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.on
}

// Close turns the LED off and releases the line.
func (i *Indicator) Close() error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.out == nil {
		return nil
	}
	_ = i.out.SetValue(0)
	err := i.out.Close()
	i.out = nil
	i.on = false
	return err
}
