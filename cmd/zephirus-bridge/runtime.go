package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"zephirus-bridge/internal/config"
	"zephirus-bridge/internal/hub"
	"zephirus-bridge/internal/led"
	"zephirus-bridge/internal/link"
	"zephirus-bridge/internal/mqtt"
	"zephirus-bridge/internal/sim"
	"zephirus-bridge/internal/udp"
	"zephirus-bridge/internal/web"
)

// rawLineHistory is how many raw serial lines /api/lines keeps.
const rawLineHistory = 200

// Default simulated flight: a loiter over the launch site used in bench tests.
var simFlight = sim.Flight{
	CenterLatDeg: -7.7651,
	CenterLonDeg: 110.3717,
	AltitudeM:    120,
	RadiusM:      150,
	Period:       90 * time.Second,
}

// bridge owns every long-running component. Build it with newBridge, then
// call Run once; Close releases what Run does not.
type bridge struct {
	cfg config.Config
	log *slog.Logger

	hub    *hub.Hub
	link   *link.Manager
	status *web.Status
	web    *web.Server
	udp    *udp.Sink
	mqtt   *mqtt.Sink
	led    *led.Indicator
	lines  *web.LogBuffer
}

// linkOption adjusts the link configuration after it is derived from cfg.
type linkOption func(*link.Config)

func newBridge(cfg config.Config, logs *web.LogBuffer, version string, logger *slog.Logger, opts ...linkOption) (*bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &bridge{cfg: cfg, log: logger, hub: hub.New(logger), lines: web.NewLogBuffer(rawLineHistory)}

	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.LED.Enable {
		ind, err := led.Open(cfg.LED.Pin, logger)
		if err != nil {
			// The indicator is cosmetic; run without it.
			logger.Warn("status led unavailable", "pin", cfg.LED.Pin, "err", err)
		} else {
			b.led = ind
		}
	}

	lcfg, mode := b.linkConfig()
	for _, opt := range opts {
		opt(&lcfg)
	}
	m, err := link.New(lcfg, b.hub, logger)
	if err != nil {
		return nil, err
	}
	b.link = m

	b.status = web.NewStatus(m, b.hub)
	b.status.SetInfo("mode", mode)
	b.status.SetInfo("listen", cfg.Listen)
	b.status.SetInfo("version", version)

	if cfg.UDP.Enable {
		s, err := udp.NewSink(cfg.UDP.Dest, logger)
		if err != nil {
			return nil, err
		}
		b.udp = s
		b.status.AddSink("udp", func() any { return s.Snapshot() })
	}
	if cfg.MQTT.Enable {
		s, err := mqtt.NewSink(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}, logger)
		if err != nil {
			return nil, err
		}
		b.mqtt = s
		b.status.AddSink("mqtt", func() any { return s.Snapshot() })
	}

	b.web = web.NewServer(b.hub, b.status, logs, web.Options{
		SendBuffer:   cfg.WebSocket.SendBuffer,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		PingInterval: cfg.WebSocket.PingInterval,
		Version:      version,
		RawLines:     b.lines,
	}, logger)

	ok = true
	return b, nil
}

// linkConfig selects the line source: the simulator or the serial hardware.
func (b *bridge) linkConfig() (link.Config, string) {
	s := b.cfg.Serial
	lcfg := link.Config{
		Candidates:   link.Matchers(s.Candidates),
		Baud:         s.Baud,
		RetryDelay:   s.RetryDelay,
		MaxLineBytes: s.MaxLineBytes,
		Marker:       s.Marker,
		OnStateChange: func(st link.State) {
			b.led.Set(st == link.StateStreaming)
		},
		LineTap: func(line string) {
			_, _ = b.lines.Write([]byte(line + "\n"))
		},
	}

	if !s.Simulate {
		return lcfg, "serial"
	}
	lcfg.Candidates = link.Matchers([]string{sim.DevicePath})
	lcfg.Enumerate = sim.Enumerate
	lcfg.Open = sim.Opener(sim.PortConfig{
		Flight:     simFlight,
		Interval:   s.SimulateInterval,
		Marker:     s.Marker,
		NoiseEvery: 25,
	})
	return lcfg, "simulate"
}

// Run supervises the link, the web server and the optional sinks until ctx
// ends or one of them fails. The listener is owned by Run.
func (b *bridge) Run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	// Sinks subscribe before the link starts so they see the first record.
	if b.udp != nil {
		sub, err := b.hub.Register("udp", b.cfg.WebSocket.SendBuffer)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error { return b.udp.Run(gctx, sub.C) })
	}
	if b.mqtt != nil {
		sub, err := b.hub.Register("mqtt", b.cfg.WebSocket.SendBuffer)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error { return b.mqtt.Run(gctx, sub.C) })
	}

	g.Go(func() error { return b.web.Serve(gctx, ln) })
	g.Go(func() error {
		err := b.link.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		b.hub.Close()
		return nil
	})

	b.log.Info("bridge running", "listen", ln.Addr().String())
	err := g.Wait()
	b.log.Info("bridge stopped")
	return err
}

func (b *bridge) Close() {
	b.hub.Close()
	if b.udp != nil {
		_ = b.udp.Close()
	}
	if err := b.led.Close(); err != nil {
		b.log.Warn("status led close failed", "err", err)
	}
}
