package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zephirus-bridge/internal/frame"
	"zephirus-bridge/internal/hub"
	"zephirus-bridge/internal/link"
)

type fakeLink struct{ snap link.Snapshot }

func (f fakeLink) Snapshot() link.Snapshot { return f.snap }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T) (*Server, *hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(quietLogger())
	st := NewStatus(fakeLink{snap: link.Snapshot{State: link.StateStreaming, Device: "/dev/ttyUSB0", Frames: 7}}, h)
	srv := NewServer(h, st, NewLogBuffer(10), Options{PingInterval: time.Second, WriteTimeout: time.Second}, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		h.Close()
	})
	return srv, h, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status=%d want 101", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers=%d want %d", h.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAPIStatus(t *testing.T) {
	_, h, ts := newTestServer(t)
	_, _ = h.Register("udp", 1)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap struct {
		Service string `json:"service"`
		Link    struct {
			State  string `json:"state"`
			Device string `json:"device"`
			Frames uint64 `json:"frames"`
		} `json:"link"`
		Hub struct {
			Subscribers int `json:"subscribers"`
		} `json:"hub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "zephirus-bridge" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.Link.State != "STREAMING" || snap.Link.Device != "/dev/ttyUSB0" || snap.Link.Frames != 7 {
		t.Fatalf("link=%+v", snap.Link)
	}
	if snap.Hub.Subscribers != 1 {
		t.Fatalf("subscribers=%d want 1", snap.Hub.Subscribers)
	}
}

func TestAPIStatus_RejectsPost(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d want 405", resp.StatusCode)
	}
}

func TestRootPage_PlainText(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "link_state=STREAMING") {
		t.Fatalf("body=%q", b)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404", resp2.StatusCode)
	}
}

func TestAPIAbout(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/about")
	if err != nil {
		t.Fatalf("get about: %v", err)
	}
	defer resp.Body.Close()
	var about AboutResponse
	if err := json.NewDecoder(resp.Body).Decode(&about); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if about.Service != "zephirus-bridge" || about.GoVersion == "" {
		t.Fatalf("about=%+v", about)
	}
}

func TestWebSocket_ReceivesRecords(t *testing.T) {
	for _, path := range []string{"/", "/ws"} {
		t.Run(path, func(t *testing.T) {
			_, h, ts := newTestServer(t)
			conn := dial(t, wsURL(ts, path))
			waitSubscribers(t, h, 1)

			h.Publish(frame.Record{Sequence: 42, Timestamp: 1000, Temperature: 23.5, SignalStrength: 85})

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			mt, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error: %v", err)
			}
			if mt != websocket.TextMessage {
				t.Fatalf("message type=%d want text", mt)
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("payload not json: %v", err)
			}
			if m["timestamp"].(float64) != 1000 || m["temperature"].(float64) != 23.5 || m["signalStrength"].(float64) != 85 {
				t.Fatalf("payload=%s", data)
			}
			if _, ok := m["sequence"]; ok {
				t.Fatalf("sequence leaked into payload: %s", data)
			}
		})
	}
}

func TestWebSocket_PerSubscriberOrder(t *testing.T) {
	_, h, ts := newTestServer(t)
	a := dial(t, wsURL(ts, "/ws"))
	b := dial(t, wsURL(ts, "/ws"))
	waitSubscribers(t, h, 2)

	for i := 1; i <= 20; i++ {
		h.Publish(frame.Record{Timestamp: int64(i)})
	}
	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for i := 1; i <= 20; i++ {
			var rec frame.Record
			if err := conn.ReadJSON(&rec); err != nil {
				t.Fatalf("ReadJSON() error: %v", err)
			}
			if rec.Timestamp != int64(i) {
				t.Fatalf("timestamp=%d want %d", rec.Timestamp, i)
			}
		}
	}
}

func TestWebSocket_ClientCloseUnregisters(t *testing.T) {
	_, h, ts := newTestServer(t)
	conn := dial(t, wsURL(ts, "/ws"))
	waitSubscribers(t, h, 1)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()

	waitSubscribers(t, h, 0)
	h.Publish(frame.Record{Timestamp: 1})
}

func TestWebSocket_HubCloseEndsSession(t *testing.T) {
	_, h, ts := newTestServer(t)
	conn := dial(t, wsURL(ts, "/ws"))
	waitSubscribers(t, h, 1)

	h.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v want going-away close", err)
	}
}

func TestServe_ShutdownClosesSessions(t *testing.T) {
	h := hub.New(quietLogger())
	defer h.Close()
	srv := NewServer(h, nil, nil, Options{}, quietLogger())

	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, h, 1)

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v want going-away close", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
	waitSubscribers(t, h, 0)
}

func TestListen_BindFailure(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	if err == nil {
		t.Fatalf("expected bind failure on %s", ln.Addr())
	}
	if !strings.Contains(err.Error(), "web: listen") {
		t.Fatalf("err=%v", err)
	}
	var opErr interface{ Timeout() bool }
	if !errors.As(err, &opErr) {
		t.Fatalf("expected wrapped net error, got %T", err)
	}
}

func TestAPILines_ServedWhenConfigured(t *testing.T) {
	h := hub.New(quietLogger())
	defer h.Close()
	raw := NewLogBuffer(5)
	_, _ = io.WriteString(raw, "boot: radio ready\n<ZEPH>,1\n")

	ts := httptest.NewServer(NewServer(h, nil, nil, Options{RawLines: raw}, quietLogger()).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/lines")
	if err != nil {
		t.Fatalf("get lines: %v", err)
	}
	defer resp.Body.Close()
	var out LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Lines) != 2 || out.Lines[1] != "<ZEPH>,1" {
		t.Fatalf("lines=%q", out.Lines)
	}

	_, _, plain := newTestServer(t)
	resp2, err := http.Get(plain.URL + "/api/lines")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404 without raw line buffer", resp2.StatusCode)
	}
}
