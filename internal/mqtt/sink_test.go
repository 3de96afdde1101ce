package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zephirus-bridge/internal/hub"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakeBroker struct {
	mu           sync.Mutex
	open         bool
	publishErr   error
	pubs         []published
	disconnected bool
}

func (b *fakeBroker) Connect() pahomqtt.Token { return doneToken(nil) }

func (b *fakeBroker) IsConnectionOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, published{topic: topic, qos: qos, payload: string(payload.([]byte))})
	return doneToken(b.publishErr)
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

func newTestSink(b *fakeBroker) *Sink {
	return &Sink{
		cfg:    Config{Broker: "tcp://test:1883", Topic: "zephirus/telemetry", QoS: 1},
		client: b,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func feed(payloads ...string) <-chan hub.Message {
	ch := make(chan hub.Message, len(payloads))
	for _, p := range payloads {
		ch <- hub.Message{Payload: []byte(p)}
	}
	close(ch)
	return ch
}

func TestSink_PublishesToTopic(t *testing.T) {
	b := &fakeBroker{open: true}
	s := newTestSink(b)

	if err := s.Run(context.Background(), feed(`{"timestamp":1}`, `{"timestamp":2}`)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(b.pubs) != 2 {
		t.Fatalf("publishes=%d want 2", len(b.pubs))
	}
	if b.pubs[0].topic != "zephirus/telemetry" || b.pubs[0].qos != 1 || b.pubs[1].payload != `{"timestamp":2}` {
		t.Fatalf("pubs=%+v", b.pubs)
	}
	if !b.disconnected {
		t.Fatalf("expected Disconnect on exit")
	}
	if snap := s.Snapshot(); snap.Published != 2 || snap.Skipped != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSink_SkipsWhileDisconnected(t *testing.T) {
	b := &fakeBroker{open: false}
	s := newTestSink(b)

	if err := s.Run(context.Background(), feed("a", "b", "c")); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(b.pubs) != 0 {
		t.Fatalf("publishes=%d want 0", len(b.pubs))
	}
	if snap := s.Snapshot(); snap.Skipped != 3 {
		t.Fatalf("skipped=%d want 3", snap.Skipped)
	}
}

func TestSink_CountsPublishErrors(t *testing.T) {
	b := &fakeBroker{open: true, publishErr: errors.New("not authorized")}
	s := newTestSink(b)

	if err := s.Run(context.Background(), feed("a", "b")); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	snap := s.Snapshot()
	if snap.Failed != 2 || snap.Published != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.LastError != "not authorized" {
		t.Fatalf("last_error=%q", snap.LastError)
	}
}

func TestSink_StopsOnCancel(t *testing.T) {
	b := &fakeBroker{open: true}
	s := newTestSink(b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan hub.Message)) }()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestNewSink_Validates(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"NoBroker", Config{Topic: "t"}},
		{"NoTopic", Config{Broker: "tcp://x:1883"}},
		{"BadQoS", Config{Broker: "tcp://x:1883", Topic: "t", QoS: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSink(tc.cfg, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := NewSink(Config{Broker: "tcp://127.0.0.1:1883", ClientID: "test", Topic: "t"}, nil); err != nil {
		t.Fatalf("NewSink() error: %v", err)
	}
}
