package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

func TestEventTopicMapping(t *testing.T) {
	b := New(Config{TopicPrefix: "observatory"}, nil, zerolog.Nop(), nil)

	cases := map[domain.EventType]string{
		domain.EventConnected:          "observatory/device/connected",
		domain.EventDisconnected:       "observatory/device/disconnected",
		domain.EventOperationStarted:   "observatory/operation/started",
		domain.EventOperationCompleted: "observatory/operation/completed",
		domain.EventOperationFailed:    "observatory/operation/failed",
	}
	for typ, want := range cases {
		ev := domain.NewEvent(typ, "cam-1", "camera", "")
		if got := b.eventTopic(ev); got != want {
			t.Errorf("eventTopic(%s) = %q, want %q", typ.Topic(), got, want)
		}
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	b := New(Config{BufferSize: 2}, nil, zerolog.Nop(), nil)

	b.enqueue(outbound{topic: "t/1"})
	b.enqueue(outbound{topic: "t/2"})
	b.enqueue(outbound{topic: "t/3"})

	st := b.Stats()
	if st.Backlog != 2 {
		t.Fatalf("backlog = %d, want 2", st.Backlog)
	}
	if st.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", st.Dropped)
	}

	first := <-b.buffer
	second := <-b.buffer
	if first.topic != "t/2" || second.topic != "t/3" {
		t.Fatalf("buffer order = %s, %s; want t/2, t/3", first.topic, second.topic)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	b := New(Config{}, nil, zerolog.Nop(), nil)

	if b.cfg.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("broker = %q", b.cfg.BrokerURL)
	}
	if b.cfg.ClientID != "lithium-devmanager" {
		t.Errorf("client id = %q", b.cfg.ClientID)
	}
	if b.cfg.TopicPrefix != "observatory" {
		t.Errorf("prefix = %q", b.cfg.TopicPrefix)
	}
	if b.cfg.BufferSize != 4096 {
		t.Errorf("buffer size = %d", b.cfg.BufferSize)
	}
	if b.cfg.PublishTimeout != 5*time.Second {
		t.Errorf("publish timeout = %v", b.cfg.PublishTimeout)
	}
}

func TestStartRejectsBadTLSFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSCAFile = "/nonexistent/ca.pem"
	b := New(cfg, nil, zerolog.Nop(), nil)

	err := b.Start(context.Background())
	if err == nil {
		t.Fatal("expected TLS config error")
	}
	if errors.Is(err, domain.ErrMQTTConnectionFailed) {
		t.Fatalf("error %v should fail before dialing", err)
	}
	// a failed start leaves the bridge restartable
	if !b.started.CompareAndSwap(false, true) {
		t.Fatal("started flag not reset after failed start")
	}
}

func TestHealthCheckReflectsConnection(t *testing.T) {
	b := New(DefaultConfig(), nil, zerolog.Nop(), nil)

	if err := b.HealthCheck(context.Background()); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Fatalf("disconnected health = %v, want ErrMQTTNotConnected", err)
	}
	b.connected.Store(true)
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Fatalf("connected health = %v, want nil", err)
	}
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	b := New(DefaultConfig(), nil, zerolog.Nop(), nil)
	b.Stop()
	if b.started.Load() {
		t.Fatal("stop must not mark the bridge started")
	}
}
