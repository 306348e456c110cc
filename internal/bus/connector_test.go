package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/metrics"
)

func testLogger() logging.Logger {
	return logging.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeConnection struct {
	mu         sync.Mutex
	deliveries chan Delivery
	declareErr error
	closed     bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{deliveries: make(chan Delivery, 8)}
}

func (f *fakeConnection) Declare() error { return f.declareErr }

func (f *fakeConnection) Consume(ctx context.Context) (<-chan Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeConnection) Heartbeat(ctx context.Context) error { return nil }

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConnection) push(body string) {
	acked := make(chan struct{})
	f.deliveries <- Delivery{Body: []byte(body), Ack: func() error { close(acked); return nil }}
}

func TestConnectorConsumesAndHandlesDeliveries(t *testing.T) {
	fake := newFakeConnection()
	dial := func(addr, vhost string) (Connection, error) { return fake, nil }

	var handled atomic.Int32
	handle := func(ctx context.Context, body []byte) { handled.Add(1) }

	c := New("amqp://x", "/", dial, testLogger(), metrics.New(), handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	fake.push(`{"type":"floating-ip"}`)

	deadline := time.Now().Add(time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected handle to be called once, got %d", handled.Load())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestConnectorRetriesOnDeclareError(t *testing.T) {
	attempt := 0
	var mu sync.Mutex
	dial := func(addr, vhost string) (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		fake := newFakeConnection()
		if attempt == 1 {
			fake.declareErr = errors.New("boom")
		}
		return fake, nil
	}

	c := New("amqp://x", "/", dial, testLogger(), metrics.New(), func(ctx context.Context, body []byte) {})
	c.pause = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if attempt < 2 {
		t.Fatalf("expected at least 2 dial attempts after a declare failure, got %d", attempt)
	}
}

func TestConnectorBootDialFailureIsFatal(t *testing.T) {
	wantErr := errors.New("connection refused")
	dial := func(addr, vhost string) (Connection, error) { return nil, wantErr }

	c := New("amqp://x", "/", dial, testLogger(), metrics.New(), func(ctx context.Context, body []byte) {})
	err := c.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected boot dial failure to be returned, got %v", err)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected state Disconnected after fatal boot failure, got %v", c.State())
	}
}

func TestConnectorReconnectsAfterConnectionLost(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConnection
	dial := func(addr, vhost string) (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		fake := newFakeConnection()
		conns = append(conns, fake)
		return fake, nil
	}

	var handled atomic.Int32
	c := New("amqp://x", "/", dial, testLogger(), metrics.New(), func(ctx context.Context, body []byte) { handled.Add(1) })
	c.pause = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(conns)
		mu.Unlock()
		if n >= 1 && c.State() == Consuming {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	close(conns[0].deliveries)
	mu.Unlock()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(conns)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	n := len(conns)
	second := conns[len(conns)-1]
	mu.Unlock()
	if n < 2 {
		t.Fatalf("expected a second dial after connection loss, got %d", n)
	}

	second.push(`{"type":"floating-ip"}`)
	deadline = time.Now().Add(time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() == 0 {
		t.Fatal("expected consumption to resume on the new connection")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestConnectorStateTransitionsThroughConsuming(t *testing.T) {
	fake := newFakeConnection()
	dial := func(addr, vhost string) (Connection, error) { return fake, nil }
	c := New("amqp://x", "/", dial, testLogger(), metrics.New(), func(ctx context.Context, body []byte) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for c.State() != Consuming && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != Consuming {
		t.Fatalf("expected state Consuming, got %v", c.State())
	}
}
