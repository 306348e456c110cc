package daemon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudwatt/contrail-healer-go/internal/bus"
	"github.com/cloudwatt/contrail-healer-go/internal/healer"
	"github.com/cloudwatt/contrail-healer-go/internal/registry"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
)

// stubHealer always reports NotOK so Fix runs on every delivery, letting
// the test observe a completed heal rather than just a queued check.
type stubHealer struct {
	fixed atomic.Int32
}

func (h *stubHealer) Descriptor() healer.Descriptor {
	return healer.Descriptor{
		ResourceType:  "floating-ip",
		Operations:    map[healer.Operation]bool{healer.Create: true},
		BufferSize:    10,
		BufferTimeout: 0.05,
		CheckDelay:    0,
	}
}

func (h *stubHealer) Check(ctx context.Context, op healer.Operation, ref healer.Reference) (healer.Verdict, error) {
	return healer.Verdict{Kind: healer.NotOK, FixArgs: []any{"fixed"}}, nil
}

func (h *stubHealer) Fix(ctx context.Context, args ...any) error {
	h.fixed.Add(1)
	return nil
}

type fakeBusConnection struct {
	mu         sync.Mutex
	deliveries chan bus.Delivery
	closed     bool
}

func newFakeBusConnection() *fakeBusConnection {
	return &fakeBusConnection{deliveries: make(chan bus.Delivery, 8)}
}

func (f *fakeBusConnection) Declare() error { return nil }

func (f *fakeBusConnection) Consume(ctx context.Context) (<-chan bus.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeBusConnection) Heartbeat(ctx context.Context) error { return nil }

func (f *fakeBusConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBusConnection) push(body string) {
	f.deliveries <- bus.Delivery{Body: []byte(body), Ack: func() error { return nil }}
}

func testLogger() logging.Logger {
	return logging.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestDaemonRunDeliversToHealerAndStopCancels drives a delivery through a
// fake bus.Dialer and a registered stub healer, checking it reaches the
// healer's pipeline and that Stop tears the run down cleanly.
func TestDaemonRunDeliversToHealerAndStopCancels(t *testing.T) {
	h := &stubHealer{}
	registry.Register("daemon-test-stub", func() (healer.Healer, error) { return h, nil })

	fake := newFakeBusConnection()
	dial := func(addr, vhost string) (bus.Connection, error) { return fake, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := New(ctx, Options{
		RabbitURL:   "amqp://x",
		RabbitVhost: "/",
		HealerNames: []string{"daemon-test-stub"},
		Dial:        dial,
	}, testLogger())
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	fake.push(`{"type":"floating-ip","oper":"CREATE","obj_dict":{"floating_ip_address":"10.0.0.1"}}`)

	deadline := time.Now().Add(2 * time.Second)
	for h.fixed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, int32(1), h.fixed.Load(), "expected delivery to reach the healer's pipeline and be fixed")

	d.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
