// Package bus drives the AMQP 0-9-1 connection lifecycle: connect, declare
// the fanout exchange and queue, consume with a heartbeat, and reconnect
// after a fixed pause on any I/O error. The broker client sits behind a small
// Connection interface so the reconnect loop can be driven against a fake.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cloudwatt/contrail-healer-go/internal/healerrors"
	"github.com/cloudwatt/contrail-healer-go/internal/taskgroup"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/metrics"
)

const (
	exchangeName     = "vnc_config.object-update"
	queueName        = "contrail-healer"
	heartbeatSeconds = 10
	keepaliveEvery   = 5 * time.Second
	reconnectPause   = 2 * time.Second
)

// State is a point in the connector's lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Consuming
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Consuming:
		return "consuming"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Delivery is the minimal shape the dispatcher needs from a bus message.
type Delivery struct {
	Body []byte
	Ack  func() error
}

// Connection abstracts the subset of an AMQP connection+channel the
// connector drives, so the reconnect loop is testable without a broker.
type Connection interface {
	Declare() error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Heartbeat(ctx context.Context) error
	Close() error
}

// Dialer opens a new Connection against addr/vhost.
type Dialer func(addr, vhost string) (Connection, error)

// Connector runs the Disconnected -> Connecting -> Consuming -> Draining ->
// Disconnected state machine described for the bus.
type Connector struct {
	addr  string
	vhost string
	dial  Dialer

	log     logging.Logger
	metrics *metrics.Recorder
	handle  func(ctx context.Context, body []byte)

	state atomic.Int32
	pause time.Duration
}

// New builds a Connector. handle is invoked with every raw delivery body;
// the delivery is acked unconditionally right after.
func New(addr, vhost string, dial Dialer, log logging.Logger, rec *metrics.Recorder, handle func(ctx context.Context, body []byte)) *Connector {
	return &Connector{addr: addr, vhost: vhost, dial: dial, log: log, metrics: rec, handle: handle, pause: reconnectPause}
}

// State returns the connector's current lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

func (c *Connector) setState(s State) { c.state.Store(int32(s)) }

// Run drives the connector loop until ctx is cancelled. A user-initiated
// cancellation is the only clean exit; any I/O error during Consuming tears
// down and reconnects after reconnectPause. A dial failure on the very
// first attempt is fatal — the bus being unreachable at boot exits the
// daemon rather than spinning.
func (c *Connector) Run(ctx context.Context) error {
	firstAttempt := true
	for {
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return nil
		default:
		}

		c.setState(Connecting)
		if !firstAttempt && c.metrics != nil {
			c.metrics.BusReconnects.Inc()
		}
		conn, err := c.dial(c.addr, c.vhost)
		if err != nil {
			if firstAttempt {
				c.setState(Disconnected)
				return err
			}
			c.log.Error(ctx, "bus connect failed", slog.Any("err", err))
			if !sleepOrDone(ctx, c.pause) {
				return nil
			}
			continue
		}
		firstAttempt = false

		if err := conn.Declare(); err != nil {
			c.log.Error(ctx, "bus topology declare failed", slog.Any("err", err))
			_ = conn.Close()
			if !sleepOrDone(ctx, c.pause) {
				return nil
			}
			continue
		}

		if err := c.consumeUntilError(ctx, conn); err != nil {
			c.log.Warn(ctx, "bus connection lost, reconnecting", slog.Any("err", err))
		}
		c.setState(Draining)
		_ = conn.Close()
		c.setState(Disconnected)

		if !sleepOrDone(ctx, c.pause) {
			return nil
		}
	}
}

// consumeUntilError runs the drain and heartbeat tasks concurrently under a
// scoped group; the first error from either tears down the connection.
func (c *Connector) consumeUntilError(ctx context.Context, conn Connection) error {
	c.setState(Consuming)
	grp := taskgroup.New(ctx)

	deliveries, err := conn.Consume(grp.Context())
	if err != nil {
		return healerrors.NewConnectionLostError(err)
	}

	grp.Spawn(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-deliveries:
				if !ok {
					return healerrors.NewConnectionLostError(errClosed)
				}
				c.handle(ctx, d.Body)
				if d.Ack != nil {
					if err := d.Ack(); err != nil {
						return healerrors.NewConnectionLostError(err)
					}
				}
				if c.metrics != nil {
					c.metrics.MessagesAcked.Inc()
				}
			}
		}
	})

	grp.Spawn(func(ctx context.Context) error {
		ticker := time.NewTicker(keepaliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := conn.Heartbeat(ctx); err != nil {
					return healerrors.NewConnectionLostError(err)
				}
			}
		}
	})

	return grp.WaitUntilAnyError()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var errClosed = &closedError{}

type closedError struct{}

func (e *closedError) Error() string { return "delivery channel closed" }

// DialAMQP is the production Dialer, opening a real connection and channel
// via amqp091-go; the returned Connection's Declare declares the
// non-durable fanout exchange and queue.
// addr accepts the bare USER:PASS@HOST:PORT form the CLI flag documents.
func DialAMQP(addr, vhost string) (Connection, error) {
	if !strings.Contains(addr, "://") {
		addr = "amqp://" + addr
	}
	cfg := amqp.Config{
		Vhost:     vhost,
		Heartbeat: heartbeatSeconds * time.Second,
	}
	conn, err := amqp.DialConfig(addr, cfg)
	if err != nil {
		return nil, healerrors.NewBusUnavailableError(addr, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, healerrors.NewBusUnavailableError(addr, err)
	}
	closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	return &amqpConnection{conn: conn, ch: ch, closeNotify: closeNotify}, nil
}

type amqpConnection struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	closeNotify chan *amqp.Error
}

func (a *amqpConnection) Declare() error {
	if err := a.ch.ExchangeDeclare(exchangeName, "fanout", false, false, false, false, nil); err != nil {
		return err
	}
	q, err := a.ch.QueueDeclare(queueName, false, false, false, false, nil)
	if err != nil {
		return err
	}
	return a.ch.QueueBind(q.Name, "", exchangeName, false, nil)
}

func (a *amqpConnection) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := a.ch.ConsumeWithContext(ctx, queueName, "contrail-healer-consumer", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Body: m.Body, Ack: func() error { return m.Ack(false) }}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Heartbeat checks for an async close notification from the broker; the
// protocol-level heartbeat frames themselves are handled internally by
// amqp091-go's connection reader goroutine.
func (a *amqpConnection) Heartbeat(ctx context.Context) error {
	select {
	case err, ok := <-a.closeNotify:
		if !ok || err == nil {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (a *amqpConnection) Close() error {
	_ = a.ch.Close()
	return a.conn.Close()
}
