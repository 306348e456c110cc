// Package pipeline runs the per-healer ingest -> dedup buffer -> delayed
// check -> conditional fix -> bounded retry state machine. Each healer gets
// two long-lived tasks (receive and work) plus transient check tasks, all
// spawned into one shared task group.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwatt/contrail-healer-go/internal/healer"
	"github.com/cloudwatt/contrail-healer-go/internal/healerrors"
	"github.com/cloudwatt/contrail-healer-go/internal/queue"
	"github.com/cloudwatt/contrail-healer-go/internal/taskgroup"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/metrics"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/tracing"
	"github.com/cloudwatt/contrail-healer-go/internal/timer"
)

// pollInterval is the work task's buffer polling cadence.
const pollInterval = 100 * time.Millisecond

// Pipeline owns one healer's input queue, dedup buffer, and retry state.
// It is safe to share across goroutines: the retry counters and started
// latch are protected by its own mutex, and the queues and buffer timer are
// each safe for concurrent use on their own, so no state is shared with
// other pipelines.
type Pipeline struct {
	h    healer.Healer
	desc healer.Descriptor

	log     logging.Logger
	metrics *metrics.Recorder

	inputQueue *queue.Unbounded[healer.WorkItem]

	mu          sync.Mutex
	bufferQueue *queue.Bounded[healer.WorkItem]
	bufferTimer *timer.Timer
	retryCounts map[string]int
	started     bool
}

// New constructs a Pipeline for h. desc should already have WithDefaults
// applied.
func New(h healer.Healer, desc healer.Descriptor, log logging.Logger, rec *metrics.Recorder) *Pipeline {
	return &Pipeline{
		h:           h,
		desc:        desc,
		log:         log,
		metrics:     rec,
		inputQueue:  queue.NewUnbounded[healer.WorkItem](),
		bufferQueue: queue.NewBounded[healer.WorkItem](desc.BufferSize),
		bufferTimer: timer.New(bufferTimeout(desc)),
		retryCounts: make(map[string]int),
	}
}

func bufferTimeout(desc healer.Descriptor) time.Duration {
	return time.Duration(desc.BufferTimeout * float64(time.Second))
}

func checkDelay(desc healer.Descriptor) time.Duration {
	return time.Duration(desc.CheckDelay * float64(time.Second))
}

// TryDequeueInput removes and returns the oldest item waiting in the input
// queue without blocking. Mainly useful in tests that want to observe what
// the dispatcher handed a healer before the receive task picks it up.
func (p *Pipeline) TryDequeueInput() (healer.WorkItem, bool) {
	return p.inputQueue.TryGet()
}

// Enqueue hands a work item to the pipeline's input queue. Never blocks.
func (p *Pipeline) Enqueue(item healer.WorkItem) {
	p.inputQueue.Put(item)
	if p.metrics != nil {
		p.metrics.InputQueueDepth.WithLabelValues(p.desc.ResourceType).Inc()
	}
}

// Start launches the receive and work tasks on grp. Starting the same
// pipeline twice is a no-op, matching the healer lifecycle's idempotent
// start.
func (p *Pipeline) Start(grp *taskgroup.Group) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	grp.Spawn(p.receive)
	grp.Spawn(func(ctx context.Context) error { return p.work(ctx, grp) })
}

// receive moves items from the unbounded input queue into the bounded
// buffer, blocking on either side. It exits once the input
// queue is closed, which receive arranges on context cancellation via a
// small companion goroutine since Unbounded.Get itself has no context
// awareness.
func (p *Pipeline) receive(ctx context.Context) error {
	closeOnCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.inputQueue.Close()
		case <-closeOnCancel:
		}
	}()
	defer close(closeOnCancel)

	for {
		item, ok := p.inputQueue.Get()
		if !ok {
			return nil
		}
		if !p.bufferQueue.PutContext(ctx, item) {
			return nil
		}
		if p.metrics != nil {
			p.metrics.InputQueueDepth.WithLabelValues(p.desc.ResourceType).Dec()
			p.metrics.BufferQueueDepth.WithLabelValues(p.desc.ResourceType).Set(float64(p.bufferQueue.Len()))
		}
	}
}

// work polls the buffer on pollInterval, draining and dispatching checks
// once it's full or the window timer has elapsed.
func (p *Pipeline) work(ctx context.Context, grp *taskgroup.Group) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx, grp)
		}
	}
}

func (p *Pipeline) tick(ctx context.Context, grp *taskgroup.Group) {
	switch {
	case p.bufferQueue.Empty():
		p.bufferTimer.Reset()
	case !p.bufferQueue.Full() && !p.bufferTimer.Ready():
		// accumulate more
	default:
		p.bufferTimer.Reset()
		p.drain(ctx, grp)
	}
}

// drain empties the buffer queue, deduplicating by work-item identity, and
// schedules one delayed check per distinct item.
func (p *Pipeline) drain(ctx context.Context, grp *taskgroup.Group) {
	seen := make(map[string]bool)
	var batch []healer.WorkItem
	for {
		item, ok := p.bufferQueue.TryGet()
		if !ok {
			break
		}
		key := item.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		batch = append(batch, item)
	}
	if p.metrics != nil {
		p.metrics.BufferQueueDepth.WithLabelValues(p.desc.ResourceType).Set(0)
	}
	for _, item := range batch {
		p.scheduleCheck(grp, item)
	}
}

func (p *Pipeline) scheduleCheck(grp *taskgroup.Group, item healer.WorkItem) {
	grp.SpawnAfter(checkDelay(p.desc), func(ctx context.Context) error {
		p.runCheck(ctx, grp, item)
		return nil
	})
}

func (p *Pipeline) runCheck(ctx context.Context, grp *taskgroup.Group, item healer.WorkItem) {
	ctx, span := tracing.StartCheckSpan(ctx, p.desc.ResourceType, string(item.Op))
	defer span.End()

	verdict, err := p.safeCheck(ctx, item)
	if err != nil {
		p.log.Error(ctx, "healer check failed", slog.String("resource_type", p.desc.ResourceType), slog.Any("err", err))
		p.dropRetry(item)
		return
	}

	switch verdict.Kind {
	case healer.OK:
		if p.metrics != nil {
			p.metrics.ChecksTotal.WithLabelValues(p.desc.ResourceType, "ok").Inc()
		}
		p.dropRetry(item)
	case healer.NotOK:
		if p.metrics != nil {
			p.metrics.ChecksTotal.WithLabelValues(p.desc.ResourceType, "not_ok").Inc()
		}
		p.dropRetry(item)
		p.runFix(ctx, item, verdict.FixArgs)
	case healer.Retry:
		if p.metrics != nil {
			p.metrics.ChecksTotal.WithLabelValues(p.desc.ResourceType, "retry").Inc()
		}
		p.scheduleRetry(ctx, grp, item)
	}
}

// safeCheck invokes the healer's Check, converting a panic into a
// HealerFault so one misbehaving plugin cannot wedge the pipeline.
func (p *Pipeline) safeCheck(ctx context.Context, item healer.WorkItem) (verdict healer.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = healerrors.NewHealerFault(p.desc.ResourceType, panicAsError(r))
		}
	}()
	return p.h.Check(ctx, item.Op, item.Ref)
}

func (p *Pipeline) runFix(ctx context.Context, item healer.WorkItem, args []any) {
	ctx, span := tracing.StartFixSpan(ctx, p.desc.ResourceType)
	defer span.End()
	if err := p.safeFix(ctx, args); err != nil {
		p.log.Error(ctx, "healer fix failed", slog.String("resource_type", p.desc.ResourceType), slog.Any("err", err))
		return
	}
	if p.metrics != nil {
		p.metrics.FixesTotal.WithLabelValues(p.desc.ResourceType).Inc()
	}
}

func (p *Pipeline) safeFix(ctx context.Context, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = healerrors.NewHealerFault(p.desc.ResourceType, panicAsError(r))
		}
	}()
	return p.h.Fix(ctx, args...)
}

// scheduleRetry implements the linear backoff retry policy: n-th retry
// waits n seconds, up to max_check_retries.
func (p *Pipeline) scheduleRetry(ctx context.Context, grp *taskgroup.Group, item healer.WorkItem) {
	key := item.DedupKey()

	p.mu.Lock()
	n := p.retryCounts[key] + 1
	p.retryCounts[key] = n
	p.mu.Unlock()

	if n > p.desc.MaxCheckRetries {
		p.dropRetry(item)
		if p.metrics != nil {
			p.metrics.RetryExhaustedTotal.WithLabelValues(p.desc.ResourceType).Inc()
		}
		p.log.Info(ctx, "retry ceiling reached, dropping item",
			slog.Any("err", healerrors.NewRetryExhaustedError(p.desc.ResourceType, n-1)))
		return
	}
	if p.metrics != nil {
		p.metrics.RetriesTotal.WithLabelValues(p.desc.ResourceType).Inc()
	}
	grp.SpawnAfter(time.Duration(n)*time.Second, func(ctx context.Context) error {
		p.bufferQueue.PutContext(ctx, item)
		return nil
	})
}

func (p *Pipeline) dropRetry(item healer.WorkItem) {
	p.mu.Lock()
	delete(p.retryCounts, item.DedupKey())
	p.mu.Unlock()
}

func panicAsError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicValue{v: r}
}

type panicValue struct{ v any }

func (p *panicValue) Error() string { return "panic: " + toString(p.v) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-string panic value"
}
