// Package dispatch decodes bus deliveries into healer.Event values and
// fans them out across the dispatch table into each subscribed healer's
// pipeline.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cloudwatt/contrail-healer-go/internal/healer"
	"github.com/cloudwatt/contrail-healer-go/internal/healerrors"
	"github.com/cloudwatt/contrail-healer-go/internal/pipeline"
	"github.com/cloudwatt/contrail-healer-go/internal/registry"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/metrics"
)

// wireMessage mirrors the bus body: type, oper, and an inline snapshot or a
// bare uuid.
type wireMessage struct {
	Type    string         `json:"type"`
	Oper    string         `json:"oper"`
	UUID    string         `json:"uuid,omitempty"`
	ObjDict map[string]any `json:"obj_dict,omitempty"`
}

// Dispatcher routes decoded events from the bus to every healer pipeline
// subscribed to their (resource_type, operation).
type Dispatcher struct {
	table     *registry.Table
	pipelines map[healer.Healer]*pipeline.Pipeline
	log       logging.Logger
	metrics   *metrics.Recorder
}

// New builds a Dispatcher. pipelines must have one entry per healer in
// table.
func New(table *registry.Table, pipelines map[healer.Healer]*pipeline.Pipeline, log logging.Logger, rec *metrics.Recorder) *Dispatcher {
	return &Dispatcher{table: table, pipelines: pipelines, log: log, metrics: rec}
}

// Handle decodes body and enqueues the resulting work item on every
// subscribed healer's pipeline. It never returns an error: every failure
// mode in the dispatch contract (decode failure, no dispatch, no identity)
// is "acknowledge and drop" — the caller acks unconditionally once Handle
// returns.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) {
	event, err := decode(body)
	if err != nil {
		d.drop(ctx, "decode_failed")
		d.log.Warn(ctx, "dropping malformed bus message", slog.Any("err", err))
		return
	}

	if !event.HasIdentity() {
		d.drop(ctx, "no_identity")
		d.log.Debug(ctx, "dropping event with neither snapshot nor uuid", slog.String("resource_type", event.ResourceType))
		return
	}

	healers := d.table.Lookup(event.ResourceType, event.Operation)
	if len(healers) == 0 {
		d.drop(ctx, "no_dispatch")
		d.log.Debug(ctx, "dropping unrouted event",
			slog.Any("err", healerrors.NewNoDispatchError(event.ResourceType, string(event.Operation))))
		return
	}

	if d.metrics != nil {
		d.metrics.MessagesConsumed.WithLabelValues(event.ResourceType, string(event.Operation)).Inc()
	}

	ref := healer.NewReference(event)
	item := healer.WorkItem{Op: event.Operation, Ref: ref}
	for _, h := range healers {
		p, ok := d.pipelines[h]
		if !ok {
			continue
		}
		p.Enqueue(item)
	}
}

func (d *Dispatcher) drop(ctx context.Context, reason string) {
	if d.metrics != nil {
		d.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func decode(body []byte) (healer.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return healer.Event{}, healerrors.NewDecodeError(err)
	}
	if msg.Type == "" || msg.Oper == "" {
		return healer.Event{}, healerrors.NewDecodeError(fmt.Errorf("missing required field type/oper"))
	}
	op := healer.Operation(msg.Oper)
	if !op.Valid() {
		return healer.Event{}, healerrors.NewDecodeError(fmt.Errorf("invalid operation %q", msg.Oper))
	}
	return healer.Event{
		ResourceType: msg.Type,
		Operation:    op,
		Snapshot:     msg.ObjDict,
		UUID:         msg.UUID,
	}, nil
}
