// Package healer defines the plugin contract external healer authors
// implement, and the data model (event, resource reference, descriptor,
// verdict) the core routes between the bus and a healer's pipeline.
package healer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Operation is the kind of control-plane change an Event or Reference is
// about.
type Operation string

const (
	Create Operation = "CREATE"
	Update Operation = "UPDATE"
	Delete Operation = "DELETE"
)

// Valid reports whether op is one of the three legal operations.
func (op Operation) Valid() bool {
	switch op {
	case Create, Update, Delete:
		return true
	default:
		return false
	}
}

// Event is a decoded bus message: either an inline attribute-map snapshot
// of the mutated object, or a bare UUID the healer may resolve lazily.
type Event struct {
	ResourceType string
	Operation    Operation
	Snapshot     map[string]any
	UUID         string
}

// HasIdentity reports whether the event carries enough information to build
// a Reference. An event with neither a snapshot nor a UUID is discarded by
// the dispatcher.
func (e Event) HasIdentity() bool {
	return e.UUID != "" || len(e.Snapshot) > 0
}

// Reference is the minimal handle a healer receives: either a populated
// snapshot or a lazy (type, uuid) handle the healer resolves itself.
type Reference struct {
	ResourceType string
	UUID         string
	Snapshot     map[string]any
}

// NewReference builds a Reference from a decoded Event.
func NewReference(e Event) Reference {
	return Reference{ResourceType: e.ResourceType, UUID: e.UUID, Snapshot: e.Snapshot}
}

// IsLazy reports whether the reference must be resolved by UUID rather than
// read directly off an inline snapshot.
func (r Reference) IsLazy() bool { return len(r.Snapshot) == 0 && r.UUID != "" }

// IdentityKey returns the dedup identity for this reference: the UUID if
// present, otherwise the snapshot's fully-qualified name, otherwise a
// canonical serialization of the snapshot.
func (r Reference) IdentityKey() string {
	if r.UUID != "" {
		return r.UUID
	}
	if fq := fqName(r.Snapshot); fq != "" {
		return fq
	}
	return canonicalForm(r.Snapshot)
}

func fqName(snapshot map[string]any) string {
	v, ok := snapshot["fq_name"]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ":")
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprintf("%v", p))
		}
		return strings.Join(parts, ":")
	default:
		return ""
	}
}

// canonicalForm deterministically serializes a snapshot by recursively
// sorting map keys before marshaling, so two structurally equal snapshots
// always produce the same string regardless of map iteration order.
func canonicalForm(snapshot map[string]any) string {
	if len(snapshot) == 0 {
		return ""
	}
	b, err := json.Marshal(canonicalize(snapshot))
	if err != nil {
		return ""
	}
	return string(b)
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{K: k, V: canonicalize(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

type keyValue struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// WorkItem pairs an operation with a reference; it is the unit the pipeline
// deduplicates, buffers, and checks.
type WorkItem struct {
	Op  Operation
	Ref Reference
}

// DedupKey returns the equality key used for buffer-window deduplication and
// retry-counter indexing: (operation, resource_type, identity).
func (w WorkItem) DedupKey() string {
	return string(w.Op) + "|" + w.Ref.ResourceType + "|" + w.Ref.IdentityKey()
}

// VerdictKind tags the outcome of a Check call.
type VerdictKind int

const (
	OK VerdictKind = iota
	NotOK
	Retry
)

// Verdict is the tagged result of Healer.Check: OK (no action), NotOK
// (invoke Fix with FixArgs), or Retry (re-enqueue after backoff).
type Verdict struct {
	Kind    VerdictKind
	FixArgs []any
}

// Descriptor is a healer's immutable registration record.
type Descriptor struct {
	ResourceType     string
	Operations       map[Operation]bool
	BufferSize       int
	BufferTimeout    float64 // seconds
	CheckDelay       float64 // seconds
	MaxCheckRetries  int
	ConfigFile       string
	Config           map[string]string
}

// Subscribes reports whether the descriptor's healer wants notifications for op.
func (d Descriptor) Subscribes(op Operation) bool { return d.Operations[op] }

// Validate enforces the descriptor contract: a non-empty resource type and
// a non-empty subset of the three legal operations.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ResourceType) == "" {
		return fmt.Errorf("healer descriptor: resource_type must be non-empty")
	}
	if len(d.Operations) == 0 {
		return fmt.Errorf("healer descriptor %q: operations must be non-empty", d.ResourceType)
	}
	for op := range d.Operations {
		if !op.Valid() {
			return fmt.Errorf("healer descriptor %q: invalid operation %q", d.ResourceType, op)
		}
	}
	return nil
}

// WithDefaults returns a copy of d with zero-valued tunables replaced by
// their defaults.
func (d Descriptor) WithDefaults() Descriptor {
	if d.BufferSize <= 0 {
		d.BufferSize = 10
	}
	if d.BufferTimeout <= 0 {
		d.BufferTimeout = 5
	}
	if d.MaxCheckRetries <= 0 {
		d.MaxCheckRetries = 3
	}
	return d
}

// Healer is the plugin contract external healer authors implement. Check and
// Fix are always invoked from the cooperative pipeline scheduler; ref is
// either a populated snapshot or a lazily-resolvable handle.
type Healer interface {
	Descriptor() Descriptor
	Check(ctx context.Context, op Operation, ref Reference) (Verdict, error)
	Fix(ctx context.Context, args ...any) error
}
