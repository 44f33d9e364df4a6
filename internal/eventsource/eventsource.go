/**
 * @description
 * Package eventsource is a small event-sourcing engine. Each aggregate is an ordered,
 * per-id log of events; its state is rebuilt by folding those events with Apply.
 *
 * Firing an event runs four phases:
 *   1. Validate against the latest projection (nothing is written on failure).
 *   2. Apply, a pure mutation of the projection.
 *   3. Commit the record, the projection snapshot and recorded rows in one write, then
 *      Reactor.Handle for durable writes on other aggregates.
 *   4. Reactor.SideEffects for job dispatch and notifications.
 * Replay runs phases 2 and 3 only.
 *
 * @dependencies
 * - github.com/google/uuid: event record ids.
 * - github.com/sirupsen/logrus: structured logging.
 */

package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSequenceConflict is returned by Store.Append when the sequence was already committed.
	ErrSequenceConflict = errors.New("eventsource: sequence already committed")
	ErrUnknownEvent     = errors.New("eventsource: unknown event type")
	ErrAggregateMissing = errors.New("eventsource: aggregate has no events")
)

// Record is one committed event.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Sequence      int64           `json:"sequence"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Store is the durable event log the engine needs: append, and ordered load by aggregate.
type Store interface {
	// Append commits rec, the projection snapshot that results from it and any rows the
	// event records, all or nothing. It returns ErrSequenceConflict if rec.Sequence is
	// already taken for the aggregate.
	Append(ctx context.Context, rec Record, snapshot any, rows []any) error
	// Load returns the aggregate's records in commit order.
	Load(ctx context.Context, aggregateType, aggregateID string) ([]Record, error)
	// SaveSnapshot overwrites the read model of a replayed projection and inserts any
	// recorded rows that are missing. Rows already present are left untouched.
	SaveSnapshot(ctx context.Context, aggregateType string, snapshot any, rows []any) error
}

// Event is a domain event over projection S.
type Event[S any] interface {
	EventType() string
	// Validate checks preconditions. It must not mutate state.
	Validate(state *S) error
	// Apply mutates the projection. It must be deterministic and free of I/O.
	Apply(state *S)
}

// Recorder is implemented by events that produce immutable rows (ledger entries) which
// must be committed atomically with the event. Row ids must derive from the event payload
// so replay can recognize rows that already exist.
type Recorder[S any] interface {
	Rows(state *S) []any
}

// Reactor carries the handle phases for one aggregate type.
type Reactor[S any] interface {
	// Handle performs durable writes outside the event log. It runs on replay too,
	// so every write must be guarded against duplication.
	Handle(ctx context.Context, state *S, ev Event[S]) error
	// SideEffects dispatches jobs and notifications. Replay never calls it.
	SideEffects(ctx context.Context, state *S, ev Event[S]) error
}

// NopReactor is a Reactor without any handle work.
type NopReactor[S any] struct{}

func (NopReactor[S]) Handle(context.Context, *S, Event[S]) error      { return nil }
func (NopReactor[S]) SideEffects(context.Context, *S, Event[S]) error { return nil }
