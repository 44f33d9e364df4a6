package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const maxAppendAttempts = 3

// Config wires an Aggregate.
type Config[S any] struct {
	// Name is the aggregate_type written to every record.
	Name  string
	Store Store
	// New returns the zero projection for an id.
	New     func(id string) *S
	Reactor Reactor[S]
	Now     func() time.Time
	NewID   func() uuid.UUID
}

// Aggregate fires and replays the events of one aggregate type.
type Aggregate[S any] struct {
	name     string
	store    Store
	newState func(id string) *S
	reactor  Reactor[S]
	now      func() time.Time
	newID    func() uuid.UUID
	events   map[string]func() Event[S]
	logger   *log.Entry
}

func New[S any](cfg Config[S]) *Aggregate[S] {
	reactor := cfg.Reactor
	if reactor == nil {
		reactor = NopReactor[S]{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.New
	}
	return &Aggregate[S]{
		name:     cfg.Name,
		store:    cfg.Store,
		newState: cfg.New,
		reactor:  reactor,
		now:      now,
		newID:    newID,
		events:   make(map[string]func() Event[S]),
		logger:   log.WithFields(log.Fields{"component": "eventsource", "aggregate": cfg.Name}),
	}
}

// Register makes event types decodable. Each factory must return a pointer to a zero event.
func (a *Aggregate[S]) Register(factories ...func() Event[S]) {
	for _, factory := range factories {
		a.events[factory().EventType()] = factory
	}
}

func (a *Aggregate[S]) Name() string { return a.name }

// Load folds the stored events into a fresh projection and returns it with its version.
func (a *Aggregate[S]) Load(ctx context.Context, id string) (*S, int64, error) {
	records, err := a.store.Load(ctx, a.name, id)
	if err != nil {
		return nil, 0, fmt.Errorf("load %s %s: %w", a.name, id, err)
	}
	state := a.newState(id)
	var version int64
	for _, rec := range records {
		ev, err := a.decode(rec)
		if err != nil {
			return nil, 0, err
		}
		ev.Apply(state)
		version = rec.Sequence
	}
	return state, version, nil
}

// Fire validates ev against the latest projection, commits it and runs both handle phases.
// A sequence conflict reloads the projection and validates again.
func (a *Aggregate[S]) Fire(ctx context.Context, id string, ev Event[S]) (*S, error) {
	for attempt := 1; ; attempt++ {
		state, version, err := a.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := ev.Validate(state); err != nil {
			return state, err
		}
		ev.Apply(state)

		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
		}
		rec := Record{
			ID:            a.newID(),
			AggregateType: a.name,
			AggregateID:   id,
			Sequence:      version + 1,
			EventType:     ev.EventType(),
			Payload:       payload,
			OccurredAt:    a.now().UTC(),
		}
		err = a.store.Append(ctx, rec, state, rowsOf(ev, state))
		if errors.Is(err, ErrSequenceConflict) && attempt < maxAppendAttempts {
			a.logger.WithFields(log.Fields{"aggregate_id": id, "event": rec.EventType, "attempt": attempt}).
				Warn("concurrent append detected; revalidating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append %s to %s %s: %w", rec.EventType, a.name, id, err)
		}

		if err := a.reactor.Handle(ctx, state, ev); err != nil {
			return state, fmt.Errorf("handle %s on %s %s: %w", rec.EventType, a.name, id, err)
		}
		if err := a.reactor.SideEffects(ctx, state, ev); err != nil {
			return state, fmt.Errorf("side effects of %s on %s %s: %w", rec.EventType, a.name, id, err)
		}
		return state, nil
	}
}

// Replay rebuilds the projection from history, re-runs the durable handle phase and
// rewrites the read model. Side effects are never dispatched.
func (a *Aggregate[S]) Replay(ctx context.Context, id string) (*S, error) {
	records, err := a.store.Load(ctx, a.name, id)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", a.name, id, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrAggregateMissing, a.name, id)
	}
	logger := a.logger.WithField("aggregate_id", id)
	logger.WithField("events", len(records)).Debug("replaying aggregate; side effects suppressed")

	state := a.newState(id)
	var rows []any
	for _, rec := range records {
		ev, err := a.decode(rec)
		if err != nil {
			return nil, err
		}
		ev.Apply(state)
		rows = append(rows, rowsOf(ev, state)...)
		if err := a.reactor.Handle(ctx, state, ev); err != nil {
			return nil, fmt.Errorf("replay %s #%d on %s %s: %w", rec.EventType, rec.Sequence, a.name, id, err)
		}
	}
	if err := a.store.SaveSnapshot(ctx, a.name, state, rows); err != nil {
		return nil, fmt.Errorf("save replayed %s %s: %w", a.name, id, err)
	}
	return state, nil
}

// History returns the raw records of one aggregate.
func (a *Aggregate[S]) History(ctx context.Context, id string) ([]Record, error) {
	return a.store.Load(ctx, a.name, id)
}

func rowsOf[S any](ev Event[S], state *S) []any {
	if recorder, ok := ev.(Recorder[S]); ok {
		return recorder.Rows(state)
	}
	return nil
}

func (a *Aggregate[S]) decode(rec Record) (Event[S], error) {
	factory, ok := a.events[rec.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownEvent, rec.EventType, a.name)
	}
	ev := factory()
	if err := json.Unmarshal(rec.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s #%d: %w", rec.EventType, rec.Sequence, err)
	}
	return ev, nil
}
