// Package projection drives listeners bound by a listener.MappingProvider as
// projections: it keeps a position per projection and delivers events in
// sequence order by replaying, catching up or watching the owning event store
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/listener"
)

// DefaultWatchInterval is the pause between two watch cycles unless
// configured otherwise
const DefaultWatchInterval = time.Second

// Decoder turns raw events into domain events (see eventsourcing.JSONEncoder)
type Decoder interface {
	Decode(raw eventsourcing.RawEvent) (any, error)
}

// Resetter is implemented by projections which hold state that has to be
// dropped before a replay
type Resetter interface {
	Reset(ctx context.Context) error
}

// Emptier is implemented by projections which can tell whether they hold any
// state. Projections not implementing it are empty while their position is 0
type Emptier interface {
	IsEmpty(ctx context.Context) (bool, error)
}

// Descriptor describes a projection
type Descriptor struct {
	ID           string
	ListenerID   string
	ListenerType string
	StoreID      string
	EventTypes   []string
}

// Option configures the runtime
type Option func(*Runtime)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) {
		r.log = log
	}
}

// WithMetrics sets the metrics implementation
func WithMetrics(m Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithPositionStore sets where projection positions are persisted
// (volatile MemoryPositions by default)
func WithPositionStore(s PositionStore) Option {
	return func(r *Runtime) {
		r.positions = s
	}
}

// NewRuntime constructs a projection runtime. Every listener of the mapping
// provider is a projection
func NewRuntime(
	manager *eventsourcing.Manager,
	mappings *listener.MappingProvider,
	decoder Decoder,
	opts ...Option) *Runtime {

	r := Runtime{
		manager:   manager,
		mappings:  mappings,
		decoder:   decoder,
		positions: NewMemoryPositions(),
		metrics:   NopMetrics(),
		log:       slog.Default(),
	}

	for _, opt := range opts {
		opt(&r)
	}

	r.log = r.log.With(slog.String("component", "projection_runtime"))

	return &r
}

// Runtime replays, catches up and watches projections.
// A projection must not be driven by more than one goroutine at a time
type Runtime struct {
	manager   *eventsourcing.Manager
	mappings  *listener.MappingProvider
	decoder   Decoder
	positions PositionStore
	metrics   Metrics
	log       *slog.Logger
}

// List describes every projection, sorted by id
func (r *Runtime) List() []Descriptor {
	listeners := r.mappings.Listeners()
	out := make([]Descriptor, 0, len(listeners))

	for _, l := range listeners {
		store, err := r.mappings.StoreForListener(l.ID)
		if err != nil {
			continue
		}

		out = append(out, describe(l, store))
	}

	return out
}

// Describe describes a single projection
func (r *Runtime) Describe(projectionID string) (Descriptor, error) {
	d, _, err := r.projection(projectionID)

	return d, err
}

func (r *Runtime) projection(projectionID string) (Descriptor, *listener.Listener, error) {
	notFound := &eventsourcing.LookupError{
		Op:  "get projection",
		Key: projectionID,
		Err: ErrProjectionNotFound,
	}

	l, err := r.mappings.Listener(projectionID)
	if err != nil {
		return Descriptor{}, nil, notFound
	}

	store, err := r.mappings.StoreForListener(projectionID)
	if err != nil {
		return Descriptor{}, nil, notFound
	}

	return describe(l, store), l, nil
}

func describe(l *listener.Listener, store string) Descriptor {
	return Descriptor{
		ID:           l.ID,
		ListenerID:   l.ID,
		ListenerType: l.Type,
		StoreID:      store,
		EventTypes:   l.EventTypes(),
	}
}

// Position returns the sequence number of the last event the projection applied
func (r *Runtime) Position(ctx context.Context, projectionID string) (uint64, error) {
	if _, _, err := r.projection(projectionID); err != nil {
		return 0, err
	}

	return r.positions.Get(ctx, projectionID)
}

// IsEmpty reports whether the projection holds no state
func (r *Runtime) IsEmpty(ctx context.Context, projectionID string) (bool, error) {
	_, l, err := r.projection(projectionID)
	if err != nil {
		return false, err
	}

	if e, ok := l.Value.(Emptier); ok {
		return e.IsEmpty(ctx)
	}

	pos, err := r.positions.Get(ctx, projectionID)
	if err != nil {
		return false, err
	}

	return pos == 0, nil
}

// CatchUp applies every event the projection has not applied yet, in sequence
// order, and returns the number of applied events. The position is saved after
// each event, before onEvent (optional) is called. A failing handler stops
// the catch up with a *DispatchError and leaves the position at the
// previous event
func (r *Runtime) CatchUp(
	ctx context.Context,
	projectionID string,
	onEvent func(eventsourcing.RawEvent)) (int, error) {

	d, l, err := r.projection(projectionID)
	if err != nil {
		return 0, err
	}

	log := r.log.With(slog.String("projection", projectionID))

	es, err := r.manager.StoreForEventTypes(d.EventTypes)
	if err != nil {
		return 0, err
	}

	if es.ID() != d.StoreID {
		return 0, eventsourcing.NewConfigurationError(
			"catch up projection",
			"projection %q is bound to event store %q but its event types are stored in %q",
			projectionID, d.StoreID, es.ID(),
		)
	}

	pos, err := r.positions.Get(ctx, projectionID)
	if err != nil {
		return 0, fmt.Errorf("get position of projection %q: %w", projectionID, err)
	}

	stream, err := es.Get(ctx, eventsourcing.NewStreamFilter(
		eventsourcing.WithEventTypes(d.EventTypes...),
		eventsourcing.WithMinimumSequenceNumber(pos+1),
	))
	if err != nil {
		return 0, err
	}

	start := time.Now()
	applied := 0

	for stream.Next(ctx) {
		raw := stream.Event()

		if err := r.apply(ctx, projectionID, l, raw); err != nil {
			log.Warn(
				"projection stopped",
				slog.Uint64("sequence_number", raw.SequenceNumber),
				slog.String("event_type", raw.Type),
				slog.Any("error", err),
			)

			return applied, err
		}

		applied++

		if onEvent != nil {
			onEvent(raw)
		}
	}

	if err := stream.Err(); err != nil {
		return applied, fmt.Errorf("catch up projection %q: %w", projectionID, err)
	}

	if applied > 0 {
		log.Info(
			"projection caught up",
			slog.Int("events", applied),
			slog.Duration("took", time.Since(start)),
		)
	}

	return applied, nil
}

func (r *Runtime) apply(ctx context.Context, projectionID string, l *listener.Listener, raw eventsourcing.RawEvent) error {
	timer := r.metrics.EventDuration(projectionID, raw.Type)
	defer timer.ObserveDuration()

	fail := func(err error) error {
		r.metrics.EventProcessed(projectionID, raw.Type, false)

		return &DispatchError{
			ProjectionID:   projectionID,
			SequenceNumber: raw.SequenceNumber,
			EventType:      raw.Type,
			Err:            err,
		}
	}

	evt, err := r.decoder.Decode(raw)
	if err != nil {
		return fail(err)
	}

	if err := l.Handle(ctx, eventsourcing.EventEnvelope{Event: evt, Raw: raw}); err != nil {
		return fail(err)
	}

	if err := r.positions.Save(ctx, projectionID, raw.SequenceNumber); err != nil {
		return fmt.Errorf("save position of projection %q: %w", projectionID, err)
	}

	r.metrics.EventProcessed(projectionID, raw.Type, true)
	r.metrics.Position(projectionID, raw.SequenceNumber)

	return nil
}

// Replay resets the projection (its state if it implements Resetter, then its
// position) and applies all of its events from the beginning
func (r *Runtime) Replay(
	ctx context.Context,
	projectionID string,
	onEvent func(eventsourcing.RawEvent)) (int, error) {

	_, l, err := r.projection(projectionID)
	if err != nil {
		return 0, err
	}

	// the position survives a failed state reset
	if rs, ok := l.Value.(Resetter); ok {
		if err := rs.Reset(ctx); err != nil {
			return 0, fmt.Errorf("reset projection %q: %w", projectionID, err)
		}
	}

	if err := r.positions.Reset(ctx, projectionID); err != nil {
		return 0, fmt.Errorf("reset position of projection %q: %w", projectionID, err)
	}

	r.metrics.Replayed(projectionID)
	r.log.Info("replaying projection", slog.String("projection", projectionID))

	return r.CatchUp(ctx, projectionID, onEvent)
}

// ReplayAll replays every projection in id order, or only the empty ones.
// It stops at the first failing projection
func (r *Runtime) ReplayAll(
	ctx context.Context,
	onlyEmpty bool,
	onEvent func(projectionID string, raw eventsourcing.RawEvent)) (int, error) {

	total := 0

	for _, d := range r.List() {
		if onlyEmpty {
			empty, err := r.IsEmpty(ctx, d.ID)
			if err != nil {
				return total, err
			}

			if !empty {
				r.log.Debug("skipping projection which is not empty", slog.String("projection", d.ID))

				continue
			}
		}

		var cb func(eventsourcing.RawEvent)

		if onEvent != nil {
			id := d.ID
			cb = func(raw eventsourcing.RawEvent) { onEvent(id, raw) }
		}

		n, err := r.Replay(ctx, d.ID, cb)
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

type watchConfig struct {
	onError func(error) error
}

// WatchOption configures Watch
type WatchOption func(*watchConfig)

// WithErrorHandler sets the callback receiving the error of a failed catch up
// cycle. Returning nil continues watching, a non-nil error stops Watch and is
// returned by it. By default errors are logged and watching continues
func WithErrorHandler(fn func(error) error) WatchOption {
	return func(cfg *watchConfig) {
		cfg.onError = fn
	}
}

// Watch catches up the projection repeatedly, pausing interval between
// cycles, until ctx is cancelled. Cancellation is observed between cycles
// only, a running cycle is always completed. Watch returns nil once cancelled
func (r *Runtime) Watch(
	ctx context.Context,
	projectionID string,
	interval time.Duration,
	onEvent func(eventsourcing.RawEvent),
	opts ...WatchOption) error {

	if _, _, err := r.projection(projectionID); err != nil {
		return err
	}

	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	log := r.log.With(slog.String("projection", projectionID))

	cfg := watchConfig{
		onError: func(err error) error {
			log.Error("watch cycle failed", slog.Any("error", err))

			return nil
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	log.Info("watching projection", slog.Duration("interval", interval))

	cycle := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}

		if ctx.Err() != nil {
			log.Info("stopped watching projection")

			return nil
		}

		if _, err := r.CatchUp(cycle, projectionID, onEvent); err != nil {
			if herr := cfg.onError(err); herr != nil {
				return herr
			}
		}

		timer.Reset(interval)
	}
}
