// Package memory provides a volatile storage backend for tests and development
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/storage"
)

// Backend is the name the storage is registered under
const Backend = "memory"

// Options configures the memory storage
type Options struct {
	BatchSize int `mapstructure:"batchSize"`
}

// Factory constructs a memory storage from registration options
func Factory(options map[string]any) (eventsourcing.Storage, error) {
	var opts Options

	if err := storage.DecodeOptions(Backend, options, &opts); err != nil {
		return nil, err
	}

	return New(WithBatchSize(opts.BatchSize)), nil
}

// Option configures the memory storage
type Option func(*Storage)

// WithBatchSize sets the number of events fetched per batch by loaded streams
func WithBatchSize(n int) Option {
	return func(s *Storage) {
		s.batchSize = n
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(s *Storage) {
		s.log = log
	}
}

// New constructs an empty memory storage
func New(opts ...Option) *Storage {
	s := Storage{
		log:      slog.Default(),
		versions: map[string]int64{},
		ids:      map[string]bool{},
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(&s)
	}

	s.log = s.log.With(slog.String("storage", Backend))

	return &s
}

// Storage is a mutex guarded, append-only event log
type Storage struct {
	mu        sync.RWMutex
	log       *slog.Logger
	seq       atomic.Uint64
	events    []eventsourcing.RawEvent
	versions  map[string]int64
	ids       map[string]bool
	batchSize int
	now       func() time.Time
}

// Load returns a lazy stream of the events matching the filter
func (s *Storage) Load(_ context.Context, filter eventsourcing.StreamFilter) (*eventsourcing.EventStream, error) {
	fetch := func(_ context.Context, fromSeq uint64, limit int) ([]eventsourcing.RawEvent, error) {
		return s.fetch(filter, fromSeq, limit), nil
	}

	return eventsourcing.NewEventStream(fetch, filter.MinimumSequenceNumber(), s.batchSize), nil
}

// LoadOne returns the first event matching the filter
func (s *Storage) LoadOne(_ context.Context, filter eventsourcing.StreamFilter) (eventsourcing.RawEvent, error) {
	evts := s.fetch(filter, filter.MinimumSequenceNumber(), 1)
	if len(evts) == 0 {
		return eventsourcing.RawEvent{}, eventsourcing.ErrEventNotFound
	}

	return evts[0], nil
}

func (s *Storage) fetch(filter eventsourcing.StreamFilter, fromSeq uint64, limit int) []eventsourcing.RawEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].SequenceNumber >= fromSeq
	})

	var out []eventsourcing.RawEvent

	for _, evt := range s.events[start:] {
		if len(out) == limit {
			break
		}

		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}

	return out
}

// Commit appends events to a stream after checking the expected version
func (s *Storage) Commit(
	_ context.Context,
	streamName string,
	events []eventsourcing.WritableEvent,
	expected eventsourcing.ExpectedVersion) ([]eventsourcing.RawEvent, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[streamName]
	if !ok {
		current = -1
	}

	if err := expected.Check(streamName, current); err != nil {
		return nil, err
	}

	ids := make([]string, len(events))
	seen := make(map[string]bool, len(events))

	for i, evt := range events {
		id := evt.Identifier
		if id == "" {
			id = gonanoid.Must()
		}

		if seen[id] || s.ids[id] {
			return nil, &eventsourcing.DuplicateEventError{StreamName: streamName, Identifier: id}
		}

		seen[id] = true
		ids[i] = id
	}

	now := s.now().UTC()
	committed := make([]eventsourcing.RawEvent, 0, len(events))

	for i, evt := range events {
		id := ids[i]

		committed = append(committed, eventsourcing.RawEvent{
			SequenceNumber: s.seq.Add(1),
			Type:           evt.Type,
			Payload:        evt.Payload,
			Metadata:       evt.Metadata,
			StreamName:     streamName,
			Version:        current + int64(i) + 1,
			Identifier:     id,
			RecordedAt:     now,
		})
	}

	s.events = append(s.events, committed...)

	for _, id := range ids {
		s.ids[id] = true
	}
	s.versions[streamName] = committed[len(committed)-1].Version

	s.log.Debug(
		"events committed",
		slog.String("stream", streamName),
		slog.Int("events", len(committed)),
		slog.Uint64("last_seq", committed[len(committed)-1].SequenceNumber),
	)

	return committed, nil
}

// Status reports the number of stored events
func (s *Storage) Status(_ context.Context) (eventsourcing.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return eventsourcing.Status{
		Backend: Backend,
		Healthy: true,
		Events:  uint64(len(s.events)),
		Details: map[string]string{
			"streams": strconv.Itoa(len(s.versions)),
		},
	}, nil
}

// Setup is a no-op
func (s *Storage) Setup(_ context.Context) error { return nil }
