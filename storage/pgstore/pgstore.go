// Package pgstore provides a postgres storage backend on top of a pgx
// connection pool
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/storage"
)

const (
	// Backend is the name the storage is registered under
	Backend = "postgres"

	// DefaultTable is the name of the event table unless configured otherwise
	DefaultTable = "events"

	uniqueViolation = "23505"

	// commitLock is the advisory lock key serializing commits, sequence numbers
	// must become visible in order for readers paging by sequence number
	commitLock = 7_405_112_633
)

// Options are the registration storage options understood by Factory
type Options struct {
	DSN         string        `mapstructure:"dsn"`
	Table       string        `mapstructure:"table"`
	BatchSize   int           `mapstructure:"batchSize"`
	MaxConns    int32         `mapstructure:"maxConns"`
	AutoMigrate bool          `mapstructure:"autoMigrate"`
	Timeout     time.Duration `mapstructure:"connectTimeout"`
}

// Factory constructs a postgres storage from registration options
func Factory(options map[string]any) (eventsourcing.Storage, error) {
	opts := Options{
		Table:   DefaultTable,
		Timeout: 10 * time.Second,
	}

	if err := storage.DecodeOptions(Backend, options, &opts); err != nil {
		return nil, err
	}

	if opts.DSN == "" {
		return nil, eventsourcing.NewConfigurationError("decode postgres storage options", "dsn must be provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, &eventsourcing.ConfigurationError{Op: "parse postgres dsn", Err: err}
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := New(pool, WithTable(opts.Table), WithBatchSize(opts.BatchSize))
	s.ownsPool = true

	if opts.AutoMigrate {
		if err := s.Setup(ctx); err != nil {
			pool.Close()

			return nil, err
		}
	}

	return s, nil
}

// Option configures the postgres storage
type Option func(*Storage)

// WithTable sets the event table name
func WithTable(name string) Option {
	return func(s *Storage) {
		if name != "" {
			s.table = name
		}
	}
}

// WithBatchSize sets the read batch size (limit) of loaded streams
func WithBatchSize(size int) Option {
	return func(s *Storage) {
		s.batchSize = size
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(s *Storage) {
		s.log = log
	}
}

// New constructs a postgres storage using the given pool. The pool is not
// closed by Close unless the storage was created by Factory
func New(pool *pgxpool.Pool, opts ...Option) *Storage {
	s := Storage{
		pool:  pool,
		table: DefaultTable,
		log:   slog.Default(),
	}

	for _, opt := range opts {
		opt(&s)
	}

	s.log = s.log.With(slog.String("storage", Backend), slog.String("table", s.table))
	s.ident = pgx.Identifier{s.table}.Sanitize()

	return &s
}

// Storage is a postgres backed event log
type Storage struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	table     string
	ident     string
	batchSize int
	log       *slog.Logger
}

// Close closes the pool if the storage owns it
func (s *Storage) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}

	return nil
}

// Setup creates the event table and its indexes
func (s *Storage) Setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	sequence_number BIGSERIAL PRIMARY KEY,
	identifier      TEXT        NOT NULL CONSTRAINT %[4]s UNIQUE,
	stream_name     TEXT        NOT NULL,
	version         BIGINT      NOT NULL,
	type            TEXT        NOT NULL,
	payload         JSONB       NOT NULL,
	metadata        JSONB       NOT NULL DEFAULT '{}',
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT %[3]s UNIQUE (stream_name, version)
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (type, sequence_number);
`, s.ident, pgx.Identifier{s.table + "_type_idx"}.Sanitize(),
		pgx.Identifier{s.versionConstraint()}.Sanitize(),
		pgx.Identifier{s.identifierConstraint()}.Sanitize())

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create event table %s: %w", s.ident, err)
	}

	return nil
}

// Commit appends events to a stream inside of a single transaction
func (s *Storage) Commit(
	ctx context.Context,
	streamName string,
	events []eventsourcing.WritableEvent,
	expected eventsourcing.ExpectedVersion) ([]eventsourcing.RawEvent, error) {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(commitLock)); err != nil {
		return nil, fmt.Errorf("acquire commit lock: %w", err)
	}

	var current *int64

	if err := tx.QueryRow(
		ctx,
		"SELECT max(version) FROM "+s.ident+" WHERE stream_name = $1",
		streamName,
	).Scan(&current); err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}

	version := int64(-1)
	if current != nil {
		version = *current
	}

	if err := expected.Check(streamName, version); err != nil {
		return nil, err
	}

	committed := make([]eventsourcing.RawEvent, len(events))
	batch := &pgx.Batch{}

	for i, evt := range events {
		version++

		raw, meta, payload, err := toRow(streamName, version, evt)
		if err != nil {
			return nil, err
		}

		committed[i] = raw

		batch.Queue(
			"INSERT INTO "+s.ident+" (identifier, stream_name, version, type, payload, metadata) "+
				"VALUES ($1, $2, $3, $4, $5, $6) RETURNING sequence_number, recorded_at",
			raw.Identifier, raw.StreamName, raw.Version, raw.Type, payload, meta,
		)
	}

	br := tx.SendBatch(ctx, batch)

	for i := range committed {
		var seq int64

		if err := br.QueryRow().Scan(&seq, &committed[i].RecordedAt); err != nil {
			_ = br.Close()

			return nil, s.mapErr(streamName, expected, err)
		}

		committed[i].SequenceNumber = uint64(seq)
	}

	if err := br.Close(); err != nil {
		return nil, s.mapErr(streamName, expected, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, s.mapErr(streamName, expected, err)
	}

	s.log.Debug(
		"events committed",
		slog.String("stream", streamName),
		slog.Int("events", len(committed)),
		slog.Uint64("last_seq", committed[len(committed)-1].SequenceNumber),
	)

	return committed, nil
}

func (s *Storage) mapErr(streamName string, expected eventsourcing.ExpectedVersion, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return fmt.Errorf("commit to %q: %w", streamName, err)
	}

	if pgErr.ConstraintName == s.versionConstraint() {
		return &eventsourcing.ConcurrencyError{
			StreamName: streamName,
			Expected:   expected,
			Actual:     -1,
		}
	}

	if pgErr.ConstraintName == s.identifierConstraint() {
		return &eventsourcing.DuplicateEventError{StreamName: streamName}
	}

	return fmt.Errorf("commit to %q: %w", streamName, err)
}

// versionConstraint names the unique (stream_name, version) constraint
func (s *Storage) versionConstraint() string {
	return s.table + "_stream_version_key"
}

func (s *Storage) identifierConstraint() string {
	return s.table + "_identifier_key"
}

func toRow(streamName string, version int64, evt eventsourcing.WritableEvent) (eventsourcing.RawEvent, []byte, []byte, error) {
	id := evt.Identifier
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return eventsourcing.RawEvent{}, nil, nil, err
		}

		id = v7.String()
	}

	meta := evt.Metadata
	if meta == nil {
		meta = eventsourcing.Metadata{}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eventsourcing.RawEvent{}, nil, nil, err
	}

	payload := []byte(evt.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	return eventsourcing.RawEvent{
		Type:       evt.Type,
		Payload:    evt.Payload,
		Metadata:   evt.Metadata,
		StreamName: streamName,
		Version:    version,
		Identifier: id,
	}, metaJSON, payload, nil
}

// Load returns a lazy stream of the events matching the filter
func (s *Storage) Load(_ context.Context, filter eventsourcing.StreamFilter) (*eventsourcing.EventStream, error) {
	fetch := func(ctx context.Context, fromSeq uint64, limit int) ([]eventsourcing.RawEvent, error) {
		return s.fetch(ctx, filter, fromSeq, limit)
	}

	return eventsourcing.NewEventStream(fetch, filter.MinimumSequenceNumber(), s.batchSize), nil
}

// LoadOne returns the first event matching the filter
func (s *Storage) LoadOne(ctx context.Context, filter eventsourcing.StreamFilter) (eventsourcing.RawEvent, error) {
	evts, err := s.fetch(ctx, filter, filter.MinimumSequenceNumber(), 1)
	if err != nil {
		return eventsourcing.RawEvent{}, err
	}

	if len(evts) == 0 {
		return eventsourcing.RawEvent{}, eventsourcing.ErrEventNotFound
	}

	return evts[0], nil
}

func (s *Storage) fetch(
	ctx context.Context,
	filter eventsourcing.StreamFilter,
	fromSeq uint64,
	limit int) ([]eventsourcing.RawEvent, error) {

	var (
		where = []string{"sequence_number >= $1"}
		args  = []any{int64(fromSeq)}
	)

	if name := filter.StreamName(); name != "" {
		args = append(args, name)
		where = append(where, "stream_name = $"+strconv.Itoa(len(args)))
	}

	if types := filter.EventTypes(); len(types) > 0 {
		args = append(args, types)
		where = append(where, "type = ANY($"+strconv.Itoa(len(args))+")")
	}

	args = append(args, limit)

	query := "SELECT sequence_number, identifier, stream_name, version, type, payload, metadata, recorded_at FROM " +
		s.ident + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY sequence_number LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []eventsourcing.RawEvent

	for rows.Next() {
		var (
			evt     eventsourcing.RawEvent
			seq     int64
			payload []byte
			meta    []byte
		)

		if err := rows.Scan(
			&seq, &evt.Identifier, &evt.StreamName, &evt.Version, &evt.Type, &payload, &meta, &evt.RecordedAt,
		); err != nil {
			return nil, err
		}

		evt.SequenceNumber = uint64(seq)
		evt.Payload = payload

		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("decode meta of event %d: %w", seq, err)
			}
		}

		if len(evt.Metadata) == 0 {
			evt.Metadata = nil
		}

		out = append(out, evt)
	}

	return out, rows.Err()
}

// Status pings the database and counts the stored events
func (s *Storage) Status(ctx context.Context) (eventsourcing.Status, error) {
	status := eventsourcing.Status{
		Backend: Backend,
		Details: map[string]string{"table": s.table},
	}

	if err := s.pool.Ping(ctx); err != nil {
		status.Details["error"] = err.Error()

		return status, nil
	}

	var count int64

	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+s.ident).Scan(&count); err != nil {
		status.Details["error"] = err.Error()

		return status, nil
	}

	stat := s.pool.Stat()

	status.Healthy = true
	status.Events = uint64(count)
	status.Details["total_conns"] = strconv.Itoa(int(stat.TotalConns()))
	status.Details["idle_conns"] = strconv.Itoa(int(stat.IdleConns()))

	return status, nil
}
