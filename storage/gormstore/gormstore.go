// Package gormstore provides a storage backend that uses sqlite or postgres
// (through gorm) as a backing storage
package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/storage"
)

// Backend is the name the storage is registered under
const Backend = "gorm"

// Options are the registration storage options understood by Factory
type Options struct {
	// Dialect is either sqlite or postgres
	Dialect     string `mapstructure:"dialect"`
	DSN         string `mapstructure:"dsn"`
	BatchSize   int    `mapstructure:"batchSize"`
	AutoMigrate bool   `mapstructure:"autoMigrate"`
}

// Factory constructs a gorm storage from registration options
func Factory(options map[string]any) (eventsourcing.Storage, error) {
	var opts Options

	if err := storage.DecodeOptions(Backend, options, &opts); err != nil {
		return nil, err
	}

	var dbOpt Option

	switch opts.Dialect {
	case "postgres":
		dbOpt = WithPostgresDB(opts.DSN)
	case "sqlite", "":
		dbOpt = WithSQLiteDB(opts.DSN)
	default:
		return nil, eventsourcing.NewConfigurationError(
			"decode gorm storage options", "unsupported dialect %q", opts.Dialect,
		)
	}

	s, err := New(dbOpt, WithBatchSize(opts.BatchSize))
	if err != nil {
		return nil, err
	}

	if opts.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.Setup(ctx); err != nil {
			_ = s.Close()

			return nil, err
		}
	}

	return s, nil
}

// Cfg represents gorm storage configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
	BatchSize   int
	Logger      *slog.Logger
}

// Option represents gorm storage configuration option
type Option func(Cfg) Cfg

// WithPostgresDB configures the storage to use postgres as a backing
// storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB configures the storage to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithBatchSize sets the read batch size (limit) of loaded streams
func WithBatchSize(size int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BatchSize = size

		return cfg
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = log

		return cfg
	}
}

// New opens the database. Call Setup to create the event table
func New(opts ...Option) (*Storage, error) {
	cfg := Cfg{
		Logger: slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, eventsourcing.NewConfigurationError(
			"open gorm storage", "either postgres dsn or sqlite path must be provided",
		)
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(cfg.SQLitePath)
	}

	db, err := gorm.Open(dial, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dial.Name(), err)
	}

	if dial.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}

		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	return &Storage{
		db:        db,
		batchSize: cfg.BatchSize,
		log:       cfg.Logger.With(slog.String("storage", Backend), slog.String("dialect", dial.Name())),
	}, nil
}

// Storage is a gorm backed event log
type Storage struct {
	db        *gorm.DB
	batchSize int
	log       *slog.Logger
}

// DB exposes the underlying connection so that projection positions can
// be kept next to the events
func (s *Storage) DB() *gorm.DB { return s.db }

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	ID                 string `gorm:"unique"`
	Sequence           uint64 `gorm:"autoIncrement;primaryKey"`
	Type               string `gorm:"index"`
	Data               string
	Meta               *string
	CausationEventID   *string
	CorrelationEventID *string
	StreamName         string    `gorm:"index:idx_optimistic_check,unique;index"`
	StreamVersion      int64     `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn         time.Time `gorm:"autoCreateTime"`
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

// Setup creates (or migrates) the event table
func (s *Storage) Setup(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&gormEvent{}); err != nil {
		return fmt.Errorf("migrate event table: %w", err)
	}

	return nil
}

// Commit appends events to a stream. The expected version is checked inside of
// the insert transaction, concurrent writers racing past the check are
// rejected by the (stream, version) unique index
func (s *Storage) Commit(
	ctx context.Context,
	streamName string,
	events []eventsourcing.WritableEvent,
	expected eventsourcing.ExpectedVersion) ([]eventsourcing.RawEvent, error) {

	var saved []gormEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			// serializes writers so that sequence numbers become visible in order
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", commitLockKey).Error; err != nil {
				return err
			}
		}

		var current sql.NullInt64

		if err := tx.Model(&gormEvent{}).
			Select("max(stream_version)").
			Where("stream_name = ?", streamName).
			Row().
			Scan(&current); err != nil {
			return err
		}

		version := int64(-1)
		if current.Valid {
			version = current.Int64
		}

		if err := expected.Check(streamName, version); err != nil {
			return err
		}

		rows, err := s.toRows(streamName, version, events)
		if err != nil {
			return err
		}

		if err := checkIdentifiers(tx, streamName, rows); err != nil {
			return err
		}

		if err := tx.Create(&rows).Error; err != nil {
			return err
		}

		saved = rows

		return nil
	})

	if isDuplicate(err) {
		return nil, &eventsourcing.ConcurrencyError{
			StreamName: streamName,
			Expected:   expected,
			Actual:     -1,
		}
	}

	if err != nil {
		return nil, err
	}

	s.log.Debug(
		"events committed",
		slog.String("stream", streamName),
		slog.Int("events", len(saved)),
		slog.Uint64("last_seq", saved[len(saved)-1].Sequence),
	)

	return decodeRows(saved)
}

var commitLockKey = func() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("eventsourcing.commit"))

	return int64(h.Sum64() >> 1)
}()

// checkIdentifiers rejects identifiers repeated within the commit or already
// stored, so that the unique index on id never surfaces as a version conflict
func checkIdentifiers(tx *gorm.DB, streamName string, rows []gormEvent) error {
	ids := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))

	for _, row := range rows {
		if seen[row.ID] {
			return &eventsourcing.DuplicateEventError{StreamName: streamName, Identifier: row.ID}
		}

		seen[row.ID] = true
		ids = append(ids, row.ID)
	}

	var stored []string

	if err := tx.Model(&gormEvent{}).
		Where("id IN ?", ids).
		Limit(1).
		Pluck("id", &stored).Error; err != nil {
		return err
	}

	if len(stored) > 0 {
		return &eventsourcing.DuplicateEventError{StreamName: streamName, Identifier: stored[0]}
	}

	return nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}

	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (s *Storage) toRows(streamName string, version int64, events []eventsourcing.WritableEvent) ([]gormEvent, error) {
	rows := make([]gormEvent, len(events))
	now := time.Now().UTC()

	for i, evt := range events {
		version++

		row := gormEvent{
			ID:            evt.Identifier,
			Type:          evt.Type,
			Data:          string(evt.Payload),
			StreamName:    streamName,
			StreamVersion: version,
			OccurredOn:    now,
		}

		if id := evt.Metadata.CorrelationID(); id != "" {
			row.CorrelationEventID = &id
		}

		if id := evt.Metadata.CausationID(); id != "" {
			row.CausationEventID = &id
		}

		if len(evt.Metadata) > 0 {
			m, err := json.Marshal(evt.Metadata)
			if err != nil {
				return nil, err
			}

			ms := string(m)

			row.Meta = &ms
		}

		if row.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}

			row.ID = id.String()
		}

		rows[i] = row
	}

	return rows, nil
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

	var rows []gormEvent

	q := s.db.WithContext(ctx).Where("sequence >= ?", fromSeq)

	if name := filter.StreamName(); name != "" {
		q = q.Where("stream_name = ?", name)
	}

	if types := filter.EventTypes(); len(types) > 0 {
		q = q.Where("type IN ?", types)
	}

	if err := q.
		Order(clause.OrderByColumn{Column: clause.Column{Name: "sequence"}}).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	return decodeRows(rows)
}

func decodeRows(rows []gormEvent) ([]eventsourcing.RawEvent, error) {
	out := make([]eventsourcing.RawEvent, len(rows))

	for i, row := range rows {
		var meta eventsourcing.Metadata

		if row.Meta != nil {
			if err := json.Unmarshal([]byte(*row.Meta), &meta); err != nil {
				return nil, fmt.Errorf("decode meta of event %d: %w", row.Sequence, err)
			}
		}

		out[i] = eventsourcing.RawEvent{
			SequenceNumber: row.Sequence,
			Type:           row.Type,
			Payload:        json.RawMessage(row.Data),
			Metadata:       meta,
			StreamName:     row.StreamName,
			Version:        row.StreamVersion,
			Identifier:     row.ID,
			RecordedAt:     row.OccurredOn,
		}
	}

	return out, nil
}

// Status pings the database and counts the stored events
func (s *Storage) Status(ctx context.Context) (eventsourcing.Status, error) {
	status := eventsourcing.Status{
		Backend: Backend + "/" + s.db.Dialector.Name(),
		Details: map[string]string{},
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return status, err
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		status.Details["error"] = err.Error()

		return status, nil
	}

	var count int64

	if err := s.db.WithContext(ctx).Model(&gormEvent{}).Count(&count).Error; err != nil {
		status.Details["error"] = err.Error()

		return status, nil
	}

	status.Healthy = true
	status.Events = uint64(count)
	status.Details["open_connections"] = strconv.Itoa(sqlDB.Stats().OpenConnections)

	return status, nil
}
