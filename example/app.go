// Package example wires an account aggregate and a balances projection on
// top of the event stores described by a configuration file
package example

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/aggregate"
	"github.com/aneshas/eventsourcing/config"
	"github.com/aneshas/eventsourcing/example/account"
	"github.com/aneshas/eventsourcing/listener"
	"github.com/aneshas/eventsourcing/projection"
	"github.com/aneshas/eventsourcing/storage/gormstore"
	"github.com/aneshas/eventsourcing/storage/memory"
	"github.com/aneshas/eventsourcing/storage/pgstore"
)

// App holds the wired components
type App struct {
	Encoder  *eventsourcing.JSONEncoder
	Manager  *eventsourcing.Manager
	Accounts *aggregate.Store[*account.Account]
	Balances *Balances
	Runtime  *projection.Runtime
	Registry *prometheus.Registry
	Log      *slog.Logger
}

// NewApp wires the example application
func NewApp(ctx context.Context, cfg *config.Config, settings config.Settings, log *slog.Logger) (*App, error) {
	enc := eventsourcing.NewJSONEncoder()

	if err := enc.Register(account.BoundedContext, account.Events()...); err != nil {
		return nil, err
	}

	cfg.DefaultBatchSize(settings.BatchSize)

	manager, err := cfg.NewManager(
		eventsourcing.WithLogger(log),
		eventsourcing.WithStorageFactory(memory.Backend, memory.Factory),
		eventsourcing.WithStorageFactory(gormstore.Backend, gormstore.Factory),
		eventsourcing.WithStorageFactory(pgstore.Backend, pgstore.Factory),
	)
	if err != nil {
		return nil, err
	}

	balances := NewBalances()

	catalog, err := listener.Discover(enc, balances)
	if err != nil {
		return nil, err
	}

	mappings, err := cfg.NewMappingProvider(catalog)
	if err != nil {
		return nil, err
	}

	positions, err := positionStore(ctx, manager, mappings, balances.ListenerID())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()

	runtime := projection.NewRuntime(
		manager,
		mappings,
		enc,
		projection.WithLogger(log),
		projection.WithMetrics(projection.NewPrometheusMetrics(reg)),
		projection.WithPositionStore(positions),
	)

	return &App{
		Encoder:  enc,
		Manager:  manager,
		Accounts: aggregate.NewStore[*account.Account](account.BoundedContext, "Account", manager, enc),
		Balances: balances,
		Runtime:  runtime,
		Registry: reg,
		Log:      log,
	}, nil
}

// positions are kept next to the events when the projection reads from a
// gorm backed store
func positionStore(
	ctx context.Context,
	manager *eventsourcing.Manager,
	mappings *listener.MappingProvider,
	listenerID string) (projection.PositionStore, error) {

	storeID, err := mappings.StoreForListener(listenerID)
	if err != nil {
		return nil, err
	}

	es, err := manager.Store(storeID)
	if err != nil {
		return nil, err
	}

	gs, ok := es.Storage().(*gormstore.Storage)
	if !ok {
		return projection.NewMemoryPositions(), nil
	}

	positions := projection.NewGormPositions(gs.DB())

	if err := positions.Setup(ctx); err != nil {
		return nil, fmt.Errorf("setup projection positions: %w", err)
	}

	return positions, nil
}

// Close releases the event stores
func (a *App) Close() error {
	return a.Manager.Close()
}
