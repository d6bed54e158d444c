package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/config"
	"github.com/aneshas/eventsourcing/example"
)

// Rebuilds the projections which hold no state yet and keeps every
// projection up to date, printing the applied events to the console
func main() {
	settings, err := config.LoadSettings()
	checkErr(err)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.LogLevel}))

	cfg, err := config.Load(settings.ConfigPath)
	checkErr(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := example.NewApp(ctx, cfg, settings, log)
	checkErr(err)

	defer app.Close()

	for _, d := range app.Runtime.List() {
		fmt.Printf("projection %s <- %s %v\n", d.ID, d.StoreID, d.EventTypes)
	}

	n, err := app.Runtime.ReplayAll(ctx, true, func(id string, raw eventsourcing.RawEvent) {
		fmt.Printf("replayed | %s | #%d %s\n", id, raw.SequenceNumber, raw.Type)
	})
	checkErr(err)

	log.Info("replayed empty projections", slog.Int("events", n))

	err = app.Runtime.Watch(ctx, app.Balances.ListenerID(), settings.WatchInterval, func(raw eventsourcing.RawEvent) {
		fmt.Printf("applied | #%d %s (%s)\n", raw.SequenceNumber, raw.Type, raw.StreamName)

		for _, b := range app.Balances.All() {
			fmt.Printf("  account #%s | holder <%s> | balance %d\n", b.AccountID, b.Holder, b.Amount)
		}
	})
	checkErr(err)
}

func checkErr(err error) {
	if err != nil {
		slog.Error("example projections", slog.Any("error", err))
		os.Exit(1)
	}
}
