package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aneshas/eventsourcing/config"
	"github.com/aneshas/eventsourcing/example"
)

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

	_, err = app.Runtime.ReplayAll(ctx, true, nil)
	checkErr(err)

	go func() {
		err := app.Runtime.Watch(ctx, app.Balances.ListenerID(), settings.WatchInterval, nil)
		if err != nil {
			log.Error("balances projection stopped", slog.Any("error", err))
		}
	}()

	mux := http.NewServeMux()

	mux.Handle("POST /accounts", example.NewOpenAccountHandlerFunc(app.Accounts))
	mux.Handle("POST /accounts/{id}/deposits", example.NewDepositHandlerFunc(app.Accounts))
	mux.Handle("GET /balances", example.NewBalancesHandlerFunc(app.Balances))
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", slog.String("addr", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", slog.Any("error", err))
	}
}

func checkErr(err error) {
	if err != nil {
		slog.Error("example api", slog.Any("error", err))
		os.Exit(1)
	}
}
