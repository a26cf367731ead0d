package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"imageforge/internal/bootstrap"
	"imageforge/internal/telemetry"
	"imageforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rt, err := bootstrap.New(ctx, "worker")
	if err != nil {
		log.Fatalf("worker startup: %v", err)
	}
	defer rt.Close()

	go func() {
		if err := http.ListenAndServe(rt.Cfg.MetricsAddr, telemetry.Handler()); err != nil {
			rt.Log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	processor := worker.NewProcessor(rt.Cfg, rt.Store, rt.Storage, rt.Notifier, rt.Provider, rt.Log)
	runner := worker.NewRunner(rt.Cfg, rt.Queue, processor, rt.Log)

	rt.Log.Info().
		Int("concurrency", rt.Cfg.WorkerConcurrency).
		Dur("visibility_timeout", rt.Cfg.VisibilityTimeout).
		Msg("worker started")
	runner.Run(ctx)
	rt.Log.Info().Msg("worker stopped")
}
