package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imageforge/internal/api"
	"imageforge/internal/bootstrap"
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

	rt, err := bootstrap.New(ctx, "api")
	if err != nil {
		log.Fatalf("api startup: %v", err)
	}
	defer rt.Close()

	server := api.New(rt.Cfg, rt.Store, rt.Queue, rt.Limiter, rt.Storage, rt.Notifier, rt.Log)
	httpServer := &http.Server{
		Addr:    ":" + rt.Cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		rt.Log.Info().Str("port", rt.Cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.Log.Fatal().Err(err).Msg("http listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rt.Log.Warn().Err(err).Msg("http shutdown")
	}
	rt.Log.Info().Msg("api stopped")
}
