package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/spotty-im/spotty/internal/config"
	"github.com/spotty-im/spotty/internal/event"
	"github.com/spotty-im/spotty/internal/gateway"
	"github.com/spotty-im/spotty/internal/server"
	"github.com/spotty-im/spotty/internal/telemetry"
	"github.com/spotty-im/spotty/internal/vkapi"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("spotty-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Communities) == 0 {
		log.Fatal("No communities configured")
	}

	clientOpts, err := clientOptions(cfg.API, logger)
	if err != nil {
		log.Fatalf("Invalid API config: %v", err)
	}

	communities := make([]gateway.Community, len(cfg.Communities))
	for i, c := range cfg.Communities {
		communities[i] = gateway.Community{
			ID:               c.ID,
			AccessToken:      c.AccessToken,
			ConfirmationCode: c.ConfirmationCode,
			SecretKey:        c.SecretKey,
		}
	}

	gw := gateway.New(communities,
		gateway.WithLogger(logger),
		gateway.WithClientOptions(clientOpts...),
	)
	defer gw.Close()

	gw.On(event.TypeMessageNew, func(ctx context.Context, ev event.Event) {
		msg, ok := ev.(*event.Message)
		if !ok {
			return
		}
		logger.Info("message received",
			slog.Int64("user_id", msg.UserID),
			slog.String("body", msg.Body),
		)
	})

	srv := server.New(cfg.Server.Port, logger)
	srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv.Router.HandleFunc("/*", gw.HandleCallback)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("gateway shutdown complete")
}

// clientOptions translates the API config into vkapi client options.
func clientOptions(cfg config.APIConfig, logger *slog.Logger) ([]vkapi.ClientOption, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	flush, err := cfg.FlushIntervalDuration()
	if err != nil {
		return nil, err
	}
	return []vkapi.ClientOption{
		vkapi.WithBaseURL(cfg.BaseURL),
		vkapi.WithVersion(cfg.Version),
		vkapi.WithHTTPClient(&http.Client{Timeout: timeout}),
		vkapi.WithFlushInterval(flush),
		vkapi.WithBatchLimit(cfg.BatchLimit),
		vkapi.WithMaxAttempts(cfg.Retries),
		vkapi.WithLogger(logger),
	}, nil
}
