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

	"github.com/joho/godotenv"

	"github.com/workwithpact/cf-socket-server/api"
	"github.com/workwithpact/cf-socket-server/config"
	"github.com/workwithpact/cf-socket-server/hub"
	"github.com/workwithpact/cf-socket-server/room"
	"github.com/workwithpact/cf-socket-server/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Level())

	db, err := store.Open(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.DatabaseType, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.AdminSecret == "" {
		slog.Warn("ADMIN_SIGNING_KEY is empty, admin elevation is disabled")
	}

	rooms := hub.New(db, room.Options{
		AdminSecret:  cfg.AdminSecret,
		AdminWindow:  cfg.AdminWindow,
		PingInterval: cfg.PingInterval,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.New(rooms, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "store", cfg.DatabaseType)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	rooms.Close()
}

func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
