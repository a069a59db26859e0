// Package main is the API server entry point.
// Loads configuration, wires the application and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/app"
	"evbackend.in/core/internal/config"
)

func main() {
	setupLogging()

	log.Info("=== Server starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := log.ParseLevel(cfg.AppLogLevel)
	if err == nil {
		log.SetLevel(level)
	}
	if cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	}

	// Cancelled on SIGINT/SIGTERM; every component shuts down from it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize application")
	}
	defer application.DB.Close()

	log.WithField("env", cfg.AppEnv).Info("=== Server ready ===")

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}

	log.Info("=== Server stopped ===")
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
}
