package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"geminigate-go/internal/config"
	"geminigate-go/internal/logging"
	"geminigate-go/internal/server"
	"geminigate-go/internal/store"

	log "github.com/sirupsen/logrus"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory for persisted state")
	flag.Parse()

	files, err := store.New(*dataDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to prepare data directory")
	}
	cfg, err := config.Load(files)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	logs := store.NewLogBuffer(files)
	log.AddHook(logging.NewStoreHook(logs))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := server.New(ctx, cfg, files, logs)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize gateway")
	}
	if err := gw.Run(ctx); err != nil {
		log.WithError(err).Fatal("Gateway exited with error")
	}
	log.Info("Gateway shut down")
}
