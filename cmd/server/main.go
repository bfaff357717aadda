package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/logging"
	"github.com/framelink/framelink/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	port := flag.String("port", "", "Override server port")
	flag.Parse()

	cfg := loadConfig(*configPath)
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv := server.NewServer(cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutting down")
		if err := srv.Close(); err != nil {
			logger.Warn("shutdown error: " + err.Error())
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.LoadOrDefault()
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", path, err)
	}
	return cfg
}
