package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"position_guard/config"
	"position_guard/logs"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}
	envCfg := config.LoadEnvConfig()

	logFilename := filepath.Join(cfg.Normal.LogDirectory, fmt.Sprintf("%s_%s.log", cfg.Symbol, cfg.Strategy))
	stateFilename := filepath.Join(cfg.Normal.StateDirectory, fmt.Sprintf("%s_%s_state.json", cfg.Symbol, cfg.Strategy))

	logger, err := logs.New(cfg.Logs, os.Stdout, logFilename)
	if err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	logger.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator, err := NewOrchestrator(ctx, cfg, envCfg, stateFilename, logger)
	if err != nil {
		logger.Errorf("Failed to initialize Orchestrator: %v", err)
		return
	}

	// Wait for program termination signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Infof("Received signal %s", sig)
		cancel()
	}()

	if err := orchestrator.Run(ctx); err != nil {
		logger.Errorf("Orchestrator stopped with error: %v", err)
	}
}
