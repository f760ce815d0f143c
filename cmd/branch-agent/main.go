package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chaincore/internal/agent"
	"chaincore/internal/config"
	"chaincore/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/agent.yaml"
	}
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ac := cfg.Agent

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := baseLogger.With().Str("component", "branch-agent").Int64("branch_id", ac.BranchID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.NewCenterClient(ac.CenterURL, ac.BranchID, ac.APIKey, ac.APIExtra, 10*time.Second)
	a := agent.New(client, time.Duration(ac.IntervalSeconds)*time.Second, &logger)

	maintenance := make(chan os.Signal, 1)
	signal.Notify(maintenance, syscall.SIGUSR1)
	defer signal.Stop(maintenance)
	go func() {
		on := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-maintenance:
				on = !on
				a.SetMaintenance(on)
				logger.Info().Bool("maintenance", on).Msg("maintenance mode toggled")
			}
		}
	}()

	logger.Info().Str("center", ac.CenterURL).Int("interval_seconds", ac.IntervalSeconds).Msg("branch agent started")
	a.Run(ctx)
	logger.Info().Msg("branch agent stopped")
	return nil
}
