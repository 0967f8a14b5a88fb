package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/app"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	agent := cfg.DefaultAgentID
	if agent == "" {
		agent = "(per call)"
	}
	banner.Print("Voice Bridge", []banner.ConfigLine{
		{Label: "Control API", Value: fmt.Sprintf("%s:%d", cfg.APIBindAddr, cfg.APIPort)},
		{Label: "Audio sockets", Value: fmt.Sprintf("%s ports %d-%d", cfg.AudioBindAddr, cfg.PortMin, cfg.PortMax)},
		{Label: "Advertised host", Value: cfg.AudioHost},
		{Label: "Default agent", Value: agent},
		{Label: "PBX manager", Value: fmt.Sprintf("%s:%d", cfg.AMIHost, cfg.AMIPort)},
		{Label: "Health", Value: fmt.Sprintf(":%d", cfg.HealthPort)},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	vb, err := app.NewServer(startCtx, cfg)
	cancelStart()
	if err != nil {
		slog.Error("Failed to create voice bridge", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vb.Start(ctx); err != nil {
		slog.Error("Failed to start voice bridge", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	// Forced exit if cleanup hangs
	time.AfterFunc(cfg.ShutdownTimeout+time.Second, func() {
		slog.Error("Shutdown timed out, forcing exit")
		os.Exit(1)
	})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	vb.Shutdown(shutdownCtx)
	cancel()
}
