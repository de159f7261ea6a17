package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/listen"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/playback/wavout"
)

var version = "0.1.0-dev"

// relay-listen plays the relay's stream channel into WAV files. SIGUSR1
// interrupts the current response; SIGINT or SIGTERM exits.
func main() {
	var (
		configPath  string
		serverURL   string
		outputDir   string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults only when empty)")
	flag.StringVar(&serverURL, "url", "", "Stream endpoint, overrides playback.server_url")
	flag.StringVar(&outputDir, "out", "", "Output directory, overrides playback.output_dir")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.Playback.ServerURL = serverURL
	}
	if outputDir != "" {
		cfg.Playback.OutputDir = outputDir
	}

	player := playback.NewPlayer(wavout.Factory(cfg.Playback.OutputDir), playback.Options{
		Warmup:    cfg.Playback.WarmupChunks,
		EndMargin: time.Duration(cfg.Playback.EndMarginMS) * time.Millisecond,
		Logger:    logger,
		OnComplete: func(r playback.Result) {
			logger.Info("playback finished",
				slog.String("response_id", r.ResponseID),
				slog.Bool("interrupted", r.Interrupted),
				slog.Int("scheduled", r.Scheduled),
				slog.Int("skipped", r.Skipped))
		},
	})
	client := listen.New(cfg.Playback.ServerURL, player, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGUSR1)
	defer signal.Stop(interrupts)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-interrupts:
				if err := client.Interrupt(); err != nil {
					logger.Warn("interrupt failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	if err := client.Run(ctx); err != nil {
		logger.Error("listener exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
