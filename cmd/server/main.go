package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/martinnss/spik-conversation-service/internal/audio"
	"github.com/martinnss/spik-conversation-service/internal/config"
	"github.com/martinnss/spik-conversation-service/internal/media"
	"github.com/martinnss/spik-conversation-service/internal/metrics"
	"github.com/martinnss/spik-conversation-service/internal/server"
	"github.com/martinnss/spik-conversation-service/internal/session"
	"github.com/martinnss/spik-conversation-service/internal/signaling"
	"github.com/martinnss/spik-conversation-service/internal/transcript"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "spik-conversation-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Local development overrides; a missing .env file is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("backend_base_url", cfg.Backend.BaseURL),
		slog.String("signaling_url", cfg.Realtime.SignalingURL),
		slog.String("stun_server", cfg.Realtime.STUNServer),
		slog.Int("udp_port", cfg.Audio.UDPPort),
		slog.String("bind_address", cfg.Audio.BindAddress),
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	signaler := signaling.NewClient(signaling.Config{
		BackendBaseURL: cfg.Backend.BaseURL,
		RealtimeURL:    cfg.Realtime.SignalingURL,
		Timeout:        cfg.Backend.GetTimeoutDuration(),
	}, logger)

	mediaFactory := func(cb media.Callbacks) (session.MediaSession, error) {
		return media.NewSession(media.Config{
			STUNServer: cfg.Realtime.STUNServer,
		}, cb, logger)
	}

	hub := server.NewHub()
	observers := session.Observers{
		OnStateChange: func(state session.State) {
			hub.Broadcast(map[string]any{"type": "state", "state": state})
		},
		OnTranscript: func(entries []transcript.Entry) {
			hub.Broadcast(map[string]any{"type": "transcript", "entries": entries})
		},
		OnError: func(message string) {
			hub.Broadcast(map[string]any{"type": "error", "message": message})
		},
		OnMute: func(muted bool) {
			hub.Broadcast(map[string]any{"type": "mute", "muted": muted})
		},
	}

	controller := session.NewController(signaler, mediaFactory, session.Options{
		ConnectTimeout:     cfg.Realtime.GetConnectTimeoutDuration(),
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		Language:           cfg.Realtime.Language,
	}, observers, appMetrics, logger)
	logger.Info("Session controller initialized")

	micSource := audio.NewSource(&cfg.Audio, controller, appMetrics, logger)
	if err := micSource.Start(); err != nil {
		logger.Error("Failed to start microphone ingest", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := server.NewRouter(controller, hub, appMetrics, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server starting", slog.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := micSource.Stop(); err != nil {
		logger.Error("Error stopping microphone ingest", slog.String("error", err.Error()))
	}

	controller.Stop()

	stats := micSource.GetStatistics()
	logger.Info("Final ingest statistics",
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_forwarded", stats.FramesForwarded),
		slog.Uint64("frames_muted", stats.FramesMuted),
		slog.Uint64("write_errors", stats.WriteErrors),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
