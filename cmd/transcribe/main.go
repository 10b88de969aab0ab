package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mockmate/audio-gateway/internal/config"
	"github.com/mockmate/audio-gateway/internal/device"
	"github.com/mockmate/audio-gateway/internal/observability"
	"github.com/mockmate/audio-gateway/internal/session"
	"github.com/mockmate/audio-gateway/internal/stt"
	"github.com/mockmate/audio-gateway/internal/transcription"
)

func main() {
	source := flag.String("source", "microphone", "audio source to transcribe: microphone, system or both")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("source", *source).
		Str("model", cfg.DeepgramModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Audio gateway starting")

	devices, err := device.NewContext(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize audio backend")
	}
	defer devices.Close()

	if *listDevices {
		infos, err := devices.Devices()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to enumerate capture devices")
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s\n", info.ID, info.Name)
		}
		return
	}

	// Observability endpoints
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", observability.HealthCheckHandler())
		server := &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.MetricsPort),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("port", cfg.MetricsPort).Msg("Prometheus metrics enabled at /metrics")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	provider := stt.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramURL, logger)
	svc := transcription.NewService(cfg, devices, provider)

	ctx := context.Background()
	switch *source {
	case "microphone":
		err = svc.StartMicrophone(ctx)
	case "system":
		err = svc.StartSystemAudio(ctx)
	case "both":
		if err = svc.StartMicrophone(ctx); err == nil {
			err = svc.StartSystemAudio(ctx)
		}
	default:
		logger.Fatal().Str("source", *source).Msg("Unknown source, want microphone, system or both")
	}
	if err != nil {
		svc.Stop()
		logger.Fatal().Err(err).Msg("Failed to start transcription")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Msg("Transcribing, press Ctrl-C to stop")

	for {
		select {
		case ev := <-svc.Events():
			printEvent(ev)
		case <-quit:
			logger.Info().Msg("Shutting down...")
			svc.Stop()

			stats := svc.HistoryStats()
			logger.Info().
				Int("utterances", stats.Utterances).
				Int("words", stats.Words).
				Msg("Transcription stopped")
			if text := svc.HistoryText(); text != "" {
				fmt.Println(text)
			}
			return
		}
	}
}

func printEvent(ev session.Event) {
	switch ev.Type {
	case session.Interim:
		fmt.Printf("\r[%s] %s", ev.Source, ev.Text)
	case session.Final:
		fmt.Printf("\r[%s] %s\n", ev.Source, ev.Text)
	case session.Degraded:
		fmt.Fprintf(os.Stderr, "warning: %s audio is dropping frames, transcript may be incomplete\n", ev.Source)
	case session.Error:
		fmt.Fprintf(os.Stderr, "error: %s transcription failed: %v\n", ev.Source, ev.Err)
	}
}
