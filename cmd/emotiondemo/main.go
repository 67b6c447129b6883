package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"emotiondemo/internal/announce"
	"emotiondemo/internal/config"
	"emotiondemo/internal/emotion"
	"emotiondemo/internal/recording"
	"emotiondemo/internal/server"
	"emotiondemo/internal/session"
)

func main() {
	var cfgPath string

	flag.StringVar(&cfgPath, "config", "config.yaml", "Path to config YAML")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Logger = logger

	// Context / shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(server.Config{
		Bind:              cfg.Server.Bind,
		Port:              cfg.Server.Port,
		AudioDir:          cfg.Cache.AudioDir,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.ToDuration(),
		UploadLimit:       cfg.Upload.MaxBytes,
		MaxChunkSize:      cfg.Recording.MaxChunkSize,
		AnnounceTimeout:   cfg.Announce.Timeout.ToDuration(),
	}, log.Logger)

	synth := emotion.NewSynthesizer(emotion.Config{
		Delay:    cfg.Analysis.Delay.ToDuration(),
		Rounding: emotion.ParseRounding(cfg.Analysis.Rounding),
	}, log.Logger.With().Str("component", "synth").Logger())

	sessions := session.NewManager(session.Config{
		Recording: recording.Config{
			MaxDuration:  cfg.Recording.MaxDuration.ToDuration(),
			ArtifactName: cfg.Recording.ArtifactName,
			MimeType:     cfg.Recording.MimeType,
		},
		UploadLimit: cfg.Upload.MaxBytes,
		IdleTimeout: cfg.Sessions.IdleTimeout.ToDuration(),
	}, srv, log.Logger)
	defer sessions.Close()

	srv.Attach(sessions, synth)

	sweeper, err := session.NewSweeper(sessions, cfg.Sessions.SweepEvery.ToDuration(), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule session sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Spoken results (optional, needs an API key)
	if cfg.Announce.Enabled {
		key := strings.TrimSpace(os.Getenv(cfg.Announce.APIKeyEnv))
		if key == "" {
			log.Warn().Str("env", cfg.Announce.APIKeyEnv).Msg("announce enabled but API key env var is empty; results stay silent")
		} else {
			ann, err := announce.NewClient(announce.Config{
				APIKey:         key,
				BaseURL:        cfg.Announce.BaseURL,
				Model:          cfg.Announce.Model,
				Voice:          cfg.Announce.Voice,
				ResponseFormat: cfg.Announce.ResponseFormat,
				Speed:          cfg.Announce.Speed,
				Timeout:        cfg.Announce.Timeout.ToDuration(),
				CacheDir:       cfg.Cache.AudioDir,
			}, log.Logger.With().Str("component", "announce").Logger())
			if err != nil {
				log.Fatal().Err(err).Msg("failed to init announcer")
			}
			srv.SetAnnouncer(ann)

			go func() {
				if err := ann.Warm(ctx); err != nil {
					log.Error().Err(err).Msg("failed to pre-generate announcements")
				}
			}()
		}
	}

	log.Info().
		Dur("max_recording", cfg.Recording.MaxDuration.ToDuration()).
		Dur("analysis_delay", cfg.Analysis.Delay.ToDuration()).
		Str("rounding", cfg.Analysis.Rounding).
		Str("addr", srv.Addr()).
		Msg("running. Open the UI in your browser")

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("http server stopped with error")
	}
	log.Info().Msg("shutting down")
}
