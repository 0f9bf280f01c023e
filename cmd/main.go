package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"MnemoEvolve/server/internal/config"
	"MnemoEvolve/server/internal/engine"
	"MnemoEvolve/server/internal/generators"
	"MnemoEvolve/server/internal/infra"
	"MnemoEvolve/server/internal/logger"
	"MnemoEvolve/server/internal/models"
	"MnemoEvolve/server/internal/storage"
	"MnemoEvolve/server/internal/web"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "mnemo-server",
		Short:         "Backend for the mnemonic evolution app",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			log.Warn("Failed to initialize Sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Optional stores
	stores := map[string]web.Pinger{}
	var audioCache generators.AudioCache
	if cfg.Database.Redis.Host != "" {
		redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, audio cache disabled", "error", err)
		} else {
			defer redisStore.Close()
			audioCache = redisStore
			stores["redis"] = redisStore
			log.Info("Redis connected successfully")
		}
	}

	var mirror storage.RunMirror
	if cfg.Database.MySQL.Host != "" {
		mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
		if err != nil {
			log.Warn("Failed to connect to MySQL, run records are spreadsheet only", "error", err)
		} else {
			defer mysqlStore.Close()
			mirror = mysqlStore
			stores["mysql"] = mysqlStore
			log.Info("MySQL connected successfully")
		}
	}

	backends := map[string]*infra.ProcessManager{}

	// Image generation
	catalog := generators.NewModelCatalog(cfg.AI.Models)
	var loader generators.PipelineLoader
	switch cfg.AI.ImageBackend {
	case config.ImageBackendComfyUI:
		comfy := generators.NewComfyUIClient(cfg.AI.ComfyUI)
		loader = comfy
		if cfg.AI.ComfyUI.Launch.Command != "" {
			backends["comfyui"] = infra.NewProcessManager("comfyui", cfg.AI.ComfyUI.Launch, comfy.HealthCheck, log)
		}
	default:
		if cfg.AI.HuggingFace.APIKey == "" {
			log.Warn("No Hugging Face API key provided, image generation may be rate limited")
		}
		loader = generators.NewHuggingFaceLoader(cfg.AI.HuggingFace)
	}
	device := generators.DetectDevice()
	pipelines := generators.NewPipelineCache(catalog, loader,
		generators.WithDevice(device),
		generators.WithLogger(log))
	log.Info("Image backend configured", "backend", cfg.AI.ImageBackend, "models", len(catalog.Keys()), "device", device)

	// Speech
	xtts := generators.NewXTTSClient(cfg.AI.XTTS)
	speechOpts := []generators.SpeechOption{
		generators.WithSpeechLogger(log),
		generators.WithBaseContext(ctx),
		generators.WithDefaultSpeaker(cfg.AI.XTTS.DefaultSpeaker),
	}
	if cfg.AI.XTTS.LoadTimeout > 0 {
		speechOpts = append(speechOpts, generators.WithLoadPolling(cfg.AI.XTTS.LoadTimeout, 2*time.Second))
	}
	if audioCache != nil {
		speechOpts = append(speechOpts, generators.WithAudioCache(audioCache))
	}
	speech := generators.NewSpeechService(xtts, speechOpts...)
	if cfg.AI.XTTS.Launch.Command != "" {
		m := infra.NewProcessManager("xtts", cfg.AI.XTTS.Launch, func(ctx context.Context) error {
			_, err := xtts.Speakers(ctx)
			return err
		}, log)
		m.OnStatusChange(func(s infra.Status) {
			switch s {
			case infra.StatusRunning:
				go loadSpeech(ctx, speech, log)
			case infra.StatusStopped, infra.StatusError:
				speech.Unload()
			}
		})
		backends["xtts"] = m
	}

	for _, m := range backends {
		if err := m.Start(ctx); err != nil {
			log.Warn("Failed to start model server", "process", m.Name(), "error", err)
		}
	}

	go loadSpeech(ctx, speech, log)

	// Mnemonics
	if cfg.AI.Mistral.APIKey == "" {
		log.Warn("No Mistral API key provided, /mistral requests will be rejected upstream")
	}
	mistral := engine.NewMistralClient(cfg.AI.Mistral, log)

	// Run records
	sheet := storage.NewSpreadsheetStore(cfg.Storage.SpreadsheetPath, storage.SpreadsheetSheetName, models.RunRecordColumns, storage.NewPathLocks(), log)
	runs := storage.NewRunRecordStore(sheet, mirror, log)

	router := web.NewRouter(&web.Services{
		Config:    cfg,
		Pipelines: pipelines,
		Speech:    speech,
		Mnemonics: mistral,
		Runs:      runs,
		Backends:  backends,
		Stores:    stores,
		Log:       log,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "addr", server.Addr, "spreadsheet", sheet.Path())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", "error", err)
	}
	for _, m := range backends {
		if err := m.Stop(shutdownCtx); err != nil {
			log.Warn("Failed to stop model server", "process", m.Name(), "error", err)
		}
	}

	log.Info("Server stopped")
	return nil
}

func loadSpeech(ctx context.Context, speech *generators.SpeechService, log *slog.Logger) {
	if err := speech.Load(ctx); err != nil && !errors.Is(err, generators.ErrLoadInProgress) {
		log.Error("Speech model failed to load", "error", err)
	}
}
