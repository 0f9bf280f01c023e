package web

import (
	"context"
	"log/slog"
	"time"

	"MnemoEvolve/server/internal/config"
	"MnemoEvolve/server/internal/generators"
	"MnemoEvolve/server/internal/infra"
	"MnemoEvolve/server/internal/storage"
)

// MnemonicGenerator produces a chat-completion body for a prompt.
type MnemonicGenerator interface {
	Complete(ctx context.Context, prompt string) ([]byte, error)
}

// Pinger is an optional store whose connectivity /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services is everything the handlers use. It is built once at startup and
// owned by the router; handlers never reach for package-level state.
type Services struct {
	Config    *config.Config
	Pipelines *generators.PipelineCache
	Speech    *generators.SpeechService
	Mnemonics MnemonicGenerator
	Runs      *storage.RunRecordStore
	// Backends are locally launched model servers, keyed by name.
	Backends map[string]*infra.ProcessManager
	// Stores are the optional Redis/MySQL connections, keyed by name.
	Stores map[string]Pinger
	Log    *slog.Logger
	Now      func() time.Time
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Services) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
