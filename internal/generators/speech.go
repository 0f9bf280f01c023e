package generators

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"MnemoEvolve/server/internal/apperr"
)

// DefaultSpeaker is used when a request names no speaker.
const DefaultSpeaker = "Ana Florence"

// DefaultLanguage is used when a request names no language.
const DefaultLanguage = "en"

// MsgModelNotLoaded is returned for calls made before Load succeeds.
const MsgModelNotLoaded = "Model not loaded"

// SpeechModel is a text-to-speech backend.
type SpeechModel interface {
	Synthesize(ctx context.Context, req SpeechRequest, w io.Writer) error
	Speakers(ctx context.Context) ([]string, error)
}

// AudioCache stores synthesized audio keyed by request.
type AudioCache interface {
	GetAudio(ctx context.Context, req SpeechRequest) ([]byte, bool, error)
	SetAudio(ctx context.Context, req SpeechRequest, audio []byte) error
}

// SpeechService owns the process's speech model. It refuses work until Load
// has confirmed the backend answers.
type SpeechService struct {
	model          SpeechModel
	cache          AudioCache
	log            *slog.Logger
	defaultSpeaker string
	loadTimeout    time.Duration
	pollInterval   time.Duration

	baseCtx  context.Context
	ready    *atomic.Bool
	loading  *atomic.Bool
	mu       sync.RWMutex
	speakers []string
}

// ErrLoadInProgress is returned by Load while another load is polling.
var ErrLoadInProgress = errors.New("speech model load already in progress")

// SpeechOption configures a SpeechService.
type SpeechOption func(*SpeechService)

// WithAudioCache enables caching of synthesized audio.
func WithAudioCache(cache AudioCache) SpeechOption {
	return func(s *SpeechService) { s.cache = cache }
}

// WithSpeechLogger sets the service logger.
func WithSpeechLogger(log *slog.Logger) SpeechOption {
	return func(s *SpeechService) { s.log = log }
}

// WithLoadPolling sets how long Load waits for the backend and how often it
// asks.
func WithLoadPolling(timeout, interval time.Duration) SpeechOption {
	return func(s *SpeechService) {
		s.loadTimeout = timeout
		s.pollInterval = interval
	}
}

// WithBaseContext bounds loads the service starts on its own when a call
// finds the model not ready.
func WithBaseContext(ctx context.Context) SpeechOption {
	return func(s *SpeechService) { s.baseCtx = ctx }
}

// WithDefaultSpeaker overrides DefaultSpeaker.
func WithDefaultSpeaker(name string) SpeechOption {
	return func(s *SpeechService) {
		if name != "" {
			s.defaultSpeaker = name
		}
	}
}

func NewSpeechService(model SpeechModel, opts ...SpeechOption) *SpeechService {
	s := &SpeechService{
		model:          model,
		log:            slog.Default(),
		defaultSpeaker: DefaultSpeaker,
		loadTimeout:    5 * time.Minute,
		pollInterval:   2 * time.Second,
		baseCtx:        context.Background(),
		ready:          atomic.NewBool(false),
		loading:        atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load waits until the backend lists its speakers, then marks the service
// ready. It gives up after the load timeout or when ctx is done. Only one
// load polls at a time.
func (s *SpeechService) Load(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	if !s.loading.CompareAndSwap(false, true) {
		return ErrLoadInProgress
	}
	defer s.loading.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	s.log.Info("Loading speech model")
	start := time.Now()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		speakers, err := s.model.Speakers(ctx)
		if err == nil {
			s.mu.Lock()
			s.speakers = speakers
			s.mu.Unlock()
			s.ready.Store(true)
			s.log.Info("Speech model loaded", "speakers", len(speakers), "duration", time.Since(start))
			return nil
		}
		s.log.Debug("Speech model not ready yet", "error", err)

		select {
		case <-ctx.Done():
			return errors.Join(errors.New("speech model did not become ready"), err)
		case <-ticker.C:
		}
	}
}

// Unload marks the model not loaded, e.g. after its server was stopped.
// The next call that needs the model starts a new load.
func (s *SpeechService) Unload() {
	if s.ready.CompareAndSwap(true, false) {
		s.mu.Lock()
		s.speakers = nil
		s.mu.Unlock()
		s.log.Info("Speech model unloaded")
	}
}

// reloadInBackground starts a load unless one is already polling.
func (s *SpeechService) reloadInBackground() {
	if s.loading.Load() {
		return
	}
	go func() {
		if err := s.Load(s.baseCtx); err != nil && !errors.Is(err, ErrLoadInProgress) {
			s.log.Warn("Speech model reload failed", "error", err)
		}
	}()
}

// IsReady reports whether Load has completed.
func (s *SpeechService) IsReady() bool {
	return s.ready.Load()
}

// DefaultSpeaker returns the speaker used when a request names none.
func (s *SpeechService) DefaultSpeaker() string {
	return s.defaultSpeaker
}

// Synthesize validates req, fills defaults and returns the audio bytes.
func (s *SpeechService) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, apperr.InvalidInput("Text is required")
	}
	if !s.ready.Load() {
		s.reloadInBackground()
		return nil, apperr.Unavailable(MsgModelNotLoaded)
	}
	if req.Language == "" {
		req.Language = DefaultLanguage
	}
	if req.Speaker == "" {
		req.Speaker = s.defaultSpeaker
	}

	if s.cache != nil {
		audio, ok, err := s.cache.GetAudio(ctx, req)
		switch {
		case err != nil:
			s.log.Warn("Audio cache lookup failed", "error", err)
		case ok && IsWAV(audio):
			s.log.Debug("Audio cache hit", "speaker", req.Speaker, "language", req.Language)
			return audio, nil
		}
	}

	var buf bytes.Buffer
	if err := s.model.Synthesize(ctx, req, &buf); err != nil {
		return nil, apperr.Dependency(err, "")
	}
	audio := buf.Bytes()

	if s.cache != nil {
		if err := s.cache.SetAudio(ctx, req, audio); err != nil {
			s.log.Warn("Failed to cache audio", "error", err)
		}
	}
	return audio, nil
}

// Speakers returns the speaker names reported when the model loaded.
func (s *SpeechService) Speakers() ([]string, error) {
	if !s.ready.Load() {
		s.reloadInBackground()
		return nil, apperr.Unavailable(MsgModelNotLoaded)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.speakers))
	copy(out, s.speakers)
	return out, nil
}
