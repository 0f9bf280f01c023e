package web

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"MnemoEvolve/server/internal/apperr"
	"MnemoEvolve/server/internal/infra"
)

const (
	serviceName      = "mnemo-evolve"
	storePingTimeout = 2 * time.Second
)

type Handlers struct {
	svc *Services
	log *slog.Logger
}

func NewHandlers(svc *Services) *Handlers {
	return &Handlers{
		svc: svc,
		log: svc.logger(),
	}
}

type healthResponse struct {
	Status            string            `json:"status"`
	Service           string            `json:"service"`
	SpeechModelLoaded bool              `json:"speech_model_loaded"`
	ImageBackend      string            `json:"image_backend,omitempty"`
	PipelinesLoaded   []string          `json:"pipelines_loaded"`
	Backends          map[string]string `json:"backends,omitempty"`
	Stores            map[string]string `json:"stores,omitempty"`
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Service:         serviceName,
		PipelinesLoaded: []string{},
	}
	if h.svc.Config != nil {
		resp.ImageBackend = h.svc.Config.AI.ImageBackend
	}
	if h.svc.Speech != nil {
		resp.SpeechModelLoaded = h.svc.Speech.IsReady()
	}
	if h.svc.Pipelines != nil {
		for key := range h.svc.Pipelines.Loaded() {
			resp.PipelinesLoaded = append(resp.PipelinesLoaded, key)
		}
		sort.Strings(resp.PipelinesLoaded)
	}
	if len(h.svc.Backends) > 0 {
		resp.Backends = make(map[string]string, len(h.svc.Backends))
		for name, m := range h.svc.Backends {
			resp.Backends[name] = string(m.Status())
		}
	}
	if len(h.svc.Stores) > 0 {
		resp.Stores = h.pingStores(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// pingStores reports "ok" or the ping error for each configured store.
func (h *Handlers) pingStores(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()

	out := make(map[string]string, len(h.svc.Stores))
	for name, store := range h.svc.Stores {
		if err := store.Ping(ctx); err != nil {
			h.log.Warn("Store ping failed", "store", name, "error", err)
			out[name] = "error: " + err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with its status and duration.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("Request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func NewRouter(svc *Services) *chi.Mux {
	r := chi.NewRouter()
	handlers := NewHandlers(svc)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(handlers.log))
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(corsMiddleware)

	r.Get("/health", handlers.HealthCheck)

	r.Post("/generate-image", handlers.GenerateImage)
	r.Get("/models", handlers.ListModels)

	r.Post("/tts", handlers.TextToSpeech)
	r.Get("/tts/speakers", handlers.ListSpeakers)

	r.Post("/mistral", handlers.CreateMnemonics)

	r.Post("/save", handlers.SaveRun)
	r.Get("/download", handlers.DownloadRuns)

	// Local model server management
	r.Route("/backends", func(r chi.Router) {
		r.Get("/", handlers.ListBackends)
		r.Post("/{name}/start", handlers.StartBackend)
		r.Post("/{name}/stop", handlers.StopBackend)
		r.Post("/{name}/restart", handlers.RestartBackend)
	})

	return r
}

type backendStatusResponse struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ListBackends returns the status of every managed model server
func (h *Handlers) ListBackends(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.svc.Backends))
	for name := range h.svc.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := make([]backendStatusResponse, 0, len(names))
	for _, name := range names {
		resp = append(resp, backendStatusResponse{Name: name, Status: string(h.svc.Backends[name].Status())})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": resp})
}

func (h *Handlers) backend(w http.ResponseWriter, r *http.Request) (*infra.ProcessManager, bool) {
	name := chi.URLParam(r, "name")
	m, ok := h.svc.Backends[name]
	if !ok {
		h.writeError(w, r, "backend", apperr.NotFound("Unknown backend: %s", name))
		return nil, false
	}
	return m, true
}

// StartBackend starts a managed model server
func (h *Handlers) StartBackend(w http.ResponseWriter, r *http.Request) {
	m, ok := h.backend(w, r)
	if !ok {
		return
	}

	if m.IsReady() {
		writeJSON(w, http.StatusConflict, backendStatusResponse{
			Name:    m.Name(),
			Status:  string(m.Status()),
			Message: m.Name() + " is already running",
		})
		return
	}

	if err := m.Start(r.Context()); err != nil {
		h.writeError(w, r, "backend.start", apperr.Dependency(err, "Failed to start "+m.Name()))
		return
	}

	writeJSON(w, http.StatusAccepted, backendStatusResponse{
		Name:    m.Name(),
		Status:  string(m.Status()),
		Message: m.Name() + " is starting...",
	})
}

// StopBackend stops a managed model server
func (h *Handlers) StopBackend(w http.ResponseWriter, r *http.Request) {
	m, ok := h.backend(w, r)
	if !ok {
		return
	}

	if m.Status() == infra.StatusStopped {
		writeJSON(w, http.StatusConflict, backendStatusResponse{
			Name:    m.Name(),
			Status:  string(infra.StatusStopped),
			Message: m.Name() + " is already stopped",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := m.Stop(ctx); err != nil {
		h.writeError(w, r, "backend.stop", apperr.Dependency(err, "Failed to stop "+m.Name()))
		return
	}

	writeJSON(w, http.StatusOK, backendStatusResponse{
		Name:    m.Name(),
		Status:  string(m.Status()),
		Message: m.Name() + " stopped successfully",
	})
}

// RestartBackend restarts a managed model server
func (h *Handlers) RestartBackend(w http.ResponseWriter, r *http.Request) {
	m, ok := h.backend(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := m.Restart(ctx); err != nil {
		h.writeError(w, r, "backend.restart", apperr.Dependency(err, "Failed to restart "+m.Name()))
		return
	}

	writeJSON(w, http.StatusAccepted, backendStatusResponse{
		Name:    m.Name(),
		Status:  string(m.Status()),
		Message: m.Name() + " is restarting...",
	})
}
