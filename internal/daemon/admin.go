package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/pkg/classifier"
	"github.com/harun/warband/pkg/scheduler"
	"github.com/harun/warband/pkg/store"
)

const adminRequestTimeout = 2 * time.Minute

// TaskRunner is the scheduler surface the admin server drives.
type TaskRunner interface {
	Tick(ctx context.Context) (scheduler.TickReport, error)
	TestFire(ctx context.Context, kind scheduler.TaskKind, id int64) (scheduler.Outcome, error)
	CreatePulse(ctx context.Context, p *store.Pulse) error
	CreateRhythm(ctx context.Context, r *store.Rhythm) error
}

// CodeIssuer issues connection codes.
type CodeIssuer interface {
	Issue(ctx context.Context, userID string, slot store.Slot) (string, time.Time, error)
}

// HealthChecker reports backend health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// AdminOptions configures an AdminServer.
type AdminOptions struct {
	Listen    string
	Secret    string
	Scheduler TaskRunner
	Linker    CodeIssuer
	Health    HealthChecker
	Logger    zerolog.Logger
}

// AdminServer serves health, metrics and operator endpoints.
type AdminServer struct {
	opts   AdminOptions
	logger zerolog.Logger
	router chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewAdminServer builds the router. Nothing listens until Start.
func NewAdminServer(opts AdminOptions) *AdminServer {
	observability.EnsureRegistered()
	s := &AdminServer{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "admin").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *AdminServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(middleware.Timeout(adminRequestTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/scheduler/tick", s.handleTick)
		r.Post("/tasks/{kind}/{id}/fire", s.handleFire)
		r.Post("/personas/{id}/pulses", s.handleCreatePulse)
		r.Post("/personas/{id}/rhythms", s.handleCreateRhythm)
		r.Post("/users/{id}/link-codes", s.handleIssueCode)
		r.Post("/classify", s.handleClassify)
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *AdminServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("admin server already started")
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}(s.server, s.done)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *AdminServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func (s *AdminServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}

func (s *AdminServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.opts.Scheduler.Tick(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual tick failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *AdminServer) handleFire(w http.ResponseWriter, r *http.Request) {
	kind, err := scheduler.ParseTaskKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	out, err := s.opts.Scheduler.TestFire(r.Context(), kind, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %d not found", kind, id))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.RecordTaskAudit(r.Context(), "test_fire", "admin", out.Status, map[string]interface{}{
		"kind": string(kind),
		"id":   id,
	})
	writeJSON(w, http.StatusOK, out)
}

type createPulseRequest struct {
	Kind        string `json:"kind"`
	Hour        int    `json:"hour"`
	Instruction string `json:"instruction"`
}

func (s *AdminServer) handleCreatePulse(w http.ResponseWriter, r *http.Request) {
	var req createPulseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := &store.Pulse{
		PersonaID:   chi.URLParam(r, "id"),
		Kind:        store.PulseKind(req.Kind),
		Hour:        req.Hour,
		Instruction: req.Instruction,
	}
	if err := s.opts.Scheduler.CreatePulse(r.Context(), p); err != nil {
		s.writeTaskError(w, err)
		return
	}
	observability.RecordTaskAudit(r.Context(), "create", "admin", "success", map[string]interface{}{
		"kind":    string(scheduler.KindPulse),
		"id":      p.ID,
		"persona": p.PersonaID,
	})
	writeJSON(w, http.StatusCreated, p)
}

type createRhythmRequest struct {
	Name        string `json:"name"`
	Cron        string `json:"cron"`
	Timezone    string `json:"timezone"`
	Instruction string `json:"instruction"`
}

func (s *AdminServer) handleCreateRhythm(w http.ResponseWriter, r *http.Request) {
	var req createRhythmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rh := &store.Rhythm{
		PersonaID:   chi.URLParam(r, "id"),
		Name:        req.Name,
		Cron:        req.Cron,
		Timezone:    req.Timezone,
		Instruction: req.Instruction,
	}
	if err := s.opts.Scheduler.CreateRhythm(r.Context(), rh); err != nil {
		s.writeTaskError(w, err)
		return
	}
	observability.RecordTaskAudit(r.Context(), "create", "admin", "success", map[string]interface{}{
		"kind":    string(scheduler.KindRhythm),
		"id":      rh.ID,
		"persona": rh.PersonaID,
	})
	writeJSON(w, http.StatusCreated, rh)
}

func (s *AdminServer) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrRhythmLimit):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Task creation failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type issueCodeResponse struct {
	Code      string    `json:"code"`
	Slot      string    `json:"slot"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *AdminServer) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	slot := store.Slot(r.URL.Query().Get("slot"))
	if slot == "" {
		slot = store.SlotPrimary
	}
	if !slot.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown slot %q", slot))
		return
	}

	code, expiresAt, err := s.opts.Linker.Issue(r.Context(), chi.URLParam(r, "id"), slot)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, issueCodeResponse{Code: code, Slot: string(slot), ExpiresAt: expiresAt.UTC()})
}

type classifyRequest struct {
	Text string `json:"text"`
}

func (s *AdminServer) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, classifier.Classify(req.Text))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
