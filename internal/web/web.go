package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"dayroutine/internal/config"
	"dayroutine/internal/engine"
	"dayroutine/internal/ics"
	appLog "dayroutine/internal/log"
	"dayroutine/internal/metrics"
	"dayroutine/internal/model"
	"dayroutine/internal/template"
)

// Engine is the part of *engine.Engine the HTTP API drives.
type Engine interface {
	State() engine.State
	Watch(ctx context.Context) <-chan engine.State
	SetActiveDate(ctx context.Context, date string) error
	GoToToday(ctx context.Context) error
	Toggle(ctx context.Context, activityID string) error
	RequestReset(ctx context.Context, date string) error
	ConfirmReset(ctx context.Context) error
	CancelReset(ctx context.Context) error
}

// Server exposes the schedule engine over HTTP: JSON for reads and intents,
// server-sent events for live state, iCalendar exports and metrics.
type Server struct {
	cfg      *config.Config
	eng      Engine
	tpl      *template.Template
	loc      *time.Location
	debug    bool
	mux      *http.ServeMux
	validate *validator.Validate

	// heartbeat is the SSE keep-alive interval.
	heartbeat time.Duration
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, eng Engine, tpl *template.Template, debug bool) *Server {
	s := &Server{
		cfg:       cfg,
		eng:       eng,
		tpl:       tpl,
		loc:       resolveLocationOrLocal(cfg.Timezone),
		debug:     debug,
		mux:       http.NewServeMux(),
		validate:  validator.New(),
		heartbeat: 30 * time.Second,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="dayroutine", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx ends, then shuts down
// gracefully. Request contexts derive from ctx so open event streams end
// with it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "debug", s.debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/schedule", s.handleSchedule)
	s.mux.HandleFunc("GET /api/schedule.ics", s.handleScheduleICS)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/date", s.handleSetDate)
	s.mux.HandleFunc("POST /api/date/today", s.handleToday)
	s.mux.HandleFunc("POST /api/activities/{id}/toggle", s.handleToggle)
	s.mux.HandleFunc("POST /api/reset", s.handleRequestReset)
	s.mux.HandleFunc("POST /api/reset/confirm", s.handleConfirmReset)
	s.mux.HandleFunc("POST /api/reset/cancel", s.handleCancelReset)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// scheduleResponse is the JSON shape for the schedule endpoints.
type scheduleResponse struct {
	engine.State
	Sections  []model.SectionGroup `json:"sections"`
	Done      int                  `json:"done"`
	Total     int                  `json:"total"`
	Timezone  string               `json:"timezone"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (s *Server) view(st engine.State) scheduleResponse {
	return scheduleResponse{
		State:     st,
		Sections:  st.Groups(),
		Done:      st.Completed(),
		Total:     len(st.Activities),
		Timezone:  s.loc.String(),
		UpdatedAt: time.Now(),
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.view(s.eng.State()))
}

type dateRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

// handleSetDate selects the active date.
//
// POST /api/date {"date":"2025-01-02"}
func (s *Server) handleSetDate(w http.ResponseWriter, r *http.Request) {
	var req dateRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.eng.SetActiveDate(r.Context(), req.Date))
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.eng.GoToToday(r.Context()))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing activity id")
		return
	}
	s.respond(w, s.eng.Toggle(r.Context(), id))
}

// handleRequestReset starts the reset confirmation for the active date. The
// date must be sent explicitly so a stale client cannot clear another day.
func (s *Server) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req dateRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.eng.RequestReset(r.Context(), req.Date))
}

func (s *Server) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.eng.ConfirmReset(r.Context()))
}

func (s *Server) handleCancelReset(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.eng.CancelReset(r.Context()))
}

// handleScheduleICS exports the active day, or with ?template=1 the routine
// as daily recurring events.
func (s *Server) handleScheduleICS(w http.ResponseWriter, r *http.Request) {
	st := s.eng.State()

	var (
		body     string
		filename string
	)
	if r.URL.Query().Get("template") == "1" {
		from := time.Now().In(s.loc)
		if day, err := model.DayStart(st.Date, s.loc); err == nil {
			from = day
		}
		body = ics.ExportTemplate(s.tpl.Activities(), s.loc, from)
		filename = "dayroutine-template.ics"
	} else {
		if st.Phase != engine.PhaseReady {
			writeError(w, http.StatusConflict, "schedule is not loaded")
			return
		}
		var err error
		body, err = ics.Export(st.Date, st.Activities, s.loc)
		if err != nil {
			appLog.Error("ics export failed", err, "date", st.Date)
			writeError(w, http.StatusInternalServerError, "failed to export schedule")
			return
		}
		filename = "dayroutine-" + st.Date + ".ics"
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleStream pushes every published state as a server-sent event. Slow
// clients skip intermediate states.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	states := s.eng.Watch(r.Context())
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			data, err := json.Marshal(s.view(st))
			if err != nil {
				appLog.Error("failed to encode state event", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// decode reads a JSON body into v and validates it. It writes the error
// response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respond writes the current state on success or maps err to a status.
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			appLog.Error("api request failed", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.view(s.eng.State()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidDate):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotReady),
		errors.Is(err, engine.ErrResetDateMismatch),
		errors.Is(err, engine.ErrNoPendingReset),
		errors.Is(err, engine.ErrResetInProgress):
		return http.StatusConflict
	case errors.Is(err, engine.ErrHalted),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
