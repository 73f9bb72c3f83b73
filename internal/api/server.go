// Package api is the HTTP adapter over the episode engine. It translates
// requests into engine calls and engine errors into status codes; it holds no
// workflow state of its own.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/events"
	"github.com/AaronLay10/ScreeningEngine/internal/followup"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/validation"
)

// maxBody bounds request bodies; stage payloads are small.
const maxBody = 1 << 20

// Episodes is the engine surface the API uses.
type Episodes interface {
	Create(ctx context.Context, patientRef, actor string) (*episode.Episode, error)
	Get(ctx context.Context, episodeID string) (*episode.Episode, error)
	Submit(ctx context.Context, episodeID, stageID string, payload map[string]any, actor string) (episode.StageRecord, error)
	History(ctx context.Context, episodeID string) ([]audit.Event, error)
}

// Followups answers due follow-up queries.
type Followups interface {
	DueFollowups(ctx context.Context, asOf time.Time) ([]followup.Followup, error)
}

// EventSource feeds the websocket stream.
type EventSource interface {
	Subscribe() events.Subscriber
	Unsubscribe(events.Subscriber)
	Recent(n int) []events.Event
}

// Server wires the handlers.
type Server struct {
	episodes  Episodes
	followups Followups
	bus       EventSource
	ready     *Readiness
	metrics   http.Handler
	log       zerolog.Logger
	now       func() time.Time
}

// Options are the optional collaborators of a Server.
type Options struct {
	Readiness *Readiness
	// Metrics serves /metrics; the route is omitted when nil.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewServer returns a server over the engine, scheduler and event bus.
func NewServer(eps Episodes, fu Followups, bus EventSource, opts Options) *Server {
	ready := opts.Readiness
	if ready == nil {
		ready = NewReadiness()
	}
	return &Server{
		episodes:  eps,
		followups: fu,
		bus:       bus,
		ready:     ready,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       time.Now,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /ready", s.ready)
	mux.HandleFunc("POST /episodes", s.createEpisodeHandler)
	mux.HandleFunc("GET /episodes/{id}", s.getEpisodeHandler)
	mux.HandleFunc("POST /episodes/{id}/stages/{stage}", s.submitStageHandler)
	mux.HandleFunc("GET /episodes/{id}/history", s.historyHandler)
	mux.HandleFunc("GET /followups", s.followupsHandler)
	mux.HandleFunc("GET /ws/events", s.wsEventsHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "screening",
		Hostname:  host,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
}

// Response is the envelope of every workflow endpoint.
type Response struct {
	OK     bool                    `json:"ok"`
	Error  string                  `json:"error,omitempty"`
	Errors []validation.FieldError `json:"errors,omitempty"`
	Data   any                     `json:"data,omitempty"`
}

type CreateEpisodeRequest struct {
	PatientRef string `json:"patient_ref"`
	Actor      string `json:"actor"`
}

type SubmitStageRequest struct {
	Actor  string         `json:"actor"`
	Values map[string]any `json:"values"`
}

type SubmitStageResponse struct {
	Record  episode.StageRecord `json:"record"`
	Episode *episode.Episode    `json:"episode"`
}

func (s *Server) createEpisodeHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateEpisodeRequest
	if !decode(w, r, &req) {
		return
	}
	ep, err := s.episodes.Create(r.Context(), req.PatientRef, actorOf(r, req.Actor))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{OK: true, Data: ep})
}

func (s *Server) getEpisodeHandler(w http.ResponseWriter, r *http.Request) {
	ep, err := s.episodes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Data: ep})
}

func (s *Server) submitStageHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitStageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Values == nil {
		req.Values = map[string]any{}
	}
	id := r.PathValue("id")
	rec, err := s.episodes.Submit(r.Context(), id, r.PathValue("stage"), req.Values, actorOf(r, req.Actor))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ep, err := s.episodes.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{OK: true, Data: SubmitStageResponse{Record: rec, Episode: ep}})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	hist, err := s.episodes.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hist == nil {
		hist = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Data: hist})
}

func (s *Server) followupsHandler(w http.ResponseWriter, r *http.Request) {
	asOf := s.now()
	if q := r.URL.Query().Get("as_of"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Error: "as_of must be RFC3339"})
			return
		}
		asOf = t
	}
	due, err := s.followups.DueFollowups(r.Context(), asOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if due == nil {
		due = []followup.Followup{}
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Data: due})
}

// actorOf prefers the body's actor, falling back to the X-Actor header.
func actorOf(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("X-Actor")
}

// decode reads a JSON body keeping numbers as json.Number so validation sees
// the submitted literal.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	var verr *episode.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, episode.ErrEpisodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, episode.ErrIllegalStage), errors.Is(err, episode.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUnknownStage), errors.Is(err, episode.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	resp := Response{Error: err.Error()}
	var verr *episode.ValidationError
	if errors.As(err, &verr) {
		resp.Errors = verr.Result.Errors
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
