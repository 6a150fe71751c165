// Package httpserver contains HTTP handlers and middleware for the job
// pipeline's admission, status, subscription, cancellation, and quota
// endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reclip/recap-engine/internal/config"
	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/controller"
	"github.com/reclip/recap-engine/internal/service/progressbus"
)

// ownerHeader is the header this repo's test/dev harness trusts as the
// already-authenticated owner id; a real deployment would terminate
// auth upstream of this handler and forward the same header.
const ownerHeader = "X-Owner-Id"

// Server aggregates the dependencies every job-pipeline HTTP handler needs.
type Server struct {
	Cfg        config.Config
	Store      domain.JobStore
	Ledger     domain.Ledger
	Queue      domain.Queue
	Bus        *progressbus.Bus
	Controller *controller.Controller
	DBCheck    func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(
	cfg config.Config,
	store domain.JobStore,
	ledger domain.Ledger,
	queue domain.Queue,
	bus *progressbus.Bus,
	ctrl *controller.Controller,
	dbCheck func(context.Context) error,
	qdrantCheck func(context.Context) error,
) *Server {
	return &Server{
		Cfg:         cfg,
		Store:       store,
		Ledger:      ledger,
		Queue:       queue,
		Bus:         bus,
		Controller:  ctrl,
		DBCheck:     dbCheck,
		QdrantCheck: qdrantCheck,
	}
}

func ownerID(r *http.Request) string {
	return r.Header.Get(ownerHeader)
}

// CreateJobHandler handles POST /v1/jobs: admission.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("%w: %s header required", domain.ErrInvalidArgument, ownerHeader), nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req admissionRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		ctx := r.Context()
		account, err := s.Ledger.GetAccount(ctx, owner)
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, fmt.Errorf("op=httpserver.create_job: %w", domain.ErrPaymentRequired), nil)
			return
		}
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.create_job: %w", err), nil)
			return
		}
		if account.AvailableMinutes() <= 0 {
			writeError(w, r, fmt.Errorf("op=httpserver.create_job: %w", domain.ErrQuotaExceeded), nil)
			return
		}

		job := domain.Job{
			OwnerID:    owner,
			Stage:      domain.StagePending,
			SourceBlob: req.SourceBlob,
			Config: domain.JobConfig{
				TargetDurationMinutes: req.TargetDurationMinutes,
				OverrideScript:        req.OverrideScript,
				OverrideScriptBlob:    req.OverrideScriptBlob,
				SeriesID:              req.SeriesID,
				CharacterGuide:        req.CharacterGuide,
				Features: domain.FeatureToggles{
					ShortClipMode:     req.Features.ShortClipMode,
					AISegmentMatching: req.Features.AISegmentMatching,
				},
			},
		}
		jobID, err := s.Store.Create(ctx, job)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.create_job: %w", err), nil)
			return
		}
		if _, err := s.Queue.EnqueueProcessJob(ctx, domain.ProcessJobPayload{JobID: jobID}); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.create_job.enqueue: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "stage": string(domain.StagePending)})
	}
}

// GetJobHandler handles GET /v1/jobs/{id}: status query.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, err := s.Store.GetSnapshot(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if snap.OwnerID != ownerID(r) {
			writeError(w, r, fmt.Errorf("%w: job", domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// CancelJobHandler handles POST /v1/jobs/{id}/cancel: idempotent
// cancellation request.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, err := s.Store.GetSnapshot(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if snap.OwnerID != ownerID(r) {
			writeError(w, r, fmt.Errorf("%w: job", domain.ErrNotFound), nil)
			return
		}
		s.Controller.RequestCancel(id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
	}
}

// JobEventsHandler handles GET /v1/jobs/{id}/events: live subscription
// over Server-Sent Events. A Last-Event-ID request header lets a
// reconnecting client skip replay of events it has already seen.
func (s *Server) JobEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, err := s.Store.GetSnapshot(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if snap.OwnerID != ownerID(r) {
			writeError(w, r, fmt.Errorf("%w: job", domain.ErrNotFound), nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		var afterSeq int64
		if v := r.Header.Get("Last-Event-ID"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				afterSeq = n
			}
		}

		replay, live, unsubscribe := s.Bus.Subscribe(id, afterSeq)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSEFrame(w, "initial", snap)
		flusher.Flush()

		for _, evt := range replay {
			writeSSEEvent(w, evt)
		}
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-live:
				if !ok {
					return
				}
				writeSSEEvent(w, evt)
				flusher.Flush()
				if evt.Stage.IsTerminal() {
					return
				}
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt domain.ProgressEvent) {
	kind := "update"
	if evt.Stage.IsTerminal() {
		kind = "terminal"
	}
	writeSSEFrame(w, kind, evt)
}

func writeSSEFrame(w http.ResponseWriter, event string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	if pe, ok := v.(domain.ProgressEvent); ok {
		fmt.Fprintf(w, "id: %d\n", pe.Sequence)
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// QuotaHandler handles GET /v1/quota: per-user quota query.
func (s *Server) QuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, r, fmt.Errorf("%w: %s header required", domain.ErrInvalidArgument, ownerHeader), nil)
			return
		}
		account, err := s.Ledger.GetAccount(r.Context(), owner)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.quota: %w", err), nil)
			return
		}
		var topUpRemaining float64
		for _, t := range account.TopUps {
			topUpRemaining += t.RemainingMinutes
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriptionMinutesLimit": account.SubscriptionMinutesLimit,
			"subscriptionMinutesUsed":  account.SubscriptionMinutesUsed,
			"topUpMinutesRemaining":    topUpRemaining,
			"totalAvailableMinutes":    account.AvailableMinutes(),
			"billingPeriod":            time.Now().UTC().Format("2006-01"),
		})
	}
}

// ReadyzHandler returns a readiness handler that probes the Job Store's
// backing database and the Qdrant character-guide store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.QdrantCheck != nil {
			if err := s.QdrantCheck(ctx); err != nil {
				checks = append(checks, check{Name: "qdrant", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "qdrant", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// HealthzHandler is a liveness probe; it never depends on backing services.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
