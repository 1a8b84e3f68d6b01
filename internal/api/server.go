package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"booking-webhook-pipeline/internal/billing"
	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/producer"
	"booking-webhook-pipeline/internal/ratelimit"
	"booking-webhook-pipeline/internal/store"
	"booking-webhook-pipeline/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// TaskReader exposes persisted tasks for inspection.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	AuditTrail(ctx context.Context, taskID string) ([]models.AuditLog, error)
}

// DLQReader lists dead-lettered task ids.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter admits event submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// ActivityRecorder notes that a team member was active.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, teamID, userID int64, at time.Time) error
}

// BillingProcessor reconciles a provider webhook body.
type BillingProcessor interface {
	Handle(ctx context.Context, body []byte) (billing.Response, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators of the HTTP API. Nil optional fields disable their feature.
type Deps struct {
	Producer      *producer.WebhookProducer
	Billing       BillingProcessor
	Tasks         TaskReader
	DLQ           DLQReader
	Limiter       Limiter
	Activity      ActivityRecorder
	Health        Pinger
	WebhookSecret string
	SignatureAge  time.Duration
	Log           *zap.Logger
}

// Server wires HTTP handlers for event submission, billing webhooks and task inspection.
type Server struct {
	deps   Deps
	log    *zap.Logger
	now    func() time.Time
	events map[payloads.TriggerEvent]eventFunc
}

// New constructs the API server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.SignatureAge == 0 {
		deps.SignatureAge = 5 * time.Minute
	}
	return &Server{
		deps:   deps,
		log:    log.Named("api"),
		now:    time.Now,
		events: eventTable(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events/{trigger}", s.handleEvent)
		r.Post("/webhooks/billing", s.handleBillingWebhook)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventRequest struct {
	Scope   models.Scope    `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Producer == nil {
		writeError(w, http.StatusServiceUnavailable, "event submission disabled")
		return
	}
	trigger := payloads.TriggerEvent(strings.ToUpper(chi.URLParam(r, "trigger")))
	queue, ok := s.events[trigger]
	if !ok {
		if trigger.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("trigger %s cannot be submitted", trigger))
			return
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown trigger %s", trigger))
		return
	}

	tenant := tenantFromRequest(r)
	if s.deps.Limiter != nil {
		decision, err := s.deps.Limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.log.Error("rate limiter failed", zap.String("tenant", tenant), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var req eventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if err := queue(r.Context(), s.deps.Producer, req.Scope, req.Payload); err != nil {
		if errors.Is(err, producer.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordActivity(r.Context(), trigger, req.Scope)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "trigger": string(trigger)})
}

// recordActivity marks the acting user active in each of the event's teams. Failures only log.
func (s *Server) recordActivity(ctx context.Context, trigger payloads.TriggerEvent, scope models.Scope) {
	if s.deps.Activity == nil || scope.UserID == nil || !strings.HasPrefix(string(trigger), "BOOKING_") {
		return
	}
	now := s.now()
	for _, team := range scope.TeamIDs {
		if err := s.deps.Activity.RecordActivity(ctx, team, *scope.UserID, now); err != nil {
			s.log.Warn("record activity failed", zap.Int64("team_id", team), zap.Int64("user_id", *scope.UserID), zap.Error(err))
		}
	}
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Billing == nil {
		writeError(w, http.StatusServiceUnavailable, "billing webhooks disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if s.deps.WebhookSecret != "" {
		if err := billing.VerifySignature(body, r.Header.Get(billing.SignatureHeader), s.deps.WebhookSecret, s.deps.SignatureAge, s.now()); err != nil {
			s.log.Warn("rejected billing webhook", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp, err := s.deps.Billing.Handle(r.Context(), body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, billing.Response{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskResponse struct {
	Task  models.Task       `json:"task"`
	Audit []models.AuditLog `json:"audit"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task inspection disabled")
		return
	}
	id := chi.URLParam(r, "id")
	task, err := s.deps.Tasks.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	audit, err := s.deps.Tasks.AuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if audit == nil {
		audit = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Audit: audit})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DLQ == nil {
		writeError(w, http.StatusServiceUnavailable, "dlq disabled")
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.deps.DLQ.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
