package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pixelforge/pixelforge/internal/health"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/metrics"
	"github.com/pixelforge/pixelforge/internal/orchestrator"
	"github.com/pixelforge/pixelforge/internal/report"
	"github.com/pixelforge/pixelforge/internal/validator"
)

type generationRequest struct {
	UserID string `json:"userId"`
	Model  string `json:"model"`
	Style  string `json:"style"`
	Color  string `json:"color"`
	Size   string `json:"size"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if s.limiter != nil && !s.limiter.Allow(strings.TrimSpace(req.UserID)) {
		metrics.RateLimitHits.Inc()
		s.respondError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}

	result, err := s.orchestrator.Create(r.Context(), orchestrator.CreateParams{
		UserID: req.UserID,
		Model:  req.Model,
		Style:  req.Style,
		Color:  req.Color,
		Size:   req.Size,
		Prompt: req.Prompt,
	})
	if err != nil {
		s.respondGenerationError(w, req, err)
		return
	}

	metrics.Generations.WithLabelValues(req.Model, "completed").Inc()
	metrics.CreditsDeducted.Add(float64(result.DeductedCredits))
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) respondGenerationError(w http.ResponseWriter, req generationRequest, err error) {
	var ve *validator.ValidationError
	if errors.As(err, &ve) {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{
			"error": ve.Message,
			"field": ve.Field,
		})
		return
	}
	if ice, ok := ledger.IsInsufficientCredits(err); ok {
		metrics.InsufficientCredits.Inc()
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient credits",
			"required":  ice.Required,
			"available": ice.Available,
		})
		return
	}
	if errors.Is(err, ledger.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("user %s not found", req.UserID))
		return
	}
	var gfe *orchestrator.GenerationFailedError
	if errors.As(err, &gfe) {
		metrics.Generations.WithLabelValues(req.Model, "failed").Inc()
		metrics.CreditsDeducted.Add(float64(gfe.Refunded))
		metrics.CreditsRefunded.Add(float64(gfe.Refunded))
		s.respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error":               "image generation failed",
			"generationRequestId": gfe.RequestID,
			"creditsRefunded":     gfe.Refunded,
		})
		return
	}
	s.logf("generation errored user=%s err=%v", req.UserID, err)
	s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	req, err := s.store.GetRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("generation request %s not found", requestID))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, req)
}

type createUserRequest struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Credits *int64 `json:"credits"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	credits := s.initialCredits
	if req.Credits != nil {
		if *req.Credits < 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("credits must not be negative"))
			return
		}
		credits = *req.Credits
	}

	user, err := s.store.CreateUser(r.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.Email), credits)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logf("provisioned user=%s credits=%d", user.ID, user.Credits)
	s.respondJSON(w, http.StatusCreated, user)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, transactions, err := s.store.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("user %s not found", userID))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"userId":         userID,
		"currentCredits": balance,
		"transactions":   transactions,
	})
}

func (s *Server) handleRunWeeklyReport(w http.ResponseWriter, r *http.Request) {
	var (
		rep *ledger.Report
		err error
	)
	if raw := r.URL.Query().Get("weekStart"); raw != "" {
		weekStart, parseErr := time.Parse("2006-01-02", raw)
		if parseErr != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid weekStart %q: %w", raw, parseErr))
			return
		}
		rep, err = s.aggregator.Generate(r.Context(), weekStart)
	} else {
		rep, err = s.aggregator.RunWeekly(r.Context())
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.ReportsGenerated.Inc()
	for _, anomaly := range rep.Anomalies {
		metrics.AnomaliesDetected.WithLabelValues(anomaly.Kind).Inc()
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGetWeeklyReport(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("weekStart")
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("weekStart query parameter is required"))
		return
	}
	weekStart, err := time.Parse("2006-01-02", raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid weekStart %q: %w", raw, err))
		return
	}
	rep, err := s.store.ReportByWeekStart(r.Context(), report.WeekStart(weekStart))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("no report for week starting %s", raw))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	rep := s.checker.Check(r.Context())
	status := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, rep)
}
