package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/queue"
	"github.com/foxzi/smsqueue/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SendRequest is the request body for POST /messages
type SendRequest struct {
	UserID     string `json:"user_id" validate:"required,max=64"`
	To         string `json:"to" validate:"required,min=6,max=32"`
	SenderID   string `json:"sender_id,omitempty" validate:"omitempty,max=16"`
	Content    string `json:"content" validate:"required,max=1600"`
	ProviderID string `json:"provider_id" validate:"required"`
	MaxRetries int    `json:"max_retries,omitempty" validate:"gte=0,lte=10"`
}

// DeliveryReportRequest is the request body for POST /dlr/{providerId}
type DeliveryReportRequest struct {
	MessageID         string `json:"message_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty" validate:"required_without=MessageID"`
	Status            string `json:"status" validate:"required,oneof=delivered undelivered"`
	Error             string `json:"error,omitempty" validate:"max=500"`
}

// TransitionResponse is the response of pause and resume
type TransitionResponse struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Messages   int    `json:"messages"`
}

// MessageListResponse is the response for GET /campaigns/{id}/messages
type MessageListResponse struct {
	Messages []*models.Message `json:"messages"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Uptime  string         `json:"uptime"`
	Queue   map[string]int `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "get campaign", id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignMessages handles GET /api/v1/campaigns/{id}/messages
func (s *Server) handleCampaignMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit, offset, err := pagination(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := models.MessageStatus(r.URL.Query().Get("status"))
	if status != "" && !validMessageStatus(status) {
		s.sendError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		s.handleEngineError(w, "get campaign", id, err)
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), storage.MessageFilter{
		CampaignID: id,
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.handleEngineError(w, "list messages", id, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}

	s.sendJSON(w, http.StatusOK, MessageListResponse{
		Messages: msgs,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleQueueCampaign handles POST /api/v1/campaigns/{id}/queue
func (s *Server) handleQueueCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.engine.QueueCampaign(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "queue campaign", id, err)
		return
	}

	status := http.StatusAccepted
	if res.AlreadyRunning {
		status = http.StatusConflict
	}
	s.sendJSON(w, status, res)
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.engine.PauseCampaign(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "pause campaign", id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, TransitionResponse{
		CampaignID: id,
		Status:     string(models.CampaignPaused),
		Messages:   n,
	})
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.engine.ResumeCampaign(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "resume campaign", id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, TransitionResponse{
		CampaignID: id,
		Status:     string(models.CampaignSending),
		Messages:   n,
	})
}

// handleSyncCampaign handles POST /api/v1/campaigns/{id}/sync
func (s *Server) handleSyncCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.engine.SynchronizeCampaignCounters(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "sync campaign", id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, res)
}

// handleSyncAll handles POST /api/v1/sync
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.SynchronizeCampaignCounters(r.Context(), "")
	if err != nil {
		s.handleEngineError(w, "sync campaigns", "", err)
		return
	}

	s.sendJSON(w, http.StatusOK, res)
}

// handleSendMessage handles POST /api/v1/messages
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	msg, err := s.engine.EnqueueMessage(r.Context(), queue.AdHocMessage{
		UserID:     req.UserID,
		To:         req.To,
		SenderID:   req.SenderID,
		Content:    req.Content,
		ProviderID: req.ProviderID,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		s.handleEngineError(w, "enqueue message", "", err)
		return
	}

	s.logger.Info("message queued via API", "id", msg.ID, "provider_id", msg.ProviderID)
	s.sendJSON(w, http.StatusAccepted, msg)
}

// handleGetMessage handles GET /api/v1/messages/{id}
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.store.GetMessage(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "get message", id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, msg)
}

// handleProcessMessage handles POST /api/v1/messages/{id}/process
func (s *Server) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.engine.ProcessMessage(r.Context(), id)
	if err != nil {
		s.handleEngineError(w, "process message", id, err)
		return
	}

	s.sendJSON(w, http.StatusOK, msg)
}

// handleDeliveryReport handles POST /api/v1/dlr/{providerId}
func (s *Server) handleDeliveryReport(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerId")

	var req DeliveryReportRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	msg, err := s.engine.HandleDeliveryReport(r.Context(), queue.DeliveryReport{
		ProviderID:        providerID,
		MessageID:         req.MessageID,
		ProviderMessageID: req.ProviderMessageID,
		Status:            models.MessageStatus(req.Status),
		Error:             req.Error,
	})
	if err != nil {
		s.handleEngineError(w, "apply delivery report", req.MessageID, err)
		return
	}

	s.sendJSON(w, http.StatusOK, msg)
}

// handleQueueStats handles GET /api/v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.handleEngineError(w, "get queue stats", "", err)
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if stats, err := s.engine.Stats(r.Context()); err == nil {
		resp.Queue = make(map[string]int, len(stats.Messages))
		for status, n := range stats.Messages {
			resp.Queue[string(status)] = n
		}
	} else {
		resp.Status = "degraded"
	}

	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return false
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, validationMessage(fe))
		}
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Details: details,
		})
		return false
	}
	return true
}

// handleEngineError maps queue and storage errors to HTTP statuses
func (s *Server) handleEngineError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, queue.ErrCampaignNotSending),
		errors.Is(err, queue.ErrCampaignNotPaused),
		errors.Is(err, queue.ErrMessageNotQueued),
		errors.Is(err, queue.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case queue.IsConfigError(err):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, queue.ErrRateLimited):
		s.sendError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, queue.ErrInvalidReport), errors.Is(err, queue.ErrProviderNotFound):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to "+op, "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultListLimit
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit")
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset")
		}
	}
	return limit, offset, nil
}

func validMessageStatus(status models.MessageStatus) bool {
	for _, st := range models.AllMessageStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_without":
		return fe.Field() + " is required when " + fe.Param() + " is empty"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "min", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "max", "lte":
		return fe.Field() + " must be at most " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
