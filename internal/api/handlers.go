package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

// CreateResponse is the response for POST /campaigns
type CreateResponse struct {
	CampaignID uint64          `json:"campaignId"`
	Status     campaign.Status `json:"status"`
	Warnings   []string        `json:"warnings,omitempty"`
	// Skipped lists malformed recipient lines that were left out
	Skipped []string `json:"skipped,omitempty"`
}

// ListResponse is the response for GET /campaigns
type ListResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
}

// RecipientsResponse is the response for GET /campaigns/{id}/recipients
type RecipientsResponse struct {
	Recipients []*campaign.EmailStatus `json:"recipients"`
	Offset     int                     `json:"offset"`
	Limit      int                     `json:"limit"`
}

// EventRequest is the body of POST /campaigns/{id}/events
type EventRequest struct {
	Index int    `json:"index"`
	Event string `json:"event"`
}

// TestEmailResponse is the response for POST /email/test
type TestEmailResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"subscribers"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error      string `json:"error"`
	CampaignID uint64 `json:"campaignId,omitempty"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeCampaign(w, r)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	req, skipped, err := body.toRequest()
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	c, err := s.campaigns.Create(r.Context(), req)
	if err != nil {
		if c != nil {
			s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), CampaignID: c.ID})
			return
		}
		s.logger.Error("failed to create campaign", "error", err)
		s.sendFailure(w, err)
		return
	}

	if err := s.campaigns.Start(r.Context(), c.ID); err != nil {
		if errors.Is(err, campaign.ErrConfigurationInvalid) {
			s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), CampaignID: c.ID})
			return
		}
		s.logger.Error("failed to start campaign", "campaign_id", c.ID, "error", err)
		s.sendFailure(w, err)
		return
	}

	s.logger.Info("campaign accepted via API",
		"campaign_id", c.ID,
		"recipients", c.RecipientCount,
		"skipped", len(skipped))

	s.sendJSON(w, http.StatusCreated, CreateResponse{
		CampaignID: c.ID,
		Status:     c.Status,
		Warnings:   c.Warnings,
		Skipped:    skipped,
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := campaign.ListFilter{
		Status: campaign.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	list, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendFailure(w, err)
		return
	}
	if list == nil {
		list = []*campaign.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, ListResponse{Campaigns: list})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignStatus handles GET /api/v1/campaigns/{id}/status
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}

	snap, err := s.campaigns.Status(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}

	if err := s.campaigns.Cancel(r.Context(), id); err != nil {
		s.sendFailure(w, err)
		return
	}

	s.logger.Info("campaign cancelled via API", "campaign_id", id)
	snap, err := s.campaigns.Status(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, snap)
}

// handleCampaignRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handleCampaignRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	rows, err := s.campaigns.Recipients(r.Context(), id, offset, limit)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, RecipientsResponse{
		Recipients: rows,
		Offset:     offset,
		Limit:      limit,
	})
}

// handleCampaignEvent handles POST /api/v1/campaigns/{id}/events
func (s *Server) handleCampaignEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind, err := campaign.ParseEventKind(req.Event)
	if err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	row, err := s.campaigns.RecordEvent(r.Context(), id, req.Index, kind)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, row)
}

// handleTestEmail handles POST /api/v1/email/test
func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeTestEmail(w, r)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	req, err := body.toRequest()
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	receipt, err := s.campaigns.SendTest(r.Context(), req)
	if err != nil {
		if transport.KindOf(err) != "" {
			s.sendError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.sendFailure(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, TestEmailResponse{
		Message: "Test email sent successfully",
		ID:      receipt.ID,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if s.broadcaster != nil {
		subscribers = s.broadcaster.Count()
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     s.version,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Subscribers: subscribers,
	})
}

func (s *Server) campaignID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.sendError(w, http.StatusBadRequest, "invalid campaign id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrExpired):
		return http.StatusGone
	case errors.Is(err, campaign.ErrAlreadyStarted),
		errors.Is(err, campaign.ErrRecipientFailed):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrConfigurationInvalid),
		errors.Is(err, transport.ErrConfigurationInvalid),
		errors.Is(err, recipient.ErrMalformedRecipient),
		errors.Is(err, merge.ErrMergeTokenUnresolved):
		return http.StatusUnprocessableEntity
	case errors.Is(err, campaign.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendFailure sends err with its mapped status; internal details of store
// failures are logged, not returned
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusServiceUnavailable:
		s.logger.Error("storage unavailable", "error", err)
		s.sendError(w, status, "Storage unavailable")
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, status, "Internal error")
	default:
		s.sendError(w, status, err.Error())
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
