package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/wapanel/internal/bulk"
	"github.com/foxzi/wapanel/internal/dispatch"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/recipients"
)

const defaultMaxUpload = 10 << 20

// BulkSendRequest is the JSON body for POST /bulk-sends
type BulkSendRequest struct {
	Name        string                     `json:"name" validate:"required,max=200"`
	Template    string                     `json:"template" validate:"required,max=512"`
	Language    string                     `json:"language,omitempty" validate:"omitempty,max=16"`
	Params      map[string]string          `json:"params,omitempty"`
	ContactList string                     `json:"contact_list,omitempty"`
	Recipients  []models.ResolvedRecipient `json:"recipients,omitempty" validate:"required_without=ContactList,dive"`
	Draft       bool                       `json:"draft,omitempty"`
}

// BulkSendResponse is the response for POST /bulk-sends
type BulkSendResponse struct {
	CampaignID string           `json:"campaign_id"`
	Campaign   *models.Campaign `json:"campaign"`
	Async      bool             `json:"async"`
	Progress   *models.Progress `json:"progress,omitempty"`
	Skipped    int              `json:"skipped"`
	Duplicates int              `json:"duplicates"`
}

// ListResponse is a page of items
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ActionResponse is the response for campaign control endpoints
type ActionResponse struct {
	Success    bool             `json:"success"`
	CampaignID string           `json:"campaign_id"`
	Async      bool             `json:"async,omitempty"`
	Progress   *models.Progress `json:"progress,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateBulkSend handles POST /api/v1/bulk-sends.
// Accepts either a JSON body or a multipart upload with a "file" part.
func (s *Server) handleCreateBulkSend(w http.ResponseWriter, r *http.Request) {
	var (
		req      bulk.Request
		resolved *recipients.Result
		err      error
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, resolved, err = s.readUpload(w, r)
	} else {
		req, resolved, err = s.readJSON(r)
	}
	if err != nil {
		s.sendServiceError(w, err, "Failed to read recipients")
		return
	}

	req.CreatedBy = actorFrom(r.Context())

	res, err := s.deps.Bulk.Launch(r.Context(), req, resolved)
	if err != nil {
		s.sendServiceError(w, err, "Failed to create bulk send")
		return
	}

	resp := BulkSendResponse{
		CampaignID: res.Campaign.ID,
		Campaign:   res.Campaign,
		Async:      true,
		Skipped:    res.Skipped,
		Duplicates: res.Duplicates,
	}
	if res.Start != nil {
		resp.Async = res.Start.Async
		resp.Progress = res.Start.Progress
	}

	status := http.StatusAccepted
	if !resp.Async {
		status = http.StatusOK
	}
	s.sendJSON(w, status, resp)
}

func (s *Server) readJSON(r *http.Request) (bulk.Request, *recipients.Result, error) {
	var body BulkSendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return bulk.Request{}, nil, fmt.Errorf("%w: invalid request body", models.ErrValidation)
	}
	if err := s.validateStruct(&body); err != nil {
		return bulk.Request{}, nil, err
	}

	req := bulk.Request{
		Name:     body.Name,
		Template: body.Template,
		Language: body.Language,
		Params:   body.Params,
		Draft:    body.Draft,
		Source:   models.SourceAPI,
	}

	if body.ContactList != "" {
		req.Source = models.SourceContacts
		resolved, err := s.deps.Bulk.ResolveContacts(r.Context(), body.ContactList)
		return req, resolved, err
	}
	return req, s.deps.Bulk.ResolveEntries(body.Recipients), nil
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (bulk.Request, *recipients.Result, error) {
	limit := s.config.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return bulk.Request{}, nil, fmt.Errorf("%w: invalid upload: %v", models.ErrValidation, err)
	}

	req := bulk.Request{
		Name:     r.FormValue("name"),
		Template: r.FormValue("template"),
		Language: r.FormValue("language"),
		Source:   models.SourceUpload,
	}
	req.Draft, _ = strconv.ParseBool(r.FormValue("draft"))

	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
			return req, nil, fmt.Errorf("%w: params must be a JSON object", models.ErrValidation)
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, nil, fmt.Errorf("%w: file is required", models.ErrValidation)
	}
	defer file.Close()

	resolved, err := s.deps.Bulk.ResolveUpload(header.Filename, file)
	return req, resolved, err
}

// handleListBulkSends handles GET /api/v1/bulk-sends
func (s *Server) handleListBulkSends(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := models.CampaignListFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	items, total, err := s.deps.Campaigns.List(r.Context(), filter)
	if err != nil {
		s.sendServiceError(w, err, "Failed to list bulk sends")
		return
	}
	if items == nil {
		items = []models.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, ListResponse[models.Campaign]{Items: items, Total: total, Limit: limit, Offset: offset})
}

// handleBulkStatus handles GET /api/v1/bulk-sends/status
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Progress.Status(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "Failed to get status")
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

// handleGetBulkSend handles GET /api/v1/bulk-sends/{id}
func (s *Server) handleGetBulkSend(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Progress.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get bulk send")
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

// handleListRecipients handles GET /api/v1/bulk-sends/{id}/recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	status := models.RecipientStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.RecipientPending, models.RecipientSent, models.RecipientFailed:
	default:
		s.sendError(w, http.StatusBadRequest, "status must be pending, sent or failed")
		return
	}

	items, total, err := s.deps.Campaigns.ListRecipients(r.Context(), models.RecipientFilter{
		CampaignID: chi.URLParam(r, "id"),
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.sendServiceError(w, err, "Failed to list recipients")
		return
	}
	if items == nil {
		items = []models.Recipient{}
	}

	s.sendJSON(w, http.StatusOK, ListResponse[models.Recipient]{Items: items, Total: total, Limit: limit, Offset: offset})
}

// handleStart handles POST /api/v1/bulk-sends/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.deps.Control.StartCampaign(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "Failed to start bulk send")
		return
	}

	status := http.StatusAccepted
	if !res.Async {
		status = http.StatusOK
	}
	s.sendJSON(w, status, startResponse(res))
}

func startResponse(res *dispatch.StartResult) ActionResponse {
	return ActionResponse{
		Success:    true,
		CampaignID: res.CampaignID,
		Async:      res.Async,
		Progress:   res.Progress,
	}
}

func (s *Server) handleAction(name string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.sendServiceError(w, err, "Failed to "+name+" bulk send")
			return
		}
		s.logger.Info("bulk send "+name, "campaign_id", id, "remote_addr", r.RemoteAddr)
		s.sendJSON(w, http.StatusOK, ActionResponse{Success: true, CampaignID: id})
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version := s.deps.Version
	if version == "" {
		version = "dev"
	}
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// validateStruct formats validator errors as "field is required" messages
func (s *Server) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "required_without":
			msgs = append(msgs, field+" or contact_list is required")
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(msgs, ", "))
}

// sendServiceError maps domain errors onto HTTP status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrConflict):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrFatalCampaign):
		s.sendError(w, http.StatusNotFound, "Bulk send not found")
	case errors.Is(err, dispatch.ErrShuttingDown):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, bulk.ErrBusy):
		w.Header().Set("Retry-After", "1")
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(strings.ToLower(fallback), "error", err)
		s.sendError(w, http.StatusInternalServerError, fallback)
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
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
