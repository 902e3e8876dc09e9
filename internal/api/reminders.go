package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/foxzi/wapanel/internal/models"
)

// ReminderResponse is the response for POST /reminders/start
type ReminderResponse struct {
	Campaign   *models.Campaign `json:"campaign"`
	Async      bool             `json:"async"`
	Progress   *models.Progress `json:"progress,omitempty"`
	Skipped    int              `json:"skipped"`
	Duplicates int              `json:"duplicates"`
}

// handleReminderStart handles POST /api/v1/reminders/start?lead=N
func (s *Server) handleReminderStart(w http.ResponseWriter, r *http.Request) {
	lead, err := leadDays(r)
	if err != nil {
		s.sendServiceError(w, err, "")
		return
	}

	res, err := s.deps.Reminders.Start(r.Context(), lead)
	if err != nil {
		s.sendServiceError(w, err, "Failed to start reminders")
		return
	}

	resp := ReminderResponse{
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

// handleReminderPreview handles GET /api/v1/reminders/preview?lead=N
func (s *Server) handleReminderPreview(w http.ResponseWriter, r *http.Request) {
	lead, err := leadDays(r)
	if err != nil {
		s.sendServiceError(w, err, "")
		return
	}

	p, err := s.deps.Reminders.Preview(r.Context(), lead)
	if err != nil {
		s.sendServiceError(w, err, "Failed to preview reminders")
		return
	}
	if p.Appointments == nil {
		p.Appointments = []models.Appointment{}
	}
	s.sendJSON(w, http.StatusOK, p)
}

// handleQuota handles GET /api/v1/quota
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Quota.Stats())
}

// leadDays reads the lead query parameter, defaulting to one day
func leadDays(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("lead")
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: lead must be a number of days", models.ErrValidation)
	}
	return n, nil
}
