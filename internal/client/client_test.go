package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foxzi/wapanel/internal/api"
	"github.com/foxzi/wapanel/internal/models"
)

func TestClient_Requests(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Unauthorized"})
			return
		}
		switch r.URL.Path {
		case "/api/v1/bulk-sends/status":
			json.NewEncoder(w).Encode(models.Status{Processing: true, QuotaRemaining: 7})
		case "/api/v1/bulk-sends/c1/pause":
			json.NewEncoder(w).Encode(api.ActionResponse{Success: true, CampaignID: "c1"})
		case "/api/v1/reminders/start":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(api.ReminderResponse{Campaign: &models.Campaign{ID: "r1"}, Async: true})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Bulk send not found"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Processing || st.QuotaRemaining != 7 {
		t.Errorf("Status() = %+v", st)
	}

	act, err := c.Pause(ctx, "c1")
	if err != nil || !act.Success {
		t.Errorf("Pause() = %+v, %v", act, err)
	}

	rem, err := c.StartReminders(ctx, 2)
	if err != nil || rem.Campaign.ID != "r1" {
		t.Errorf("StartReminders() = %+v, %v", rem, err)
	}

	_, err = c.Cancel(ctx, "missing")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "Bulk send not found" {
		t.Errorf("Cancel() error = %v", err)
	}

	want := []string{
		"GET /api/v1/bulk-sends/status",
		"POST /api/v1/bulk-sends/c1/pause",
		"POST /api/v1/reminders/start?lead=2",
		"POST /api/v1/bulk-sends/missing/cancel",
	}
	if len(got) != len(want) {
		t.Fatalf("requests = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Quota(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Quota() error = %v", err)
	}
	if apiErr.Error() != "HTTP 401" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}
