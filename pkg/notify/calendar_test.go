package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPCalendarCreateMeeting(t *testing.T) {
	var got MeetingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/meetings" {
			http.Error(w, "unexpected route", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://meet.example.com/xyz","external_id":"evt-1"}`))
	}))
	defer srv.Close()

	cal := NewHTTPCalendar(srv.URL+"/", srv.Client())
	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	ref, err := cal.CreateMeeting(context.Background(), MeetingRequest{
		ThreadID: "th-1",
		Title:    "Planning",
		StartAt:  start,
		EndAt:    start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateMeeting failed: %v", err)
	}
	if ref.URL != "https://meet.example.com/xyz" || ref.ExternalID != "evt-1" || ref.Provider != "http" {
		t.Fatalf("unexpected meeting ref: %#v", ref)
	}
	if got.ThreadID != "th-1" || !got.StartAt.Equal(start) {
		t.Fatalf("unexpected request: %#v", got)
	}
}

func TestHTTPCalendarErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPCalendar(srv.URL, srv.Client()).CreateMeeting(context.Background(), MeetingRequest{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}
