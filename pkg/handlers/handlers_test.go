package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/logging"
	"broadcast-scheduling-backend/pkg/middleware"
	"broadcast-scheduling-backend/pkg/notify"
	"broadcast-scheduling-backend/pkg/scheduling"
	"broadcast-scheduling-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router http.Handler
	store  *database.MemoryDatabase
	tokens *utils.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := database.NewMemoryDatabase()
	now := func() time.Time { return fixedNow }
	var seq atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	logger := logging.Discard()

	notifier := notify.New(notify.NewStoreQueue(store), notify.NewStoreInbox(store), nil, notify.Options{
		BaseURL: "https://sched.example.com",
		NewID:   newID,
		Now:     now,
		Logger:  logger,
	})
	svc := scheduling.NewService(store, notifier, nil, scheduling.Options{
		Now:    now,
		NewID:  newID,
		Logger: logger,
	})
	tokens := utils.NewJWTService("handler-test-secret")

	threads := NewThreadHandler(svc, logger, now)
	invites := NewInviteHandler(svc, logger, now)
	inbox := NewInboxHandler(store, logger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Route("/threads", func(r chi.Router) {
			r.With(middleware.OptionalAuthMiddleware(tokens)).Post("/{threadID}/respond", threads.Respond)
			r.Group(func(r chi.Router) {
				r.Use(middleware.AuthMiddleware(tokens, logger))
				r.Post("/prepare", threads.Prepare)
				r.Get("/{threadID}", threads.Get)
				r.Post("/{threadID}/send", threads.Send)
				r.Get("/{threadID}/summary", threads.Summary)
				r.Get("/{threadID}/status", threads.Status)
				r.Post("/{threadID}/finalize", threads.Finalize)
				r.Post("/{threadID}/repropose", threads.Repropose)
				r.Post("/{threadID}/remind", threads.Remind)
				r.Post("/{threadID}/cancel", threads.Cancel)
			})
		})
		r.Get("/i/{token}", invites.Get)
		r.Post("/i/{token}/respond", invites.Respond)
		r.With(middleware.AuthMiddleware(tokens, logger)).Get("/inbox", inbox.ListInbox)
	})
	return &testServer{router: r, store: store, tokens: tokens}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *utils.APIError `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, _, err := s.tokens.GenerateAccessToken(userID, userID+"@example.com", time.Hour)
		if err != nil {
			t.Fatalf("GenerateAccessToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, env
}

func decodeData(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

type preparedThread struct {
	Thread struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"thread"`
	InviteesCount int `json:"invitees_count"`
	Slots         []struct {
		ID string `json:"slot_id"`
	} `json:"slots"`
}

func slotsJSON(n int) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		start := fixedNow.Add(time.Duration(48+24*i) * time.Hour)
		out = append(out, map[string]interface{}{
			"start_at": start,
			"end_at":   start.Add(time.Hour),
			"timezone": "UTC",
		})
	}
	return out
}

// sentThread prepares and sends a candidates thread as org-1.
func (s *testServer) sentThread(t *testing.T, emails ...string) preparedThread {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/threads/prepare", "org-1", map[string]interface{}{
		"title":  "Launch sync",
		"mode":   "candidates",
		"emails": emails,
		"slots":  slotsJSON(3),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("prepare status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var prepared preparedThread
	decodeData(t, env, &prepared)

	invitees := make([]map[string]string, 0, len(emails))
	for _, e := range emails {
		invitees = append(invitees, map[string]string{"email": e})
	}
	rec, _ = s.do(t, http.MethodPost, "/api/threads/"+prepared.Thread.ID+"/send", "org-1", map[string]interface{}{
		"invitees": invitees,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return prepared
}

func TestThreadFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/api/threads/prepare", "", map[string]interface{}{"title": "x"})
	if rec.Code != http.StatusUnauthorized || env.Success {
		t.Fatalf("anonymous prepare status = %d", rec.Code)
	}

	prepared := s.sentThread(t, "ann@example.com", "bob@example.com")
	if prepared.InviteesCount != 2 || len(prepared.Slots) != 3 {
		t.Fatalf("prepared = %+v", prepared)
	}
	threadPath := "/api/threads/" + prepared.Thread.ID
	slot2 := prepared.Slots[1].ID

	rec, _ = s.do(t, http.MethodGet, threadPath, "org-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign organizer status = %d, want 404", rec.Code)
	}

	rec, env = s.do(t, http.MethodPost, threadPath+"/respond", "", map[string]interface{}{"response": "ok"})
	if rec.Code != http.StatusBadRequest || env.Error.Field != "invitee_key" {
		t.Fatalf("respond without key: status = %d, error = %+v", rec.Code, env.Error)
	}

	for _, email := range []string{"ann@example.com", "bob@example.com"} {
		rec, _ = s.do(t, http.MethodPost, threadPath+"/respond", "", map[string]interface{}{
			"invitee_key":      identity.External(email).String(),
			"response":         "ok",
			"selected_slot_id": slot2,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("respond %s: status = %d, body = %s", email, rec.Code, rec.Body.String())
		}
	}

	rec, env = s.do(t, http.MethodGet, threadPath+"/summary", "org-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}
	var summary scheduling.SummaryResult
	decodeData(t, env, &summary)
	if got := summary.Summary.Slots[1].Votes; got != 2 {
		t.Errorf("slot 2 votes = %d, want 2", got)
	}

	var first, second scheduling.FinalizeResult
	rec, env = s.do(t, http.MethodPost, threadPath+"/finalize", "org-1", map[string]string{"selected_slot_id": slot2})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	decodeData(t, env, &first)
	rec, env = s.do(t, http.MethodPost, threadPath+"/finalize", "org-1", map[string]string{"selected_slot_id": slot2})
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat finalize status = %d", rec.Code)
	}
	decodeData(t, env, &second)
	if !first.Finalized || len(first.FinalParticipants) != 2 {
		t.Fatalf("finalize = %+v", first)
	}
	if !second.FinalizedAt.Equal(first.FinalizedAt) || second.SelectedSlot.ID != slot2 {
		t.Errorf("repeat finalize returned %+v, want the first result", second)
	}

	rec, _ = s.do(t, http.MethodPost, threadPath+"/remind", "org-1", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("remind on confirmed thread status = %d, want 400", rec.Code)
	}
	rec, _ = s.do(t, http.MethodPost, threadPath+"/repropose", "org-1", map[string]interface{}{"new_slots": slotsJSON(1)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("repropose on confirmed thread status = %d, want 400", rec.Code)
	}

	rec, env = s.do(t, http.MethodGet, "/api/inbox", "org-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inbox status = %d", rec.Code)
	}
	var inbox struct {
		Count int `json:"count"`
	}
	decodeData(t, env, &inbox)
	if inbox.Count == 0 {
		t.Error("organizer inbox is empty after responses and finalization")
	}
}

func TestRemindCooldownOverHTTP(t *testing.T) {
	s := newTestServer(t)
	prepared := s.sentThread(t, "ann@example.com")
	path := "/api/threads/" + prepared.Thread.ID + "/remind"

	rec, env := s.do(t, http.MethodPost, path, "org-1", map[string]interface{}{"message": "please answer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first remind status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result scheduling.RemindResult
	decodeData(t, env, &result)
	if result.RemindedCount != 1 {
		t.Errorf("reminded_count = %d, want 1", result.RemindedCount)
	}

	rec, env = s.do(t, http.MethodPost, path, "org-1", map[string]interface{}{})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second remind status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}
	if env.Error == nil || env.Error.Code != "RATE_LIMITED" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestReproposeCapOverHTTP(t *testing.T) {
	s := newTestServer(t)
	prepared := s.sentThread(t, "ann@example.com")
	path := "/api/threads/" + prepared.Thread.ID + "/repropose"

	for i := 0; i < 2; i++ {
		rec, _ := s.do(t, http.MethodPost, path, "org-1", map[string]interface{}{"new_slots": slotsJSON(2)})
		if rec.Code != http.StatusOK {
			t.Fatalf("repropose %d status = %d, body = %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec, env := s.do(t, http.MethodPost, path, "org-1", map[string]interface{}{"new_slots": slotsJSON(2)})
	if rec.Code != http.StatusBadRequest || env.Error.Code != "CAPACITY_EXCEEDED" {
		t.Fatalf("third repropose status = %d, error = %+v", rec.Code, env.Error)
	}
	details, _ := env.Error.Details.(map[string]interface{})
	if details["current"] != float64(2) || details["max"] != float64(2) {
		t.Errorf("details = %v, want current=2 max=2", env.Error.Details)
	}
}

func TestInviteLinkOverHTTP(t *testing.T) {
	s := newTestServer(t)
	prepared := s.sentThread(t, "ann@example.com")

	invites, err := s.store.ListInvites(context.Background(), prepared.Thread.ID)
	if err != nil || len(invites) != 1 {
		t.Fatalf("ListInvites = %v, %v", invites, err)
	}
	path := "/api/i/" + invites[0].Token

	rec, env := s.do(t, http.MethodGet, path, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get invite status = %d", rec.Code)
	}
	var view scheduling.InviteView
	decodeData(t, env, &view)
	if view.ThreadID != prepared.Thread.ID || len(view.Slots) != 3 || view.Expired {
		t.Fatalf("invite view = %+v", view)
	}

	rec, _ = s.do(t, http.MethodPost, path+"/respond", "", map[string]interface{}{
		"response":         "maybe",
		"selected_slot_id": prepared.Slots[0].ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("respond via invite status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec, _ = s.do(t, http.MethodGet, "/api/i/unknown-token", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token status = %d, want 404", rec.Code)
	}
}

func TestRequestValidationOverHTTP(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{name: "unknown field", body: map[string]interface{}{"title": "x", "mode": "fixed", "colour": "red"}},
		{name: "missing title", body: map[string]interface{}{"mode": "fixed"}, field: "title"},
		{name: "bad mode", body: map[string]interface{}{"title": "x", "mode": "weekly", "emails": []string{"a@example.com"}}, field: "mode"},
		{name: "fixed needs one slot", body: map[string]interface{}{"title": "x", "mode": "fixed", "emails": []string{"a@example.com"}, "slots": slotsJSON(2)}, field: "slots"},
		{name: "no invitees", body: map[string]interface{}{"title": "x", "mode": "candidates", "slots": slotsJSON(1)}, field: "invitees"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := s.do(t, http.MethodPost, "/api/threads/prepare", "org-1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
			}
			if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
				t.Fatalf("error = %+v", env.Error)
			}
			if tt.field != "" && env.Error.Field != tt.field {
				t.Errorf("field = %q, want %q", env.Error.Field, tt.field)
			}
		})
	}
}

func TestWriteServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: &scheduling.Error{Kind: scheduling.KindValidation, Field: "slots", Message: "is required"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{err: &scheduling.Error{Kind: scheduling.KindNotFound, Message: "thread not found"}, status: http.StatusNotFound, code: "NOT_FOUND"},
		{err: &scheduling.Error{Kind: scheduling.KindForbidden, Message: "thread not found"}, status: http.StatusNotFound, code: "NOT_FOUND"},
		{err: &scheduling.Error{Kind: scheduling.KindPaymentRequired, Message: "past due"}, status: http.StatusPaymentRequired, code: "PAYMENT_REQUIRED"},
		{err: &scheduling.Error{Kind: scheduling.KindConflict, Message: "thread changed"}, status: http.StatusConflict, code: "CONFLICT"},
		{err: &scheduling.Error{Kind: scheduling.KindRateLimited, Message: "slow down", NextAvailableAt: fixedNow.Add(time.Minute)}, status: http.StatusTooManyRequests, code: "RATE_LIMITED"},
		{err: fmt.Errorf("wrapped: %w", &scheduling.Error{Kind: scheduling.KindCapacity, Current: 3, Max: 2}), status: http.StatusBadRequest, code: "CAPACITY_EXCEEDED"},
		{err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: "INTERNAL_SERVER_ERROR"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/threads/t-1/finalize", nil)
		writeServiceError(rec, req, logging.Discard(), fixedNow, tt.err)

		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
			continue
		}
		var env envelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error == nil || env.Error.Code != tt.code {
			t.Errorf("%v: error = %+v, want code %s", tt.err, env.Error, tt.code)
		}
		if tt.status == http.StatusInternalServerError && bytes.Contains(rec.Body.Bytes(), []byte("disk on fire")) {
			t.Error("internal error detail leaked into the response")
		}
	}
}
