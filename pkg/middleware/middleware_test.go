package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"broadcast-scheduling-backend/pkg/logging"
	"broadcast-scheduling-backend/pkg/utils"
)

func whoAmI(w http.ResponseWriter, r *http.Request) {
	if user, ok := GetUserFromContext(r.Context()); ok {
		_, _ = w.Write([]byte(user.ID))
		return
	}
	_, _ = w.Write([]byte("anonymous"))
}

func TestAuthMiddleware(t *testing.T) {
	now := time.Now()
	jwtSvc := utils.NewJWTService("test-secret").WithClock(func() time.Time { return now })
	token, _, err := jwtSvc.GenerateAccessToken("user-1", "ann@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	expired, _, _ := jwtSvc.WithClock(func() time.Time { return now.Add(-2 * time.Hour) }).
		GenerateAccessToken("user-1", "ann@example.com", time.Hour)

	handler := AuthMiddleware(jwtSvc, logging.Discard())(http.HandlerFunc(whoAmI))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "missing header", status: http.StatusUnauthorized, body: "Missing authorization header"},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized, body: "Invalid authorization header format"},
		{name: "garbage token", header: "Bearer nope", status: http.StatusUnauthorized, body: "Invalid token"},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized, body: "Token expired"},
		{name: "valid", header: "Bearer " + token, status: http.StatusOK, body: "user-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/threads/t-1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body = %s, want it to contain %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	jwtSvc := utils.NewJWTService("test-secret")
	token, _, _ := jwtSvc.GenerateAccessToken("user-2", "", time.Hour)
	handler := OptionalAuthMiddleware(jwtSvc)(http.HandlerFunc(whoAmI))

	for header, want := range map[string]string{
		"":                "anonymous",
		"Bearer broken":   "anonymous",
		"Bearer " + token: "user-2",
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/threads/t-1/respond", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Body.String() != want {
			t.Errorf("header %q: body = %q, want %q", header, rec.Body.String(), want)
		}
	}
}

func TestRecoveryHidesPanicDetails(t *testing.T) {
	handler := Recovery(logging.Discard(), false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("database password is hunter2")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("panic value leaked: %s", rec.Body.String())
	}
}

func TestContentTypeJSON(t *testing.T) {
	handler := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{name: "json", contentType: "application/json; charset=utf-8", body: "{}", status: http.StatusNoContent},
		{name: "empty body without type", status: http.StatusNoContent},
		{name: "body without type", body: "{}", status: http.StatusBadRequest},
		{name: "form", contentType: "application/x-www-form-urlencoded", body: "a=b", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/threads/t-1/cancel", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestNormalizeTrimsTrailingSlash(t *testing.T) {
	var got string
	handler := Normalize()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Path
	}))
	for path, want := range map[string]string{
		"/api/threads/abc/": "/api/threads/abc",
		"/":                 "/",
		"/api/health":       "/api/health",
	} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		if got != want {
			t.Errorf("%q normalized to %q, want %q", path, got, want)
		}
	}
}
