package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := NewJWTService("test-secret").WithClock(func() time.Time { return now })

	token, expiry, err := svc.GenerateAccessToken("user-1", "ann@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if !expiry.Equal(now.Add(time.Hour)) {
		t.Errorf("expiry = %s", expiry)
	}

	user, err := svc.ExtractUserFromToken(token)
	if err != nil {
		t.Fatalf("ExtractUserFromToken: %v", err)
	}
	if user.ID != "user-1" || user.Email != "ann@example.com" {
		t.Errorf("user = %+v", user)
	}

	later := svc.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	if _, err := later.ValidateAccessToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token error = %v, want ErrTokenExpired", err)
	}

	other := NewJWTService("other-secret").WithClock(func() time.Time { return now })
	if _, err := other.ValidateAccessToken(token); !errors.Is(err, ErrTokenMalformed) {
		t.Errorf("wrong secret error = %v, want ErrTokenMalformed", err)
	}
}

func TestGenerateURLToken(t *testing.T) {
	a, err := GenerateURLToken(24)
	if err != nil {
		t.Fatalf("GenerateURLToken: %v", err)
	}
	b, _ := GenerateURLToken(24)
	if a == b {
		t.Error("tokens must differ")
	}
	if len(a) != 32 || strings.ContainsAny(a, "+/=") {
		t.Errorf("token %q is not 32 url-safe chars", a)
	}
	short, _ := GenerateURLToken(1)
	if len(short) < 21 {
		t.Errorf("short token %q below minimum entropy", short)
	}
}

type decodeTarget struct {
	Title string   `json:"title" validate:"required"`
	Mode  string   `json:"mode" validate:"required,oneof=fixed candidates open"`
	Tags  []string `json:"tags,omitempty" validate:"max=2"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		field   string
		wantErr bool
	}{
		{name: "valid", body: `{"title":"x","mode":"fixed"}`},
		{name: "missing title", body: `{"mode":"fixed"}`, field: "title", wantErr: true},
		{name: "bad mode", body: `{"title":"x","mode":"poll"}`, field: "mode", wantErr: true},
		{name: "unknown field", body: `{"title":"x","mode":"fixed","extra":1}`, wantErr: true},
		{name: "malformed", body: `{"title":`, wantErr: true},
		{name: "empty body", body: ``, field: "title", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v decodeTarget
			err := DecodeJSON(req, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("error %T is not a RequestError", err)
			}
			if reqErr.Field != tt.field {
				t.Errorf("field = %q, want %q", reqErr.Field, tt.field)
			}
		})
	}
}

func TestWriteTooManyRequestsResponse(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec := httptest.NewRecorder()
	WriteTooManyRequestsResponse(rec, "slow down", now.Add(90*time.Second), now)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Errorf("Retry-After = %q, want 90", got)
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string                 `json:"code"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error.Code != "RATE_LIMITED" || body.Error.Details["next_available_at"] != "2026-03-02T09:01:30Z" {
		t.Errorf("body = %+v", body)
	}
}
