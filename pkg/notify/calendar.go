package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
)

// MeetingRequest describes the event to create for a finalized slot.
type MeetingRequest struct {
	ThreadID     string              `json:"thread_id"`
	OrganizerID  string              `json:"organizer_id"`
	Title        string              `json:"title"`
	StartAt      time.Time           `json:"start_at"`
	EndAt        time.Time           `json:"end_at"`
	Timezone     string              `json:"timezone,omitempty"`
	Participants []identity.Identity `json:"participants"`
}

// Calendar creates a meeting for the final slot. Failures are never fatal to
// the caller.
type Calendar interface {
	CreateMeeting(ctx context.Context, req MeetingRequest) (*models.MeetingRef, error)
}

// NoopCalendar is used when no calendar service is configured.
type NoopCalendar struct{}

func (NoopCalendar) CreateMeeting(context.Context, MeetingRequest) (*models.MeetingRef, error) {
	return nil, nil
}

// HTTPCalendar posts meeting requests to an external calendar service which
// answers with {"url": "...", "external_id": "..."}.
type HTTPCalendar struct {
	endpoint string
	client   *http.Client
}

func NewHTTPCalendar(endpoint string, client *http.Client) *HTTPCalendar {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCalendar{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

type meetingResponse struct {
	URL        string `json:"url"`
	ExternalID string `json:"external_id"`
}

func (c *HTTPCalendar) CreateMeeting(ctx context.Context, req MeetingRequest) (*models.MeetingRef, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode meeting request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/meetings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build meeting request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("calendar responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out meetingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode calendar response: %w", err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("calendar response has no meeting url")
	}
	return &models.MeetingRef{Provider: "http", URL: out.URL, ExternalID: out.ExternalID}, nil
}
