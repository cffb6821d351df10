package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broadcast-scheduling-backend/pkg/billing"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/logging"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/notify"
)

const organizer = "org-1"

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyQueue fails deliveries to the listed addresses and stores the rest.
type flakyQueue struct {
	next   notify.Queue
	failTo map[string]bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, job *models.DeliveryJob) error {
	if q.failTo[job.To] {
		return errors.New("mail relay refused recipient")
	}
	return q.next.Enqueue(ctx, job)
}

type blockingGate struct{}

func (blockingGate) Check(context.Context, string, billing.Action) (billing.Decision, error) {
	return billing.Decision{Allowed: false, Reason: "subscription is past_due"}, nil
}

// brokenCalendar refuses every meeting request.
type brokenCalendar struct{}

func (brokenCalendar) CreateMeeting(context.Context, notify.MeetingRequest) (*models.MeetingRef, error) {
	return nil, errors.New("calendar api unavailable")
}

// selectionOutage fails ListSelections while down is set.
type selectionOutage struct {
	*database.MemoryDatabase
	down atomic.Bool
}

func (s *selectionOutage) ListSelections(ctx context.Context, threadID string) ([]models.Selection, error) {
	if s.down.Load() {
		return nil, errors.New("connection reset")
	}
	return s.MemoryDatabase.ListSelections(ctx, threadID)
}

type harness struct {
	store *database.MemoryDatabase
	queue *flakyQueue
	clock *clock
	svc   *Service
}

// harnessConfig.wrap lets a test put a failing layer in front of the memory store.
type harnessConfig struct {
	gate     billing.Gate
	calendar notify.Calendar
	wrap     func(*database.MemoryDatabase) database.DatabaseInterface
}

func newHarness(t *testing.T, gate billing.Gate) *harness {
	t.Helper()
	return newHarnessWith(t, harnessConfig{gate: gate})
}

func newHarnessWith(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	store := database.NewMemoryDatabase()
	var backend database.DatabaseInterface = store
	if cfg.wrap != nil {
		backend = cfg.wrap(store)
	}
	clk := &clock{now: baseTime}
	var seq, tok atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }

	queue := &flakyQueue{next: notify.NewStoreQueue(store), failTo: map[string]bool{}}
	notifier := notify.New(queue, notify.NewStoreInbox(store), cfg.calendar, notify.Options{
		BaseURL:     "https://sched.example.com",
		Concurrency: 4,
		NewID:       newID,
		Now:         clk.Now,
		Logger:      logging.Discard(),
	})
	svc := NewService(backend, notifier, cfg.gate, Options{
		Now:   clk.Now,
		NewID: newID,
		NewToken: func() (string, error) {
			return fmt.Sprintf("tok-%d", tok.Add(1)), nil
		},
		Logger: logging.Discard(),
	})
	return &harness{store: store, queue: queue, clock: clk, svc: svc}
}

func slotInputs(n int) []models.SlotInput {
	out := make([]models.SlotInput, 0, n)
	for i := 0; i < n; i++ {
		start := baseTime.Add(time.Duration(48+24*i) * time.Hour)
		out = append(out, models.SlotInput{StartAt: start, EndAt: start.Add(time.Hour), Timezone: "Asia/Tokyo"})
	}
	return out
}

func inviteeInputs(emails ...string) []InviteeInput {
	out := make([]InviteeInput, 0, len(emails))
	for _, e := range emails {
		out = append(out, InviteeInput{Email: e})
	}
	return out
}

// sentThread prepares and sends a candidates thread to the given emails.
func (h *harness) sentThread(t *testing.T, in PrepareInput, emails ...string) *PrepareResult {
	t.Helper()
	ctx := context.Background()
	if in.Title == "" {
		in.Title = "Quarterly review"
	}
	if in.Mode == "" {
		in.Mode = models.ModeCandidates
	}
	if in.Slots == nil {
		in.Slots = slotInputs(3)
	}
	in.Emails = emails
	prepared, err := h.svc.Prepare(ctx, organizer, in)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := h.svc.Send(ctx, organizer, prepared.Thread.ID, SendInput{Invitees: inviteeInputs(emails...)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	return prepared
}

func (h *harness) jobsOfType(t *testing.T, jobType string) []models.DeliveryJob {
	t.Helper()
	jobs, err := h.store.ListJobs(context.Background(), 1000)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	var out []models.DeliveryJob
	for _, j := range jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func respondOK(t *testing.T, h *harness, threadID, email, slotID string) *RespondResult {
	t.Helper()
	res, err := h.svc.Respond(context.Background(), Caller{}, threadID, RespondInput{
		InviteeKey:     identity.External(email).String(),
		Response:       "ok",
		SelectedSlotID: slotID,
	})
	if err != nil {
		t.Fatalf("Respond(%s): %v", email, err)
	}
	return res
}

func requireKind(t *testing.T, err error, want ErrorKind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	e, ok := AsError(err)
	if !ok {
		t.Fatalf("expected domain error %s, got %v", want, err)
	}
	if e.Kind != want {
		t.Fatalf("kind = %s, want %s (%v)", e.Kind, want, err)
	}
	return e
}

func TestPrepareValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	one := 1
	zero := 0

	tests := []struct {
		name  string
		in    PrepareInput
		kind  ErrorKind
		field string
	}{
		{"missing title", PrepareInput{Mode: models.ModeCandidates, Emails: []string{"a@example.com"}, Slots: slotInputs(1)}, KindValidation, "title"},
		{"unknown mode", PrepareInput{Title: "x", Mode: "poll", Emails: []string{"a@example.com"}}, KindValidation, "mode"},
		{"quorum without count", PrepareInput{Title: "x", Mode: models.ModeCandidates, FinalizePolicy: models.PolicyQuorum, Emails: []string{"a@example.com"}, Slots: slotInputs(1)}, KindValidation, "quorum_count"},
		{"required people without contacts", PrepareInput{Title: "x", Mode: models.ModeCandidates, FinalizePolicy: models.PolicyRequiredPeople, Emails: []string{"a@example.com"}, Slots: slotInputs(1)}, KindValidation, "required_contact_ids"},
		{"candidates without slots", PrepareInput{Title: "x", Mode: models.ModeCandidates, Emails: []string{"a@example.com"}}, KindValidation, "slots"},
		{"fixed with two slots", PrepareInput{Title: "x", Mode: models.ModeFixed, Emails: []string{"a@example.com"}, Slots: slotInputs(2)}, KindValidation, "slots"},
		{"no invitees", PrepareInput{Title: "x", Mode: models.ModeCandidates, Slots: slotInputs(1)}, KindValidation, "invitees"},
		{"bad email", PrepareInput{Title: "x", Mode: models.ModeCandidates, Emails: []string{"not-an-email"}, Slots: slotInputs(1)}, KindValidation, "emails[0]"},
		{"bad deadline", PrepareInput{Title: "x", Mode: models.ModeCandidates, DeadlineHours: &zero, Emails: []string{"a@example.com"}, Slots: slotInputs(1)}, KindValidation, "deadline_hours"},
		{"participant limit", PrepareInput{Title: "x", Mode: models.ModeCandidates, ParticipantLimit: &one, Emails: []string{"a@example.com", "b@example.com"}, Slots: slotInputs(1)}, KindCapacity, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Prepare(ctx, organizer, tt.in)
			e := requireKind(t, err, tt.kind)
			if e.Field != tt.field {
				t.Errorf("field = %q, want %q", e.Field, tt.field)
			}
		})
	}
}

func TestPrepareResolvesAndDedupesInvitees(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	contacts := []*models.Contact{
		{ID: "c-1", OwnerID: organizer, Email: "Ann@Example.com", Name: "Ann", UserID: "user-ann"},
		{ID: "c-2", OwnerID: organizer, Email: "bob@example.com", Name: "Bob"},
		{ID: "c-3", OwnerID: "someone-else", Email: "eve@example.com"},
	}
	for _, c := range contacts {
		if err := h.store.CreateContact(ctx, c); err != nil {
			t.Fatalf("CreateContact: %v", err)
		}
	}
	if err := h.store.CreateContactList(ctx, &models.ContactList{ID: "l-1", OwnerID: organizer, Name: "team"}, []string{"c-1", "c-2"}); err != nil {
		t.Fatalf("CreateContactList: %v", err)
	}

	res, err := h.svc.Prepare(ctx, organizer, PrepareInput{
		Title:      "  Team sync ",
		Mode:       models.ModeCandidates,
		ContactIDs: []string{"c-1"},
		ListID:     "l-1",
		Emails:     []string{"BOB@example.com", "carol@example.com"},
		Slots:      slotInputs(2),
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	want := []identity.Identity{
		identity.Internal("user-ann"),
		identity.External("bob@example.com"),
		identity.External("carol@example.com"),
	}
	if res.InviteesCount != len(want) {
		t.Fatalf("invitees_count = %d, want %d", res.InviteesCount, len(want))
	}
	for i, key := range want {
		if res.Invitees[i].InviteeKey != key {
			t.Errorf("invitee[%d] = %s, want %s", i, res.Invitees[i].InviteeKey, key)
		}
	}
	if res.Thread.Title != "Team sync" {
		t.Errorf("title = %q", res.Thread.Title)
	}
	if res.Thread.Status != models.ThreadDraft || res.Thread.ProposalVersion != 1 {
		t.Errorf("thread = %s v%d, want draft v1", res.Thread.Status, res.Thread.ProposalVersion)
	}
	if res.Thread.Kind != models.ThreadExternal {
		t.Errorf("kind = %s, want external", res.Thread.Kind)
	}
	if res.GroupPolicy.MaxReproposals != 2 {
		t.Errorf("max_reproposals = %d, want 2", res.GroupPolicy.MaxReproposals)
	}
	if want := baseTime.Add(72 * time.Hour); !res.GroupPolicy.DeadlineAt.Equal(want) {
		t.Errorf("deadline = %s, want %s", res.GroupPolicy.DeadlineAt, want)
	}

	_, err = h.svc.Prepare(ctx, organizer, PrepareInput{
		Title: "x", Mode: models.ModeCandidates, ContactIDs: []string{"c-3"}, Slots: slotInputs(1),
	})
	requireKind(t, err, KindValidation)
}

func TestSendPartialFailureStillSends(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue.failTo["bob@example.com"] = true

	prepared, err := h.svc.Prepare(ctx, organizer, PrepareInput{
		Title:  "Kickoff",
		Mode:   models.ModeCandidates,
		Emails: []string{"ann@example.com", "bob@example.com", "cid@example.com"},
		Slots:  slotInputs(2),
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	res, err := h.svc.Send(ctx, organizer, prepared.Thread.ID, SendInput{
		Invitees: inviteeInputs("ann@example.com", "bob@example.com", "cid@example.com"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.SentCount != 2 || res.Total != 3 {
		t.Fatalf("sent %d/%d, want 2/3", res.SentCount, res.Total)
	}
	if res.Status != models.ThreadSent || res.Channel != models.ChannelEmail {
		t.Errorf("status=%s channel=%s", res.Status, res.Channel)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", res.Warnings)
	}

	thread, err := h.store.GetThread(ctx, prepared.Thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if thread.Status != models.ThreadSent {
		t.Errorf("stored status = %s, want sent", thread.Status)
	}
	invites, _ := h.store.ListInvites(ctx, thread.ID)
	if len(invites) != 3 {
		t.Fatalf("invites = %d, want 3", len(invites))
	}
	if want := baseTime.Add(9 * 24 * time.Hour); !invites[0].ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %s, want %s", invites[0].ExpiresAt, want)
	}
	if got := len(h.jobsOfType(t, notify.JobInvite)); got != 2 {
		t.Errorf("queued invite jobs = %d, want 2", got)
	}

	_, err = h.svc.Send(ctx, organizer, thread.ID, SendInput{Invitees: inviteeInputs("dan@example.com")})
	requireKind(t, err, KindValidation)
}

func TestOtherOrganizerCannotSeeThread(t *testing.T) {
	h := newHarness(t, nil)
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	_, err := h.svc.Summary(context.Background(), "intruder", prepared.Thread.ID)
	requireKind(t, err, KindForbidden)

	_, err = h.svc.Finalize(context.Background(), "intruder", prepared.Thread.ID, FinalizeInput{SelectedSlotID: prepared.Slots[0].ID})
	requireKind(t, err, KindForbidden)

	_, err = h.svc.Get(context.Background(), organizer, "missing")
	requireKind(t, err, KindNotFound)
}

func TestSummaryAndFinalizeScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")
	slot2 := prepared.Slots[1]

	respondOK(t, h, prepared.Thread.ID, "ann@example.com", slot2.ID)
	res := respondOK(t, h, prepared.Thread.ID, "bob@example.com", slot2.ID)
	if !res.Finalization.Met || res.Finalization.RecommendedSlotID != slot2.ID {
		t.Errorf("evaluation = %+v, want met on slot 2", res.Finalization)
	}

	summary, err := h.svc.Summary(ctx, organizer, prepared.Thread.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got := summary.Summary.Slots[1].Votes; got != 2 {
		t.Errorf("slot 2 votes = %d, want 2", got)
	}
	if summary.Summary.RespondedCount != 2 || summary.Summary.PendingCount != 0 {
		t.Errorf("responded=%d pending=%d", summary.Summary.RespondedCount, summary.Summary.PendingCount)
	}

	fin, err := h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: slot2.ID})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := []identity.Identity{identity.External("ann@example.com"), identity.External("bob@example.com")}
	if len(fin.FinalParticipants) != 2 || fin.FinalParticipants[0] != want[0] || fin.FinalParticipants[1] != want[1] {
		t.Errorf("final_participants = %v, want %v", fin.FinalParticipants, want)
	}
	if fin.SelectedSlot.ID != slot2.ID || fin.FinalizedByUserID != organizer {
		t.Errorf("finalize = %+v", fin)
	}
	if len(fin.Warnings) != 0 {
		t.Errorf("warnings = %v", fin.Warnings)
	}

	thread, _ := h.store.GetThread(ctx, prepared.Thread.ID)
	if thread.Status != models.ThreadConfirmed {
		t.Errorf("status = %s, want confirmed", thread.Status)
	}
	members, _ := h.store.ListMemberships(ctx, thread.ID)
	if len(members) != 1 || members[0].UserID != organizer {
		t.Errorf("memberships = %+v, want organizer only", members)
	}
	if got := len(h.jobsOfType(t, notify.JobFinalized)); got != 2 {
		t.Errorf("finalized jobs = %d, want 2", got)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")
	respondOK(t, h, prepared.Thread.ID, "ann@example.com", prepared.Slots[0].ID)

	first, err := h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: prepared.Slots[0].ID, Reason: "works for ann"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	h.clock.Advance(time.Hour)
	second, err := h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: prepared.Slots[2].ID})
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}

	if second.SelectedSlot.ID != first.SelectedSlot.ID ||
		!second.FinalizedAt.Equal(first.FinalizedAt) ||
		second.Reason != first.Reason ||
		len(second.FinalParticipants) != len(first.FinalParticipants) {
		t.Errorf("second finalize = %+v, want %+v", second, first)
	}
	if got := len(h.jobsOfType(t, notify.JobFinalized)); got != 1 {
		t.Errorf("finalized jobs = %d, want 1", got)
	}
}

func TestConcurrentFinalizeCommitsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")
	respondOK(t, h, prepared.Thread.ID, "ann@example.com", prepared.Slots[0].ID)
	respondOK(t, h, prepared.Thread.ID, "bob@example.com", prepared.Slots[1].ID)

	const callers = 10
	results := make([]*FinalizeResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{
				SelectedSlotID: prepared.Slots[i%2].ID,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	for i, res := range results {
		if res.SelectedSlot.ID != results[0].SelectedSlot.ID || !res.FinalizedAt.Equal(results[0].FinalizedAt) {
			t.Errorf("caller %d saw slot %s, caller 0 saw %s", i, res.SelectedSlot.ID, results[0].SelectedSlot.ID)
		}
	}
	if got := len(h.jobsOfType(t, notify.JobFinalized)); got != 1 {
		t.Errorf("finalized jobs = %d, want exactly one fan-out", got)
	}
}

func TestFinalizeRejectsInvalidSlot(t *testing.T) {
	h := newHarness(t, nil)
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	_, err := h.svc.Finalize(context.Background(), organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: "nope"})
	e := requireKind(t, err, KindValidation)
	if e.Field != "selected_slot_id" {
		t.Errorf("field = %q", e.Field)
	}
}

func TestFinalizeBlockedByBilling(t *testing.T) {
	h := newHarness(t, blockingGate{})
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	_, err := h.svc.Finalize(context.Background(), organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: prepared.Slots[0].ID})
	requireKind(t, err, KindPaymentRequired)

	_, err = h.svc.Remind(context.Background(), organizer, prepared.Thread.ID, RemindInput{})
	requireKind(t, err, KindPaymentRequired)
}

func TestFinalizeMembershipForInternalParticipants(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.store.CreateContact(ctx, &models.Contact{ID: "c-1", OwnerID: organizer, Email: "ann@example.com", UserID: "user-ann"}); err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	prepared, err := h.svc.Prepare(ctx, organizer, PrepareInput{
		Title: "1:1", Mode: models.ModeFixed, ContactIDs: []string{"c-1"}, Slots: slotInputs(1),
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if prepared.Thread.Kind != models.ThreadInternal {
		t.Errorf("kind = %s, want internal", prepared.Thread.Kind)
	}
	if _, err := h.svc.Send(ctx, organizer, prepared.Thread.ID, SendInput{Invitees: []InviteeInput{{ContactID: "c-1"}}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Logged-in invitee answers without a key; the only slot is picked.
	if _, err := h.svc.Respond(ctx, Caller{UserID: "user-ann"}, prepared.Thread.ID, RespondInput{Response: "selected"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	fin, err := h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: prepared.Slots[0].ID})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(fin.FinalParticipants) != 1 || fin.FinalParticipants[0] != identity.Internal("user-ann") {
		t.Errorf("participants = %v", fin.FinalParticipants)
	}
	members, _ := h.store.ListMemberships(ctx, prepared.Thread.ID)
	if len(members) != 2 {
		t.Fatalf("memberships = %+v, want organizer and participant", members)
	}
}

func TestRespondValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")
	threadID := prepared.Thread.ID
	ann := identity.External("ann@example.com").String()

	_, err := h.svc.Respond(ctx, Caller{}, threadID, RespondInput{Response: "ok", SelectedSlotID: prepared.Slots[0].ID})
	e := requireKind(t, err, KindValidation)
	if e.Field != "invitee_key" {
		t.Errorf("field = %q, want invitee_key", e.Field)
	}

	_, err = h.svc.Respond(ctx, Caller{}, threadID, RespondInput{InviteeKey: ann, Response: "perhaps"})
	requireKind(t, err, KindValidation)

	_, err = h.svc.Respond(ctx, Caller{}, threadID, RespondInput{InviteeKey: ann, Response: "ok"})
	requireKind(t, err, KindValidation)

	_, err = h.svc.Respond(ctx, Caller{}, threadID, RespondInput{InviteeKey: identity.External("zed@example.com").String(), Response: "no"})
	requireKind(t, err, KindForbidden)

	res, err := h.svc.Respond(ctx, Caller{}, threadID, RespondInput{InviteeKey: ann, Response: "declined", SelectedSlotID: prepared.Slots[0].ID})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Response.Status != models.ResponseNo || res.Response.SelectedSlotID != "" {
		t.Errorf("response = %+v", res.Response)
	}

	inbox, _ := h.store.ListInbox(ctx, organizer, 0)
	var responses int
	for _, n := range inbox {
		if n.Type == notify.InboxResponse {
			responses++
		}
	}
	if responses != 1 {
		t.Errorf("response inbox entries = %d, want 1", responses)
	}
}

func TestRespondLatestAnswerWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	respondOK(t, h, prepared.Thread.ID, "ann@example.com", prepared.Slots[0].ID)
	h.clock.Advance(time.Minute)
	respondOK(t, h, prepared.Thread.ID, "ann@example.com", prepared.Slots[2].ID)

	selections, _ := h.store.ListSelections(ctx, prepared.Thread.ID)
	if len(selections) != 1 || selections[0].SelectedSlotID != prepared.Slots[2].ID {
		t.Errorf("selections = %+v, want one on slot 3", selections)
	}
}

func TestRespondViaInvite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")
	invites, _ := h.store.ListInvites(ctx, prepared.Thread.ID)
	token := invites[0].Token

	view, err := h.svc.GetInvite(ctx, token)
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if view.Title != "Quarterly review" || len(view.Slots) != 3 || view.Expired {
		t.Errorf("view = %+v", view)
	}

	if _, err := h.svc.RespondViaInvite(ctx, token, RespondInput{Response: "maybe", Comment: "maybe later"}); err != nil {
		t.Fatalf("RespondViaInvite: %v", err)
	}
	invites, _ = h.store.ListInvites(ctx, prepared.Thread.ID)
	if invites[0].Status != models.InviteAccepted || invites[0].AcceptedAt == nil {
		t.Errorf("invite = %+v, want accepted", invites[0])
	}

	_, err = h.svc.RespondViaInvite(ctx, "unknown-token", RespondInput{Response: "ok"})
	requireKind(t, err, KindNotFound)

	h.clock.Advance(10 * 24 * time.Hour)
	_, err = h.svc.RespondViaInvite(ctx, token, RespondInput{Response: "no"})
	requireKind(t, err, KindValidation)
}

func TestAutoFinalizeOnQuorum(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	two := 2
	prepared := h.sentThread(t, PrepareInput{
		FinalizePolicy: models.PolicyQuorum,
		QuorumCount:    &two,
		AutoFinalize:   true,
	}, "ann@example.com", "bob@example.com", "cid@example.com")

	first := respondOK(t, h, prepared.Thread.ID, "ann@example.com", prepared.Slots[1].ID)
	if first.Finalization.Met || first.AutoFinalized != nil {
		t.Fatalf("one answer must not meet quorum of two: %+v", first)
	}
	second := respondOK(t, h, prepared.Thread.ID, "bob@example.com", prepared.Slots[1].ID)
	if second.AutoFinalized == nil {
		t.Fatalf("expected auto finalization, got %+v", second)
	}
	if second.AutoFinalized.Reason != "auto_finalize" || second.AutoFinalized.SelectedSlot.ID != prepared.Slots[1].ID {
		t.Errorf("auto finalized = %+v", second.AutoFinalized)
	}

	_, err := h.svc.Respond(ctx, Caller{}, prepared.Thread.ID, RespondInput{
		InviteeKey: identity.External("cid@example.com").String(), Response: "no",
	})
	requireKind(t, err, KindValidation)
}

func TestRemindCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")
	respondOK(t, h, prepared.Thread.ID, "ann@example.com", prepared.Slots[0].ID)

	first, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{Message: "please answer"})
	if err != nil {
		t.Fatalf("Remind: %v", err)
	}
	if first.RemindedCount != 1 || first.Results[0].InviteeKey != identity.External("bob@example.com") {
		t.Errorf("remind = %+v, want bob only", first)
	}
	if want := baseTime.Add(time.Hour); !first.NextReminderAvailableAt.Equal(want) {
		t.Errorf("next = %s, want %s", first.NextReminderAvailableAt, want)
	}

	h.clock.Advance(30 * time.Minute)
	_, err = h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{})
	e := requireKind(t, err, KindRateLimited)
	if want := baseTime.Add(time.Hour); !e.NextAvailableAt.Equal(want) {
		t.Errorf("next_available_at = %s, want %s", e.NextAvailableAt, want)
	}

	h.clock.Advance(31 * time.Minute)
	if _, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{}); err != nil {
		t.Fatalf("Remind after cooldown: %v", err)
	}

	logs, _ := h.store.ListRemindLogs(ctx, organizer, 10)
	if len(logs) != 2 {
		t.Errorf("remind logs = %d, want 2", len(logs))
	}
}

func TestRemindTargetsAndTerminalThreads(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")

	_, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{TargetInviteeKeys: []string{"x:nope"}})
	requireKind(t, err, KindValidation)

	res, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{
		TargetInviteeKeys: []string{identity.External("ann@example.com").String()},
	})
	if err != nil {
		t.Fatalf("Remind: %v", err)
	}
	if res.RemindedCount != 1 {
		t.Errorf("reminded = %d, want 1", res.RemindedCount)
	}

	if _, err := h.svc.Cancel(ctx, organizer, prepared.Thread.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err = h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{})
	requireKind(t, err, KindValidation)
	if got := len(h.jobsOfType(t, notify.JobCancellation)); got != 2 {
		t.Errorf("cancellation jobs = %d, want 2", got)
	}
}

func TestReproposeResetsAnswers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")
	oldSlot := prepared.Slots[0]
	respondOK(t, h, prepared.Thread.ID, "ann@example.com", oldSlot.ID)

	hours := 48
	res, err := h.svc.Repropose(ctx, organizer, prepared.Thread.ID, ReproposeInput{
		NewSlots:         slotInputs(2),
		NewDeadlineHours: &hours,
		Message:          "new times",
	})
	if err != nil {
		t.Fatalf("Repropose: %v", err)
	}
	if res.ProposalVersion != 2 || res.ReproposalCount != 1 || res.NewSlotsCount != 2 {
		t.Errorf("repropose = %+v", res)
	}
	if got := len(h.jobsOfType(t, notify.JobReproposal)); got != 2 {
		t.Errorf("reproposal jobs = %d, want 2", got)
	}

	status, err := h.svc.Status(ctx, organizer, prepared.Thread.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.PendingInviteeKeys) != 2 || status.Evaluation.Met {
		t.Errorf("status = %+v, want everyone pending again", status)
	}

	_, err = h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: oldSlot.ID})
	requireKind(t, err, KindValidation)

	_, err = h.svc.Respond(ctx, Caller{}, prepared.Thread.ID, RespondInput{
		InviteeKey: identity.External("ann@example.com").String(), Response: "ok", SelectedSlotID: oldSlot.ID,
	})
	requireKind(t, err, KindValidation)
}

func TestReproposeCap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Repropose(ctx, organizer, prepared.Thread.ID, ReproposeInput{NewSlots: slotInputs(1)}); err != nil {
			t.Fatalf("Repropose %d: %v", i+1, err)
		}
	}
	_, err := h.svc.Repropose(ctx, organizer, prepared.Thread.ID, ReproposeInput{NewSlots: slotInputs(1)})
	e := requireKind(t, err, KindCapacity)
	if e.Current != 2 || e.Max != 2 {
		t.Errorf("capacity = %d/%d, want 2/2", e.Current, e.Max)
	}

	thread, _ := h.store.GetThread(ctx, prepared.Thread.ID)
	if thread.AdditionalProposeCount != 2 || thread.ProposalVersion != 3 {
		t.Errorf("thread count=%d version=%d", thread.AdditionalProposeCount, thread.ProposalVersion)
	}
}

func TestReproposeAfterConfirmFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")
	if _, err := h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: prepared.Slots[0].ID}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	_, err := h.svc.Repropose(ctx, organizer, prepared.Thread.ID, ReproposeInput{NewSlots: slotInputs(1)})
	requireKind(t, err, KindValidation)

	_, err = h.svc.Cancel(ctx, organizer, prepared.Thread.ID)
	requireKind(t, err, KindValidation)
}

func TestStatusReportsCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	status, err := h.svc.Status(ctx, organizer, prepared.Thread.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.NextReminderAvailableAt != nil {
		t.Errorf("next reminder = %v before any reminder", status.NextReminderAvailableAt)
	}

	if _, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{}); err != nil {
		t.Fatalf("Remind: %v", err)
	}
	status, _ = h.svc.Status(ctx, organizer, prepared.Thread.ID)
	if status.NextReminderAvailableAt == nil || !status.NextReminderAvailableAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("next reminder = %v", status.NextReminderAvailableAt)
	}
}

func TestFinalizeSideEffectFailuresBecomeWarnings(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{calendar: brokenCalendar{}})
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com")
	slot := prepared.Slots[0]
	respondOK(t, h, prepared.Thread.ID, "ann@example.com", slot.ID)
	respondOK(t, h, prepared.Thread.ID, "bob@example.com", slot.ID)
	h.queue.failTo["ann@example.com"] = true

	fin, err := h.svc.Finalize(ctx, organizer, prepared.Thread.ID, FinalizeInput{SelectedSlotID: slot.ID})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fin.Meeting != nil {
		t.Errorf("meeting = %+v, want nil after calendar failure", fin.Meeting)
	}
	var calendarWarned, deliveryWarned bool
	for _, w := range fin.Warnings {
		calendarWarned = calendarWarned || strings.Contains(w, "calendar api unavailable")
		deliveryWarned = deliveryWarned || strings.Contains(w, identity.External("ann@example.com").String())
	}
	if !calendarWarned || !deliveryWarned {
		t.Errorf("warnings = %v, want calendar and ann delivery failures", fin.Warnings)
	}

	thread, _ := h.store.GetThread(ctx, prepared.Thread.ID)
	if thread.Status != models.ThreadConfirmed {
		t.Errorf("status = %s, want confirmed", thread.Status)
	}
	stored, err := h.store.GetFinalization(ctx, prepared.Thread.ID)
	if err != nil {
		t.Fatalf("GetFinalization: %v", err)
	}
	if stored.FinalSlotID != slot.ID || stored.Meeting != nil {
		t.Errorf("stored finalization = %+v", stored)
	}
	if got := len(h.jobsOfType(t, notify.JobFinalized)); got != 1 {
		t.Errorf("finalized jobs = %d, want 1 (bob)", got)
	}
}

func TestRemindPartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com", "bob@example.com", "cid@example.com")
	h.queue.failTo["bob@example.com"] = true

	res, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{Message: "nudge"})
	if err != nil {
		t.Fatalf("Remind: %v", err)
	}
	if res.RemindedCount != 2 || len(res.Results) != 3 {
		t.Errorf("reminded %d of %d results, want 2 of 3", res.RemindedCount, len(res.Results))
	}
	bob := identity.External("bob@example.com")
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], bob.String()) {
		t.Errorf("warnings = %v, want bob's failure only", res.Warnings)
	}
	if got := len(h.jobsOfType(t, notify.JobReminder)); got != 2 {
		t.Errorf("reminder jobs = %d, want 2", got)
	}

	logs, err := h.store.ListRemindLogs(ctx, organizer, 10)
	if err != nil {
		t.Fatalf("ListRemindLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].RemindedCount != 2 || len(logs[0].InviteeKeys) != 2 {
		t.Fatalf("remind logs = %+v", logs)
	}
	for _, key := range logs[0].InviteeKeys {
		if key == bob {
			t.Errorf("remind log lists bob although his delivery failed")
		}
	}
}

func TestRemindLookupFailureKeepsCooldown(t *testing.T) {
	var outage *selectionOutage
	h := newHarnessWith(t, harnessConfig{wrap: func(m *database.MemoryDatabase) database.DatabaseInterface {
		outage = &selectionOutage{MemoryDatabase: m}
		return outage
	}})
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")

	outage.down.Store(true)
	if _, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{}); err == nil {
		t.Fatal("Remind succeeded while selections were unreadable")
	}

	outage.down.Store(false)
	res, err := h.svc.Remind(ctx, organizer, prepared.Thread.ID, RemindInput{})
	if err != nil {
		t.Fatalf("Remind after recovery: %v", err)
	}
	if res.RemindedCount != 1 {
		t.Errorf("reminded = %d, want 1", res.RemindedCount)
	}
}

func TestReproposeExtendsInviteExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	prepared := h.sentThread(t, PrepareInput{}, "ann@example.com")
	invites, _ := h.store.ListInvites(ctx, prepared.Thread.ID)
	token := invites[0].Token

	hours := 14 * 24
	res, err := h.svc.Repropose(ctx, organizer, prepared.Thread.ID, ReproposeInput{
		NewSlots:         slotInputs(1),
		NewDeadlineHours: &hours,
	})
	if err != nil {
		t.Fatalf("Repropose: %v", err)
	}

	invites, _ = h.store.ListInvites(ctx, prepared.Thread.ID)
	if want := baseTime.Add(15 * 24 * time.Hour); !invites[0].ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %s, want %s", invites[0].ExpiresAt, want)
	}

	// past the original nine day link lifetime, before the new deadline
	h.clock.Advance(10 * 24 * time.Hour)
	if _, err := h.svc.RespondViaInvite(ctx, token, RespondInput{Response: "ok", SelectedSlotID: res.Slots[0].ID}); err != nil {
		t.Fatalf("RespondViaInvite before new deadline: %v", err)
	}
}
