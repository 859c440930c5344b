package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"meetai/internal/models"
	"meetai/internal/services"
	"meetai/internal/video"
)

type fakeMeetingStore struct {
	mu       sync.Mutex
	meetings map[string]*models.Meeting
}

func newFakeMeetingStore(meetings ...*models.Meeting) *fakeMeetingStore {
	s := &fakeMeetingStore{meetings: make(map[string]*models.Meeting)}
	for _, m := range meetings {
		s.meetings[m.ID] = m
	}
	return s
}

func (s *fakeMeetingStore) GetByID(_ context.Context, id string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, services.ErrMeetingNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMeetingStore) Start(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok || m.Status != models.MeetingStatusUpcoming {
		// Conditional update affected zero rows
		return services.ErrMeetingNotFound
	}
	m.Status = models.MeetingStatusActive
	m.StartedAt = &at
	return nil
}

func (s *fakeMeetingStore) Complete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil
	}
	if m.Status == models.MeetingStatusActive || m.Status == models.MeetingStatusProcessing {
		m.Status = models.MeetingStatusCompleted
		m.EndedAt = &at
	}
	return nil
}

func (s *fakeMeetingStore) SetTranscriptURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meetings[id]; ok {
		m.TranscriptURL = url
	}
	return nil
}

func (s *fakeMeetingStore) SetRecordingURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meetings[id]; ok {
		m.RecordingURL = url
	}
	return nil
}

func (s *fakeMeetingStore) status(id string) models.MeetingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meetings[id]; ok {
		return m.Status
	}
	return ""
}

type fakeAgentStore struct {
	agents map[string]*models.Agent
}

func (s *fakeAgentStore) GetByID(_ context.Context, id string) (*models.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, services.ErrAgentNotFound
	}
	return a, nil
}

// fakeAttacher registers a link in the registry on success, the way the real
// orchestrator does, so idempotency checks in the handler see it.
type fakeAttacher struct {
	mu       sync.Mutex
	calls    int
	err      error
	registry *services.ConnectionRegistry
	detached *int32
}

func (a *fakeAttacher) Attach(_ context.Context, meeting *models.Meeting, agent *models.Agent) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	key := services.ConnectionKey{MeetingID: meeting.ID, AgentID: agent.ID}
	a.registry.MarkConnected(key, func(context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.detached != nil {
			*a.detached++
		}
		return nil
	})
	return nil
}

func (a *fakeAttacher) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSummaryQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *fakeSummaryQueue) Enqueue(_ context.Context, meetingID, transcriptURL string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, meetingID+"|"+transcriptURL)
	return nil
}

const testSecret = "test_api_secret"

type webhookFixture struct {
	app      *fiber.App
	meetings *fakeMeetingStore
	agents   *fakeAgentStore
	attacher *fakeAttacher
	registry *services.ConnectionRegistry
	queue    *fakeSummaryQueue
	detached int32
}

func newWebhookFixture(meetings ...*models.Meeting) *webhookFixture {
	f := &webhookFixture{
		meetings: newFakeMeetingStore(meetings...),
		agents: &fakeAgentStore{agents: map[string]*models.Agent{
			"agent-1": {ID: "agent-1", Name: "Math Tutor", Instructions: "Teach algebra."},
		}},
		registry: services.NewConnectionRegistry(),
		queue:    &fakeSummaryQueue{},
	}
	f.attacher = &fakeAttacher{registry: f.registry, detached: &f.detached}

	verifier := video.NewClient("test_api_key", testSecret, "http://127.0.0.1:0")
	handler := NewWebhookHandler(verifier, f.meetings, f.agents, f.attacher, f.registry, f.queue, nil, nil)

	f.app = fiber.New()
	f.app.Post("/api/webhook", handler.Handle)
	return f
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte) int {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/api/webhook", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-signature", signature)
	req.Header.Set("x-api-key", "test_api_key")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp.StatusCode
}

func upcomingMeeting(id string) *models.Meeting {
	return &models.Meeting{
		ID:      id,
		UserID:  "user-1",
		AgentID: "agent-1",
		Name:    "Algebra review",
		Status:  models.MeetingStatusUpcoming,
	}
}

func sessionStartedPayload(meetingID string) []byte {
	return []byte(`{"type":"call.session_started","call":{"id":"` + meetingID + `","cid":"default:` + meetingID + `"}}`)
}

func participantJoinedPayload(meetingID string) []byte {
	return []byte(`{"type":"call.session_participant_joined","call":{"id":"` + meetingID + `","cid":"default:` + meetingID + `"}}`)
}

func TestWebhook_MissingSignature(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))

	payload := sessionStartedPayload("m1")
	req := httptest.NewRequest("POST", "/api/webhook", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	// No x-signature / x-api-key

	resp, _ := f.app.Test(req, -1)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if f.attacher.callCount() != 0 {
		t.Errorf("Attach must not run without signature headers")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))

	payload := sessionStartedPayload("m1")
	req := httptest.NewRequest("POST", "/api/webhook", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-signature", "deadbeef")
	req.Header.Set("x-api-key", "test_api_key")

	resp, _ := f.app.Test(req, -1)

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
	if f.attacher.callCount() != 0 {
		t.Errorf("Attach must not run on bad signature")
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	f := newWebhookFixture()

	if code := postWebhook(t, f.app, []byte(`{not json`)); code != fiber.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
}

func TestWebhook_SessionStarted_AttachesAgent(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))

	if code := postWebhook(t, f.app, sessionStartedPayload("m1")); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	if got := f.attacher.callCount(); got != 1 {
		t.Errorf("Expected exactly one attach, got %d", got)
	}
	if got := f.meetings.status("m1"); got != models.MeetingStatusActive {
		t.Errorf("Expected meeting active, got %s", got)
	}
	key := services.ConnectionKey{MeetingID: "m1", AgentID: "agent-1"}
	if !f.registry.IsConnected(key) {
		t.Errorf("Expected registry link for %s", key)
	}
	if f.registry.ProcessingCount() != 0 {
		t.Errorf("Processing marker must be released after handling")
	}
}

func TestWebhook_SessionStarted_UnknownMeeting(t *testing.T) {
	f := newWebhookFixture()

	if code := postWebhook(t, f.app, sessionStartedPayload("ghost")); code != fiber.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
	if f.registry.ProcessingCount() != 0 {
		t.Errorf("Processing marker must be released on the not-found path")
	}
}

func TestWebhook_SessionStarted_TerminalStatus(t *testing.T) {
	m := upcomingMeeting("m1")
	m.Status = models.MeetingStatusCompleted
	f := newWebhookFixture(m)

	if code := postWebhook(t, f.app, sessionStartedPayload("m1")); code != fiber.StatusNotFound {
		t.Errorf("Expected 404 for completed meeting, got %d", code)
	}
	if f.attacher.callCount() != 0 {
		t.Errorf("Attach must not run for a terminal meeting")
	}
}

func TestWebhook_SessionStarted_MissingMeetingID(t *testing.T) {
	f := newWebhookFixture()

	payload := []byte(`{"type":"call.session_started","call":{"id":""}}`)
	if code := postWebhook(t, f.app, payload); code != fiber.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
}

func TestWebhook_SessionStarted_AttachFailureStillAcknowledged(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))
	f.attacher.err = errors.New("realtime bridge unreachable")

	if code := postWebhook(t, f.app, sessionStartedPayload("m1")); code != fiber.StatusOK {
		t.Errorf("Expected 200 despite attach failure, got %d", code)
	}
	// The session did start even though the agent never joined
	if got := f.meetings.status("m1"); got != models.MeetingStatusActive {
		t.Errorf("Expected meeting active, got %s", got)
	}
	if f.registry.Count() != 0 {
		t.Errorf("No link must be registered after a failed attach")
	}
}

func TestWebhook_SessionStarted_ConcurrentDuplicates(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))
	payload := sessionStartedPayload("m1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			postWebhook(t, f.app, payload)
		}()
	}
	wg.Wait()

	if got := f.attacher.callCount(); got != 1 {
		t.Errorf("Expected exactly one attach across concurrent duplicates, got %d", got)
	}
	if got := f.meetings.status("m1"); got != models.MeetingStatusActive {
		t.Errorf("Expected meeting active, got %s", got)
	}
}

func TestWebhook_ParticipantJoined_BeforeSessionStarted(t *testing.T) {
	// Provider ordering is not guaranteed: the join can land first and must
	// attach the agent on its own.
	f := newWebhookFixture(upcomingMeeting("m1"))

	if code := postWebhook(t, f.app, participantJoinedPayload("m1")); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if got := f.attacher.callCount(); got != 1 {
		t.Fatalf("Expected catch-up attach, got %d calls", got)
	}

	// The late session_started must not attach a second time
	if code := postWebhook(t, f.app, sessionStartedPayload("m1")); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if got := f.attacher.callCount(); got != 1 {
		t.Errorf("Expected no second attach, got %d calls", got)
	}
	if got := f.meetings.status("m1"); got != models.MeetingStatusActive {
		t.Errorf("Expected meeting active after late session_started, got %s", got)
	}
}

func TestWebhook_ParticipantJoined_AlreadyConnected(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))

	postWebhook(t, f.app, sessionStartedPayload("m1"))
	if code := postWebhook(t, f.app, participantJoinedPayload("m1")); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	if got := f.attacher.callCount(); got != 1 {
		t.Errorf("Expected no re-attach while the link is live, got %d calls", got)
	}
}

func TestWebhook_ParticipantJoined_AfterEnded(t *testing.T) {
	m := upcomingMeeting("m1")
	m.Status = models.MeetingStatusCompleted
	f := newWebhookFixture(m)

	if code := postWebhook(t, f.app, participantJoinedPayload("m1")); code != fiber.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if f.attacher.callCount() != 0 {
		t.Errorf("A join after the call ended must not resurrect the agent link")
	}
}

func TestWebhook_ParticipantJoined_UnknownMeetingIsSilent(t *testing.T) {
	f := newWebhookFixture()

	if code := postWebhook(t, f.app, participantJoinedPayload("ghost")); code != fiber.StatusOK {
		t.Errorf("Expected 200 for unknown meeting on the catch-up path, got %d", code)
	}
}

func TestWebhook_CallEnded(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("abc123"))

	postWebhook(t, f.app, sessionStartedPayload("abc123"))

	payload := []byte(`{"type":"call.ended","call_cid":"default:abc123"}`)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	req := httptest.NewRequest("POST", "/api/webhook", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-signature", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("x-api-key", "test_api_key")

	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %q", body["status"])
	}

	if got := f.meetings.status("abc123"); got != models.MeetingStatusCompleted {
		t.Errorf("Expected meeting completed, got %s", got)
	}
	if f.registry.Count() != 0 {
		t.Errorf("Expected all links removed, %d remain", f.registry.Count())
	}
	if f.detached != 1 {
		t.Errorf("Expected the detach handle to run once, ran %d times", f.detached)
	}
}

func TestWebhook_CallEnded_MissingCID(t *testing.T) {
	f := newWebhookFixture()

	if code := postWebhook(t, f.app, []byte(`{"type":"call.ended"}`)); code != fiber.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
	if code := postWebhook(t, f.app, []byte(`{"type":"call.ended","call_cid":"no-separator"}`)); code != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for malformed call_cid, got %d", code)
	}
}

func TestWebhook_TranscriptionReady(t *testing.T) {
	m := upcomingMeeting("m1")
	m.Status = models.MeetingStatusCompleted
	f := newWebhookFixture(m)

	payload := []byte(`{"type":"call.transcription_ready","call_cid":"default:m1","call_transcription":{"url":"https://cdn.example.com/t.jsonl"}}`)
	if code := postWebhook(t, f.app, payload); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	f.meetings.mu.Lock()
	url := f.meetings.meetings["m1"].TranscriptURL
	f.meetings.mu.Unlock()
	if url != "https://cdn.example.com/t.jsonl" {
		t.Errorf("Expected transcript URL stored, got %q", url)
	}

	f.queue.mu.Lock()
	jobs := len(f.queue.jobs)
	f.queue.mu.Unlock()
	if jobs != 1 {
		t.Errorf("Expected one summarization job queued, got %d", jobs)
	}
}

func TestWebhook_RecordingReady(t *testing.T) {
	m := upcomingMeeting("m1")
	m.Status = models.MeetingStatusCompleted
	f := newWebhookFixture(m)

	payload := []byte(`{"type":"call.recording_ready","call_cid":"default:m1","call_recording":{"url":"https://cdn.example.com/r.mp4"}}`)
	if code := postWebhook(t, f.app, payload); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	f.meetings.mu.Lock()
	url := f.meetings.meetings["m1"].RecordingURL
	f.meetings.mu.Unlock()
	if url != "https://cdn.example.com/r.mp4" {
		t.Errorf("Expected recording URL stored, got %q", url)
	}
}

func TestWebhook_UnknownEventType(t *testing.T) {
	f := newWebhookFixture()

	payload := []byte(`{"type":"call.session_participant_left","call":{"id":"m1"}}`)
	if code := postWebhook(t, f.app, payload); code != fiber.StatusOK {
		t.Errorf("Expected 200 for unhandled event type, got %d", code)
	}
}

func TestWebhook_DuplicateDeliveryShortCircuits(t *testing.T) {
	f := newWebhookFixture(upcomingMeeting("m1"))
	payload := sessionStartedPayload("m1")

	if code := postWebhook(t, f.app, payload); code != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	// Identical retry: acknowledged without touching the stores again
	if code := postWebhook(t, f.app, payload); code != fiber.StatusOK {
		t.Fatalf("Expected 200 on duplicate delivery, got %d", code)
	}
	if got := f.attacher.callCount(); got != 1 {
		t.Errorf("Expected one attach across duplicate deliveries, got %d", got)
	}
}
