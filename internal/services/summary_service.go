package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"meetai/internal/database"
)

const summaryQueueKey = "meetai:summarize"

// SummaryJob is one queued summarization request
type SummaryJob struct {
	MeetingID     string `json:"meeting_id"`
	TranscriptURL string `json:"transcript_url"`
}

// Summarizer turns a raw transcript into a summary
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// summaryMeetingStore is the slice of the meeting store the worker needs
type summaryMeetingStore interface {
	MarkProcessing(ctx context.Context, id string) error
	SetSummary(ctx context.Context, id, summary string) error
}

// SummaryService queues transcript-summarization jobs on Redis and runs the
// workers that drain the queue. Raw transcripts and summaries are archived
// in MongoDB when it is configured.
type SummaryService struct {
	redis      *RedisService
	meetings   summaryMeetingStore
	summarizer Summarizer
	mongo      *database.MongoDB
	events     *EventBus
	metrics    *Metrics
	httpClient *http.Client
}

// NewSummaryService creates the summarization queue service.
// mongo, events and metrics may be nil.
func NewSummaryService(redis *RedisService, meetings summaryMeetingStore, summarizer Summarizer, mongo *database.MongoDB, events *EventBus, metrics *Metrics) *SummaryService {
	return &SummaryService{
		redis:      redis,
		meetings:   meetings,
		summarizer: summarizer,
		mongo:      mongo,
		events:     events,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enqueue pushes a summarization job. The webhook handler calls this on
// transcription_ready and moves on; the work happens off the request path.
func (s *SummaryService) Enqueue(ctx context.Context, meetingID, transcriptURL string) error {
	if s.redis == nil {
		return errors.New("summarization queue unavailable - Redis not configured")
	}
	job := SummaryJob{MeetingID: meetingID, TranscriptURL: transcriptURL}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.redis.LPush(ctx, summaryQueueKey, data); err != nil {
		return fmt.Errorf("failed to enqueue summary job: %w", err)
	}
	log.Printf("📨 Summarization queued for meeting %s", meetingID)
	return nil
}

// Start launches worker goroutines that drain the queue until ctx is cancelled
func (s *SummaryService) Start(ctx context.Context, workers int) {
	if s.redis == nil {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go s.worker(ctx, i)
	}
	log.Printf("✅ Summarization workers started (count: %d)", workers)
}

func (s *SummaryService) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := s.redis.BRPop(ctx, 5*time.Second, summaryQueueKey)
		if err != nil {
			// Timeout pops surface as redis.Nil; anything else is worth a beat
			continue
		}
		if len(res) < 2 {
			continue
		}

		var job SummaryJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Printf("⚠️  [SUMMARY:%d] Dropping unparseable job: %v", id, err)
			continue
		}

		if err := s.process(ctx, job); err != nil {
			log.Printf("❌ [SUMMARY:%d] Failed for meeting %s: %v", id, job.MeetingID, err)
			if s.metrics != nil {
				s.metrics.SummaryFailures.Inc()
			}
		}
	}
}

func (s *SummaryService) process(ctx context.Context, job SummaryJob) error {
	log.Printf("🧾 Summarizing meeting %s", job.MeetingID)

	if err := s.meetings.MarkProcessing(ctx, job.MeetingID); err != nil {
		return err
	}

	transcript, err := s.fetchTranscript(ctx, job.TranscriptURL)
	if err != nil {
		return fmt.Errorf("failed to fetch transcript: %w", err)
	}

	s.archiveTranscript(ctx, job.MeetingID, transcript)

	summary, err := s.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return fmt.Errorf("failed to generate summary: %w", err)
	}

	s.archiveSummary(ctx, job.MeetingID, summary)

	if err := s.meetings.SetSummary(ctx, job.MeetingID, summary); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SummariesGenerated.Inc()
	}
	s.events.Publish(ctx, EventSummaryReady, job.MeetingID, "")
	log.Printf("✅ Summary stored for meeting %s (%d chars)", job.MeetingID, len(summary))
	return nil
}

func (s *SummaryService) fetchTranscript(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcript fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// archiveTranscript stores the raw transcript document. Best-effort: the
// relational row keeps the URL either way.
func (s *SummaryService) archiveTranscript(ctx context.Context, meetingID, transcript string) {
	if s.mongo == nil {
		return
	}
	doc := bson.M{
		"meeting_id": meetingID,
		"transcript": transcript,
		"created_at": time.Now(),
	}
	if _, err := s.mongo.Database().Collection(database.CollectionTranscripts).InsertOne(ctx, doc); err != nil {
		log.Printf("⚠️  Failed to archive transcript for %s: %v", meetingID, err)
	}
}

func (s *SummaryService) archiveSummary(ctx context.Context, meetingID, summary string) {
	if s.mongo == nil {
		return
	}
	doc := bson.M{
		"meeting_id": meetingID,
		"summary":    summary,
		"created_at": time.Now(),
	}
	if _, err := s.mongo.Database().Collection(database.CollectionSummaries).InsertOne(ctx, doc); err != nil {
		log.Printf("⚠️  Failed to archive summary for %s: %v", meetingID, err)
	}
}

// OpenAISummarizer generates summaries with an OpenAI-compatible
// chat-completions endpoint.
type OpenAISummarizer struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAISummarizer creates a summarizer against the given base URL
func NewOpenAISummarizer(apiKey, baseURL string) *OpenAISummarizer {
	return &OpenAISummarizer{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      "gpt-4o-mini",
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

const summarySystemPrompt = `You are an expert note taker. Summarize the following meeting transcript.
Return two sections: a one-paragraph overview, then bullet-point notes grouped by topic with speaker attribution where relevant.`

// Summarize asks the model for a summary of the transcript
func (o *OpenAISummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	payload := map[string]any{
		"model": o.model,
		"messages": []map[string]string{
			{"role": "system", "content": summarySystemPrompt},
			{"role": "user", "content": transcript},
		},
		"temperature": 0.3,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("summarization provider returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode summarization response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("summarization provider returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
