package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meetai/internal/database"
	"meetai/internal/models"
)

// MeetingService is the persistence accessor for meetings. Status writes go
// through conditional updates so concurrent writers racing on the same row
// lose cleanly (zero rows affected) instead of clobbering each other.
type MeetingService struct {
	db *database.DB
}

// NewMeetingService creates a new meeting service
func NewMeetingService(db *database.DB) *MeetingService {
	return &MeetingService{db: db}
}

const meetingColumns = `id, user_id, agent_id, name, status, started_at, ended_at,
	COALESCE(summary, ''), COALESCE(transcript_url, ''), COALESCE(recording_url, ''),
	created_at, updated_at`

func scanMeeting(row interface{ Scan(...any) error }) (*models.Meeting, error) {
	var m models.Meeting
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&m.ID, &m.UserID, &m.AgentID, &m.Name, &m.Status,
		&startedAt, &endedAt, &m.Summary, &m.TranscriptURL, &m.RecordingURL,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		m.EndedAt = &endedAt.Time
	}
	return &m, nil
}

// GetByID fetches one meeting regardless of owner (webhook path)
func (s *MeetingService) GetByID(ctx context.Context, id string) (*models.Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE id = ?", id)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch meeting: %w", err)
	}
	return m, nil
}

// GetOwned fetches one meeting scoped to its owner (API path)
func (s *MeetingService) GetOwned(ctx context.Context, id, userID string) (*models.Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE id = ? AND user_id = ?", id, userID)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch meeting: %w", err)
	}
	return m, nil
}

// Create inserts a new upcoming meeting
func (s *MeetingService) Create(ctx context.Context, m *models.Meeting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, user_id, agent_id, name, status) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.AgentID, m.Name, models.MeetingStatusUpcoming)
	if err != nil {
		return fmt.Errorf("failed to create meeting: %w", err)
	}
	return nil
}

// ListFilter narrows List results
type ListFilter struct {
	Status   models.MeetingStatus
	AgentID  string
	Search   string
	Page     int
	PageSize int
}

// List returns one page of a user's meetings plus the unpaged total
func (s *MeetingService) List(ctx context.Context, userID string, f ListFilter) ([]*models.Meeting, int, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Search != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM meetings WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count meetings: %w", err)
	}

	if f.PageSize <= 0 {
		f.PageSize = 10
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE "+clause+
			" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []*models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan meeting: %w", err)
		}
		meetings = append(meetings, m)
	}
	return meetings, total, rows.Err()
}

// Update renames or re-assigns an upcoming meeting, scoped to its owner
func (s *MeetingService) Update(ctx context.Context, id, userID, name, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET name = ?, agent_id = ? WHERE id = ? AND user_id = ?",
		name, agentID, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

// Delete removes a meeting, scoped to its owner
func (s *MeetingService) Delete(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM meetings WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

// Cancel marks an upcoming meeting cancelled, scoped to its owner
func (s *MeetingService) Cancel(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET status = ? WHERE id = ? AND user_id = ? AND status = ?",
		models.MeetingStatusCancelled, id, userID, models.MeetingStatusUpcoming)
	if err != nil {
		return fmt.Errorf("failed to cancel meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

// Start transitions upcoming → active with a start timestamp. Conditional on
// the current status: zero rows affected means another writer got there
// first (or the meeting is terminal) and reads as ErrMeetingNotFound, the
// same verdict the terminal-status guard produces.
func (s *MeetingService) Start(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		models.MeetingStatusActive, at, id, models.MeetingStatusUpcoming)
	if err != nil {
		return fmt.Errorf("failed to start meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

// Complete transitions active|processing → completed with an end timestamp.
// Idempotent: completing an already-completed meeting is a no-op, not an
// error, so duplicate ended events acknowledge cleanly.
func (s *MeetingService) Complete(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET status = ?, ended_at = ? WHERE id = ? AND status IN (?, ?)",
		models.MeetingStatusCompleted, at, id,
		models.MeetingStatusActive, models.MeetingStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete meeting: %w", err)
	}
	return nil
}

// MarkProcessing flags a completed meeting as having its transcript
// summarized. Lost races are fine: the summary write is terminal either way.
func (s *MeetingService) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET status = ? WHERE id = ? AND status IN (?, ?)",
		models.MeetingStatusProcessing, id,
		models.MeetingStatusCompleted, models.MeetingStatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark meeting processing: %w", err)
	}
	return nil
}

// SetTranscriptURL stores the provider-hosted transcript location
func (s *MeetingService) SetTranscriptURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET transcript_url = ? WHERE id = ?", url, id)
	if err != nil {
		return fmt.Errorf("failed to set transcript URL: %w", err)
	}
	return nil
}

// SetRecordingURL stores the provider-hosted recording location
func (s *MeetingService) SetRecordingURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET recording_url = ? WHERE id = ?", url, id)
	if err != nil {
		return fmt.Errorf("failed to set recording URL: %w", err)
	}
	return nil
}

// SetSummary stores the generated summary and settles the meeting back to
// completed after summarization.
func (s *MeetingService) SetSummary(ctx context.Context, id, summary string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE meetings SET summary = ?, status = ? WHERE id = ? AND status IN (?, ?)",
		summary, models.MeetingStatusCompleted, id,
		models.MeetingStatusProcessing, models.MeetingStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to set summary: %w", err)
	}
	return nil
}

// StaleActiveIDs lists meetings stuck in active since before the cutoff.
// Used by the sweeper to recover from missed ended events.
func (s *MeetingService) StaleActiveIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM meetings WHERE status = ? AND started_at < ?",
		models.MeetingStatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale meetings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
