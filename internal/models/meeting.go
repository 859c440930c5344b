package models

import "time"

// MeetingStatus is the lifecycle state of a meeting
type MeetingStatus string

const (
	MeetingStatusUpcoming   MeetingStatus = "upcoming"
	MeetingStatusActive     MeetingStatus = "active"
	MeetingStatusProcessing MeetingStatus = "processing"
	MeetingStatusCompleted  MeetingStatus = "completed"
	MeetingStatusCancelled  MeetingStatus = "cancelled"
)

// IsTerminal reports whether a session-start event must be rejected for this
// status. Everything past upcoming counts: a second session_started for an
// already-active meeting is a duplicate, not a fresh start.
func (s MeetingStatus) IsTerminal() bool {
	switch s {
	case MeetingStatusActive, MeetingStatusProcessing, MeetingStatusCompleted, MeetingStatusCancelled:
		return true
	}
	return false
}

// Meeting is one scheduled call between a user and an agent
type Meeting struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	AgentID       string        `json:"agent_id"`
	Name          string        `json:"name"`
	Status        MeetingStatus `json:"status"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	TranscriptURL string        `json:"transcript_url,omitempty"`
	RecordingURL  string        `json:"recording_url,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Duration returns the wall-clock length of a finished meeting, zero while
// the meeting has not both started and ended.
func (m *Meeting) Duration() time.Duration {
	if m.StartedAt == nil || m.EndedAt == nil {
		return 0
	}
	return m.EndedAt.Sub(*m.StartedAt)
}
