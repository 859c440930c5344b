package models

// Webhook event types delivered by the video provider
const (
	EventSessionStarted     = "call.session_started"
	EventParticipantJoined  = "call.session_participant_joined"
	EventParticipantLeft    = "call.session_participant_left"
	EventCallEnded          = "call.ended"
	EventTranscriptionReady = "call.transcription_ready"
	EventRecordingReady     = "call.recording_ready"
)

// WebhookEvent is the envelope pushed by the video provider.
// session_* events carry the call object; ended/transcription/recording
// events carry the composite call_cid ("<type>:<meetingId>").
type WebhookEvent struct {
	Type          string           `json:"type"`
	Call          *CallPayload     `json:"call,omitempty"`
	CallCID       string           `json:"call_cid,omitempty"`
	Transcription *ArtifactPayload `json:"call_transcription,omitempty"`
	Recording     *ArtifactPayload `json:"call_recording,omitempty"`
}

// CallPayload identifies the call a session event belongs to
type CallPayload struct {
	ID  string `json:"id"`
	CID string `json:"cid,omitempty"`
}

// ArtifactPayload points at a provider-hosted artifact (transcript, recording)
type ArtifactPayload struct {
	URL string `json:"url"`
}

// MeetingEvent is published on the meeting event stream (ws + pub/sub)
type MeetingEvent struct {
	Type      string `json:"type"` // agent_attached, agent_detached, meeting_completed, summary_ready
	MeetingID string `json:"meeting_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
