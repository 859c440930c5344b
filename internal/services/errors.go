package services

import "errors"

var (
	// ErrMeetingNotFound covers both a missing row and a meeting whose
	// status makes it ineligible for the requested transition (a lost
	// compare-and-set race reads the same as a terminal status).
	ErrMeetingNotFound = errors.New("meeting not found")

	// ErrAgentNotFound means the meeting references a missing agent
	ErrAgentNotFound = errors.New("agent not found")

	// ErrVoiceKeyInvalid means the voice-completion provider credential is
	// missing or malformed. Configuration, not transient: no retry.
	ErrVoiceKeyInvalid = errors.New("voice provider API key missing or malformed")

	// ErrLinkDisconnected means the realtime link failed its liveness
	// check after attachment. The caller treats this as attach failure.
	ErrLinkDisconnected = errors.New("realtime link disconnected after attach")
)
