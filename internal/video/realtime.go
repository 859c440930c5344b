package video

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// SessionConfig is the behavioral configuration pushed onto a realtime link
type SessionConfig struct {
	Instructions string  `json:"instructions"`
	Voice        string  `json:"voice"`
	Temperature  float64 `json:"temperature"`
}

// TranscriptEvent is emitted when the voice provider finishes transcribing
// one utterance on the link.
type TranscriptEvent struct {
	ItemID string `json:"item_id"`
	Role   string `json:"role"`
	Text   string `json:"transcript"`
}

// LinkObserver receives link lifecycle and telemetry events. Nil fields are
// skipped. Handlers run on the link's read goroutine and must not block.
type LinkObserver struct {
	OnTranscript func(TranscriptEvent)
	OnSpeech     func(started bool)
	OnError      func(error)
	OnClosed     func()
}

// RealtimeLink is the bidirectional audio/event channel between the video
// provider and the voice-completion provider for one (call, agent) pair.
type RealtimeLink interface {
	Subscribe(LinkObserver)
	UpdateSession(ctx context.Context, cfg SessionConfig) error
	IsConnected() bool
	Disconnect(ctx context.Context) error
}

// RealtimeDialer opens realtime links. Satisfied by *Client.
type RealtimeDialer interface {
	OpenRealtime(ctx context.Context, realtimeURL, callCID, agentUserID, callToken, voiceAPIKey string) (RealtimeLink, error)
}

// realtimeSession is the websocket-backed RealtimeLink implementation
type realtimeSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex // gorilla/websocket does not support concurrent writers
	connected atomic.Bool

	obsMu     sync.Mutex
	observers []LinkObserver

	closeOnce sync.Once
}

// OpenRealtime dials the provider's agent bridge for the given call and
// agent identity. The voice provider credential rides in the connect frame;
// the caller supplies a call-scoped token authenticating the agent with the
// video provider.
func (c *Client) OpenRealtime(ctx context.Context, realtimeURL, callCID, agentUserID, callToken, voiceAPIKey string) (RealtimeLink, error) {
	u, err := url.Parse(realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime bridge: %w", err)
	}

	s := &realtimeSession{conn: conn}
	s.connected.Store(true)

	// The connect frame binds the link to the call and hands the voice
	// provider credential to the bridge.
	connect := map[string]any{
		"type":           "connect_agent",
		"call_cid":       callCID,
		"agent_user_id":  agentUserID,
		"token":          callToken,
		"openai_api_key": voiceAPIKey,
	}
	if err := s.writeJSON(connect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send connect frame: %w", err)
	}

	go s.readPump(callCID)

	return s, nil
}

// Subscribe registers an observer for link events
func (s *realtimeSession) Subscribe(obs LinkObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, obs)
}

// UpdateSession pushes behavioral configuration onto the link
func (s *realtimeSession) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	if !s.connected.Load() {
		return fmt.Errorf("realtime link is closed")
	}
	frame := map[string]any{
		"type":    "session.update",
		"session": cfg,
	}
	return s.writeJSON(frame)
}

// IsConnected reports the link's own view of its liveness
func (s *realtimeSession) IsConnected() bool {
	return s.connected.Load()
}

// Disconnect closes the link. Idempotent.
func (s *realtimeSession) Disconnect(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		deadline := time.Now().Add(2 * time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *realtimeSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// bridgeFrame is the tagged union of events the bridge emits
type bridgeFrame struct {
	Type       string          `json:"type"`
	Item       json.RawMessage `json:"item,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// readPump consumes bridge frames until the connection dies, dispatching
// typed events to observers. Exactly one closed notification is delivered.
func (s *realtimeSession) readPump(cid string) {
	defer func() {
		s.connected.Store(false)
		s.conn.Close()
		s.notifyClosed()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.connected.Load() {
				log.Printf("⚠️  Realtime link read error (%s): %v", cid, err)
			}
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("⚠️  Unparseable bridge frame (%s): %v", cid, err)
			continue
		}

		switch frame.Type {
		case "conversation.item.input_audio_transcription.completed",
			"response.audio_transcript.done":
			s.notifyTranscript(TranscriptEvent{
				ItemID: frame.ItemID,
				Role:   frame.Role,
				Text:   frame.Transcript,
			})
		case "input_audio_buffer.speech_started":
			s.notifySpeech(true)
		case "input_audio_buffer.speech_stopped":
			s.notifySpeech(false)
		case "error":
			msg := "unknown bridge error"
			if frame.Error != nil {
				msg = frame.Error.Message
			}
			s.notifyError(fmt.Errorf("realtime bridge error: %s", msg))
		case "connection.closed":
			return
		}
	}
}

func (s *realtimeSession) notifyTranscript(ev TranscriptEvent) {
	s.obsMu.Lock()
	observers := append([]LinkObserver(nil), s.observers...)
	s.obsMu.Unlock()
	for _, obs := range observers {
		if obs.OnTranscript != nil {
			obs.OnTranscript(ev)
		}
	}
}

func (s *realtimeSession) notifySpeech(started bool) {
	s.obsMu.Lock()
	observers := append([]LinkObserver(nil), s.observers...)
	s.obsMu.Unlock()
	for _, obs := range observers {
		if obs.OnSpeech != nil {
			obs.OnSpeech(started)
		}
	}
}

func (s *realtimeSession) notifyError(err error) {
	s.obsMu.Lock()
	observers := append([]LinkObserver(nil), s.observers...)
	s.obsMu.Unlock()
	for _, obs := range observers {
		if obs.OnError != nil {
			obs.OnError(err)
		}
	}
}

func (s *realtimeSession) notifyClosed() {
	s.obsMu.Lock()
	observers := append([]LinkObserver(nil), s.observers...)
	s.obsMu.Unlock()
	for _, obs := range observers {
		if obs.OnClosed != nil {
			obs.OnClosed()
		}
	}
}
