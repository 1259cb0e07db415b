package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server event types delivered over the control channel.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeConversationItemCreated     = "conversation.item.created"
	TypeAudioTranscriptDelta        = "response.audio_transcript.delta"
	TypeAudioTranscriptDone         = "response.audio_transcript.done"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeInputAudioCommitted         = "input_audio_buffer.committed"
	TypeOutputAudioStarted          = "output_audio_buffer.started"
	TypeOutputAudioStopped          = "output_audio_buffer.stopped"
	TypeError                       = "error"
)

// ErrMalformedEvent marks control-channel payloads that are not well-formed
// JSON objects or lack a type field. Single malformed messages are dropped by
// the caller, never fatal to the session.
var ErrMalformedEvent = errors.New("malformed control event")

// ServerEvent is the decoded form of one inbound control-channel message.
// Only the fields relevant to the event's type are populated.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Item       *Item        `json:"item,omitempty"`
	Error      *ServerError `json:"error,omitempty"`
}

// Item is the conversation item object carried by conversation.item.created.
type Item struct {
	ID      string        `json:"id"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one content block of a conversation item.
type ContentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Text returns the item's first content block text, falling back to its
// transcript field. Empty when the item carries no content.
func (it *Item) Text() string {
	if it == nil || len(it.Content) == 0 {
		return ""
	}
	if it.Content[0].Text != "" {
		return it.Content[0].Text
	}
	return it.Content[0].Transcript
}

// ServerError is the error object carried by error events.
type ServerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses one inbound control-channel message. Payloads that are not
// JSON objects or lack a type field fail with an error wrapping
// ErrMalformedEvent.
func Decode(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedEvent)
	}
	return &ev, nil
}
