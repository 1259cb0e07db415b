package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientEvent is an outbound control-channel event. The concrete variants form
// a closed set; Encode stamps each one with its type tag so event names live
// in exactly one place.
type ClientEvent interface {
	EventType() string
}

// SessionUpdate configures the remote session after the control channel opens.
type SessionUpdate struct {
	Session SessionSettings `json:"session"`
}

func (SessionUpdate) EventType() string { return "session.update" }

// SessionSettings is the session object carried by session.update.
type SessionSettings struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

// AudioTranscription selects the model transcribing inbound user speech.
type AudioTranscription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

// ResponseCreate asks the remote agent to produce a response. Sent once after
// session configuration to trigger the initial greeting, and again on explicit
// evaluation requests.
type ResponseCreate struct {
	Response *ResponseSettings `json:"response,omitempty"`
}

func (ResponseCreate) EventType() string { return "response.create" }

// ResponseSettings optionally overrides instructions for a single response.
type ResponseSettings struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ConversationItemCreate injects a message into the remote conversation.
type ConversationItemCreate struct {
	Item OutboundItem `json:"item"`
}

func (ConversationItemCreate) EventType() string { return "conversation.item.create" }

// OutboundItem is the item object for conversation.item.create.
type OutboundItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// NewUserMessage builds a conversation.item.create carrying one user text block.
func NewUserMessage(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Item: OutboundItem{
			Type: "message",
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

// Encode serializes a client event to its wire form, merging the type tag into
// the variant's own fields.
func Encode(ev ClientEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to re-encode %s event: %w", ev.EventType(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	tag, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, fmt.Errorf("failed to encode event type: %w", err)
	}
	fields["type"] = tag

	return json.Marshal(fields)
}
