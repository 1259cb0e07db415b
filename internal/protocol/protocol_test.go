package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expectError bool
		check       func(t *testing.T, ev *ServerEvent)
	}{
		{
			name: "conversation item created",
			data: `{"type":"conversation.item.created","item":{"id":"item_1","role":"user","content":[{"type":"input_text","text":"hi"}]}}`,
			check: func(t *testing.T, ev *ServerEvent) {
				if ev.Type != TypeConversationItemCreated {
					t.Errorf("expected type %s, got %s", TypeConversationItemCreated, ev.Type)
				}
				if ev.Item == nil || ev.Item.ID != "item_1" || ev.Item.Role != "user" {
					t.Errorf("unexpected item: %+v", ev.Item)
				}
				if ev.Item.Text() != "hi" {
					t.Errorf("expected first content text %q, got %q", "hi", ev.Item.Text())
				}
			},
		},
		{
			name: "transcript delta",
			data: `{"type":"response.audio_transcript.delta","item_id":"item_2","delta":" there"}`,
			check: func(t *testing.T, ev *ServerEvent) {
				if ev.ItemID != "item_2" || ev.Delta != " there" {
					t.Errorf("unexpected delta event: %+v", ev)
				}
			},
		},
		{
			name: "transcript done",
			data: `{"type":"response.audio_transcript.done","item_id":"item_2","transcript":"hi there"}`,
			check: func(t *testing.T, ev *ServerEvent) {
				if ev.Transcript != "hi there" {
					t.Errorf("expected transcript %q, got %q", "hi there", ev.Transcript)
				}
			},
		},
		{
			name: "item content falls back to transcript field",
			data: `{"type":"conversation.item.created","item":{"id":"item_3","role":"user","content":[{"type":"input_audio","transcript":"spoken"}]}}`,
			check: func(t *testing.T, ev *ServerEvent) {
				if ev.Item.Text() != "spoken" {
					t.Errorf("expected transcript fallback, got %q", ev.Item.Text())
				}
			},
		},
		{
			name: "error event",
			data: `{"type":"error","error":{"code":"rate_limit","message":"slow down"}}`,
			check: func(t *testing.T, ev *ServerEvent) {
				if ev.Error == nil || ev.Error.Message != "slow down" {
					t.Errorf("unexpected error payload: %+v", ev.Error)
				}
			},
		},
		{
			name:        "not json",
			data:        `not json at all`,
			expectError: true,
		},
		{
			name:        "json but not an object",
			data:        `[1,2,3]`,
			expectError: true,
		},
		{
			name:        "missing type field",
			data:        `{"item_id":"item_1"}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.data))
			if tt.expectError {
				if err == nil {
					t.Fatal("expected decode error")
				}
				if !errors.Is(err, ErrMalformedEvent) {
					t.Errorf("expected ErrMalformedEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestEncodeStampsType(t *testing.T) {
	tests := []struct {
		name     string
		event    ClientEvent
		wantType string
	}{
		{"session update", SessionUpdate{Session: SessionSettings{Voice: "verse"}}, "session.update"},
		{"response create", ResponseCreate{}, "response.create"},
		{"conversation item create", NewUserMessage("hola"), "conversation.item.create"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.event)
			if err != nil {
				t.Fatalf("unexpected encode error: %v", err)
			}

			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("encoded event is not valid JSON: %v", err)
			}
			if decoded["type"] != tt.wantType {
				t.Errorf("expected type %q, got %v", tt.wantType, decoded["type"])
			}
		})
	}
}

func TestEncodeSessionUpdatePayload(t *testing.T) {
	ev := SessionUpdate{
		Session: SessionSettings{
			Modalities:        []string{"text", "audio"},
			Instructions:      "be patient",
			Voice:             "verse",
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &TurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
				CreateResponse:    true,
			},
			InputAudioTranscription: &AudioTranscription{Model: "gpt-4o-transcribe", Language: "en"},
			MaxResponseOutputTokens: 4096,
		},
	}

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	var decoded struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat string `json:"input_audio_format"`
			TurnDetection    struct {
				Type           string `json:"type"`
				CreateResponse bool   `json:"create_response"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.Session.InputAudioFormat != "pcm16" {
		t.Errorf("expected pcm16 input format, got %q", decoded.Session.InputAudioFormat)
	}
	if decoded.Session.TurnDetection.Type != "server_vad" || !decoded.Session.TurnDetection.CreateResponse {
		t.Errorf("unexpected turn detection payload: %+v", decoded.Session.TurnDetection)
	}
}

func TestNewUserMessageShape(t *testing.T) {
	msg := NewUserMessage("¿cómo estás?")

	if msg.Item.Type != "message" || msg.Item.Role != "user" {
		t.Errorf("unexpected item envelope: %+v", msg.Item)
	}
	if len(msg.Item.Content) != 1 || msg.Item.Content[0].Text != "¿cómo estás?" {
		t.Errorf("unexpected content: %+v", msg.Item.Content)
	}
	if msg.Item.Content[0].Type != "input_text" {
		t.Errorf("expected input_text content type, got %q", msg.Item.Content[0].Type)
	}
}
