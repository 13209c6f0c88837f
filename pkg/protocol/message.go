// Package protocol defines the websocket messages exchanged with the voice agent.
//
// Structured messages are JSON envelopes `{"type": ..., "data": ...}` sent as
// text frames. Agent audio travels separately as binary frames and never
// passes through this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// MessageType identifies the type of a structured message
type MessageType string

const (
	// Client → Agent messages
	TypeAudioChunk  MessageType = "audio_chunk"  // Captured microphone frame
	TypeTextMessage MessageType = "text_message" // Typed user text

	// Agent → Client messages
	TypeUserTranscript MessageType = "user_transcript" // Transcript of the user's utterance
	TypeAITextChunk    MessageType = "ai_text_chunk"   // Incremental agent reply text
	TypeTTSStart       MessageType = "tts_start"       // Agent speech starting
	TypeTTSEnd         MessageType = "tts_end"         // Agent speech ended
)

// Known reports whether t is part of the current schema.
func (t MessageType) Known() bool {
	switch t {
	case TypeAudioChunk, TypeTextMessage, TypeUserTranscript, TypeAITextChunk, TypeTTSStart, TypeTTSEnd:
		return true
	}
	return false
}

// Message is the envelope for all structured messages
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message, marshalling data when it is not nil.
// Invalid UTF-8 in string data is replaced with U+FFFD: messages travel
// in websocket text frames, which must be valid UTF-8.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	if s, ok := data.(string); ok {
		data = strings.ToValidUTF8(s, "\uFFFD")
	}
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = sonic.ConfigStd.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type: msgType,
		Data: rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided value
func (m *Message) ParseData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return sonic.Unmarshal(m.Data, v)
}

// Text returns the data as a string. Messages without data, or whose data
// is not a JSON string, yield "".
func (m *Message) Text() string {
	var s string
	if err := m.ParseData(&s); err != nil {
		return ""
	}
	return s
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return sonic.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}
