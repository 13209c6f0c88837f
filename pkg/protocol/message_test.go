package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEncodeAudio(t *testing.T) {
	samples := []float32{0, 1, -0.5}

	data, err := EncodeAudio(samples)
	if err != nil {
		t.Fatalf("EncodeAudio() error = %v", err)
	}

	var wire struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if wire.Type != "audio_chunk" {
		t.Errorf("type = %q, want audio_chunk", wire.Type)
	}

	raw, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		t.Fatalf("data is not base64: %v", err)
	}
	if len(raw) != 12 {
		t.Fatalf("expected 12 bytes of float32 samples, got %d", len(raw))
	}
	// 1.0 little-endian is 00 00 80 3f
	if raw[4] != 0x00 || raw[5] != 0x00 || raw[6] != 0x80 || raw[7] != 0x3f {
		t.Errorf("unexpected encoding of 1.0: % x", raw[4:8])
	}

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	decoded, err := DecodeAudio(msg)
	if err != nil {
		t.Fatalf("DecodeAudio() error = %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("sample %d = %v, want %v", i, decoded[i], samples[i])
		}
	}
}

func TestEncodeText(t *testing.T) {
	data, err := EncodeText("namaste, kaise ho?")
	if err != nil {
		t.Fatalf("EncodeText() error = %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if wire["type"] != "text_message" {
		t.Errorf("type = %v, want text_message", wire["type"])
	}
	if wire["data"] != "namaste, kaise ho?" {
		t.Errorf("data = %v", wire["data"])
	}
	if len(wire) != 2 {
		t.Errorf("text message should carry only type and data, got %v", wire)
	}

	t.Run("invalid UTF-8", func(t *testing.T) {
		data, err := EncodeText("hi \xff there")
		if err != nil {
			t.Fatalf("EncodeText() error = %v", err)
		}
		if !utf8.Valid(data) {
			t.Fatalf("frame is not valid UTF-8: %q", data)
		}
		msg, err := ParseMessage(data)
		if err != nil {
			t.Fatalf("ParseMessage() error = %v", err)
		}
		if got := msg.Text(); got != "hi \uFFFD there" {
			t.Errorf("data = %q, want replacement character", got)
		}
	})
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType MessageType
		wantText string
		wantErr  bool
	}{
		{
			name:     "user transcript",
			input:    `{"type":"user_transcript","data":"hello there"}`,
			wantType: TypeUserTranscript,
			wantText: "hello there",
		},
		{
			name:     "ai text chunk",
			input:    `{"type":"ai_text_chunk","data":"Hi! "}`,
			wantType: TypeAITextChunk,
			wantText: "Hi! ",
		},
		{
			name:     "tts start without data",
			input:    `{"type":"tts_start"}`,
			wantType: TypeTTSStart,
		},
		{
			name:     "tts start with object payload",
			input:    `{"type":"tts_start","data":{"voice":"taara"}}`,
			wantType: TypeTTSStart,
		},
		{
			name:     "unknown type still parses",
			input:    `{"type":"ai_text","data":"legacy"}`,
			wantType: MessageType("ai_text"),
			wantText: "legacy",
		},
		{
			name:    "missing type",
			input:   `{"data":"x"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.wantType {
				t.Errorf("type = %v, want %v", msg.Type, tt.wantType)
			}
			if got := msg.Text(); got != tt.wantText {
				t.Errorf("Text() = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestMessageType_Known(t *testing.T) {
	for _, mt := range []MessageType{TypeAudioChunk, TypeTextMessage, TypeUserTranscript, TypeAITextChunk, TypeTTSStart, TypeTTSEnd} {
		if !mt.Known() {
			t.Errorf("%s should be known", mt)
		}
	}
	if MessageType("ai_text").Known() {
		t.Error("legacy ai_text should not be known")
	}
}

func TestDecodeSamples_Invalid(t *testing.T) {
	if _, err := DecodeSamples("!!!"); err == nil {
		t.Error("expected base64 error")
	}
	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := DecodeSamples(odd); err == nil || !strings.Contains(err.Error(), "float32") {
		t.Errorf("expected length error, got %v", err)
	}
	if _, err := DecodeAudio(NewSignal(TypeTTSEnd)); err == nil {
		t.Error("expected type error")
	}
}

func TestSignalBytes(t *testing.T) {
	data, err := NewSignal(TypeTTSEnd).Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if string(data) != `{"type":"tts_end"}` {
		t.Errorf("unexpected encoding %s", data)
	}
}
