package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeSamples packs float32 samples little-endian and base64 encodes them.
func EncodeSamples(samples []float32) string {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeSamples reverses EncodeSamples.
func DecodeSamples(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("decode audio: %d bytes is not a whole number of float32 samples", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}

// EncodeAudio builds the wire bytes of an audio_chunk message.
func EncodeAudio(samples []float32) ([]byte, error) {
	msg, err := NewMessage(TypeAudioChunk, EncodeSamples(samples))
	if err != nil {
		return nil, err
	}
	return msg.Bytes()
}

// EncodeText builds the wire bytes of a text_message.
func EncodeText(text string) ([]byte, error) {
	msg, err := NewMessage(TypeTextMessage, text)
	if err != nil {
		return nil, err
	}
	return msg.Bytes()
}

// DecodeAudio extracts the samples of an audio_chunk message.
func DecodeAudio(m *Message) ([]float32, error) {
	if m.Type != TypeAudioChunk {
		return nil, fmt.Errorf("decode audio: unexpected message type %q", m.Type)
	}
	return DecodeSamples(m.Text())
}

// NewTextMessage creates an agent → client message carrying a string.
func NewTextMessage(msgType MessageType, text string) (*Message, error) {
	return NewMessage(msgType, text)
}

// NewSignal creates a data-less message such as tts_start or tts_end.
func NewSignal(msgType MessageType) *Message {
	return &Message{Type: msgType}
}
