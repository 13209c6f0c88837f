package loopback

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Turn is one user input the agent answers.
type Turn struct {
	Agent string
	Text  string

	// Voice is set when the input was spoken rather than typed.
	Voice bool
}

// Responder produces the agent's reply text.
type Responder interface {
	Respond(ctx context.Context, turn Turn) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, turn Turn) (string, error)

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, turn Turn) (string, error) {
	return f(ctx, turn)
}

// Echo repeats the user's words back.
var Echo = ResponderFunc(func(_ context.Context, turn Turn) (string, error) {
	return fmt.Sprintf("%s heard: %s", turn.Agent, turn.Text), nil
})

// Transcriber turns a detected utterance into text.
type Transcriber func(ctx context.Context, u Utterance) (string, error)

// DescribeUtterance stands in for speech recognition.
func DescribeUtterance(_ context.Context, u Utterance) (string, error) {
	return fmt.Sprintf("(%.1f seconds of speech)", u.Speech.Seconds()), nil
}

// Voice renders reply text as encoded audio chunks.
type Voice interface {
	Speak(ctx context.Context, agent, text string) ([][]byte, error)
}

// FileVoice plays the same audio file for every reply.
type FileVoice struct {
	chunks [][]byte
}

// DefaultVoiceChunk is the chunk size FileVoice splits files into.
const DefaultVoiceChunk = 8 * 1024

// NewFileVoice loads path and splits it into chunkSize pieces.
func NewFileVoice(path string, chunkSize int) (*FileVoice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loopback: voice file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("loopback: voice file %q is empty", path)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultVoiceChunk
	}
	v := &FileVoice{}
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		v.chunks = append(v.chunks, data[start:end])
	}
	return v, nil
}

// Speak implements Voice.
func (v *FileVoice) Speak(context.Context, string, string) ([][]byte, error) {
	return v.chunks, nil
}

// splitWords breaks a reply into streamable chunks, keeping the spaces so
// the chunks concatenate back to the reply.
func splitWords(s string) []string {
	parts := strings.SplitAfter(s, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
