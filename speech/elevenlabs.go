package speech

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/haguro/elevenlabs-go"
)

const DefaultVoiceID = "pKLLpypGseGMUjkb5fEZ"

type ElevenLabsSynthesizer struct {
	apiKey  string
	voiceID string
}

func NewElevenLabsSynthesizer(apiKey, voiceID string) *ElevenLabsSynthesizer {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return &ElevenLabsSynthesizer{apiKey: apiKey, voiceID: voiceID}
}

func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	client := elevenlabs.NewClient(ctx, e.apiKey, 30*time.Second)
	var buf bytes.Buffer
	err := client.TextToSpeechStream(&buf, e.voiceID, elevenlabs.TextToSpeechRequest{
		Text:    text,
		ModelID: "eleven_turbo_v2_5",
	})
	if err != nil {
		return Audio{}, fmt.Errorf("failed to generate speech: %w", err)
	}
	if buf.Len() == 0 {
		return Audio{}, ErrNoAudio
	}
	return Audio{Data: buf.Bytes(), Format: FormatMP3}, nil
}
