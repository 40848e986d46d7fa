package stt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// WhisperTranscriber sends audio to the OpenAI transcription API.
type WhisperTranscriber struct {
	client   *openai.Client
	language string
}

func NewWhisperTranscriber(apiKey, language string) *WhisperTranscriber {
	return &WhisperTranscriber{
		client:   openai.NewClient(apiKey),
		language: language,
	}
}

func NewWhisperTranscriberWithConfig(config openai.ClientConfig, language string) *WhisperTranscriber {
	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(config),
		language: language,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio Audio) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audio.Filename,
		Reader:   bytes.NewReader(audio.Data),
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return resp.Text, nil
}
