package speech

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"
)

type GoogleSynthesizer struct {
	service      *texttospeech.Service
	languageCode string
}

func NewGoogleSynthesizer(ctx context.Context, apiKey string) (*GoogleSynthesizer, error) {
	service, err := texttospeech.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create text-to-speech service: %w", err)
	}
	return &GoogleSynthesizer{service: service, languageCode: "en-US"}, nil
}

func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := g.service.Text.Synthesize(&texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: g.languageCode,
			SsmlGender:   "NEUTRAL",
		},
		AudioConfig: &texttospeech.AudioConfig{AudioEncoding: "MP3"},
	}).Context(ctx).Do()
	if err != nil {
		return Audio{}, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	return decodeAudioContent(resp.AudioContent)
}
