package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"resq.town/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively write config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSetup("config.yaml")
	},
}

type setupAnswers struct {
	APIBaseURL          string
	ConversationBaseURL string
	TranscriptMode      string
	OpenAIAPIKey        string
	GoogleAPIKey        string
	GeminiAPIKey        string
	ElevenLabsAPIKey    string
	SpeechmaticsAPIKey  string
	DeepgramAPIKey      string
}

func RunSetup(path string) error {
	v := viper.GetViper()
	if _, err := config.Load(v); err != nil {
		logger.Warn("current config is invalid, starting from it anyway", "error", err)
	}

	answers := setupAnswers{
		APIBaseURL:          v.GetString("api_base_url"),
		ConversationBaseURL: v.GetString("conversation_base_url"),
		TranscriptMode:      v.GetString("transcript_mode"),
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		GoogleAPIKey:        v.GetString("google_api_key"),
		GeminiAPIKey:        v.GetString("gemini_api_key"),
		ElevenLabsAPIKey:    v.GetString("elevenlabs_api_key"),
		SpeechmaticsAPIKey:  v.GetString("speechmatics_api_key"),
		DeepgramAPIKey:      v.GetString("deepgram_api_key"),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Local API base URL").
				Value(&answers.APIBaseURL),
			huh.NewInput().
				Title("Conversation backend base URL").
				Value(&answers.ConversationBaseURL),
			huh.NewSelect[string]().
				Title("Transcript mode").
				Options(
					huh.NewOption("Streaming (live partial transcripts)", config.ModeStreaming),
					huh.NewOption("Batch (one upload per utterance)", config.ModeBatch),
				).
				Value(&answers.TranscriptMode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("OpenAI API key (Whisper)").
				EchoMode(huh.EchoModePassword).
				Value(&answers.OpenAIAPIKey),
			huh.NewInput().
				Title("Google API key (text to speech)").
				EchoMode(huh.EchoModePassword).
				Value(&answers.GoogleAPIKey),
			huh.NewInput().
				Title("Gemini API key").
				EchoMode(huh.EchoModePassword).
				Value(&answers.GeminiAPIKey),
			huh.NewInput().
				Title("ElevenLabs API key").
				EchoMode(huh.EchoModePassword).
				Value(&answers.ElevenLabsAPIKey),
			huh.NewInput().
				Title("Speechmatics API key").
				EchoMode(huh.EchoModePassword).
				Value(&answers.SpeechmaticsAPIKey),
			huh.NewInput().
				Title("Deepgram API key").
				EchoMode(huh.EchoModePassword).
				Value(&answers.DeepgramAPIKey),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("error during setup: %w", err)
	}

	applySetup(v, answers)
	if _, err := config.Decode(v); err != nil {
		return err
	}
	if err := config.Save(v, path); err != nil {
		return err
	}

	logger.Info("setup completed", "path", path)
	return nil
}

func applySetup(v *viper.Viper, a setupAnswers) {
	v.Set("api_base_url", a.APIBaseURL)
	v.Set("conversation_base_url", a.ConversationBaseURL)
	v.Set("transcript_mode", a.TranscriptMode)
	v.Set("openai_api_key", a.OpenAIAPIKey)
	v.Set("google_api_key", a.GoogleAPIKey)
	v.Set("gemini_api_key", a.GeminiAPIKey)
	v.Set("elevenlabs_api_key", a.ElevenLabsAPIKey)
	v.Set("speechmatics_api_key", a.SpeechmaticsAPIKey)
	v.Set("deepgram_api_key", a.DeepgramAPIKey)
}
