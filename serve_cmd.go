package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"resq.town/config"
	"resq.town/conversation"
	"resq.town/deepgram"
	"resq.town/gemini"
	"resq.town/speech"
	"resq.town/speechmatics"
	"resq.town/stt"
	"resq.town/web"
)

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port")
	serveCmd.Flags().
		Bool("scripted", false, "Answer conversation turns with the built-in scripted backend")
	serveCmd.Flags().
		Int("dispatch-after", 3, "Turns before the scripted backend dispatches help")
	viper.BindPFlag("http_port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("scripted_backend", serveCmd.Flags().Lookup("scripted"))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local API server",
	Long: `Serve text to speech, transcription, audio ingestion and the live transcription
socket, and forward conversation turns to the backend.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mainLogger, _, hearLogger, _, httpLogger := createLoggers(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatchAfter, _ := cmd.Flags().GetInt("dispatch-after")
	providers, cleanup, err := buildProviders(ctx, cfg, dispatchAfter, hearLogger, httpLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	mainLogger.Info(
		"serving",
		"port", cfg.HTTPPort,
		"tts", cfg.TTSProvider,
		"transcribe", cfg.TranscribeProvider,
		"stream", cfg.StreamProvider,
		"scripted", cfg.ScriptedBackend,
	)
	return web.Serve(ctx, cfg.HTTPPort, web.NewRouter(providers, httpLogger), httpLogger)
}

// buildProviders picks the configured services. A provider whose key is
// missing stays nil and its route answers 503.
func buildProviders(
	ctx context.Context,
	cfg *config.Config,
	dispatchAfter int,
	hearLogger, httpLogger *log.Logger,
) (web.Providers, func(), error) {
	var (
		p        web.Providers
		closers  []func() error
		warnMiss = func(what, key string) {
			httpLogger.Warn("provider disabled, key not set", "provider", what, "key", key)
		}
	)
	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				httpLogger.Warn("failed to close provider", "error", err)
			}
		}
	}

	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			warnMiss("elevenlabs", "elevenlabs_api_key")
			break
		}
		p.Synthesizer = speech.NewElevenLabsSynthesizer(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID)
	default:
		if cfg.GoogleAPIKey == "" {
			warnMiss("google", "google_api_key")
			break
		}
		synth, err := speech.NewGoogleSynthesizer(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return p, cleanup, fmt.Errorf("failed to create text to speech client: %w", err)
		}
		p.Synthesizer = synth
	}

	var rt *speechmatics.Client
	if cfg.SpeechmaticsAPIKey != "" {
		rt = speechmatics.NewClient(cfg.SpeechmaticsAPIKey, cfg.Language, hearLogger)
	}

	switch cfg.TranscribeProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			warnMiss("gemini", "gemini_api_key")
			break
		}
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return p, cleanup, fmt.Errorf("failed to create gemini client: %w", err)
		}
		transcriber := gemini.New(client, hearLogger)
		closers = append(closers, transcriber.Close)
		p.Transcriber = transcriber
	case "speechmatics":
		if rt == nil {
			warnMiss("speechmatics", "speechmatics_api_key")
			break
		}
		p.Transcriber = rt
	default:
		if cfg.OpenAIAPIKey == "" {
			warnMiss("whisper", "openai_api_key")
			break
		}
		p.Transcriber = stt.NewWhisperTranscriber(cfg.OpenAIAPIKey, cfg.Language)
	}

	switch cfg.StreamProvider {
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			warnMiss("deepgram", "deepgram_api_key")
			break
		}
		p.Streamer = deepgram.NewClient(cfg.DeepgramAPIKey, deepgram.Options{
			Language:   cfg.Language,
			SampleRate: cfg.SampleRate,
		}, hearLogger)
	default:
		if rt == nil {
			warnMiss("speechmatics", "speechmatics_api_key")
			break
		}
		p.Streamer = rt.Streamer(cfg.SampleRate)
	}

	if cfg.ScriptedBackend {
		p.Conversation = conversation.NewScripted(dispatchAfter)
	} else {
		proxy, err := web.NewProxy(cfg.ConversationUpstream, httpLogger)
		if err != nil {
			return p, cleanup, err
		}
		p.Conversation = proxy
	}

	return p, cleanup, nil
}
