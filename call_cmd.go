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

	"resq.town/capture"
	"resq.town/config"
	"resq.town/conversation"
	"resq.town/speech"
	"resq.town/stt"
	"resq.town/turn"
	"resq.town/ui"
)

func init() {
	callCmd.Flags().
		String("mode", "", "Transcript mode: batch or streaming")
	callCmd.Flags().
		Bool("typed-only", false, "Do not open the microphone; type every turn")
	viper.BindPFlag("transcript_mode", callCmd.Flags().Lookup("mode"))
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start an emergency call from this terminal",
	RunE:  runCall,
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The call screen owns the terminal, so logs go to a file.
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	mainLogger, callLogger, hearLogger, talkLogger, _ := createLoggers(logFile)

	typedOnly, _ := cmd.Flags().GetBool("typed-only")

	gate := capture.NewGate()
	opts := turn.Options{
		Conversation:   conversation.NewClient(cfg.ConversationBaseURL, cfg.Language, cfg.CallerPhone),
		Speaker:        speech.NewController(speech.NewHTTPSynthesizer(cfg.APIBaseURL), speech.NewSpeakerPlayer(), gate, talkLogger),
		Gate:           gate,
		SilenceTimeout: cfg.SilenceTimeout,
		Greeting:       cfg.Greeting,
		BotName:        cfg.BotName,
		UserName:       cfg.UserName,
		Logger:         callLogger,
	}
	if !typedOnly {
		opts.Source = newCallSource(cfg, gate, hearLogger)
	}

	call := turn.New(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mainLogger.Info("starting call", "mode", cfg.TranscriptMode, "typed-only", typedOnly)
	if err := call.Start(ctx); err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}
	defer call.End()

	if err := ui.Run(call); err != nil {
		return fmt.Errorf("call screen failed: %w", err)
	}
	return nil
}

// newCallSource builds the microphone pipeline for the configured transcript
// mode.
func newCallSource(cfg *config.Config, gate *capture.Gate, logger *log.Logger) stt.Source {
	mic := capture.NewMicrophone(cfg.SampleRate, logger)

	switch cfg.TranscriptMode {
	case config.ModeBatch:
		return stt.NewBatchSource(
			mic,
			gate,
			stt.NewHTTPTranscriber(cfg.APIBaseURL),
			stt.BatchOptions{
				SampleRate:    cfg.SampleRate,
				ChunkInterval: cfg.ChunkInterval,
				FlushAfter:    cfg.FlushAfter,
				Threshold:     cfg.VADThreshold,
				Format:        cfg.ChunkFormat,
				Uploader:      capture.NewUploader(cfg.APIBaseURL, cfg.ChunkFormat, logger),
			},
			logger,
		)
	default:
		return stt.NewStreamingSource(
			mic,
			gate,
			stt.NewSocketStreamer(cfg.TranscribeWSURL, logger),
			logger,
		)
	}
}
