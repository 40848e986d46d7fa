package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"resq.town/capture"
	"resq.town/chat"
	"resq.town/conversation"
	"resq.town/speech"
	"resq.town/stt"
	"resq.town/turn"
)

func init() {
	simulateCmd.Flags().String("script", "", "YAML transcript script to replay")
	simulateCmd.Flags().
		Int("dispatch-after", 2, "Turns before the scripted backend dispatches help")
	simulateCmd.Flags().
		Duration("per-byte", 2*time.Millisecond, "Pretend playback time per character of bot speech")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a call against a scripted caller and backend",
	Long: `Replay a transcript script through the turn-taking loop with an in-process
backend and silent playback, then print the chat log.`,
	RunE: runSimulate,
}

var demoScript = []stt.ScriptStep{
	{After: 500 * time.Millisecond, Text: "there's a fire"},
	{After: 400 * time.Millisecond, Text: "there's a fire in my kitchen"},
	{After: 3 * time.Second, Text: "I'm at Jalan Sudirman 12", Kind: "final"},
	{After: 2 * time.Second, Text: "nobody is hurt"},
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mainLogger, callLogger, _, talkLogger, _ := createLoggers(os.Stderr)

	steps := demoScript
	if path, _ := cmd.Flags().GetString("script"); path != "" {
		steps, err = stt.LoadScript(path)
		if err != nil {
			return err
		}
	}
	dispatchAfter, _ := cmd.Flags().GetInt("dispatch-after")
	perByte, _ := cmd.Flags().GetDuration("per-byte")

	gate := capture.NewGate()
	chatLog := chat.NewLog()
	call := turn.New(turn.Options{
		Log:            chatLog,
		Source:         stt.NewScriptedSource(steps),
		Conversation:   conversation.NewScripted(dispatchAfter),
		Speaker:        speech.NewController(speech.TextSynthesizer{}, speech.SilentPlayer{PerByte: perByte}, gate, talkLogger),
		Gate:           gate,
		SilenceTimeout: cfg.SilenceTimeout,
		Greeting:       cfg.Greeting,
		BotName:        cfg.BotName,
		UserName:       cfg.UserName,
		Logger:         callLogger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := call.Start(ctx); err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}

	// Leave room for the greeting, the script itself and the last reply.
	limit := time.Duration(len(cfg.Greeting))*perByte + scriptLength(steps) + cfg.SilenceTimeout + 10*time.Second
	select {
	case <-call.Done():
		mainLogger.Info("call ended by backend")
	case <-time.After(limit):
		mainLogger.Info("script finished, hanging up")
		call.End()
	case <-ctx.Done():
		call.End()
	}

	printChatLog(os.Stdout, chatLog.Entries())
	return nil
}

func scriptLength(steps []stt.ScriptStep) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.After
	}
	return total
}

func printChatLog(w io.Writer, entries []chat.Entry) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Time", "Sender", "Text"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for i, e := range entries {
		sender := e.Name
		if e.Sender == chat.System {
			sender = "system"
		}
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			e.CreatedAt.Format("15:04:05.000"),
			sender,
			e.Text,
		})
	}

	table.Render()
}
