package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"resq.town/config"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(setupCmd)

	rootCmd.PersistentFlags().
		String("api-base-url", "", "Base URL of the local API (tts, transcribe, stream-audio)")
	rootCmd.PersistentFlags().
		String("conversation-base-url", "", "Base URL of the conversation backend")
	rootCmd.PersistentFlags().String("language", "", "Language sent with every turn")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().
		String("elevenlabs-api-key", "", "ElevenLabs API key")
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")

	viper.BindPFlag(
		"api_base_url",
		rootCmd.PersistentFlags().Lookup("api-base-url"),
	)
	viper.BindPFlag(
		"conversation_base_url",
		rootCmd.PersistentFlags().Lookup("conversation-base-url"),
	)
	viper.BindPFlag("language", rootCmd.PersistentFlags().Lookup("language"))
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		"elevenlabs_api_key",
		rootCmd.PersistentFlags().Lookup("elevenlabs-api-key"),
	)
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	config.Prepare(viper.GetViper())
	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "resq",
	Short: "ResQ is a voice front end for an emergency assistant",
	Long: `ResQ lets a caller talk to an emergency conversation backend: it listens,
transcribes, sends each turn to the backend and speaks the reply.`,
	SilenceUsage: true,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// createLoggers points the shared logger at w and derives one prefixed
// logger per area.
func createLoggers(w io.Writer) (mainLogger, callLogger, hearLogger, talkLogger, httpLogger *log.Logger) {
	logger = log.New(w)

	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	for _, level := range []log.Level{log.InfoLevel, log.WarnLevel, log.ErrorLevel} {
		styles.Levels[level] = styles.Levels[level].
			MaxWidth(6).
			MarginRight(1).
			Bold(false)
	}
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	callLogger = logger.With().WithPrefix("call")
	hearLogger = logger.With().WithPrefix("hear")
	talkLogger = logger.With().WithPrefix("talk")
	httpLogger = logger.With().WithPrefix("http")

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
