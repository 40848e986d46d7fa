// Package config holds the settings shared by the call client and the local
// API server, read from config.yaml, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	APIBaseURL          string `mapstructure:"api_base_url"`
	ConversationBaseURL string `mapstructure:"conversation_base_url"`
	TranscribeWSURL     string `mapstructure:"transcribe_ws_url"`

	TranscriptMode string        `mapstructure:"transcript_mode"`
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	ChunkInterval  time.Duration `mapstructure:"chunk_interval"`
	FlushAfter     time.Duration `mapstructure:"flush_after"`
	VADThreshold   float64       `mapstructure:"vad_threshold"`
	SampleRate     int           `mapstructure:"sample_rate"`
	ChunkFormat    string        `mapstructure:"chunk_format"`

	Language    string `mapstructure:"language"`
	CallerPhone string `mapstructure:"caller_phone"`
	Greeting    string `mapstructure:"greeting"`
	BotName     string `mapstructure:"bot_name"`
	UserName    string `mapstructure:"user_name"`

	HTTPPort             int    `mapstructure:"http_port"`
	TTSProvider          string `mapstructure:"tts_provider"`
	TranscribeProvider   string `mapstructure:"transcribe_provider"`
	StreamProvider       string `mapstructure:"stream_provider"`
	ConversationUpstream string `mapstructure:"conversation_upstream"`
	ScriptedBackend      bool   `mapstructure:"scripted_backend"`
	LogFile              string `mapstructure:"log_file"`

	OpenAIAPIKey       string `mapstructure:"openai_api_key"`
	GeminiAPIKey       string `mapstructure:"gemini_api_key"`
	GoogleAPIKey       string `mapstructure:"google_api_key"`
	ElevenLabsAPIKey   string `mapstructure:"elevenlabs_api_key"`
	ElevenLabsVoiceID  string `mapstructure:"elevenlabs_voice_id"`
	SpeechmaticsAPIKey string `mapstructure:"speechmatics_api_key"`
	DeepgramAPIKey     string `mapstructure:"deepgram_api_key"`
}

const (
	ModeBatch     = "batch"
	ModeStreaming = "streaming"
)

var defaults = map[string]any{
	"api_base_url":          "http://localhost:3000/api",
	"conversation_base_url": "http://localhost:3002/api/v1",
	"transcribe_ws_url":     "ws://localhost:3000/ws/transcribe",
	"transcript_mode":       ModeStreaming,
	"silence_timeout":       "2s",
	"chunk_interval":        "1s",
	"flush_after":           "1200ms",
	"vad_threshold":         0.02,
	"sample_rate":           16000,
	"chunk_format":          "wav",
	"language":              "id",
	"caller_phone":          "+6281234567890",
	"greeting":              "Hello! You've reached the ResQ AI assistant. Please state the nature of your emergency.",
	"bot_name":              "ResQ",
	"user_name":             "You",
	"http_port":             3000,
	"tts_provider":          "google",
	"transcribe_provider":   "whisper",
	"stream_provider":       "speechmatics",
	"conversation_upstream": "http://localhost:3002/api/v1",
	"scripted_backend":      false,
	"log_file":              "resq.log",
	"openai_api_key":        "",
	"gemini_api_key":        "",
	"google_api_key":        "",
	"elevenlabs_api_key":    "",
	"elevenlabs_voice_id":   "",
	"speechmatics_api_key":  "",
	"deepgram_api_key":      "",
}

// SetDefaults registers every known key so AutomaticEnv can see them during
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Prepare points v at config.yaml in the working directory and the
// environment. A missing .env file is fine.
func Prepare(v *viper.Viper) {
	_ = godotenv.Load()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// Load reads the config file, if any, and returns the validated settings.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (expected one of %s)", key, value, strings.Join(allowed, ", "))
}

func (c *Config) Validate() error {
	return errors.Join(
		oneOf("transcript_mode", c.TranscriptMode, ModeBatch, ModeStreaming),
		oneOf("chunk_format", c.ChunkFormat, "wav", "ogg"),
		oneOf("tts_provider", c.TTSProvider, "google", "elevenlabs"),
		oneOf("transcribe_provider", c.TranscribeProvider, "whisper", "gemini", "speechmatics"),
		oneOf("stream_provider", c.StreamProvider, "speechmatics", "deepgram"),
		positive("sample_rate", c.SampleRate),
		positiveDuration("silence_timeout", c.SilenceTimeout),
	)
}

func positive(key string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return nil
}

func positiveDuration(key string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return nil
}

// Save writes the current settings of v to config.yaml.
func Save(v *viper.Viper, path string) error {
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
