// Package gemini transcribes utterances with a Gemini model, giving it the
// previous transcript of the call as context.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"resq.town/stt"
)

const systemPrompt = `Transcribe this emergency call segment as accurately as possible, with good grammar and punctuation.

Reply with the transcript only. If nothing is said, reply with an empty message.`

type Transcriber struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	logger  *log.Logger
	mu      sync.Mutex
	history []string
}

func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

func New(client *genai.Client, logger *log.Logger) *Transcriber {
	return &Transcriber{
		client: client,
		model:  setupGenerativeModel(client),
		logger: logger,
	}
}

func setupGenerativeModel(client *genai.Client) *genai.GenerativeModel {
	model := client.GenerativeModel("gemini-1.5-flash")
	model.GenerationConfig.SetMaxOutputTokens(1024)
	model.GenerationConfig.SetTemperature(0.1)
	model.GenerationConfig.SetTopP(1.0)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.SafetySettings = []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategorySexuallyExplicit,
			Threshold: genai.HarmBlockNone,
		},
		{
			// callers describe injuries and violence
			Category:  genai.HarmCategoryDangerousContent,
			Threshold: genai.HarmBlockNone,
		},
	}
	return model
}

func (s *Transcriber) Close() error {
	return s.client.Close()
}

func (s *Transcriber) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	s.mu.Lock()
	prompt := buildPrompt(
		previousSegments(s.history, 1),
		audioSegment(audio),
	)
	s.mu.Unlock()

	s.logger.Debug("sending prompt", "parts", len(prompt), "bytes", len(audio.Data))

	var builder strings.Builder
	stream := s.model.GenerateContentStream(ctx, prompt...)
	for {
		resp, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error streaming: %w", err)
		}
		builder.WriteString(getResponseText(resp))
	}

	text := strings.TrimSpace(builder.String())
	if text != "" {
		s.mu.Lock()
		s.history = append(s.history, text)
		s.mu.Unlock()
	}
	return text, nil
}

func buildPrompt(partGroups ...[]genai.Part) []genai.Part {
	var allParts []genai.Part
	for _, group := range partGroups {
		allParts = append(allParts, group...)
	}
	return allParts
}

func previousSegments(history []string, count int) []genai.Part {
	if count > len(history) {
		count = len(history)
	}
	if count == 0 {
		return nil
	}
	var sb strings.Builder
	for _, segment := range history[len(history)-count:] {
		sb.WriteString("Previous transcript:\n\n")
		sb.WriteString(segment)
		sb.WriteString("\n\n")
	}
	return []genai.Part{genai.Text(sb.String())}
}

func audioSegment(audio stt.Audio) []genai.Part {
	return []genai.Part{
		genai.Text("<current-audio>\n"),
		genai.Blob{MIMEType: audio.MIMEType, Data: audio.Data},
		genai.Text("</current-audio>\n"),
	}
}

func getResponseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
