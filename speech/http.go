package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type TTSRequest struct {
	Text string `json:"text"`
}

type TTSResponse struct {
	AudioContent string `json:"audioContent,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HTTPSynthesizer asks the local API for MP3 speech.
type HTTPSynthesizer struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSynthesizer(baseURL string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:        strings.TrimRight(baseURL, "/") + "/tts",
		httpClient: &http.Client{},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	body, err := json.Marshal(TTSRequest{Text: text})
	if err != nil {
		return Audio{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to request speech: %w", err)
	}
	defer resp.Body.Close()

	var result TTSResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Audio{}, fmt.Errorf("failed to decode speech response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Audio{}, fmt.Errorf("speech request failed with status %d: %s", resp.StatusCode, result.Error)
	}
	return decodeAudioContent(result.AudioContent)
}

func decodeAudioContent(content string) (Audio, error) {
	if content == "" {
		return Audio{}, ErrNoAudio
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to decode audio content: %w", err)
	}
	return Audio{Data: data, Format: FormatMP3}, nil
}
