// Package speechmatics talks to the Speechmatics batch and realtime
// transcription APIs.
package speechmatics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"resq.town/stt"
)

const (
	BaseURL          = "https://asr.api.speechmatics.com/v2"
	WebSocketBaseURL = "wss://eu2.rt.speechmatics.com/v2"
	PingInterval     = 30 * time.Second
	PongTimeout      = 60 * time.Second
	PollInterval     = 500 * time.Millisecond
)

type Client struct {
	APIKey       string
	BaseURL      string
	WebSocketURL string
	Language     string
	PollInterval time.Duration
	HTTPClient   *http.Client
	logger       *log.Logger
}

func NewClient(apiKey, language string, logger *log.Logger) *Client {
	return &Client{
		APIKey:       apiKey,
		BaseURL:      BaseURL,
		WebSocketURL: WebSocketBaseURL,
		Language:     language,
		PollInterval: PollInterval,
		HTTPClient:   &http.Client{},
		logger:       logger,
	}
}

type TranscriptionConfig struct {
	Language           string         `json:"language"`
	OperatingPoint     OperatingPoint `json:"operating_point,omitempty"`
	EnablePartials     bool           `json:"enable_partials,omitempty"`
	MaxDelay           float64        `json:"max_delay,omitempty"`
	PunctuationEnabled bool           `json:"punctuation_enabled,omitempty"`
}

type OperatingPoint string

const (
	OperatingPointStandard OperatingPoint = "standard"
	OperatingPointEnhanced OperatingPoint = "enhanced"
)

type JobConfig struct {
	Type                string               `json:"type"`
	TranscriptionConfig *TranscriptionConfig `json:"transcription_config,omitempty"`
}

type JobResponse struct {
	ID string `json:"id"`
}

type JobDetails struct {
	CreatedAt time.Time `json:"created_at"`
	DataName  string    `json:"data_name"`
	Duration  int       `json:"duration"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
}

// CreateJob uploads audio held in memory as a new transcription job.
func (c *Client) CreateJob(ctx context.Context, audio stt.Audio, config JobConfig) (*JobResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("data_file", audio.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteField("config", string(configJSON)); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs", body)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, response body: %s", resp.StatusCode, string(body))
	}

	var job JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJobDetails(ctx context.Context, jobID string) (*JobDetails, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/jobs/%s", c.BaseURL, jobID), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var wrapped struct {
		Job JobDetails `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return nil, err
	}
	return &wrapped.Job, nil
}

func (c *Client) GetTranscript(ctx context.Context, jobID string) (string, error) {
	url := fmt.Sprintf("%s/jobs/%s/transcript?format=txt", c.BaseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	transcript, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(transcript), nil
}

func (c *Client) WaitForJobCompletion(ctx context.Context, jobID string) (*JobDetails, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			details, err := c.GetJobDetails(ctx, jobID)
			if err != nil {
				return nil, err
			}

			c.logger.Debug("speechmatics", "job", jobID, "status", details.Status)
			switch details.Status {
			case "done":
				return details, nil
			case "rejected", "deleted", "expired":
				return nil, fmt.Errorf("job failed with status: %s", details.Status)
			}
		}
	}
}

// Transcribe runs a whole batch job for one utterance.
func (c *Client) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	job, err := c.CreateJob(ctx, audio, JobConfig{
		Type: "transcription",
		TranscriptionConfig: &TranscriptionConfig{
			Language:       c.Language,
			OperatingPoint: OperatingPointEnhanced,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	if _, err := c.WaitForJobCompletion(ctx, job.ID); err != nil {
		return "", fmt.Errorf("failed while waiting for job completion: %w", err)
	}

	transcript, err := c.GetTranscript(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("failed to get transcript: %w", err)
	}
	return strings.TrimSpace(transcript), nil
}
