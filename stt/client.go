package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// HTTPTranscriber posts audio to the transcription endpoint of the local API.
type HTTPTranscriber struct {
	url        string
	httpClient *http.Client
}

func NewHTTPTranscriber(baseURL string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:        strings.TrimRight(baseURL, "/") + "/transcribe",
		httpClient: &http.Client{},
	}
}

type transcribeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio Audio) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, audio.Filename))
	header.Set("Content-Type", audio.MIMEType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to post audio: %w", err)
	}
	defer resp.Body.Close()

	var result transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode transcription response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != "" {
		return "", errors.New(result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return result.Text, nil
}
