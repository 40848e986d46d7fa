package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/charmbracelet/log"
)

// Uploader posts sealed chunks to the best-effort ingestion endpoint.
type Uploader struct {
	url        string
	format     string
	httpClient *http.Client
	logger     *log.Logger
}

func NewUploader(baseURL, format string, logger *log.Logger) *Uploader {
	return &Uploader{
		url:        strings.TrimRight(baseURL, "/") + "/stream-audio",
		format:     format,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Send uploads in the background and only logs failures.
func (u *Uploader) Send(ctx context.Context, chunk Chunk) {
	go func() {
		if err := u.Upload(ctx, chunk); err != nil {
			u.logger.Debug("chunk upload failed", "seq", chunk.Seq, "error", err)
		}
	}()
}

func (u *Uploader) Upload(ctx context.Context, chunk Chunk) error {
	data, filename, mimeType, err := chunk.Encode(u.format, u.logger)
	if err != nil {
		return err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload chunk: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
