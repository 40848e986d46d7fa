package speechmatics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"resq.town/stt"
)

type AudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type StartRecognitionMessage struct {
	Message             string              `json:"message"`
	AudioFormat         AudioFormat         `json:"audio_format"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

type EndOfStreamMessage struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

type RTTranscriptResponse struct {
	Message  string `json:"message"`
	Reason   string `json:"reason,omitempty"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
}

// Streamer opens realtime recognition sessions for raw s16le audio.
type Streamer struct {
	client     *Client
	sampleRate int
}

func (c *Client) Streamer(sampleRate int) *Streamer {
	return &Streamer{client: c, sampleRate: sampleRate}
}

type rtStream struct {
	conn   *websocket.Conn
	events chan stt.Event
	done   chan struct{}
	cancel context.CancelFunc
	logger *log.Logger

	writeMu sync.Mutex
	seqNo   int
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

func (s *Streamer) Open(ctx context.Context) (stt.Stream, error) {
	c := s.client
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	url := fmt.Sprintf("%s/%s", c.WebSocketURL, c.Language)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	start := StartRecognitionMessage{
		Message: "StartRecognition",
		AudioFormat: AudioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: s.sampleRate,
		},
		TranscriptionConfig: TranscriptionConfig{
			Language:       c.Language,
			OperatingPoint: OperatingPointEnhanced,
			EnablePartials: true,
			MaxDelay:       2,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send StartRecognition message: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := &rtStream{
		conn:   conn,
		events: make(chan stt.Event, 16),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: c.logger,
	}
	go stream.keepAlive(ctx)
	go stream.receive()
	return stream, nil
}

func (s *rtStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(PongTimeout)); err != nil {
				s.logger.Error("Failed to send ping", "error", err)
				return
			}
		}
	}
}

func (s *rtStream) receive() {
	defer close(s.events)
	for {
		var response RTTranscriptResponse
		if err := s.conn.ReadJSON(&response); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("WebSocket closed unexpectedly: %w", err))
			}
			return
		}

		var ev stt.Event
		switch response.Message {
		case "AddPartialTranscript":
			ev.Kind = stt.Partial
		case "AddTranscript":
			ev.Kind = stt.Final
		case "EndOfTranscript":
			return
		case "Error":
			s.setErr(fmt.Errorf("speechmatics error: %s", response.Reason))
			return
		default:
			continue
		}

		ev.Text = strings.TrimSpace(response.Metadata.Transcript)
		if ev.Text == "" {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *rtStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func (s *rtStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *rtStream) Events() <-chan stt.Event {
	return s.events
}

func (s *rtStream) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	s.seqNo++
	return nil
}

func (s *rtStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.writeMu.Lock()
		if werr := s.conn.WriteJSON(EndOfStreamMessage{Message: "EndOfStream", LastSeqNo: s.seqNo}); werr != nil {
			s.logger.Debug("failed to send EndOfStream", "error", werr)
		}
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
