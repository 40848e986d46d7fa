// Package deepgram streams PCM to the Deepgram live listen API.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"resq.town/stt"
)

const ListenURL = "wss://api.deepgram.com/v1/listen"

type Options struct {
	Model      string
	Language   string
	SampleRate int
}

type Client struct {
	Token   string
	URL     string
	Options Options
	logger  *log.Logger
}

func NewClient(token string, opts Options, logger *log.Logger) *Client {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	return &Client{Token: token, URL: ListenURL, Options: opts, logger: logger}
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.Options.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("model", c.Options.Model)
	if c.Options.Language != "" {
		q.Set("language", c.Options.Language)
	}
	return c.URL + "?" + q.Encode()
}

type MessageResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description,omitempty"`
}

type liveStream struct {
	conn   *websocket.Conn
	events chan stt.Event
	done   chan struct{}
	logger *log.Logger
	sb     strings.Builder

	writeMu sync.Mutex
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

func (c *Client) Open(ctx context.Context) (stt.Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+c.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), header)
	if err != nil {
		return nil, fmt.Errorf("error creating live transcription connection: %w", err)
	}
	c.logger.Info("Deepgram connection opened")

	stream := &liveStream{
		conn:   conn,
		events: make(chan stt.Event, 16),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go stream.receive()
	return stream, nil
}

func (s *liveStream) receive() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("WebSocket closed unexpectedly: %w", err))
			}
			return
		}

		var mr MessageResponse
		if err := json.Unmarshal(data, &mr); err != nil {
			s.logger.Warn("Unhandled Deepgram event", "data", string(data))
			continue
		}
		if mr.Type == "Error" {
			s.logger.Error("Deepgram error", "description", mr.Description)
			continue
		}
		ev, ok := s.message(&mr)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// message folds finalized segments into the running utterance, which is
// only reported as final once Deepgram marks the end of speech.
func (s *liveStream) message(mr *MessageResponse) (stt.Event, bool) {
	if mr.Type != "Results" || len(mr.Channel.Alternatives) == 0 {
		return stt.Event{}, false
	}
	sentence := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)

	if !mr.IsFinal {
		if sentence == "" {
			return stt.Event{}, false
		}
		return stt.Event{Text: strings.TrimSpace(s.sb.String() + sentence), Kind: stt.Partial}, true
	}

	if sentence != "" {
		s.sb.WriteString(sentence)
		s.sb.WriteString(" ")
	}
	transcript := strings.TrimSpace(s.sb.String())
	if transcript == "" {
		return stt.Event{}, false
	}
	if !mr.SpeechFinal {
		return stt.Event{Text: transcript, Kind: stt.Partial}, true
	}
	s.sb.Reset()
	return stt.Event{Text: transcript, Kind: stt.Final}, true
}

func (s *liveStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func (s *liveStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *liveStream) Events() <-chan stt.Event {
	return s.events
}

func (s *liveStream) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *liveStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
		s.logger.Info("Deepgram connection closed")
	})
	return err
}
