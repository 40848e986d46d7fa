package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// SocketStreamer connects to the transcription socket of the local API.
type SocketStreamer struct {
	URL    string
	Dialer *websocket.Dialer
	logger *log.Logger
}

func NewSocketStreamer(url string, logger *log.Logger) *SocketStreamer {
	return &SocketStreamer{URL: url, Dialer: websocket.DefaultDialer, logger: logger}
}

type socketStream struct {
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	logger  *log.Logger
	writeMu sync.Mutex
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

func (s *SocketStreamer) Open(ctx context.Context) (Stream, error) {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	s.logger.Info("open", "kind", "socket", "url", s.URL)

	stream := &socketStream{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go stream.receive()
	return stream, nil
}

func (s *socketStream) receive() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("WebSocket closed unexpectedly: %w", err))
			}
			return
		}

		var msg SocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed socket message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTranscript:
			kind, ok := ParseMessageType(msg.MessageType)
			if !ok {
				s.logger.Debug("ignoring transcript", "message_type", msg.MessageType)
				continue
			}
			if msg.Text == "" {
				continue
			}
			select {
			case s.events <- Event{Text: msg.Text, Kind: kind}:
			case <-s.done:
				return
			}
		case MessageError:
			s.logger.Error("transcription error", "message", msg.Message)
		}
	}
}

func (s *socketStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func (s *socketStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *socketStream) Events() <-chan Event {
	return s.events
}

func (s *socketStream) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Close sends the termination sentinel and closes the connection.
func (s *socketStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if werr := s.conn.WriteMessage(websocket.TextMessage, TerminateMessage); werr != nil {
			s.logger.Debug("failed to send terminate", "error", werr)
		}
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
