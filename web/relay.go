package web

import (
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"resq.town/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketWriter) send(msg stt.SocketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// handleTranscribeSocket relays binary PCM frames from the client to the
// streaming provider and pushes its results back.
func handleTranscribeSocket(streamer stt.Streamer, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("failed to upgrade connection", "error", err)
			return
		}
		defer conn.Close()
		out := &socketWriter{conn: conn}

		if streamer == nil {
			out.send(stt.SocketMessage{Type: stt.MessageError, Message: "No streaming provider configured"})
			return
		}

		stream, err := streamer.Open(r.Context())
		if err != nil {
			logger.Error("failed to open transcription stream", "error", err)
			out.send(stt.SocketMessage{Type: stt.MessageError, Message: "Failed to start transcription"})
			return
		}
		defer stream.Close()
		logger.Info("transcription socket opened", "remote", r.RemoteAddr)

		relayed := make(chan struct{})
		go func() {
			defer close(relayed)
			for ev := range stream.Events() {
				if err := out.send(stt.SocketMessage{
					Type:        stt.MessageTranscript,
					Text:        ev.Text,
					MessageType: ev.Kind.MessageType(),
				}); err != nil {
					logger.Debug("failed to push transcript", "error", err)
					return
				}
			}
			if err := stream.Err(); err != nil {
				logger.Error("transcription stream failed", "error", err)
				out.send(stt.SocketMessage{Type: stt.MessageError, Message: err.Error()})
			}
		}()

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if kind == websocket.TextMessage {
				if stt.IsTerminate(data) {
					break
				}
				continue
			}
			if err := stream.SendAudio(data); err != nil {
				logger.Error("failed to forward audio", "error", err)
				out.send(stt.SocketMessage{Type: stt.MessageError, Message: "Failed to forward audio"})
				break
			}
		}

		stream.Close()
		<-relayed
		out.mu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		out.mu.Unlock()
		logger.Info("transcription socket closed", "remote", r.RemoteAddr)
	}
}
