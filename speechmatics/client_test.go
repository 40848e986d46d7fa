package speechmatics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resq.town/stt"
)

func newTestClient(url string) *Client {
	c := NewClient("key", "id", log.New(io.Discard))
	c.BaseURL = url
	c.WebSocketURL = "ws" + strings.TrimPrefix(url, "http")
	c.PollInterval = time.Millisecond
	return c
}

func TestTranscribeBatchJob(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Contains(t, r.FormValue("config"), `"language":"id"`)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"job1"}`))
	})
	mux.HandleFunc("/jobs/job1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "running"
		if polls > 1 {
			status = "done"
		}
		w.Write([]byte(`{"job":{"id":"job1","status":"` + status + `"}}`))
	})
	mux.HandleFunc("/jobs/job1/transcript", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "txt", r.URL.Query().Get("format"))
		w.Write([]byte("tolong ada kebakaran\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	text, err := newTestClient(server.URL).Transcribe(context.Background(), stt.Audio{Data: []byte("RIFF"), Filename: "chunk.wav"})
	require.NoError(t, err)
	assert.Equal(t, "tolong ada kebakaran", text)
	assert.Equal(t, 2, polls)
}

func TestTranscribeRejectedJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"job2"}`))
	})
	mux.HandleFunc("/jobs/job2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job":{"id":"job2","status":"rejected"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := newTestClient(server.URL).Transcribe(context.Background(), stt.Audio{Filename: "chunk.wav"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestRealtimeStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var start StartRecognitionMessage
	end := make(chan EndOfStreamMessage, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/id", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"message": "RecognitionStarted"})
		conn.WriteJSON(map[string]any{"message": "AddPartialTranscript", "metadata": map[string]any{"transcript": "ada "}})
		conn.WriteJSON(map[string]any{"message": "AddTranscript", "metadata": map[string]any{"transcript": "ada api "}})

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(data), "EndOfStream") {
				var msg EndOfStreamMessage
				assert.NoError(t, json.Unmarshal(data, &msg))
				end <- msg
				return
			}
		}
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).Streamer(16000).Open(context.Background())
	require.NoError(t, err)

	assert.Equal(t, stt.Event{Text: "ada", Kind: stt.Partial}, <-stream.Events())
	assert.Equal(t, stt.Event{Text: "ada api", Kind: stt.Final}, <-stream.Events())
	assert.Equal(t, "pcm_s16le", start.AudioFormat.Encoding)
	assert.True(t, start.TranscriptionConfig.EnablePartials)

	require.NoError(t, stream.SendAudio([]byte{0, 0}))
	require.NoError(t, stream.SendAudio([]byte{0, 0}))
	stream.Close()

	select {
	case msg := <-end:
		assert.Equal(t, 2, msg.LastSeqNo)
	case <-time.After(time.Second):
		t.Fatal("expected EndOfStream")
	}
}
