package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTurnStartThenContinue(t *testing.T) {
	var paths []string
	var bodies []TurnRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TurnRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, req)
		w.Write([]byte(`{"session_id":"s1","system_response":"ok","next_questions":["Where?"," ","Who?"]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL+"/api/v1/", "id", "+62")

	reply, err := c.SendTurn(context.Background(), "fire", Session{})
	require.NoError(t, err)
	assert.Equal(t, Reply{SessionID: "s1", SystemResponse: "ok", NextQuestions: []string{"Where?", "Who?"}}, reply)

	_, err = c.SendTurn(context.Background(), "main street", Session{ID: "s1", Step: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/v1/conversational/start", "/api/v1/conversational/continue"}, paths)
	assert.Equal(t, TurnRequest{UserInput: "fire", Language: "id", CallerPhone: "+62"}, bodies[0])
	assert.Equal(t, TurnRequest{UserInput: "main street", SessionID: "s1"}, bodies[1])
}

func TestSendTurnTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session_id":"s1","emergency_processing":{"caller_response":"Help is coming."}}`))
	}))
	defer server.Close()

	reply, err := NewClient(server.URL, "id", "").SendTurn(context.Background(), "x", Session{ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "Help is coming.", reply.TerminalResponse)
	assert.False(t, reply.Empty())
}

func TestSendTurnFailures(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewClient(server.URL, "id", "").SendTurn(context.Background(), "x", Session{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("malformed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}))
		defer server.Close()

		_, err := NewClient(server.URL, "id", "").SendTurn(context.Background(), "x", Session{})
		assert.True(t, errors.Is(err, ErrMalformedReply))
	})

	t.Run("empty", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"session_id":"s1"}`))
		}))
		defer server.Close()

		reply, err := NewClient(server.URL, "id", "").SendTurn(context.Background(), "x", Session{})
		require.NoError(t, err)
		assert.True(t, reply.Empty())
	})
}

func TestScriptedBackend(t *testing.T) {
	s := NewScripted(3)
	server := httptest.NewServer(http.StripPrefix("/api/v1", s))
	defer server.Close()
	c := NewClient(server.URL+"/api/v1", "id", "+62")

	first, err := c.SendTurn(context.Background(), "there's a fire", Session{})
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	assert.Equal(t, `I heard you say: "there's a fire". How can I assist further?`, first.SystemResponse)
	assert.Len(t, first.NextQuestions, 2)

	second, err := c.SendTurn(context.Background(), "main street", Session{ID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Empty(t, second.NextQuestions)

	third, err := s.SendTurn(context.Background(), "yes", Session{ID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, DispatchMessage, third.TerminalResponse)
	assert.Empty(t, third.SystemResponse)
}

func TestScriptedContinueNeedsSession(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversational/continue", jsonBody(`{"user_input":"hi"}`))
	NewScripted(0).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
