// Package conversation sends user turns to the conversation backend and
// interprets its replies.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrMalformedReply wraps a backend response that is not valid JSON.
var ErrMalformedReply = errors.New("malformed conversation reply")

// Session is the backend conversation a call is in. An empty ID means the
// next turn starts a new one.
type Session struct {
	ID   string
	Step int
}

// Reply is a normalized backend answer to one turn.
type Reply struct {
	SessionID        string
	SystemResponse   string
	NextQuestions    []string
	TerminalResponse string
}

// Empty reports a reply with nothing to show or say.
func (r Reply) Empty() bool {
	return r.SystemResponse == "" && len(r.NextQuestions) == 0 && r.TerminalResponse == ""
}

// Turns sends one finalized user input.
type Turns interface {
	SendTurn(ctx context.Context, text string, session Session) (Reply, error)
}

// TurnRequest is the body of both the start and the continue call.
type TurnRequest struct {
	UserInput   string `json:"user_input"`
	Language    string `json:"language,omitempty"`
	CallerPhone string `json:"caller_phone,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

type EmergencyProcessing struct {
	CallerResponse string `json:"caller_response,omitempty"`
}

// TurnResponse is the backend wire format.
type TurnResponse struct {
	SessionID           string               `json:"session_id,omitempty"`
	SystemResponse      string               `json:"system_response,omitempty"`
	NextQuestions       []string             `json:"next_questions,omitempty"`
	EmergencyProcessing *EmergencyProcessing `json:"emergency_processing,omitempty"`
}

// Reply trims the text fields and drops blank questions.
func (r TurnResponse) Reply() Reply {
	reply := Reply{
		SessionID:      r.SessionID,
		SystemResponse: strings.TrimSpace(r.SystemResponse),
	}
	for _, q := range r.NextQuestions {
		if q = strings.TrimSpace(q); q != "" {
			reply.NextQuestions = append(reply.NextQuestions, q)
		}
	}
	if r.EmergencyProcessing != nil {
		reply.TerminalResponse = strings.TrimSpace(r.EmergencyProcessing.CallerResponse)
	}
	return reply
}

// Client talks to the conversation backend over HTTP.
type Client struct {
	BaseURL     string
	Language    string
	CallerPhone string
	httpClient  *http.Client
}

func NewClient(baseURL, language, callerPhone string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Language:    language,
		CallerPhone: callerPhone,
		httpClient:  &http.Client{},
	}
}

// SendTurn starts a conversation when the session has no id yet and
// continues it otherwise.
func (c *Client) SendTurn(ctx context.Context, text string, session Session) (Reply, error) {
	req := TurnRequest{UserInput: text}
	endpoint := c.BaseURL + "/conversational/start"
	if session.ID == "" {
		req.Language = c.Language
		req.CallerPhone = c.CallerPhone
	} else {
		req.SessionID = session.ID
		endpoint = c.BaseURL + "/conversational/continue"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to send turn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, fmt.Errorf("conversation backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out TurnResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return out.Reply(), nil
}
