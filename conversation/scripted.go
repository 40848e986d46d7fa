package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"resq.town/etc"
)

const DispatchMessage = "Help is on the way. Emergency services have been dispatched to your location. Please stay on the line if you can."

// Scripted is a canned backend used for simulations and tests. It echoes
// every turn and dispatches after DispatchAfter turns of a session.
type Scripted struct {
	DispatchAfter int
	NextQuestions []string

	mu    sync.Mutex
	turns map[string]int
}

func NewScripted(dispatchAfter int) *Scripted {
	return &Scripted{
		DispatchAfter: dispatchAfter,
		NextQuestions: []string{
			"What is your exact location?",
			"Is anyone injured?",
		},
		turns: make(map[string]int),
	}
}

func (s *Scripted) respond(req TurnRequest) TurnResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = etc.NewFreshID()
	}
	s.turns[sessionID]++
	n := s.turns[sessionID]

	if s.DispatchAfter > 0 && n >= s.DispatchAfter {
		return TurnResponse{
			SessionID:           sessionID,
			EmergencyProcessing: &EmergencyProcessing{CallerResponse: DispatchMessage},
		}
	}

	resp := TurnResponse{
		SessionID:      sessionID,
		SystemResponse: fmt.Sprintf("I heard you say: \"%s\". How can I assist further?", req.UserInput),
	}
	if n == 1 {
		resp.NextQuestions = s.NextQuestions
	}
	return resp
}

func (s *Scripted) SendTurn(ctx context.Context, text string, session Session) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	return s.respond(TurnRequest{UserInput: text, SessionID: session.ID}).Reply(), nil
}

// ServeHTTP answers the start and continue endpoints.
func (s *Scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/start"):
		req.SessionID = ""
	case strings.HasSuffix(r.URL.Path, "/continue"):
		if req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "session_id is required")
			return
		}
	default:
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.respond(req))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
