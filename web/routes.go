// Package web serves the local API the call client talks to: speech
// synthesis, transcription, audio ingestion, the conversation proxy and the
// transcription socket.
package web

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"resq.town/speech"
	"resq.town/stt"
)

type Providers struct {
	Synthesizer  speech.Synthesizer
	Transcriber  stt.Transcriber
	Streamer     stt.Streamer
	Conversation http.Handler
}

func Routes(r chi.Router, p Providers, logger *log.Logger) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/tts", handleTTS(p.Synthesizer, logger))
		r.Post("/transcribe", handleTranscribe(p.Transcriber, logger))
		r.Post("/stream-audio", handleStreamAudio(logger))
		if p.Conversation != nil {
			r.Post("/conversational/start", p.Conversation.ServeHTTP)
			r.Post("/conversational/continue", p.Conversation.ServeHTTP)
		}
	})
	r.Get("/ws/transcribe", handleTranscribeSocket(p.Streamer, logger))
}
