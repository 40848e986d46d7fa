package web

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"resq.town/speech"
	"resq.town/stt"
)

const maxUploadSize = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleTTS(synth speech.Synthesizer, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req speech.TTSRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "Text is required")
			return
		}
		if synth == nil {
			writeError(w, http.StatusServiceUnavailable, "No speech provider configured")
			return
		}

		audio, err := synth.Synthesize(r.Context(), req.Text)
		if err != nil {
			logger.Error("failed to synthesize speech", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to synthesize speech")
			return
		}
		writeJSON(w, http.StatusOK, speech.TTSResponse{
			AudioContent: base64.StdEncoding.EncodeToString(audio.Data),
		})
	}
}

func readUpload(r *http.Request, field string) (stt.Audio, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return stt.Audio{}, err
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return stt.Audio{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return stt.Audio{}, err
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "audio/wav"
		if strings.HasSuffix(header.Filename, ".ogg") {
			mimeType = "audio/ogg"
		}
	}
	return stt.Audio{Data: data, Filename: header.Filename, MIMEType: mimeType}, nil
}

func handleTranscribe(transcriber stt.Transcriber, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audio, err := readUpload(r, "file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No audio file provided")
			return
		}
		if transcriber == nil {
			writeError(w, http.StatusServiceUnavailable, "No transcription provider configured")
			return
		}

		text, err := transcriber.Transcribe(r.Context(), audio)
		if err != nil {
			logger.Error("failed to transcribe audio", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to transcribe audio")
			return
		}
		logger.Info("hear", "fin", text, "bytes", len(audio.Data))
		writeJSON(w, http.StatusOK, map[string]string{"text": text})
	}
}

func handleStreamAudio(logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audio, err := readUpload(r, "audio")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No audio chunk provided")
			return
		}
		logger.Debug("audio chunk", "file", audio.Filename, "type", audio.MIMEType, "bytes", len(audio.Data))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
