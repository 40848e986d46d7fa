// Package stt turns captured audio into a sequence of transcript events,
// either by uploading sealed utterances or by streaming PCM frames.
package stt

import (
	"context"
	"encoding/json"
)

type Kind int

const (
	Partial Kind = iota
	Final
)

func (k Kind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// MessageType is the wire name used on the transcription socket.
func (k Kind) MessageType() string {
	if k == Final {
		return "FinalTranscript"
	}
	return "PartialTranscript"
}

func ParseMessageType(s string) (Kind, bool) {
	switch s {
	case "PartialTranscript":
		return Partial, true
	case "FinalTranscript":
		return Final, true
	}
	return Partial, false
}

type Event struct {
	Text string
	Kind Kind
}

type Audio struct {
	Data     []byte
	Filename string
	MIMEType string
}

// Transcriber is a request/response transcription service.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

type Stream interface {
	SendAudio(data []byte) error
	Events() <-chan Event
	// Err reports why the event channel closed, if it was not a clean close.
	Err() error
	Close() error
}

// Streamer opens realtime transcription sessions fed with s16le PCM.
type Streamer interface {
	Open(ctx context.Context) (Stream, error)
}

// Source yields transcript events while capture runs. It can be started
// again after Stop.
type Source interface {
	Start(ctx context.Context) (<-chan Event, error)
	Stop() error
}

// SocketMessage is the JSON shape pushed over the transcription socket.
type SocketMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	Message     string `json:"message,omitempty"`
}

const (
	MessageTranscript = "transcript"
	MessageError      = "error"
	MessageTerminate  = "terminate"
)

// TerminateMessage is the sentinel a client sends when it has no more audio.
var TerminateMessage = []byte(`{"type":"terminate"}`)

func IsTerminate(data []byte) bool {
	var msg SocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.Type == MessageTerminate
}
