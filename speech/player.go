package speech

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// Handle owns one playing piece of audio. Done closes when playback ends,
// naturally or through Stop.
type Handle interface {
	Done() <-chan struct{}
	Stop()
}

type Player interface {
	Play(audio Audio) (Handle, error)
}

// SpeakerPlayer plays MP3 or WAV audio on the default output device.
type SpeakerPlayer struct {
	mu         sync.Mutex
	sampleRate beep.SampleRate
}

func NewSpeakerPlayer() *SpeakerPlayer {
	return &SpeakerPlayer{}
}

func (p *SpeakerPlayer) Play(audio Audio) (Handle, error) {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	rc := io.NopCloser(bytes.NewReader(audio.Data))
	switch audio.Format {
	case FormatMP3, "":
		streamer, format, err = mp3.Decode(rc)
	case FormatWAV:
		streamer, format, err = wav.Decode(rc)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s", audio.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}

	p.mu.Lock()
	if p.sampleRate != format.SampleRate {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
			p.mu.Unlock()
			streamer.Close()
			return nil, fmt.Errorf("failed to initialize speaker: %w", err)
		}
		p.sampleRate = format.SampleRate
	}
	p.mu.Unlock()

	h := &speakerHandle{streamer: streamer, done: make(chan struct{})}
	h.ctrl = &beep.Ctrl{Streamer: beep.Seq(streamer, beep.Callback(h.finish))}
	speaker.Play(h.ctrl)
	return h, nil
}

type speakerHandle struct {
	streamer beep.StreamSeekCloser
	ctrl     *beep.Ctrl
	done     chan struct{}
	once     sync.Once
}

func (h *speakerHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

func (h *speakerHandle) Done() <-chan struct{} {
	return h.done
}

func (h *speakerHandle) Stop() {
	speaker.Lock()
	h.ctrl.Paused = true
	h.ctrl.Streamer = nil
	h.streamer.Seek(0)
	speaker.Unlock()
	h.streamer.Close()
	h.finish()
}

// SilentPlayer pretends to play audio for PerByte per byte of data.
type SilentPlayer struct {
	PerByte time.Duration
}

func (p SilentPlayer) Play(audio Audio) (Handle, error) {
	h := &timedHandle{done: make(chan struct{})}
	h.timer = time.AfterFunc(time.Duration(len(audio.Data))*p.PerByte, h.finish)
	return h, nil
}

type timedHandle struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

func (h *timedHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

func (h *timedHandle) Done() <-chan struct{} {
	return h.done
}

func (h *timedHandle) Stop() {
	h.timer.Stop()
	h.finish()
}
