package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"resq.town/capture"
	"resq.town/snd"
)

type BatchOptions struct {
	SampleRate    int
	ChunkInterval time.Duration
	FlushAfter    time.Duration
	Threshold     float64
	Format        string
	Uploader      *capture.Uploader
}

// BatchSource records until the voice detector hears speech followed by
// silence, then uploads the utterance and emits one final event.
type BatchSource struct {
	device      capture.Device
	gate        *capture.Gate
	transcriber Transcriber
	opts        BatchOptions
	logger      *log.Logger

	recorder   *capture.Recorder
	vad        *snd.VAD
	speechSeen atomic.Bool
	flushReq   chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBatchSource(device capture.Device, gate *capture.Gate, transcriber Transcriber, opts BatchOptions, logger *log.Logger) *BatchSource {
	s := &BatchSource{
		device:      device,
		gate:        gate,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger,
		vad:         snd.NewVAD(opts.Threshold, opts.FlushAfter, opts.SampleRate),
		flushReq:    make(chan struct{}, 1),
	}
	s.recorder = capture.NewRecorder(device, gate, opts.ChunkInterval, opts.SampleRate, s.observe, logger)
	return s
}

// observe runs on the recorder goroutine.
func (s *BatchSource) observe(samples []float32) {
	switch s.vad.Feed(samples) {
	case snd.VADSpeechStarted:
		s.speechSeen.Store(true)
		s.logger.Debug("speech started")
	case snd.VADSpeechEnded:
		s.Flush()
	}
}

// Flush asks the source to seal and transcribe the current utterance.
func (s *BatchSource) Flush() {
	select {
	case s.flushReq <- struct{}{}:
	default:
	}
}

func (s *BatchSource) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("batch source already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.vad.Reset()
	s.speechSeen.Store(false)
	chunks, err := s.recorder.Start(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.running = true
	s.cancel = cancel

	events := make(chan Event, 8)
	utterances := make(chan capture.Chunk, 4)

	s.wg.Add(2)
	go s.collect(ctx, chunks, utterances)
	go s.transcribe(ctx, utterances, events)

	return events, nil
}

func (s *BatchSource) collect(ctx context.Context, chunks <-chan capture.Chunk, utterances chan<- capture.Chunk) {
	defer s.wg.Done()
	defer close(utterances)

	var pending []capture.Chunk
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if s.opts.Uploader != nil {
				s.opts.Uploader.Send(ctx, chunk)
			}
			if s.speechSeen.Load() {
				pending = append(pending, chunk)
			} else {
				// keep one chunk of lead-in so the first syllable survives
				pending = []capture.Chunk{chunk}
			}
		case <-s.flushReq:
			if chunk, ok := s.recorder.Flush(); ok {
				pending = append(pending, chunk)
			}
			if !s.speechSeen.Swap(false) || len(pending) == 0 {
				pending = nil
				continue
			}
			utterance := capture.Join(pending)
			pending = nil
			s.logger.Debug("utterance sealed", "seq", utterance.Seq, "duration", utterance.Duration())
			select {
			case utterances <- utterance:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *BatchSource) transcribe(ctx context.Context, utterances <-chan capture.Chunk, events chan<- Event) {
	defer s.wg.Done()
	defer close(events)

	for utterance := range utterances {
		data, filename, mimeType, err := utterance.Encode(s.opts.Format, s.logger)
		if err != nil {
			s.logger.Error("failed to seal utterance", "error", err)
			continue
		}
		text, err := s.transcriber.Transcribe(ctx, Audio{Data: data, Filename: filename, MIMEType: mimeType})
		if err != nil {
			s.logger.Error("failed to transcribe utterance", "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			s.logger.Debug("no speech in utterance", "seq", utterance.Seq)
			continue
		}
		s.logger.Info("hear", "fin", text)
		select {
		case events <- Event{Text: text, Kind: Final}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *BatchSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	err := s.recorder.Stop()
	cancel()
	s.wg.Wait()
	return err
}
