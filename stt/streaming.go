package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"resq.town/capture"
)

// StreamingSource pushes PCM frames to a realtime transcription stream and
// relays whatever partial and final results it sends back.
type StreamingSource struct {
	streamer Streamer
	capture  *capture.Streamer
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	stream  Stream
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewStreamingSource(device capture.Device, gate *capture.Gate, streamer Streamer, logger *log.Logger) *StreamingSource {
	return &StreamingSource{
		streamer: streamer,
		capture:  capture.NewStreamer(device, gate, logger),
		logger:   logger,
	}
}

func (s *StreamingSource) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("streaming source already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.streamer.Open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open transcription stream: %w", err)
	}
	if err := s.capture.Start(ctx, stream); err != nil {
		stream.Close()
		cancel()
		return nil, err
	}

	s.running = true
	s.stream = stream
	s.cancel = cancel

	events := make(chan Event, 8)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(events)
		// However the stream ends, the mic is released and the source can
		// start again.
		defer func() {
			if err := s.release(stream); err != nil {
				s.logger.Warn("failed to stop capture", "error", err)
			}
		}()
		for ev := range stream.Events() {
			if ev.Kind == Final {
				s.logger.Info("hear", "fin", ev.Text)
			} else {
				s.logger.Debug("hear", "tmp", ev.Text)
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			s.logger.Warn("transcription stream ended", "error", err)
		}
	}()

	return events, nil
}

// release stops capture and closes stream if it is still the running one.
func (s *StreamingSource) release(stream Stream) error {
	s.mu.Lock()
	if !s.running || s.stream != stream {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stream = nil
	cancel := s.cancel
	s.mu.Unlock()

	err := s.capture.Stop()
	if cerr := stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	cancel()
	return err
}

func (s *StreamingSource) Stop() error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	var err error
	if stream != nil {
		err = s.release(stream)
	}
	s.wg.Wait()
	return err
}
