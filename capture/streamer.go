package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"resq.town/snd"
)

type FrameSink interface {
	SendAudio(data []byte) error
}

// Streamer is the streaming capture policy: each captured block is converted
// to s16le PCM and pushed to the sink while the gate is open.
type Streamer struct {
	device Device
	gate   *Gate
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stream  Stream
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewStreamer(device Device, gate *Gate, logger *log.Logger) *Streamer {
	return &Streamer{device: device, gate: gate, logger: logger}
}

func (s *Streamer) Start(ctx context.Context, sink FrameSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("streamer already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.device.Open(ctx)
	if err != nil {
		cancel()
		return err
	}
	s.stream = stream
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case samples, ok := <-stream.Frames():
				if !ok {
					return
				}
				if !s.gate.Enabled() {
					continue
				}
				data := snd.PCM16Bytes(snd.FloatToPCM16(samples))
				if err := sink.SendAudio(data); err != nil {
					s.logger.Warn("failed to send audio frame", "error", err)
					return
				}
			}
		}
	}()
	return nil
}

func (s *Streamer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, stream := s.cancel, s.stream
	s.mu.Unlock()

	cancel()
	err := stream.Close()
	s.wg.Wait()
	return err
}
