package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Recorder is the chunked capture policy: it seals buffered audio every
// interval and on demand through Flush.
type Recorder struct {
	device     Device
	gate       *Gate
	interval   time.Duration
	sampleRate int
	observe    func([]float32)
	logger     *log.Logger
	now        func() time.Time

	mu        sync.Mutex
	buf       []float32
	startedAt time.Time
	seq       int
	running   bool
	stream    Stream
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRecorder builds a recorder. observe, if set, sees every block of samples
// that passes the gate.
func NewRecorder(device Device, gate *Gate, interval time.Duration, sampleRate int, observe func([]float32), logger *log.Logger) *Recorder {
	return &Recorder{
		device:     device,
		gate:       gate,
		interval:   interval,
		sampleRate: sampleRate,
		observe:    observe,
		logger:     logger,
		now:        time.Now,
	}
}

// Start acquires the device and returns the channel of interval chunks. The
// channel closes after Stop.
func (r *Recorder) Start(ctx context.Context) (<-chan Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, fmt.Errorf("recorder already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := r.device.Open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	r.stream = stream
	r.cancel = cancel
	r.running = true
	r.buf = nil
	r.startedAt = time.Time{}

	chunks := make(chan Chunk, 16)
	r.wg.Add(1)
	go r.run(ctx, stream, chunks)

	return chunks, nil
}

func (r *Recorder) run(ctx context.Context, stream Stream, chunks chan<- Chunk) {
	defer r.wg.Done()
	defer close(chunks)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case samples, ok := <-frames:
			if !ok {
				return
			}
			if !r.gate.Enabled() {
				continue
			}
			r.mu.Lock()
			if len(r.buf) == 0 {
				r.startedAt = r.now()
			}
			r.buf = append(r.buf, samples...)
			r.mu.Unlock()
			if r.observe != nil {
				r.observe(samples)
			}
		case <-ticker.C:
			chunk, ok := r.Flush()
			if !ok {
				continue
			}
			select {
			case chunks <- chunk:
			default:
				r.logger.Warn("dropping audio chunk", "seq", chunk.Seq)
			}
		}
	}
}

// Flush seals everything buffered so far as one chunk and resets the buffer.
func (r *Recorder) Flush() (Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return Chunk{}, false
	}
	r.seq++
	chunk := Chunk{
		Seq:        r.seq,
		Samples:    r.buf,
		SampleRate: r.sampleRate,
		StartedAt:  r.startedAt,
	}
	r.buf = nil
	return chunk, true
}

// Stop releases the device. Buffered audio that was never flushed is dropped.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel, stream := r.cancel, r.stream
	r.mu.Unlock()

	cancel()
	err := stream.Close()
	r.wg.Wait()

	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()
	return err
}
