package speech

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"resq.town/capture"
)

var errSuperseded = errors.New("superseded")

// Controller owns the single playback handle of a call. Every Speak or
// SpeakAll starts a new sequence; older sequences stop at their next step
// and never report completion.
type Controller struct {
	synth  Synthesizer
	player Player
	gate   *capture.Gate
	logger *log.Logger

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	handle Handle
	busy   bool
	// gate value from before playback muted it
	restore bool
}

func NewController(synth Synthesizer, player Player, gate *capture.Gate, logger *log.Logger) *Controller {
	return &Controller{synth: synth, player: player, gate: gate, logger: logger}
}

func (c *Controller) Speak(ctx context.Context, text string, onDone func()) {
	c.SpeakAll(ctx, []string{text}, onDone)
}

// SpeakAll speaks texts strictly one after another and calls onDone once
// the last one has finished.
func (c *Controller) SpeakAll(ctx context.Context, texts []string, onDone func()) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.busy = true
	c.mu.Unlock()

	go c.run(ctx, seq, texts, onDone)
}

func (c *Controller) run(ctx context.Context, seq uint64, texts []string, onDone func()) {
	for _, text := range texts {
		if !c.current(seq) {
			return
		}
		audio, err := c.synth.Synthesize(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to synthesize speech", "error", err)
			continue
		}

		h, err := c.start(seq, audio)
		if errors.Is(err, errSuperseded) {
			return
		}
		if err != nil {
			c.logger.Error("failed to play speech", "error", err)
			continue
		}
		c.logger.Info("talk", "text", text)

		<-h.Done()
		if !c.finish(seq, h) {
			return
		}
	}

	c.mu.Lock()
	current := c.seq == seq
	if current {
		c.busy = false
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if current && onDone != nil {
		onDone()
	}
}

func (c *Controller) current(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq == seq
}

// start replaces the current handle. The previous one is stopped before the
// new audio begins.
func (c *Controller) start(seq uint64, audio Audio) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq {
		return nil, errSuperseded
	}
	enabled := c.gate.Enabled()
	if c.release() {
		enabled = c.restore
	}

	c.gate.Set(false)
	h, err := c.player.Play(audio)
	if err != nil {
		c.gate.Set(enabled)
		return nil, err
	}
	c.handle = h
	c.restore = enabled
	return h, nil
}

// finish handles natural completion and reports whether the sequence
// should go on.
func (c *Controller) finish(seq uint64, h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == h {
		c.handle = nil
		c.gate.Set(c.restore)
	}
	return c.seq == seq
}

// release stops the current handle. Callers hold mu.
func (c *Controller) release() bool {
	if c.handle == nil {
		return false
	}
	c.handle.Stop()
	c.handle = nil
	return true
}

// Abort drops queued speech and stops playback without completion
// callbacks. The gate goes back to where it was before playback muted it.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.busy = false
	if c.release() {
		c.gate.Set(c.restore)
		c.logger.Debug("speech aborted")
	}
}

func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// Busy reports whether a sequence is still synthesizing or playing.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}
