package capture

import "sync"

// Gate is the microphone enablement flag. Playback flips it; capture reads it
// to decide whether frames are forwarded.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	subs    []chan bool
}

func NewGate() *Gate {
	return &Gate{}
}

func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func (g *Gate) Set(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled == enabled {
		return
	}
	g.enabled = enabled
	for _, ch := range g.subs {
		// keep only the latest value
		select {
		case <-ch:
		default:
		}
		ch <- enabled
	}
}

// Changes returns a channel carrying the most recent value after each flip.
func (g *Gate) Changes() <-chan bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan bool, 1)
	g.subs = append(g.subs, ch)
	return ch
}
