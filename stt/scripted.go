package stt

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ScriptStep is one transcript event delivered After the previous step.
type ScriptStep struct {
	After time.Duration `yaml:"after"`
	Text  string        `yaml:"text"`
	Kind  string        `yaml:"kind"`
}

func (s ScriptStep) Event() Event {
	if s.Kind == "final" {
		return Event{Text: s.Text, Kind: Final}
	}
	return Event{Text: s.Text, Kind: Partial}
}

func LoadScript(path string) ([]ScriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var steps []ScriptStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return steps, nil
}

// ScriptedSource replays a fixed list of transcript events in real time. It
// stands in for a microphone in simulations and tests.
type ScriptedSource struct {
	Steps []ScriptStep

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScriptedSource(steps []ScriptStep) *ScriptedSource {
	return &ScriptedSource{Steps: steps}
}

func (s *ScriptedSource) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, fmt.Errorf("scripted source already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events := make(chan Event)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(events)
		for _, step := range s.Steps {
			timer := time.NewTimer(step.After)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			select {
			case events <- step.Event():
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return events, nil
}

func (s *ScriptedSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	return nil
}
