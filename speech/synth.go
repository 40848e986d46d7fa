// Package speech turns bot text into audio and plays it, muting the
// microphone while the bot is talking.
package speech

import (
	"context"
	"errors"
)

var ErrNoAudio = errors.New("no audio in synthesis response")

const (
	FormatMP3  = "mp3"
	FormatWAV  = "wav"
	FormatText = "text"
)

type Audio struct {
	Data   []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// TextSynthesizer renders text as itself. Paired with SilentPlayer it lets a
// call run without any speech service.
type TextSynthesizer struct{}

func (TextSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	return Audio{Data: []byte(text), Format: FormatText}, nil
}
