package capture

import (
	"fmt"
	"time"

	"resq.town/snd"
)

// Chunk is a sealed block of captured audio.
type Chunk struct {
	Seq        int
	Samples    []float32
	SampleRate int
	StartedAt  time.Time
}

func (c Chunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

func (c Chunk) WAV() []byte {
	return snd.EncodeWAV(snd.FloatToPCM16(c.Samples), c.SampleRate, 1)
}

func (c Chunk) Ogg(logger snd.Logger) ([]byte, error) {
	return snd.SealOgg(c.Samples, c.SampleRate, logger)
}

// Encode seals the chunk in the given container format and returns the bytes
// with a filename and MIME type suitable for a multipart upload.
func (c Chunk) Encode(format string, logger snd.Logger) ([]byte, string, string, error) {
	switch format {
	case "", "wav":
		return c.WAV(), "chunk.wav", "audio/wav", nil
	case "ogg":
		data, err := c.Ogg(logger)
		if err != nil {
			return nil, "", "", err
		}
		return data, "chunk.ogg", "audio/ogg", nil
	default:
		return nil, "", "", fmt.Errorf("unsupported chunk format: %s", format)
	}
}

// Join concatenates chunks into one unit that starts with the first.
func Join(chunks []Chunk) Chunk {
	if len(chunks) == 0 {
		return Chunk{}
	}
	n := 0
	for _, c := range chunks {
		n += len(c.Samples)
	}
	out := Chunk{
		Seq:        chunks[0].Seq,
		SampleRate: chunks[0].SampleRate,
		StartedAt:  chunks[0].StartedAt,
		Samples:    make([]float32, 0, n),
	}
	for _, c := range chunks {
		out.Samples = append(out.Samples, c.Samples...)
	}
	return out
}
