package snd

import "time"

type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStarted
	VADSpeechEnded
)

// VAD is an energy based voice activity detector. It reports
// VADSpeechEnded once speech has been followed by Hangover of blocks whose
// level stays under Threshold.
type VAD struct {
	Threshold  float64
	Hangover   time.Duration
	SampleRate int

	speaking bool
	silence  time.Duration
}

func NewVAD(threshold float64, hangover time.Duration, sampleRate int) *VAD {
	return &VAD{Threshold: threshold, Hangover: hangover, SampleRate: sampleRate}
}

func (v *VAD) Feed(samples []float32) VADEvent {
	if len(samples) == 0 || v.SampleRate == 0 {
		return VADNone
	}
	duration := time.Duration(len(samples)) * time.Second / time.Duration(v.SampleRate)

	if RMS(samples) >= v.Threshold {
		v.silence = 0
		if !v.speaking {
			v.speaking = true
			return VADSpeechStarted
		}
		return VADNone
	}

	if !v.speaking {
		return VADNone
	}
	v.silence += duration
	if v.silence >= v.Hangover {
		v.speaking = false
		v.silence = 0
		return VADSpeechEnded
	}
	return VADNone
}

func (v *VAD) Speaking() bool {
	return v.speaking
}

func (v *VAD) Reset() {
	v.speaking = false
	v.silence = 0
}
