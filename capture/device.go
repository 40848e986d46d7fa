package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"
)

// ErrUnavailable covers a missing capture device and denied access.
var ErrUnavailable = errors.New("capture unavailable")

type Stream interface {
	Frames() <-chan []float32
	Close() error
}

type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Microphone captures mono float32 samples from the default input device.
type Microphone struct {
	SampleRate int
	logger     *log.Logger
}

func NewMicrophone(sampleRate int, logger *log.Logger) *Microphone {
	return &Microphone{SampleRate: sampleRate, logger: logger}
}

type micStream struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	frames chan []float32
	once   sync.Once
}

func (m *Microphone) Open(ctx context.Context) (Stream, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", ErrUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	s := &micStream{
		mctx:   mctx,
		frames: make(chan []float32, 64),
	}

	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		samples := make([]float32, framecount)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pSample[i*4:]))
		}
		select {
		case s.frames <- samples:
		default:
			// drop if consumer is slow
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init capture device: %v", ErrUnavailable, err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: start capture device: %v", ErrUnavailable, err)
	}
	m.logger.Info("microphone open", "sample_rate", m.SampleRate)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s, nil
}

func (s *micStream) Frames() <-chan []float32 {
	return s.frames
}

// Close stops the device and releases the audio context. Safe to call more
// than once.
func (s *micStream) Close() error {
	s.once.Do(func() {
		if s.device != nil {
			s.device.Uninit()
		}
		s.mctx.Uninit()
		s.mctx.Free()
		close(s.frames)
	})
	return nil
}
