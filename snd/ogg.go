package snd

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"resq.town/etc"
)

const (
	OpusFrameDuration = 20 * time.Millisecond
	// RTP timestamps for Opus always tick at 48 kHz.
	opusClockRate = 48000
)

var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

type OggWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type OpusEncoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

type Logger interface {
	Info(interface{}, ...interface{})
	Error(interface{}, ...interface{})
	Debug(interface{}, ...interface{})
}

// OggWriterWrapper wraps oggwriter.OggWriter to implement OggWriter
type OggWriterWrapper struct {
	writer *oggwriter.OggWriter
}

func NewOggWriter(w io.Writer, sampleRate, channels int) (*OggWriterWrapper, error) {
	writer, err := oggwriter.NewWith(w, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create OggWriter: %w", err)
	}
	return &OggWriterWrapper{writer: writer}, nil
}

func (o *OggWriterWrapper) WriteRTP(packet *rtp.Packet) error {
	return o.writer.WriteRTP(packet)
}

func (o *OggWriterWrapper) Close() error {
	return o.writer.Close()
}

func createRTPPacket(sequenceNumber uint16, timestamp uint32, ssrc uint32, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x78,
			SequenceNumber: sequenceNumber,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
}

// Ogg encodes mono float PCM into 20 ms Opus frames inside an Ogg stream.
type Ogg struct {
	ssrc          uint32
	oggWriter     OggWriter
	encoder       OpusEncoder
	logger        Logger
	frameSize     int
	pending       []float32
	segmentNumber uint64
	packetCount   int
	silentFrames  int
}

func NewOgg(ssrc uint32, sampleRate int, oggWriter OggWriter, encoder OpusEncoder, logger Logger) (*Ogg, error) {
	frameSize := sampleRate * int(OpusFrameDuration/time.Millisecond) / 1000
	if frameSize == 0 {
		return nil, fmt.Errorf("unsupported sample rate: %d", sampleRate)
	}
	return &Ogg{
		ssrc:      ssrc,
		oggWriter: oggWriter,
		encoder:   encoder,
		logger:    logger,
		frameSize: frameSize,
	}, nil
}

// WriteSamples buffers samples and writes every complete frame.
func (o *Ogg) WriteSamples(samples []float32) error {
	o.pending = append(o.pending, samples...)
	for len(o.pending) >= o.frameSize {
		if err := o.encodeFrame(o.pending[:o.frameSize]); err != nil {
			return err
		}
		o.pending = o.pending[o.frameSize:]
	}
	return nil
}

// WriteSilence writes a duration of silence to the Ogg container
func (o *Ogg) WriteSilence(duration time.Duration) error {
	frames := int(duration / OpusFrameDuration)
	for i := 0; i < frames; i++ {
		if err := o.writeRTPPacket(silentOpusFrame); err != nil {
			return fmt.Errorf("error writing silent frame: %w", err)
		}
	}
	o.silentFrames += frames
	return nil
}

// Close pads and flushes the trailing partial frame, then finalizes the
// container.
func (o *Ogg) Close() error {
	if len(o.pending) > 0 {
		frame := make([]float32, o.frameSize)
		copy(frame, o.pending)
		o.pending = nil
		if err := o.encodeFrame(frame); err != nil {
			return err
		}
	}

	if err := o.oggWriter.Close(); err != nil {
		return fmt.Errorf("failed to close OggWriter: %w", err)
	}

	o.logger.Debug("sealed ogg",
		"packets", o.packetCount,
		"silent_frames", o.silentFrames,
	)
	return nil
}

func (o *Ogg) encodeFrame(frame []float32) error {
	buf := make([]byte, 1000)
	n, err := o.encoder.EncodeFloat32(frame, buf)
	if err != nil {
		return fmt.Errorf("failed to encode opus frame: %w", err)
	}
	if err := o.writeRTPPacket(buf[:n]); err != nil {
		return err
	}
	o.packetCount++
	return nil
}

func (o *Ogg) writeRTPPacket(payload []byte) error {
	o.segmentNumber++
	packet := createRTPPacket(
		uint16(o.segmentNumber),
		uint32(o.segmentNumber*opusClockRate*uint64(OpusFrameDuration/time.Millisecond)/1000),
		o.ssrc,
		payload,
	)
	if err := o.oggWriter.WriteRTP(packet); err != nil {
		return fmt.Errorf("error writing RTP packet: %w", err)
	}
	return nil
}

// SealOgg encodes a block of mono samples as a standalone Ogg/Opus file.
func SealOgg(samples []float32, sampleRate int, logger Logger) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := NewOggWriter(&buf, sampleRate, 1)
	if err != nil {
		return nil, err
	}
	encoder, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	ogg, err := NewOgg(etc.NewSSRC(), sampleRate, writer, encoder, logger)
	if err != nil {
		return nil, err
	}
	if err := ogg.WriteSamples(samples); err != nil {
		return nil, err
	}
	if err := ogg.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
