package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockStream struct {
	frames chan []float32
	once   sync.Once
	closed chan struct{}
}

func (m *MockStream) Frames() <-chan []float32 { return m.frames }

func (m *MockStream) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

type MockDevice struct {
	mu      sync.Mutex
	streams []*MockStream
	err     error
}

func (m *MockDevice) Open(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &MockStream{frames: make(chan []float32), closed: make(chan struct{})}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *MockDevice) last() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[len(m.streams)-1]
}

type MockSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (m *MockSink) SendAudio(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
	return nil
}

func (m *MockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestGate(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Enabled(), "gate starts disabled")

	changes := g.Changes()
	g.Set(true)
	g.Set(false)
	g.Set(true)

	assert.True(t, g.Enabled())
	select {
	case v := <-changes:
		assert.True(t, v, "only the latest value is kept")
	default:
		t.Fatal("expected a change")
	}
	select {
	case <-changes:
		t.Fatal("expected a single pending value")
	default:
	}
}

func TestRecorderFlush(t *testing.T) {
	device := &MockDevice{}
	gate := NewGate()
	gate.Set(true)

	var observed int
	var mu sync.Mutex
	rec := NewRecorder(device, gate, time.Hour, 16000, func(s []float32) {
		mu.Lock()
		observed += len(s)
		mu.Unlock()
	}, testLogger())

	chunks, err := rec.Start(context.Background())
	require.NoError(t, err)

	stream := device.last()
	stream.frames <- []float32{0.1, 0.2}
	stream.frames <- []float32{0.3}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return observed == 3
	}, time.Second, 5*time.Millisecond)

	chunk, ok := rec.Flush()
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, chunk.Samples)
	assert.Equal(t, 1, chunk.Seq)

	_, ok = rec.Flush()
	assert.False(t, ok, "flush resets the buffer")

	require.NoError(t, rec.Stop())
	select {
	case <-stream.closed:
	default:
		t.Fatal("stop must release the device")
	}
	_, open := <-chunks
	assert.False(t, open, "chunk channel closes after stop")
}

func TestRecorderDropsGatedFrames(t *testing.T) {
	device := &MockDevice{}
	gate := NewGate()

	rec := NewRecorder(device, gate, time.Hour, 16000, nil, testLogger())
	_, err := rec.Start(context.Background())
	require.NoError(t, err)
	defer rec.Stop()

	stream := device.last()
	stream.frames <- []float32{0.5}
	// the unbuffered send returns only once the previous frame was handled
	stream.frames <- []float32{0.5}
	_, ok := rec.Flush()
	assert.False(t, ok, "frames captured while muted are dropped")
}

func TestRecorderIntervalChunks(t *testing.T) {
	device := &MockDevice{}
	gate := NewGate()
	gate.Set(true)

	rec := NewRecorder(device, gate, 10*time.Millisecond, 16000, nil, testLogger())
	chunks, err := rec.Start(context.Background())
	require.NoError(t, err)
	defer rec.Stop()

	device.last().frames <- []float32{0.1, 0.1}

	select {
	case chunk := <-chunks:
		assert.Len(t, chunk.Samples, 2)
		assert.Equal(t, 16000, chunk.SampleRate)
	case <-time.After(time.Second):
		t.Fatal("expected an interval chunk")
	}
}

func TestRecorderUnavailable(t *testing.T) {
	device := &MockDevice{err: ErrUnavailable}
	rec := NewRecorder(device, NewGate(), time.Second, 16000, nil, testLogger())

	_, err := rec.Start(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.NoError(t, rec.Stop(), "stop on a recorder that never started is a no-op")
}

func TestStreamerForwardsPCMWhileEnabled(t *testing.T) {
	device := &MockDevice{}
	gate := NewGate()
	gate.Set(true)
	sink := &MockSink{}

	s := NewStreamer(device, gate, testLogger())
	require.NoError(t, s.Start(context.Background(), sink))

	device.last().frames <- []float32{0, 1}

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, []byte{0x00, 0x00, 0xff, 0x7f}, sink.frames[0])
	sink.mu.Unlock()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestStreamerDropsWhileMuted(t *testing.T) {
	device := &MockDevice{}
	sink := &MockSink{}

	s := NewStreamer(device, NewGate(), testLogger())
	require.NoError(t, s.Start(context.Background(), sink))

	stream := device.last()
	stream.frames <- []float32{1, 1}
	stream.frames <- []float32{1, 1}
	require.NoError(t, s.Stop())

	assert.Equal(t, 0, sink.count())
	select {
	case <-stream.closed:
	default:
		t.Fatal("stop must release the device")
	}
}

func TestUploader(t *testing.T) {
	var gotName, gotType string
	var gotSize int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream-audio", r.URL.Path)
		file, header, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotSize = len(data)
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	u := NewUploader(server.URL+"/api", "wav", testLogger())
	chunk := Chunk{Seq: 1, Samples: make([]float32, 160), SampleRate: 16000}

	require.NoError(t, u.Upload(context.Background(), chunk))
	assert.Equal(t, "chunk.wav", gotName)
	assert.Equal(t, "audio/wav", gotType)
	assert.Equal(t, 44+320, gotSize)
}

func TestJoin(t *testing.T) {
	at := time.Unix(10, 0)
	joined := Join([]Chunk{
		{Seq: 3, Samples: []float32{1}, SampleRate: 16000, StartedAt: at},
		{Seq: 4, Samples: []float32{2, 3}, SampleRate: 16000},
	})
	assert.Equal(t, 3, joined.Seq)
	assert.Equal(t, at, joined.StartedAt)
	assert.Equal(t, []float32{1, 2, 3}, joined.Samples)
	assert.Equal(t, 3*time.Second/16000, joined.Duration())
}
