// ABOUTME: Tests for the pipe and tone backends and the PCM format math
// ABOUTME: Exercises pump gating, pause semantics, and FIFO open behavior
package backend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisjbillington/lansound/internal/chunk"
)

func TestFormatMath(t *testing.T) {
	f := DefaultFormat
	assert.Equal(t, 4, f.FrameBytes())
	assert.Equal(t, 176400, f.ByteRate())
	assert.Equal(t, "44100Hz 2ch 16bit", f.String())

	mono := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	assert.Equal(t, 2, mono.FrameBytes())
	assert.Equal(t, 16000, mono.ByteRate())
}

// scriptedReader feeds the pump whatever the test pushes, returning empty
// reads in between like a paused jitter buffer does.
type scriptedReader struct {
	mu   sync.Mutex
	data []byte
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return 0, nil
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *scriptedReader) push(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, b...)
}

func readWithin(t *testing.T, f *os.File, n int, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, f.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, n)
	total := 0
	for total < n {
		got, err := f.Read(buf[total:])
		total += got
		require.NoError(t, err)
	}
	return buf
}

func TestPipeHandlePumpsWhileStarted(t *testing.T) {
	sinkR, sinkW, err := os.Pipe()
	require.NoError(t, err)
	defer sinkR.Close()

	src := &scriptedReader{}
	h := NewPipeHandle(DefaultFormat, src, sinkW, nil)

	require.NoError(t, h.Start())
	src.push([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, readWithin(t, sinkR, 8, time.Second))

	// Stopped pump must leave fresh data untouched.
	require.NoError(t, h.Stop())
	time.Sleep(30 * time.Millisecond)
	src.push([]byte{9, 10, 11, 12})
	require.NoError(t, sinkR.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	n, _ := sinkR.Read(make([]byte, 4))
	assert.Zero(t, n, "stopped handle must not pump")

	// Restart drains what accumulated.
	require.NoError(t, h.Start())
	assert.Equal(t, []byte{9, 10, 11, 12}, readWithin(t, sinkR, 4, time.Second))

	require.NoError(t, h.Close())
	require.NoError(t, sinkR.SetReadDeadline(time.Time{}))
	_, err = sinkR.Read(make([]byte, 1))
	assert.Error(t, err, "closing the handle closes the sink")
}

func TestPipeHandleReportsSinkFailure(t *testing.T) {
	sinkR, sinkW, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, sinkR.Close())

	failures := make(chan error, 1)
	src := &scriptedReader{}
	src.push([]byte{1, 2, 3, 4})

	h := NewPipeHandle(DefaultFormat, src, sinkW, func(err error) { failures <- err })
	require.NoError(t, h.Start())

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrBackendFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("sink failure never reported")
	}
	h.Close()
}

func TestPipeHandleStartAfterCloseFails(t *testing.T) {
	_, sinkW, err := os.Pipe()
	require.NoError(t, err)

	h := NewPipeHandle(DefaultFormat, &scriptedReader{}, sinkW, nil)
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Start(), ErrBackendFailed)
}

func TestGatedStreamPause(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	g := &gatedStream{f: r}
	_, err = w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, g.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := g.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// Paused: buffered bytes stay untouched and reads run into the deadline.
	g.setPaused(true)
	_, err = w.Write([]byte{5, 6, 7, 8})
	require.NoError(t, err)
	require.NoError(t, g.SetReadDeadline(time.Now().Add(60*time.Millisecond)))
	n, err = g.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// Resume delivers the bytes that waited in the pipe.
	g.setPaused(false)
	require.NoError(t, g.SetReadDeadline(time.Now().Add(time.Second)))
	n, err = g.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{5, 6, 7, 8}, buf)
}

func TestPipeSourceOpensFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fifo")
	require.NoError(t, syscall.Mkfifo(path, 0o600))

	// The collaborator side attaches shortly after Start blocks on open.
	go func() {
		time.Sleep(50 * time.Millisecond)
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer w.Close()
		w.Write([]byte{1, 2, 3, 4})
		time.Sleep(200 * time.Millisecond)
	}()

	s := NewPipeSource(path)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	stream := s.Stream()
	require.NotNil(t, stream)
	require.NoError(t, stream.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 4)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestPipeSourceStartHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fifo")
	require.NoError(t, syscall.Mkfifo(path, 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	s := NewPipeSource(path)
	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToneSourceGeneratesAndPauses(t *testing.T) {
	src := NewToneSource(DefaultFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, src.Start(ctx))
	defer src.Close()

	reader, err := chunk.NewReader(src.Stream(), 3528, DefaultFormat.FrameBytes())
	require.NoError(t, err)

	data, err := reader.ReadChunk(time.Second)
	require.NoError(t, err)
	require.NotNil(t, data, "tone source must produce audio promptly")
	require.Len(t, data, 3528)

	nonzero := false
	for _, b := range data {
		if b != 0 {
			nonzero = true
			break
		}
	}
	assert.True(t, nonzero, "tone chunk must contain signal")

	// Paused generation runs the stream dry within a chunk timeout.
	require.NoError(t, src.Pause())
	var quiet bool
	for i := 0; i < 20; i++ {
		data, err = reader.ReadChunk(100 * time.Millisecond)
		require.NoError(t, err)
		if data == nil {
			quiet = true
			break
		}
	}
	assert.True(t, quiet, "paused tone source must stop delivering chunks")

	require.NoError(t, src.Resume())
	data, err = reader.ReadChunk(time.Second)
	require.NoError(t, err)
	assert.NotNil(t, data, "resumed tone source must deliver again")
}
