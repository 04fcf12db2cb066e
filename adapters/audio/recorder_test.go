package audio

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeInputDevice produces deterministic PCM frames and records lifecycle.
type fakeInputDevice struct {
	openErr error
	reads   atomic.Int64
	opened  atomic.Bool
	closed  atomic.Bool
	pattern byte
}

func (d *fakeInputDevice) Open(sampleRate int) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opened.Store(true)
	return nil
}

func (d *fakeInputDevice) Read(buf []byte) (int, error) {
	n := d.reads.Add(1)
	for i := range buf {
		buf[i] = d.pattern + byte(n)
	}
	return len(buf), nil
}

func (d *fakeInputDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func TestRecorder_EmitsChunksInReadOrder(t *testing.T) {
	device := &fakeInputDevice{}
	rec := NewRecorder(device, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := rec.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var got [][]byte
	for i := 0; i < 3; i++ {
		chunk, ok := <-chunks
		if !ok {
			t.Fatal("channel closed early")
		}
		got = append(got, chunk)
	}
	cancel()

	for i, chunk := range got {
		if len(chunk) != CaptureChunkBytes {
			t.Errorf("chunk %d size = %d, want %d", i, len(chunk), CaptureChunkBytes)
		}
		want := bytes.Repeat([]byte{byte(i + 1)}, CaptureChunkBytes)
		if !bytes.Equal(chunk, want) {
			t.Errorf("chunk %d out of order: first byte %d, want %d", i, chunk[0], i+1)
		}
	}
}

func TestRecorder_CancelReleasesDevice(t *testing.T) {
	device := &fakeInputDevice{}
	rec := NewRecorder(device, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := rec.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Pull one chunk, then abandon the stream.
	<-chunks
	cancel()

	deadline := time.After(time.Second)
	for {
		if _, ok := <-chunks; !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stream did not end after cancellation")
		default:
		}
	}

	if !device.closed.Load() {
		t.Error("device not released after cancellation")
	}
}

func TestRecorder_ConsumerStopsPulling(t *testing.T) {
	device := &fakeInputDevice{}
	rec := NewRecorder(device, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := rec.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-chunks
	// Consumer walks away without draining; cancellation must still
	// release the device even though the goroutine is blocked on send.
	cancel()

	waitFor(t, time.Second, func() bool { return device.closed.Load() })
}

func TestRecorder_PermissionDenied(t *testing.T) {
	device := &fakeInputDevice{}
	rec := NewRecorder(device, zap.NewNop())
	rec.HasPermission = func() bool { return false }

	_, err := rec.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Start() error = %v, want ErrPermissionDenied", err)
	}
	if device.opened.Load() {
		t.Error("device opened despite missing permission")
	}
}

func TestRecorder_DeviceInitFailure(t *testing.T) {
	device := &fakeInputDevice{openErr: errors.New("endpoint busy")}
	rec := NewRecorder(device, zap.NewNop())

	_, err := rec.Start(context.Background())
	if !errors.Is(err, ErrDeviceInit) {
		t.Errorf("Start() error = %v, want ErrDeviceInit", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
