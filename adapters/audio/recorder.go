package audio

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Recorder produces a cancellable stream of fixed-size PCM chunks from an
// input device. The stream is infinite: it ends only when the consumer stops
// pulling (context cancellation) or the device fails. A Recorder is not
// restartable from a pause point; every Start is a fresh capture.
type Recorder struct {
	device InputDevice
	logger *zap.Logger

	// HasPermission gates capture before the device is touched. Nil means
	// permission is implied by the transport.
	HasPermission func() bool
}

// NewRecorder creates a recorder over the given input device.
func NewRecorder(device InputDevice, logger *zap.Logger) *Recorder {
	return &Recorder{
		device: device,
		logger: logger,
	}
}

// Start opens the device and begins emitting ~100 ms PCM chunks on the
// returned channel. The channel is unbuffered, so the device is only read as
// fast as the consumer pulls. Whatever ends consumption, be it cancellation,
// a consumer that walks away, or a device read error, the device is released
// before the channel closes.
//
// Returns ErrPermissionDenied when capture is not permitted and ErrDeviceInit
// when the device cannot be opened.
func (r *Recorder) Start(ctx context.Context) (<-chan []byte, error) {
	if r.HasPermission != nil && !r.HasPermission() {
		r.logger.Error("Recording permission not granted")
		return nil, ErrPermissionDenied
	}

	if err := r.device.Open(CaptureSampleRate); err != nil {
		r.logger.Error("Input device failed to open", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrDeviceInit, err)
	}

	out := make(chan []byte)

	go func() {
		defer close(out)
		defer func() {
			if err := r.device.Close(); err != nil {
				r.logger.Error("Error releasing input device", zap.Error(err))
			}
		}()

		buf := make([]byte, CaptureChunkBytes)
		var totalBytes int64
		var chunkCount int

		for {
			if ctx.Err() != nil {
				r.logger.Debug("Capture cancelled",
					zap.Int("chunks", chunkCount),
					zap.Int64("total_bytes", totalBytes))
				return
			}

			n, err := r.device.Read(buf)
			if err != nil {
				// One terminal failure, then the stream is done.
				if ctx.Err() == nil {
					r.logger.Error("Input device read failed", zap.Error(err))
				}
				return
			}
			if n <= 0 {
				continue
			}

			totalBytes += int64(n)
			chunkCount++

			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
