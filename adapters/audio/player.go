package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// drainIdleWait is how long the drain loop sleeps when the queue is empty.
	drainIdleWait = 10 * time.Millisecond
	// pausedWait is the poll interval while paused.
	pausedWait = 50 * time.Millisecond
)

// Player consumes PCM chunks in enqueue order and writes them to an output
// device. Queue is non-blocking and safe from any goroutine; Play is a
// long-running drain loop owned by one goroutine. Stop discards whatever has
// not been written yet: a live call prefers dropped audio over a backlog.
type Player struct {
	device OutputDevice
	logger *zap.Logger

	mu       sync.Mutex
	queue    [][]byte
	released bool

	playing atomic.Bool
	paused  atomic.Bool
}

// NewPlayer creates a player over the given output device.
func NewPlayer(device OutputDevice, logger *zap.Logger) *Player {
	return &Player{
		device: device,
		logger: logger,
	}
}

// Queue appends one chunk to the playback queue. Empty chunks are ignored.
func (p *Player) Queue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	if !p.released {
		p.queue = append(p.queue, chunk)
	}
	p.mu.Unlock()
}

// Play opens the device and drains the queue until Stop is called or ctx is
// cancelled. Chunks are written strictly in enqueue order. Device write
// errors drop the frame and keep draining. Calling Play while already
// playing is a logged no-op.
func (p *Player) Play(ctx context.Context) error {
	if p.playing.Swap(true) {
		p.logger.Warn("Playback already running")
		return nil
	}
	defer p.Stop()

	p.mu.Lock()
	released := p.released
	p.mu.Unlock()
	if released {
		return ErrReleased
	}

	if err := p.device.Open(PlaybackSampleRate); err != nil {
		p.logger.Error("Output device failed to open", zap.Error(err))
		return ErrDeviceInit
	}

	var totalBytes int64
	var chunksPlayed int

	for p.playing.Load() {
		if ctx.Err() != nil {
			break
		}

		if p.paused.Load() {
			select {
			case <-ctx.Done():
			case <-time.After(pausedWait):
			}
			continue
		}

		chunk := p.dequeue()
		if chunk == nil {
			select {
			case <-ctx.Done():
			case <-time.After(drainIdleWait):
			}
			continue
		}

		n, err := p.device.Write(chunk)
		if err != nil {
			// Dropping one frame beats killing a live call.
			p.logger.Error("Output device write failed, frame dropped", zap.Error(err))
			continue
		}
		totalBytes += int64(n)
		chunksPlayed++
	}

	p.logger.Debug("Playback drain loop ended",
		zap.Int("chunks", chunksPlayed),
		zap.Int64("total_bytes", totalBytes))
	return nil
}

// Pause suspends draining without clearing the queue.
func (p *Player) Pause() {
	p.paused.Store(true)
}

// Resume continues draining after Pause.
func (p *Player) Resume() {
	p.paused.Store(false)
}

// Clear discards all queued, not-yet-played audio while leaving the drain
// loop running. Used when the user barges in over the model.
func (p *Player) Clear() {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
}

// Stop halts the drain loop and discards any queued audio. There is no
// flush-to-completion guarantee.
func (p *Player) Stop() {
	p.playing.Store(false)
	p.paused.Store(false)
	p.Clear()
}

// Release frees the device. Must be called exactly once at end of life;
// the owning session's teardown ordering prevents use afterwards.
func (p *Player) Release() {
	p.Stop()

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()

	if err := p.device.Close(); err != nil {
		p.logger.Error("Error releasing output device", zap.Error(err))
	}
}

// HasQueuedAudio reports whether unplayed chunks remain.
func (p *Player) HasQueuedAudio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

func (p *Player) dequeue() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	chunk := p.queue[0]
	p.queue = p.queue[1:]
	return chunk
}
