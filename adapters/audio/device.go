// Package audio implements the capture source and playback sink for live
// voice sessions. Both sides speak raw 16-bit mono PCM; capture runs at
// 16 kHz (what the live model consumes) and playback at 24 kHz (what it
// produces). The physical endpoint is abstracted behind small device
// interfaces so the websocket transport and tests can provide one.
package audio

import "errors"

const (
	// CaptureSampleRate is the microphone capture rate required by the live model.
	CaptureSampleRate = 16000
	// PlaybackSampleRate matches the live model's output audio.
	PlaybackSampleRate = 24000
	// BytesPerSample for 16-bit PCM.
	BytesPerSample = 2
	// CaptureChunkMs is the capture granularity.
	CaptureChunkMs = 100
)

// CaptureChunkBytes is the size of one capture chunk.
const CaptureChunkBytes = CaptureSampleRate * BytesPerSample * CaptureChunkMs / 1000

var (
	// ErrPermissionDenied means microphone access was not granted.
	ErrPermissionDenied = errors.New("audio: recording permission not granted")
	// ErrDeviceInit means the underlying audio endpoint could not be opened.
	ErrDeviceInit = errors.New("audio: device failed to initialize")
	// ErrReleased means the component was used after Release.
	ErrReleased = errors.New("audio: used after release")
)

// InputDevice is a PCM capture endpoint. Open acquires the device; Read
// blocks until it can fill part of buf with samples. Implementations are
// used by exactly one Recorder at a time.
type InputDevice interface {
	Open(sampleRate int) error
	Read(buf []byte) (int, error)
	Close() error
}

// OutputDevice is a PCM playback endpoint.
type OutputDevice interface {
	Open(sampleRate int) error
	Write(chunk []byte) (int, error)
	Close() error
}
