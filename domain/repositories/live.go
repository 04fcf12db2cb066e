package repositories

import "context"

// LiveEventType identifies what the live audio service reported. The session
// orchestrator relays these without interpreting turn-taking itself.
type LiveEventType int

const (
	// LiveEventAudio carries a chunk of 24 kHz PCM model speech.
	LiveEventAudio LiveEventType = iota
	// LiveEventTurnStarted marks the model beginning to process a user turn.
	LiveEventTurnStarted
	// LiveEventTurnComplete marks the model turn finished; back to listening.
	LiveEventTurnComplete
	// LiveEventInterrupted means the user barged in; pending playback is stale.
	LiveEventInterrupted
	// LiveEventError is a fatal stream failure; Err is set.
	LiveEventError
)

// LiveEvent is one inbound event from the live connection.
type LiveEvent struct {
	Type  LiveEventType
	Audio []byte
	Err   error
}

// LiveConversationModel opens bidirectional audio conversations.
type LiveConversationModel interface {
	// Connect establishes one streaming connection. The returned session is
	// live until Close; the caller owns teardown ordering.
	Connect(ctx context.Context) (LiveSession, error)
}

// LiveSession is one bidirectional audio exchange.
type LiveSession interface {
	// SendAudio streams one chunk of 16 kHz PCM microphone audio.
	SendAudio(ctx context.Context, chunk []byte) error
	// Events returns the inbound event stream. The channel closes when the
	// conversation ends for any reason.
	Events() <-chan LiveEvent
	// Close tears down the connection. Safe to call more than once.
	Close() error
}
