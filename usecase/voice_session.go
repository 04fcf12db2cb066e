package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/repositories"
)

// SessionState is the UI-facing state of one live voice conversation.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionListening
	SessionProcessing
	SessionModelSpeaking
	SessionEnded
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionListening:
		return "listening"
	case SessionProcessing:
		return "processing"
	case SessionModelSpeaking:
		return "model_speaking"
	case SessionEnded:
		return "ended"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrQuotaExceeded is the normal (non-exceptional) refusal when the monthly
// voice allowance is spent. The session stays Idle.
var ErrQuotaExceeded = errors.New("voice quota exceeded for this month")

// minBillableMinutes filters out accidental taps; sessions shorter than
// about one second are not recorded.
const minBillableMinutes = 1.0 / 60.0

// AudioSource produces capture chunks. Satisfied by audio.Recorder.
type AudioSource interface {
	Start(ctx context.Context) (<-chan []byte, error)
}

// AudioSink plays model audio. Satisfied by audio.Player.
type AudioSink interface {
	Queue(chunk []byte)
	Play(ctx context.Context) error
	Clear()
	Stop()
	Release()
}

// VoiceSession drives one voice conversation from user intent to completion.
// It owns the session state exclusively: all mutations happen here, in
// response to live-model events or user action, and observers only read.
// Listening/Processing/ModelSpeaking relay the model's own turn-taking
// unchanged; this type decides nothing about when the model is thinking.
type VoiceSession struct {
	userID string
	live   repositories.LiveConversationModel
	gate   *QuotaGate
	source AudioSource
	sink   AudioSink
	logger *zap.Logger
	now    func() time.Time

	onState func(state SessionState, errMsg string)

	mu        sync.Mutex
	state     SessionState
	errMsg    string
	sess      repositories.LiveSession
	cancel    context.CancelFunc
	startedAt time.Time

	teardownWg sync.WaitGroup
}

// NewVoiceSession creates a session machine at Idle. One instance serves one
// session; a dismissed Error or a fresh screen gets a Reset or a new instance.
func NewVoiceSession(
	userID string,
	live repositories.LiveConversationModel,
	gate *QuotaGate,
	source AudioSource,
	sink AudioSink,
	logger *zap.Logger,
) *VoiceSession {
	return &VoiceSession{
		userID: userID,
		live:   live,
		gate:   gate,
		source: source,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		state:  SessionIdle,
	}
}

// WithStateListener registers the observer notified on every transition.
// Must be set before Start.
func (v *VoiceSession) WithStateListener(fn func(state SessionState, errMsg string)) *VoiceSession {
	v.onState = fn
	return v
}

// WithClock overrides the wall clock used for duration accounting.
func (v *VoiceSession) WithClock(now func() time.Time) *VoiceSession {
	v.now = now
	return v
}

// State returns the current state.
func (v *VoiceSession) State() SessionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// ErrMessage returns the user-visible error text, set only in SessionError.
func (v *VoiceSession) ErrMessage() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.errMsg
}

// Start begins a voice conversation. Only an Idle session starts: a Start
// while a session is active is a logged no-op, and so is a Start on an Ended
// or Error session, which restarts only through Reset. A quota refusal
// returns ErrQuotaExceeded and leaves the state at Idle: a normal outcome,
// not an error state. Connection failures surface as SessionError; retry is
// a fresh Start by the user.
func (v *VoiceSession) Start(ctx context.Context) error {
	// The instance is claimed under the same lock as the state check, so a
	// second Start cannot slip past the guard while the quota read is still
	// in flight and open a second connection.
	v.mu.Lock()
	if v.state != SessionIdle {
		state := v.state
		v.mu.Unlock()
		v.logger.Warn("Session not idle, ignoring start",
			zap.String("user_id", v.userID),
			zap.Stringer("state", state))
		return nil
	}
	v.state = SessionConnecting
	v.errMsg = ""
	v.mu.Unlock()

	if !v.gate.CanStartSession(ctx, v.userID) {
		v.mu.Lock()
		if v.state == SessionConnecting {
			v.state = SessionIdle
		}
		v.mu.Unlock()
		v.logger.Warn("Quota exceeded, session not started",
			zap.String("user_id", v.userID))
		return ErrQuotaExceeded
	}

	v.notify(SessionConnecting, "")
	v.logger.Info("Connecting to live audio service", zap.String("user_id", v.userID))

	sess, err := v.live.Connect(ctx)
	if err != nil {
		v.logger.Error("Live connection failed", zap.Error(err))
		v.abortConnect(err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	chunks, err := v.source.Start(runCtx)
	if err != nil {
		cancel()
		if cerr := sess.Close(); cerr != nil {
			v.logger.Error("Error closing session after capture failure", zap.Error(cerr))
		}
		v.logger.Error("Audio capture failed to start", zap.Error(err))
		v.abortConnect(err.Error())
		return err
	}

	v.mu.Lock()
	if v.state != SessionConnecting {
		// Ended while the connection was being set up.
		v.mu.Unlock()
		cancel()
		if cerr := sess.Close(); cerr != nil {
			v.logger.Error("Error closing session ended during connect", zap.Error(cerr))
		}
		return nil
	}
	v.sess = sess
	v.cancel = cancel
	v.startedAt = v.now()
	v.state = SessionListening
	v.mu.Unlock()

	v.notify(SessionListening, "")

	go v.sendLoop(runCtx, sess, chunks)
	go v.recvLoop(runCtx, sess)
	go func() {
		if err := v.sink.Play(runCtx); err != nil {
			v.logger.Error("Playback failed", zap.Error(err))
		}
	}()

	return nil
}

// abortConnect moves a failed connection attempt to SessionError unless End
// already claimed the instance.
func (v *VoiceSession) abortConnect(errMsg string) {
	v.mu.Lock()
	if v.state != SessionConnecting {
		v.mu.Unlock()
		return
	}
	v.state = SessionError
	v.errMsg = errMsg
	v.mu.Unlock()
	v.notify(SessionError, errMsg)
}

// End terminates the session. Safe from any state, including Idle and before
// any connection attempt. The state flips to Ended immediately; the remote
// conversation stop, connection close and local device release happen
// asynchronously, and their failures are logged, never propagated.
func (v *VoiceSession) End() {
	v.mu.Lock()
	var duration float64
	if !v.startedAt.IsZero() {
		duration = v.now().Sub(v.startedAt).Minutes()
	}
	sess := v.sess
	cancel := v.cancel
	v.sess = nil
	v.cancel = nil
	v.startedAt = time.Time{}
	alreadyEnded := v.state == SessionEnded
	v.state = SessionEnded
	v.errMsg = ""
	// Armed before the state is observable, so Wait after a state check
	// always covers this teardown.
	v.teardownWg.Add(1)
	v.mu.Unlock()

	if !alreadyEnded {
		v.notify(SessionEnded, "")
	}

	// Stop outbound streaming first, then close the connection; the capture
	// device is released by its own scoped lifetime when the context dies.
	if cancel != nil {
		cancel()
	}

	go func() {
		defer v.teardownWg.Done()
		if sess != nil {
			if err := sess.Close(); err != nil {
				v.logger.Error("Error closing live session", zap.Error(err))
			}
		}
		v.sink.Stop()
		v.sink.Release()

		if duration > minBillableMinutes {
			ctx, cancelRec := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelRec()
			v.gate.RecordSessionUsage(ctx, v.userID, duration)
		}

		v.logger.Info("Session teardown complete",
			zap.String("user_id", v.userID),
			zap.Float64("duration_minutes", duration))
	}()
}

// Reset returns a finished or failed session to Idle so the user can start
// again. Active sessions are unaffected.
func (v *VoiceSession) Reset() {
	v.mu.Lock()
	if v.state != SessionEnded && v.state != SessionError {
		v.mu.Unlock()
		return
	}
	v.state = SessionIdle
	v.errMsg = ""
	v.mu.Unlock()
	v.notify(SessionIdle, "")
}

// Wait blocks until any in-flight teardown has finished. Callers that need
// usage recorded before reading it (and tests) use this.
func (v *VoiceSession) Wait() {
	v.teardownWg.Wait()
}

func (v *VoiceSession) sendLoop(ctx context.Context, sess repositories.LiveSession, chunks <-chan []byte) {
	for chunk := range chunks {
		if err := sess.SendAudio(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return
			}
			v.logger.Error("Failed to stream capture chunk", zap.Error(err))
			v.fail(err)
			return
		}
	}
}

func (v *VoiceSession) recvLoop(ctx context.Context, sess repositories.LiveSession) {
	for ev := range sess.Events() {
		switch ev.Type {
		case repositories.LiveEventTurnStarted:
			v.relay(SessionProcessing)
		case repositories.LiveEventAudio:
			v.sink.Queue(ev.Audio)
			v.relay(SessionModelSpeaking)
		case repositories.LiveEventTurnComplete:
			v.relay(SessionListening)
		case repositories.LiveEventInterrupted:
			// Whatever is queued belongs to the interrupted turn.
			v.sink.Clear()
			v.relay(SessionListening)
		case repositories.LiveEventError:
			if ctx.Err() != nil {
				return
			}
			v.fail(ev.Err)
			return
		}
	}

	// Stream closed without an error event: the conversation ended on the
	// remote side.
	if ctx.Err() == nil && v.State() != SessionError {
		v.logger.Info("Live conversation ended by remote", zap.String("user_id", v.userID))
		v.End()
	}
}

// relay applies a presentational transition reported by the live service,
// unless the session has already left its active states.
func (v *VoiceSession) relay(state SessionState) {
	v.mu.Lock()
	switch v.state {
	case SessionListening, SessionProcessing, SessionModelSpeaking:
		if v.state == state {
			v.mu.Unlock()
			return
		}
		v.state = state
		v.mu.Unlock()
		v.notify(state, "")
	default:
		v.mu.Unlock()
	}
}

// fail moves an active session to SessionError and cancels the pumps.
func (v *VoiceSession) fail(err error) {
	msg := "conversation error"
	if err != nil {
		msg = err.Error()
	}

	v.mu.Lock()
	if v.state == SessionEnded || v.state == SessionError {
		v.mu.Unlock()
		return
	}
	v.state = SessionError
	v.errMsg = msg
	sess := v.sess
	cancel := v.cancel
	v.sess = nil
	v.cancel = nil
	v.teardownWg.Add(1)
	v.mu.Unlock()

	v.notify(SessionError, msg)

	if cancel != nil {
		cancel()
	}
	go func() {
		defer v.teardownWg.Done()
		if sess != nil {
			if cerr := sess.Close(); cerr != nil {
				v.logger.Error("Error closing live session after failure", zap.Error(cerr))
			}
		}
		v.sink.Stop()
		v.sink.Release()
	}()
}

func (v *VoiceSession) notify(state SessionState, errMsg string) {
	if v.onState != nil {
		v.onState(state, errMsg)
	}
}
