package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

// fakeLiveSession is a scriptable live connection.
type fakeLiveSession struct {
	mu        sync.Mutex
	events    chan repositories.LiveEvent
	sent      [][]byte
	sendErr   error
	closeOnce sync.Once
	closed    bool
}

func newFakeLiveSession() *fakeLiveSession {
	return &fakeLiveSession{events: make(chan repositories.LiveEvent, 16)}
}

func (s *fakeLiveSession) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeLiveSession) Events() <-chan repositories.LiveEvent { return s.events }

func (s *fakeLiveSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (s *fakeLiveSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeLiveSession) emit(ev repositories.LiveEvent) { s.events <- ev }

type fakeLiveModel struct {
	mu         sync.Mutex
	sess       *fakeLiveSession
	connectErr error
	connects   int
}

func (m *fakeLiveModel) Connect(context.Context) (repositories.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return m.sess, nil
}

func (m *fakeLiveModel) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// fakeSource bridges a test-fed channel into the capture contract.
type fakeSource struct {
	in       chan []byte
	startErr error
}

func newFakeSource() *fakeSource { return &fakeSource{in: make(chan []byte, 8)} }

func (s *fakeSource) Start(ctx context.Context) (<-chan []byte, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-s.in:
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type fakeSink struct {
	mu       sync.Mutex
	queued   [][]byte
	clears   int
	stopped  bool
	released bool
}

func (s *fakeSink) Queue(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, chunk)
}

func (s *fakeSink) Play(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// stateRecorder collects every transition in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []SessionState
	errs   []string
}

func (r *stateRecorder) listen(state SessionState, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, errMsg)
}

func (r *stateRecorder) snapshot() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionState, len(r.states))
	copy(out, r.states)
	return out
}

func newTestSession(t *testing.T) (*VoiceSession, *fakeLiveModel, *fakeLiveSession, *fakeSink, *fakeUsageRepository, *stateRecorder) {
	t.Helper()
	sess := newFakeLiveSession()
	model := &fakeLiveModel{sess: sess}
	sink := &fakeSink{}
	repo := newFakeUsageRepository()
	gate := NewQuotaGate(repo, 5.0, zap.NewNop()).WithClock(fixedClock(2026, time.June))
	rec := &stateRecorder{}

	vs := NewVoiceSession("farmer-1", model, gate, newFakeSource(), sink, zap.NewNop()).
		WithStateListener(rec.listen)
	return vs, model, sess, sink, repo, rec
}

func waitState(t *testing.T, vs *VoiceSession, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if vs.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", vs.State(), want)
}

func TestVoiceSession_TransitionOrder(t *testing.T) {
	vs, _, sess, sink, _, rec := newTestSession(t)

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.emit(repositories.LiveEvent{Type: repositories.LiveEventTurnStarted})
	waitState(t, vs, SessionProcessing)
	sess.emit(repositories.LiveEvent{Type: repositories.LiveEventAudio, Audio: []byte{1, 2}})
	waitState(t, vs, SessionModelSpeaking)
	sess.emit(repositories.LiveEvent{Type: repositories.LiveEventTurnComplete})
	waitState(t, vs, SessionListening)

	vs.End()
	vs.Wait()

	got := rec.snapshot()
	want := []SessionState{
		SessionConnecting, SessionListening, SessionProcessing,
		SessionModelSpeaking, SessionListening, SessionEnded,
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}

	sink.mu.Lock()
	queued := len(sink.queued)
	sink.mu.Unlock()
	if queued != 1 {
		t.Errorf("queued chunks = %d, want 1", queued)
	}
}

func TestVoiceSession_NeverSkipsConnectingAndListening(t *testing.T) {
	vs, _, sess, _, _, rec := newTestSession(t)

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.emit(repositories.LiveEvent{Type: repositories.LiveEventAudio, Audio: []byte{9}})
	waitState(t, vs, SessionModelSpeaking)

	states := rec.snapshot()
	var sawConnecting, sawListening bool
	for _, s := range states {
		switch s {
		case SessionModelSpeaking:
			if !sawConnecting || !sawListening {
				t.Fatalf("reached ModelSpeaking before Connecting+Listening: %v", states)
			}
		case SessionConnecting:
			sawConnecting = true
		case SessionListening:
			sawListening = true
		}
	}

	vs.End()
	vs.Wait()
}

func TestVoiceSession_EndFromAnyState(t *testing.T) {
	t.Run("from idle before any connection", func(t *testing.T) {
		vs, _, _, sink, repo, _ := newTestSession(t)

		vs.End()
		vs.Wait()

		if vs.State() != SessionEnded {
			t.Errorf("state = %v, want Ended", vs.State())
		}
		sink.mu.Lock()
		released := sink.released
		sink.mu.Unlock()
		if !released {
			t.Error("sink not released")
		}
		if repo.setCalls != 0 {
			t.Error("usage recorded for a session that never started")
		}
	})

	t.Run("while connected", func(t *testing.T) {
		vs, _, sess, _, _, _ := newTestSession(t)
		if err := vs.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		vs.End()
		vs.Wait()

		if vs.State() != SessionEnded {
			t.Errorf("state = %v, want Ended", vs.State())
		}
		if !sess.isClosed() {
			t.Error("live session not closed during teardown")
		}
	})

	t.Run("twice is harmless", func(t *testing.T) {
		vs, _, _, _, _, _ := newTestSession(t)
		vs.End()
		vs.End()
		vs.Wait()
		if vs.State() != SessionEnded {
			t.Errorf("state = %v, want Ended", vs.State())
		}
	})
}

func TestVoiceSession_QuotaRefusalStaysIdle(t *testing.T) {
	vs, model, _, _, repo, rec := newTestSession(t)
	repo.records["farmer-1"] = entities.VoiceUsage{
		UserID:         "farmer-1",
		MinutesUsed:    5.0,
		LastResetMonth: 6,
		LastResetYear:  2026,
	}

	err := vs.Start(context.Background())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Start() error = %v, want ErrQuotaExceeded", err)
	}
	if vs.State() != SessionIdle {
		t.Errorf("state = %v, want Idle", vs.State())
	}
	if model.connectCount() != 0 {
		t.Error("connection opened despite quota refusal")
	}
	if len(rec.snapshot()) != 0 {
		t.Errorf("observed transitions %v, want none", rec.snapshot())
	}
}

func TestVoiceSession_StartWhileActiveIsNoOp(t *testing.T) {
	vs, model, _, _, _, _ := newTestSession(t)

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if model.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", model.connectCount())
	}

	vs.End()
	vs.Wait()
}

func TestVoiceSession_ConcurrentStartOpensOneConnection(t *testing.T) {
	vs, model, _, _, repo, _ := newTestSession(t)
	repo.getGate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = vs.Start(context.Background())
		}(i)
	}

	// Give both calls time to reach the guard while the usage lookup is
	// still in flight, then let it complete.
	time.Sleep(20 * time.Millisecond)
	close(repo.getGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Start() call %d error = %v", i, err)
		}
	}
	if model.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", model.connectCount())
	}
	waitState(t, vs, SessionListening)

	vs.End()
	vs.Wait()
}

func TestVoiceSession_StartFromTerminalStateIsNoOp(t *testing.T) {
	t.Run("after end", func(t *testing.T) {
		vs, model, _, _, _, _ := newTestSession(t)
		vs.End()
		vs.Wait()

		if err := vs.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if vs.State() != SessionEnded {
			t.Errorf("state = %v, want Ended", vs.State())
		}
		if model.connectCount() != 0 {
			t.Errorf("connects = %d, want 0", model.connectCount())
		}

		// Reset returns the instance to Idle; only then does Start work.
		vs.Reset()
		if err := vs.Start(context.Background()); err != nil {
			t.Fatalf("Start() after Reset error = %v", err)
		}
		waitState(t, vs, SessionListening)
		vs.End()
		vs.Wait()
	})

	t.Run("after error", func(t *testing.T) {
		vs, model, _, _, _, _ := newTestSession(t)
		model.connectErr = errors.New("service unreachable")
		if err := vs.Start(context.Background()); err == nil {
			t.Fatal("Start() error = nil, want connection failure")
		}

		model.mu.Lock()
		model.connectErr = nil
		model.mu.Unlock()

		if err := vs.Start(context.Background()); err != nil {
			t.Fatalf("Start() from Error state error = %v", err)
		}
		if vs.State() != SessionError {
			t.Errorf("state = %v, want Error", vs.State())
		}
		if model.connectCount() != 1 {
			t.Errorf("connects = %d, want 1", model.connectCount())
		}
	})
}

func TestVoiceSession_ConnectFailure(t *testing.T) {
	vs, model, _, _, _, _ := newTestSession(t)
	model.connectErr = errors.New("service unreachable")

	if err := vs.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want connection failure")
	}
	if vs.State() != SessionError {
		t.Errorf("state = %v, want Error", vs.State())
	}
	if vs.ErrMessage() != "service unreachable" {
		t.Errorf("ErrMessage() = %q", vs.ErrMessage())
	}

	// User dismisses; a fresh session starts from Idle again.
	vs.Reset()
	if vs.State() != SessionIdle {
		t.Errorf("state after Reset = %v, want Idle", vs.State())
	}
}

func TestVoiceSession_StreamErrorSurfacesOnce(t *testing.T) {
	vs, _, sess, _, _, _ := newTestSession(t)

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.emit(repositories.LiveEvent{
		Type: repositories.LiveEventError,
		Err:  errors.New("stream reset"),
	})

	waitState(t, vs, SessionError)
	if vs.ErrMessage() != "stream reset" {
		t.Errorf("ErrMessage() = %q", vs.ErrMessage())
	}
	vs.Wait()
	if !sess.isClosed() {
		t.Error("live session not closed after stream error")
	}
}

func TestVoiceSession_InterruptionClearsPendingAudio(t *testing.T) {
	vs, _, sess, sink, _, _ := newTestSession(t)

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.emit(repositories.LiveEvent{Type: repositories.LiveEventAudio, Audio: []byte{1}})
	waitState(t, vs, SessionModelSpeaking)
	sess.emit(repositories.LiveEvent{Type: repositories.LiveEventInterrupted})
	waitState(t, vs, SessionListening)

	sink.mu.Lock()
	clears := sink.clears
	sink.mu.Unlock()
	if clears != 1 {
		t.Errorf("sink clears = %d, want 1", clears)
	}

	vs.End()
	vs.Wait()
}

func TestVoiceSession_RecordsUsageOnEnd(t *testing.T) {
	vs, _, _, _, repo, _ := newTestSession(t)

	// Clock jumps 90 seconds between start and end.
	times := []time.Time{
		time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2026, time.June, 15, 12, 1, 30, 0, time.UTC),
	}
	i := 0
	vs.WithClock(func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	})

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	vs.End()
	vs.Wait()

	got := repo.records["farmer-1"]
	if got.MinutesUsed != 1.5 {
		t.Errorf("MinutesUsed = %v, want 1.5", got.MinutesUsed)
	}
	if got.SessionsUsed != 1 {
		t.Errorf("SessionsUsed = %v, want 1", got.SessionsUsed)
	}
}

func TestVoiceSession_SubSecondSessionNotRecorded(t *testing.T) {
	vs, _, _, _, repo, _ := newTestSession(t)
	fixed := time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)
	vs.WithClock(func() time.Time { return fixed })

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	vs.End()
	vs.Wait()

	if repo.setCalls != 0 {
		t.Error("zero-duration session should not be recorded")
	}
}

func TestVoiceSession_RemoteCloseEndsSession(t *testing.T) {
	vs, _, sess, _, _, _ := newTestSession(t)

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Close()

	waitState(t, vs, SessionEnded)
	vs.Wait()
}
