package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
	"github.com/maswadkar/krishi/server/usecase"
)

type fakeUsageRepository struct {
	mu    sync.Mutex
	usage entities.VoiceUsage
}

func (f *fakeUsageRepository) Get(ctx context.Context, userID string) (entities.VoiceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeUsageRepository) Set(ctx context.Context, usage entities.VoiceUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = usage
	return nil
}

type fakeChatSession struct {
	reply string
}

func (f *fakeChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	return repositories.ChatMessage{Role: repositories.AssistantRole, Content: f.reply}, nil
}

func (f *fakeChatSession) History() ([]repositories.ChatMessage, error) {
	return nil, nil
}

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) GenerateChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &fakeChatSession{reply: f.reply}, nil
}

type fakeConversationRepository struct {
	mu     sync.Mutex
	stored map[string]*entities.Conversation
}

func (f *fakeConversationRepository) Save(ctx context.Context, conversation *entities.Conversation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = make(map[string]*entities.Conversation)
	}
	if conversation.ID == "" {
		conversation.ID = fmt.Sprintf("conv-%d", len(f.stored)+1)
	}
	saved := *conversation
	f.stored[conversation.ID] = &saved
	return conversation.ID, nil
}

func (f *fakeConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.stored[id]
	if !ok {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	loaded := *conv
	return &loaded, nil
}

func (f *fakeConversationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Conversation, error) {
	return nil, nil
}

func (f *fakeConversationRepository) Delete(ctx context.Context, id string) error {
	return nil
}

type fakeLiveSession struct {
	mu        sync.Mutex
	sent      [][]byte
	events    chan repositories.LiveEvent
	closeOnce sync.Once
	closed    bool
}

func newFakeLiveSession() *fakeLiveSession {
	return &fakeLiveSession{events: make(chan repositories.LiveEvent, 16)}
}

func (f *fakeLiveSession) SendAudio(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeLiveSession) Events() <-chan repositories.LiveEvent {
	return f.events
}

func (f *fakeLiveSession) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeLiveSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeLiveSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeLiveModel hands out the seeded session first, then a fresh one per
// connect, keeping every session reachable for assertions.
type fakeLiveModel struct {
	mu       sync.Mutex
	next     *fakeLiveSession
	sessions []*fakeLiveSession
}

func (f *fakeLiveModel) Connect(ctx context.Context) (repositories.LiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.next
	f.next = nil
	if s == nil {
		s = newFakeLiveSession()
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeLiveModel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeLiveModel) session(i int) *fakeLiveSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sessions) {
		return nil
	}
	return f.sessions[i]
}

type clientFixture struct {
	hub    *Hub
	client *Client
	live   *fakeLiveSession
	model  *fakeLiveModel
	usage  *fakeUsageRepository
	convs  *fakeConversationRepository
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	logger := zap.NewNop()

	usage := &fakeUsageRepository{}
	convs := &fakeConversationRepository{}
	live := newFakeLiveSession()
	model := &fakeLiveModel{next: live}

	chat := usecase.NewChatService(&fakeLLM{reply: "Use vermicompost."}, convs, logger)
	gate := usecase.NewQuotaGate(usage, 5.0, logger)
	hub := NewHub(chat, gate, model, logger)

	client := &Client{
		hub:    hub,
		send:   make(chan WriteData, 256),
		userID: "user-1",
		logger: logger,
	}
	hub.clients[client.userID] = client

	return &clientFixture{hub: hub, client: client, live: live, model: model, usage: usage, convs: convs}
}

// waitText reads outbound frames until one text frame of the wanted type
// arrives, discarding binary frames along the way.
func (f *clientFixture) waitText(t *testing.T, wantType MessageType) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.client.send:
			if frame.Type != websocket.TextMessage {
				continue
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				t.Fatalf("Failed to unmarshal outbound frame: %v", err)
			}
			if msg["type"] == string(wantType) {
				return msg
			}
		case <-deadline:
			t.Fatalf("Frame of type %s not received within timeout", wantType)
		}
	}
}

// waitBinary reads outbound frames until a binary frame arrives.
func (f *clientFixture) waitBinary(t *testing.T) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.client.send:
			if frame.Type == websocket.BinaryMessage {
				return frame.Payload
			}
		case <-deadline:
			t.Fatal("Binary frame not received within timeout")
		}
	}
}

func TestClient_PingPong(t *testing.T) {
	f := newClientFixture(t)

	f.client.processMessage([]byte(`{"type":"ping","data":"hello"}`))

	pong := f.waitText(t, MessageTypePong)
	if pong["data"] != "hello" {
		t.Errorf("Expected pong data 'hello', got %v", pong["data"])
	}
}

func TestClient_InvalidMessageGetsError(t *testing.T) {
	f := newClientFixture(t)

	f.client.processMessage([]byte(`{invalid json}`))

	errMsg := f.waitText(t, MessageTypeError)
	if errMsg["error_code"] != "invalid_message" {
		t.Errorf("Expected error_code 'invalid_message', got %v", errMsg["error_code"])
	}
}

func TestClient_VoiceSessionOverSocket(t *testing.T) {
	f := newClientFixture(t)

	f.client.processMessage([]byte(`{"type":"session_start"}`))

	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "connecting" {
		t.Fatalf("Expected first state 'connecting', got %v", got)
	}
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "listening" {
		t.Fatalf("Expected state 'listening', got %v", got)
	}

	// Microphone frames flow through to the live session.
	f.client.processBinaryAudioChunk(bytes.Repeat([]byte{1}, 3200))
	waitFor(t, func() bool { return f.live.sentCount() > 0 })

	// Model events become state pushes and playback frames.
	f.live.events <- repositories.LiveEvent{Type: repositories.LiveEventTurnStarted}
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "processing" {
		t.Fatalf("Expected state 'processing', got %v", got)
	}

	speech := []byte{9, 9, 9, 9}
	f.live.events <- repositories.LiveEvent{Type: repositories.LiveEventAudio, Audio: speech}
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "model_speaking" {
		t.Fatalf("Expected state 'model_speaking', got %v", got)
	}
	if got := f.waitBinary(t); !bytes.Equal(got, speech) {
		t.Errorf("Expected playback frame %v, got %v", speech, got)
	}

	f.live.events <- repositories.LiveEvent{Type: repositories.LiveEventTurnComplete}
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "listening" {
		t.Fatalf("Expected state 'listening' after turn, got %v", got)
	}

	f.client.processMessage([]byte(`{"type":"session_end"}`))
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "ended" {
		t.Fatalf("Expected state 'ended', got %v", got)
	}
}

func TestClient_SessionStartWhileActive(t *testing.T) {
	f := newClientFixture(t)

	f.client.processMessage([]byte(`{"type":"session_start"}`))
	f.waitText(t, MessageTypeSessionState) // connecting
	f.waitText(t, MessageTypeSessionState) // listening

	f.client.processMessage([]byte(`{"type":"session_start"}`))
	errMsg := f.waitText(t, MessageTypeError)
	if errMsg["error_code"] != "session_active" {
		t.Errorf("Expected error_code 'session_active', got %v", errMsg["error_code"])
	}

	f.client.processMessage([]byte(`{"type":"session_end"}`))
}

func TestClient_SessionStartReplacesFinishedSession(t *testing.T) {
	f := newClientFixture(t)

	f.client.processMessage([]byte(`{"type":"session_start"}`))
	f.waitText(t, MessageTypeSessionState) // connecting
	f.waitText(t, MessageTypeSessionState) // listening

	// Remote hangup ends the session without a session_end from the device,
	// so the connection still holds the old session and capture device.
	f.live.Close()
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "ended" {
		t.Fatalf("Expected state 'ended' after remote hangup, got %v", got)
	}
	f.client.mutex.Lock()
	oldMic := f.client.mic
	f.client.mutex.Unlock()
	if oldMic == nil {
		t.Fatal("Expected capture device to survive a remote hangup")
	}

	f.client.processMessage([]byte(`{"type":"session_start"}`))
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "connecting" {
		t.Fatalf("Expected state 'connecting' on restart, got %v", got)
	}
	if got := f.waitText(t, MessageTypeSessionState)["state"]; got != "listening" {
		t.Fatalf("Expected state 'listening' on restart, got %v", got)
	}

	if f.model.connectCount() != 2 {
		t.Fatalf("Expected 2 connects, got %d", f.model.connectCount())
	}

	// The replaced capture device is released, and new microphone frames
	// reach only the new session.
	waitFor(t, func() bool { return !oldMic.feed([]byte{0}) })
	f.client.processBinaryAudioChunk(bytes.Repeat([]byte{2}, 3200))
	waitFor(t, func() bool { return f.model.session(1).sentCount() > 0 })
	if f.live.sentCount() != 0 {
		t.Errorf("Expected no frames on the replaced session, got %d", f.live.sentCount())
	}

	f.client.processMessage([]byte(`{"type":"session_end"}`))
	waitFor(t, func() bool { return f.model.session(1).isClosed() })
}

func TestClient_QuotaRefusal(t *testing.T) {
	f := newClientFixture(t)
	now := time.Now()
	f.usage.usage = entities.VoiceUsage{
		UserID:         "user-1",
		MinutesUsed:    5.0,
		SessionsUsed:   3,
		LastResetMonth: int(now.Month()),
		LastResetYear:  now.Year(),
	}

	f.client.processMessage([]byte(`{"type":"session_start"}`))

	refusal := f.waitText(t, MessageTypeQuotaExceeded)
	if refusal["limit_minutes"] != 5.0 {
		t.Errorf("Expected limit_minutes 5.0, got %v", refusal["limit_minutes"])
	}
}

func TestClient_ChatSendPushesUpdates(t *testing.T) {
	f := newClientFixture(t)

	f.client.processMessage([]byte(`{"type":"chat_send","text":"What fertilizer suits tomatoes?"}`))

	// First snapshot: the user message plus the loading placeholder.
	first := f.waitText(t, MessageTypeChatUpdate)
	messages, ok := first["messages"].([]interface{})
	if !ok || len(messages) != 2 {
		t.Fatalf("Expected 2 messages in first update, got %v", first["messages"])
	}

	// The reply replaces the placeholder.
	waitFor(t, func() bool {
		update := f.waitText(t, MessageTypeChatUpdate)
		messages, ok := update["messages"].([]interface{})
		if !ok || len(messages) != 2 {
			return false
		}
		last, ok := messages[1].(map[string]interface{})
		return ok && last["text"] == "Use vermicompost." && last["is_loading"] != true
	})
}

func TestClient_ChatOpenResumesConversation(t *testing.T) {
	f := newClientFixture(t)
	f.convs.stored = map[string]*entities.Conversation{
		"conv-7": {
			ID:     "conv-7",
			UserID: "user-1",
			Title:  "Soil health",
			Messages: []entities.ChatMessage{
				{Text: "How do I test soil pH?", IsUser: true},
				{Text: "Use a pH meter on a soil slurry."},
			},
		},
	}

	f.client.processMessage([]byte(`{"type":"chat_open","conversation_id":"conv-7"}`))

	update := f.waitText(t, MessageTypeChatUpdate)
	messages, ok := update["messages"].([]interface{})
	if !ok || len(messages) != 2 {
		t.Fatalf("Expected 2 messages in resume snapshot, got %v", update["messages"])
	}

	opened := f.waitText(t, MessageTypeChatOpen)
	if opened["conversation_id"] != "conv-7" {
		t.Errorf("Expected conversation_id 'conv-7', got %v", opened["conversation_id"])
	}
}

func TestClient_ChatOpenRejectsForeignConversation(t *testing.T) {
	f := newClientFixture(t)
	f.convs.stored = map[string]*entities.Conversation{
		"conv-9": {ID: "conv-9", UserID: "someone-else"},
	}

	f.client.processMessage([]byte(`{"type":"chat_open","conversation_id":"conv-9"}`))

	opened := f.waitText(t, MessageTypeChatOpen)
	if opened["error"] == nil {
		t.Error("Expected error field for foreign conversation")
	}
}

func TestHub_RegisterReplacesExistingClient(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(nil, nil, nil, logger)
	go hub.Run()

	first := &Client{hub: hub, send: make(chan WriteData, 1), userID: "user-1", logger: logger}
	second := &Client{hub: hub, send: make(chan WriteData, 1), userID: "user-1", logger: logger}

	hub.register <- first
	hub.register <- second

	waitFor(t, func() bool {
		select {
		case _, ok := <-first.send:
			return !ok
		default:
			return false
		}
	})

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client after replacement, got %d", hub.ClientCount())
	}

	// Unregistering the stale client must not evict its replacement.
	hub.unregister <- first
	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("Expected replacement to survive stale unregister, got %d clients", hub.ClientCount())
	}
}

func TestMicDevice_ReadAndClose(t *testing.T) {
	mic := newMicDevice()

	if !mic.feed([]byte{1, 2, 3, 4}) {
		t.Fatal("feed should accept a frame on an open device")
	}

	buf := make([]byte, 2)
	n, err := mic.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("Read() = %d, %v; want 2, nil", n, err)
	}
	if !bytes.Equal(buf, []byte{1, 2}) {
		t.Errorf("Expected first half of frame, got %v", buf)
	}

	n, err = mic.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("Read() = %d, %v; want 2, nil", n, err)
	}
	if !bytes.Equal(buf, []byte{3, 4}) {
		t.Errorf("Expected second half of frame, got %v", buf)
	}

	mic.Close()
	if _, err := mic.Read(buf); err == nil {
		t.Error("Read after Close should fail")
	}
	if mic.feed([]byte{5}) {
		t.Error("feed after Close should report false")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met within timeout")
}
