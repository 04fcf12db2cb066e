package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/adapters/audio"
	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/usecase"
)

// micQueueSize bounds buffered microphone frames between the socket reader
// and the capture loop. The device reads faster than frames arrive in steady
// state; a full queue means the live connection stalled and frames drop.
const micQueueSize = 64

// Client is a middleman between the websocket connection and the hub. It owns
// the user's voice session and chat thread: inbound binary frames are the
// microphone, outbound binary frames are model speech, and JSON text frames
// carry control messages and state pushes.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// User ID for this client
	userID string

	// Logger
	logger *zap.Logger

	validator *MessageValidator

	mutex  sync.Mutex
	voice  *usecase.VoiceSession
	mic    *micDevice
	thread *usecase.ChatThread
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			// Process JSON messages (control messages, metadata)
			c.processMessage(message)
		case websocket.BinaryMessage:
			// Binary frames are raw microphone PCM
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage processes incoming control messages from the device
func (c *Client) processMessage(message []byte) {
	if c.validator == nil {
		c.validator = NewMessageValidator()
	}

	parsed, err := c.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Error("Failed to parse message", zap.Error(err))
		c.pushJSON(CreateErrorMessage("invalid_message", "message rejected", err.Error()))
		return
	}

	switch msg := parsed.(type) {
	case *SessionStartMessage:
		c.handleSessionStart()
	case *SessionEndMessage:
		c.handleSessionEnd()
	case *SessionResetMessage:
		c.handleSessionReset()
	case *ChatOpenMessage:
		c.handleChatOpen(msg)
	case *ChatSendMessage:
		c.handleChatSend(msg)
	case *PingMessage:
		c.pushJSON(CreatePongMessage(msg.Data))
	default:
		c.logger.Warn("Unhandled message", zap.Any("message", parsed))
	}
}

// processBinaryAudioChunk feeds microphone PCM into the active capture device
func (c *Client) processBinaryAudioChunk(data []byte) {
	c.mutex.Lock()
	mic := c.mic
	c.mutex.Unlock()

	if mic == nil {
		c.logger.Warn("Received binary audio chunk but no active session found",
			zap.String("user_id", c.userID))
		return
	}

	if !mic.feed(data) {
		c.logger.Warn("Dropped microphone frame, capture backlogged",
			zap.String("user_id", c.userID),
			zap.Int("size", len(data)))
	}
}

// handleSessionStart builds a fresh voice session over this connection's audio
// bridge and starts it. Connecting happens off the read pump; the outcome
// arrives as session_state pushes, or a quota_exceeded refusal.
func (c *Client) handleSessionStart() {
	c.mutex.Lock()
	if c.voice != nil {
		switch c.voice.State() {
		case usecase.SessionConnecting, usecase.SessionListening,
			usecase.SessionProcessing, usecase.SessionModelSpeaking:
			c.mutex.Unlock()
			c.pushJSON(CreateErrorMessage("session_active", "a voice session is already running", ""))
			return
		}
	}

	mic := newMicDevice()
	recorder := audio.NewRecorder(mic, c.logger)
	player := audio.NewPlayer(&speakerDevice{client: c}, c.logger)

	voice := usecase.NewVoiceSession(c.userID, c.hub.live, c.hub.gate, recorder, player, c.logger).
		WithStateListener(func(state usecase.SessionState, errMsg string) {
			c.pushJSON(CreateStateMessage(state.String(), errMsg))
		})

	oldVoice := c.voice
	oldMic := c.mic
	c.voice = voice
	c.mic = mic
	c.mutex.Unlock()

	// The replaced session is torn down whatever state it stopped in, so a
	// restart never leaks the previous connection or capture device.
	if oldVoice != nil {
		oldVoice.End()
	}
	if oldMic != nil {
		oldMic.Close()
	}

	go func() {
		if err := voice.Start(context.Background()); err != nil {
			if errors.Is(err, usecase.ErrQuotaExceeded) {
				c.pushJSON(CreateQuotaExceededMessage(c.hub.gate.Limit()))
			}
			// Other failures already reached the device via the state listener.
		}
	}()
}

// handleSessionEnd terminates the active voice session
func (c *Client) handleSessionEnd() {
	c.mutex.Lock()
	voice := c.voice
	mic := c.mic
	c.mic = nil
	c.mutex.Unlock()

	if voice == nil {
		return
	}
	voice.End()
	if mic != nil {
		mic.Close()
	}
}

// handleSessionReset returns a finished or failed session to idle
func (c *Client) handleSessionReset() {
	c.mutex.Lock()
	voice := c.voice
	c.mutex.Unlock()

	if voice != nil {
		voice.Reset()
	}
}

// handleChatOpen opens (or resumes) a chat thread for this connection
func (c *Client) handleChatOpen(msg *ChatOpenMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	response := map[string]interface{}{
		"type":            MessageTypeChatOpen,
		"conversation_id": msg.ConversationID,
		"timestamp":       time.Now().Format(time.RFC3339),
	}
	defer func() {
		c.pushJSON(response)
	}()

	thread, err := c.openThread(ctx, msg.ConversationID)
	if err != nil {
		c.logger.Error("Failed to open chat thread",
			zap.String("user_id", c.userID),
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
		response["error"] = "failed to open conversation"
		return
	}
	response["conversation_id"] = thread.ConversationID()

	c.pushJSON(CreateChatUpdateMessage(thread.ConversationID(), thread.Messages()))
}

// handleChatSend submits a user turn, lazily opening a fresh thread when none
// is open yet. Replies arrive as chat_update pushes.
func (c *Client) handleChatSend(msg *ChatSendMessage) {
	c.mutex.Lock()
	thread := c.thread
	c.mutex.Unlock()

	if thread == nil {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()

		var err error
		thread, err = c.openThread(ctx, "")
		if err != nil {
			c.logger.Error("Failed to open chat thread", zap.Error(err))
			c.pushJSON(CreateErrorMessage("chat_unavailable", "failed to open conversation", ""))
			return
		}
	}

	var image []byte
	if msg.ImageData != "" {
		decoded, err := base64.StdEncoding.DecodeString(msg.ImageData)
		if err != nil {
			c.pushJSON(CreateErrorMessage("invalid_image", "image_data must be valid base64", ""))
			return
		}
		image = decoded
	}

	thread.Send(msg.Text, image, msg.ImageMIME, msg.ImageURL)
}

// openThread replaces the current thread with one for the given conversation.
// The update callback must not call back into the thread; it only pushes the
// snapshot it was handed.
func (c *Client) openThread(ctx context.Context, conversationID string) (*usecase.ChatThread, error) {
	c.mutex.Lock()
	old := c.thread
	c.thread = nil
	c.mutex.Unlock()

	if old != nil {
		old.Close()
	}

	thread, err := c.hub.chat.OpenThread(ctx, c.userID, conversationID,
		func(messages []entities.ChatMessage) {
			c.pushJSON(CreateChatUpdateMessage(conversationID, messages))
		})
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	c.thread = thread
	c.mutex.Unlock()
	return thread, nil
}

// shutdown tears down the voice session and chat thread after disconnect
func (c *Client) shutdown() {
	c.mutex.Lock()
	voice := c.voice
	mic := c.mic
	thread := c.thread
	c.voice = nil
	c.mic = nil
	c.thread = nil
	c.mutex.Unlock()

	if voice != nil {
		voice.End()
	}
	if mic != nil {
		mic.Close()
	}
	if thread != nil {
		thread.Close()
	}
}

// pushJSON marshals and queues one outbound text frame without ever blocking
// the caller.
func (c *Client) pushJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal outbound message", zap.Error(err))
		return
	}
	if !c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload}) {
		c.logger.Warn("Dropped outbound message",
			zap.String("user_id", c.userID))
	}
}

// enqueue hands a frame to the write pump. The hub lock orders it against
// channel close on unregister; frames for a replaced or full client drop.
func (c *Client) enqueue(data WriteData) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	if c.hub.clients[c.userID] != c {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// micDevice adapts inbound binary frames into the capture device contract.
// One recorder reads it at a time; frames queue between the socket reader and
// the capture loop.
type micDevice struct {
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	pending []byte
}

func newMicDevice() *micDevice {
	return &micDevice{
		frames: make(chan []byte, micQueueSize),
		done:   make(chan struct{}),
	}
}

func (d *micDevice) Open(sampleRate int) error {
	return nil
}

// Read blocks until a frame arrives, then hands it out in buf-sized pieces.
func (d *micDevice) Read(buf []byte) (int, error) {
	if len(d.pending) == 0 {
		select {
		case frame := <-d.frames:
			d.pending = frame
		case <-d.done:
			return 0, io.EOF
		}
	}
	n := copy(buf, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *micDevice) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// feed queues one inbound frame. Returns false once closed or backlogged.
func (d *micDevice) feed(frame []byte) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.frames <- frame:
		return true
	default:
		return false
	}
}

// speakerDevice adapts the playback device contract onto outbound binary
// frames. A full send buffer surfaces as a write error, which the player logs
// and drops.
type speakerDevice struct {
	client *Client
}

func (d *speakerDevice) Open(sampleRate int) error {
	return nil
}

func (d *speakerDevice) Write(chunk []byte) (int, error) {
	if !d.client.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: chunk}) {
		return 0, errors.New("client send buffer unavailable")
	}
	return len(chunk), nil
}

func (d *speakerDevice) Close() error {
	return nil
}
