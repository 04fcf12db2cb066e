package usecase

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
	"github.com/maswadkar/krishi/server/internal/recommend"
)

const (
	loadingMessageInterval = 3 * time.Second
	noResponseMessage      = "No response"
	maxMessages            = 100
	savePersistTimeout     = 10 * time.Second
)

// ErrConversationNotOwned is returned when a user opens someone else's
// conversation.
var ErrConversationNotOwned = errors.New("conversation belongs to another user")

var loadingMessages = []string{
	"Thinking... 🤔",
	"Consulting the matrix... 🐇",
	"Reticulating splines... ⚙️",
	"Asking the squirrels... 🐿️",
	"Decoding the cosmos... 🌌",
	"Brewing some coffee... ☕",
	"Waking up the hamsters... 🐹",
	"Connecting to the neural net... 🧠",
	"Looking up the answer in a really big book... 📖",
	"Asking the magic 8-ball... 🎱",
}

// ChatService opens chat threads against the language model and persists the
// resulting conversations.
type ChatService struct {
	llm           repositories.LargeLanguageModel
	conversations repositories.ConversationRepository
	logger        *zap.Logger

	loadingInterval time.Duration
}

// NewChatService creates a new chat service.
func NewChatService(
	llm repositories.LargeLanguageModel,
	conversations repositories.ConversationRepository,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		llm:             llm,
		conversations:   conversations,
		logger:          logger,
		loadingInterval: loadingMessageInterval,
	}
}

// OpenThread resumes the conversation with the given ID, or creates a fresh
// one when conversationID is empty. onUpdate receives a snapshot of the full
// message list after every visible change and must not block.
func (s *ChatService) OpenThread(
	ctx context.Context,
	userID string,
	conversationID string,
	onUpdate func(messages []entities.ChatMessage),
) (*ChatThread, error) {
	var conv *entities.Conversation
	if conversationID != "" {
		loaded, err := s.conversations.GetByID(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if loaded.UserID != userID {
			return nil, ErrConversationNotOwned
		}
		conv = loaded
	} else {
		// A pre-generated ID keeps image storage keys stable before the
		// first save.
		conv = entities.NewConversation(uuid.NewString(), userID)
	}

	return &ChatThread{
		svc:      s,
		conv:     conv,
		onUpdate: onUpdate,
	}, nil
}

// ChatThread is one user's live conversation. A new Send while a request is
// in flight cancels the old request; its placeholder is resolved with an
// interruption note rather than left spinning.
type ChatThread struct {
	svc      *ChatService
	onUpdate func(messages []entities.ChatMessage)

	mu       sync.Mutex
	conv     *entities.Conversation
	chat     repositories.ChatSession
	inflight context.CancelFunc

	wg sync.WaitGroup
}

// ConversationID returns the thread's conversation ID, which may still be
// empty before the first successful save.
func (t *ChatThread) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv.ID
}

// Messages returns a snapshot of the current message list, placeholders
// included.
func (t *ChatThread) Messages() []entities.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Send submits a user turn. Blank text with no image is ignored. The reply
// arrives asynchronously through the update callback; Send itself returns
// once the user message and its loading placeholder are visible.
func (t *ChatThread) Send(text string, image []byte, imageMIME string, imageURL string) {
	if text == "" && len(image) == 0 {
		return
	}

	userText := text
	if userText == "" {
		userText = "[Image attached]"
	}

	t.mu.Lock()
	if t.inflight != nil {
		t.inflight()
	}
	t.conv.AddMessage(entities.ChatMessage{
		Text:      userText,
		IsUser:    true,
		ImageURL:  imageURL,
		Timestamp: time.Now(),
	})
	t.conv.Messages = append(t.conv.Messages, entities.ChatMessage{
		Text:      loadingMessages[0],
		IsLoading: true,
		Timestamp: time.Now(),
	})
	if len(t.conv.Messages) > maxMessages {
		t.conv.Messages = t.conv.Messages[len(t.conv.Messages)-maxMessages:]
	}
	placeholder := len(t.conv.Messages) - 1

	reqCtx, cancel := context.WithCancel(context.Background())
	t.inflight = cancel
	t.notifyLocked()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.request(reqCtx, cancel, placeholder, text, image, imageMIME)
}

// Close cancels any in-flight request and waits for it to settle.
func (t *ChatThread) Close() {
	t.mu.Lock()
	if t.inflight != nil {
		t.inflight()
		t.inflight = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *ChatThread) request(ctx context.Context, cancel context.CancelFunc, placeholder int, text string, image []byte, imageMIME string) {
	defer t.wg.Done()
	defer cancel()

	stopSpinner := t.spin(ctx, placeholder)
	defer stopSpinner()

	chat, err := t.session(ctx, placeholder)
	if err != nil {
		t.resolve(placeholder, entities.ChatMessage{Text: "Error: " + err.Error()})
		return
	}

	outbound := repositories.ChatMessage{Role: repositories.UserRole, Content: text}
	if len(image) > 0 {
		outbound.ImageData = image
		outbound.ImageMIME = imageMIME
		if text == "" {
			outbound.Content = "Please describe what you see."
		}
	}

	reply, err := chat.SendMessage(ctx, outbound)
	if err != nil {
		if ctx.Err() != nil {
			t.resolve(placeholder, entities.ChatMessage{Text: "Request interrupted. Please try again."})
			return
		}
		t.svc.logger.Error("Chat request failed", zap.Error(err))
		t.resolve(placeholder, entities.ChatMessage{Text: "Error: " + err.Error()})
		return
	}

	replyText := reply.Content
	if replyText == "" {
		replyText = noResponseMessage
	}

	parsed := recommend.Parse(replyText, t.svc.logger)
	resolved := t.resolve(placeholder, entities.ChatMessage{
		Text:            parsed.DisplayText,
		Recommendations: parsed.Recommendations,
	})
	if resolved {
		t.persist()
	}
}

// session lazily opens the model chat, seeding it from every finalized
// message before the in-flight turn.
func (t *ChatThread) session(ctx context.Context, placeholder int) (repositories.ChatSession, error) {
	t.mu.Lock()
	if t.chat != nil {
		chat := t.chat
		t.mu.Unlock()
		return chat, nil
	}

	var history []repositories.ChatMessage
	for i, msg := range t.conv.Messages {
		if msg.IsLoading || i >= placeholder-1 {
			continue
		}
		role := repositories.AssistantRole
		if msg.IsUser {
			role = repositories.UserRole
		}
		content := msg.Text
		if msg.ImageURL != "" && content == "[Image attached]" {
			content = "[User shared an image]"
		}
		history = append(history, repositories.ChatMessage{Role: role, Content: content})
	}
	t.mu.Unlock()

	chat, err := t.svc.llm.GenerateChat(ctx, history)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.chat == nil {
		t.chat = chat
	}
	chat = t.chat
	t.mu.Unlock()
	return chat, nil
}

// spin rotates the placeholder text until the returned stop function runs.
func (t *ChatThread) spin(ctx context.Context, placeholder int) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.svc.loadingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.mu.Lock()
				if placeholder < len(t.conv.Messages) && t.conv.Messages[placeholder].IsLoading {
					t.conv.Messages[placeholder].Text = loadingMessages[rand.Intn(len(loadingMessages))]
					t.notifyLocked()
				}
				t.mu.Unlock()
			}
		}
	}()
	return stop
}

// resolve replaces the loading placeholder with the final assistant message.
// It refuses when the placeholder has already been resolved, which happens
// when the message list was trimmed past it or an earlier writer won.
func (t *ChatThread) resolve(placeholder int, msg entities.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if placeholder >= len(t.conv.Messages) || !t.conv.Messages[placeholder].IsLoading {
		return false
	}
	msg.IsLoading = false
	msg.IsUser = false
	msg.Timestamp = time.Now()
	t.conv.Messages[placeholder] = msg
	t.conv.UpdatedAt = time.Now()
	t.notifyLocked()
	return true
}

// persist saves the conversation after a successful reply. Failures are
// logged and swallowed; chat keeps working without history.
func (t *ChatThread) persist() {
	t.mu.Lock()
	conv := *t.conv
	conv.Messages = t.snapshotLocked()
	t.mu.Unlock()

	if !conv.HasContent() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), savePersistTimeout)
	defer cancel()

	id, err := t.svc.conversations.Save(ctx, &conv)
	if err != nil {
		t.svc.logger.Error("Failed to save conversation",
			zap.String("user_id", conv.UserID),
			zap.Error(err))
		return
	}

	t.mu.Lock()
	if t.conv.ID == "" {
		t.conv.ID = id
	}
	t.mu.Unlock()
}

func (t *ChatThread) snapshotLocked() []entities.ChatMessage {
	out := make([]entities.ChatMessage, len(t.conv.Messages))
	copy(out, t.conv.Messages)
	return out
}

func (t *ChatThread) notifyLocked() {
	if t.onUpdate != nil {
		t.onUpdate(t.snapshotLocked())
	}
}
