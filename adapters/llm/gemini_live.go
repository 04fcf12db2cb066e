package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/maswadkar/krishi/server/domain/repositories"
)

const (
	liveInputMIME  = "audio/pcm;rate=16000"
	liveEventQueue = 64
)

// GeminiLive implements LiveConversationModel over the Gemini Live API.
type GeminiLive struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

// NewGeminiLive creates the live conversation factory. It shares the client
// of an existing GeminiLLM so both surfaces use one connection pool.
func NewGeminiLive(chat *GeminiLLM, logger *zap.Logger) *GeminiLive {
	return &GeminiLive{
		client: chat.client,
		config: chat.config,
		logger: logger,
	}
}

// Connect opens one bidirectional audio session.
func (g *GeminiLive) Connect(ctx context.Context) (repositories.LiveSession, error) {
	model := g.config.LiveModel
	if model == "" {
		model = defaultLiveModel
	}

	session, err := g.client.Live.Connect(ctx, model, &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction:  genai.NewContentFromText(systemPrompt, genai.RoleUser),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect live session: %w", err)
	}

	ls := &geminiLiveSession{
		session: session,
		logger:  g.logger,
		events:  make(chan repositories.LiveEvent, liveEventQueue),
		done:    make(chan struct{}),
	}
	go ls.receive()

	g.logger.Info("Live session connected", zap.String("model", model))
	return ls, nil
}

// geminiLiveSession adapts one *genai.Session to the LiveSession port.
type geminiLiveSession struct {
	session *genai.Session
	logger  *zap.Logger
	events  chan repositories.LiveEvent
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *geminiLiveSession) SendAudio(_ context.Context, chunk []byte) error {
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     chunk,
			MIMEType: liveInputMIME,
		},
	})
}

func (s *geminiLiveSession) Events() <-chan repositories.LiveEvent {
	return s.events
}

func (s *geminiLiveSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// emit delivers one event unless the session was closed and nobody reads
// anymore.
func (s *geminiLiveSession) emit(ev repositories.LiveEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// receive pumps server messages into the event channel until the connection
// dies. Gemini has no explicit turn-started signal, so the first model
// content after a completed turn is reported as one.
func (s *geminiLiveSession) receive() {
	defer close(s.events)

	inTurn := false
	for {
		message, err := s.session.Receive()
		if err != nil {
			// A receive error after Close is the normal shutdown path.
			select {
			case <-s.done:
			default:
				s.emit(repositories.LiveEvent{Type: repositories.LiveEventError, Err: err})
			}
			return
		}

		content := message.ServerContent
		if content == nil {
			continue
		}

		if content.Interrupted {
			inTurn = false
			if !s.emit(repositories.LiveEvent{Type: repositories.LiveEventInterrupted}) {
				return
			}
			continue
		}

		if content.ModelTurn != nil {
			if !inTurn {
				inTurn = true
				if !s.emit(repositories.LiveEvent{Type: repositories.LiveEventTurnStarted}) {
					return
				}
			}
			for _, part := range content.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					ok := s.emit(repositories.LiveEvent{
						Type:  repositories.LiveEventAudio,
						Audio: part.InlineData.Data,
					})
					if !ok {
						return
					}
				}
			}
		}

		if content.TurnComplete {
			inTurn = false
			if !s.emit(repositories.LiveEvent{Type: repositories.LiveEventTurnComplete}) {
				return
			}
		}
	}
}
