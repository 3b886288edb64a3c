// ABOUTME: Service that turns one incoming chat message into delivered model replies.
// ABOUTME: Orchestrates context lookup, generation, segmentation, delivery and bookkeeping.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ollama-relay/internal/conversation"
	"github.com/2389/ollama-relay/internal/ollama"
	"github.com/2389/ollama-relay/internal/segment"
	"github.com/2389/ollama-relay/internal/store"
)

// EmptyResponseText is delivered when the model produced no text.
const EmptyResponseText = "(No response)"

// ErrEmptyMessage is returned for a message with no content.
var ErrEmptyMessage = errors.New("message content is empty")

// Messenger delivers text to the chat platform.
type Messenger interface {
	// SendReply posts text as a reply to inReplyTo and returns the new message ID.
	SendReply(ctx context.Context, channelID, text, inReplyTo string) (string, error)
	SetTyping(ctx context.Context, channelID string, typing bool) error
}

// ContextStore is the conversation state the service reads and commits.
type ContextStore interface {
	ResolveContext(channelID, replyTo string) (conversation.Token, error)
	CreateThread(channelID string) bool
	RecordExchange(channelID string, messageIDs []string, token conversation.Token)
	Reset(channelID string) int
}

// ModelClient talks to the Ollama backends.
type ModelClient interface {
	Show(ctx context.Context, model string) (*ollama.ModelInfo, error)
	Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResult, error)
}

// ExchangeRecorder stores accounting rows for finished exchanges.
type ExchangeRecorder interface {
	SaveExchange(ctx context.Context, ex *store.Exchange) error
}

// Config holds the per-exchange settings.
type Config struct {
	Model                 string
	SystemMessage         string
	UseSystemMessage      bool
	UseModelSystemMessage bool
	MaxMessageLength      int
	TypingInterval        time.Duration // <= 0 sets typing once without refreshing
}

// Request is one incoming chat message.
type Request struct {
	ChannelID string
	MessageID string
	Sender    string
	Content   string
	ReplyTo   string // empty when the message is not a reply
}

// Service relays chat messages to Ollama.
type Service struct {
	cfg       Config
	contexts  ContextStore
	model     ModelClient
	messenger Messenger
	ledger    ExchangeRecorder
	logger    *slog.Logger

	locks sync.Map // channelID -> chan struct{}
	now   func() time.Time
}

// New creates a Service. ledger may be nil.
func New(cfg Config, contexts ContextStore, model ModelClient, messenger Messenger, ledger ExchangeRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageLength < 1 {
		cfg.MaxMessageLength = 1
	}
	return &Service{
		cfg:       cfg,
		contexts:  contexts,
		model:     model,
		messenger: messenger,
		ledger:    ledger,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// HandleMessage runs one exchange and returns the IDs of the delivered reply
// messages. Conversation state is committed only when every step succeeds.
// conversation.ErrUnknownReplyTarget is returned unwrapped for replies to
// messages the relay did not send.
func (s *Service) HandleMessage(ctx context.Context, req Request) ([]string, error) {
	if req.Content == "" {
		return nil, ErrEmptyMessage
	}

	unlock, err := s.lockChannel(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	token, err := s.contexts.ResolveContext(req.ChannelID, req.ReplyTo)
	if err != nil {
		return nil, err
	}
	if s.contexts.CreateThread(req.ChannelID) {
		s.logger.Info("started conversation", "channel_id", req.ChannelID)
	}

	exchangeID := uuid.New().String()
	logger := s.logger.With("exchange_id", exchangeID, "channel_id", req.ChannelID)
	started := s.now()

	stopTyping := s.startTyping(ctx, req.ChannelID)
	defer stopTyping()

	info, err := s.model.Show(ctx, s.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("fetching model info: %w", err)
	}

	result, err := s.model.Generate(ctx, ollama.GenerateRequest{
		Model:   s.cfg.Model,
		Prompt:  req.Content,
		System:  ollama.ComposeSystem(info.System, s.cfg.SystemMessage, s.cfg.UseModelSystemMessage, s.cfg.UseSystemMessage),
		Context: []byte(token),
	})
	if err != nil {
		return nil, fmt.Errorf("generating response: %w", err)
	}

	segments := segment.Split(result.Text, s.cfg.MaxMessageLength)
	if len(segments) == 0 {
		segments = []string{EmptyResponseText}
	}

	ids := make([]string, 0, len(segments))
	for i, text := range segments {
		id, err := s.messenger.SendReply(ctx, req.ChannelID, text, req.MessageID)
		if err != nil {
			return ids, fmt.Errorf("delivering segment %d of %d: %w", i+1, len(segments), err)
		}
		ids = append(ids, id)
	}

	s.contexts.RecordExchange(req.ChannelID, ids, conversation.Token(result.Context))

	elapsed := s.now().Sub(started)
	logger.Info("exchange complete",
		"endpoint", result.Endpoint,
		"segments", len(ids),
		"continued", len(token) > 0,
		"eval_count", result.EvalCount,
		"duration", elapsed,
	)

	s.saveExchange(ctx, logger, &store.Exchange{
		ID:              exchangeID,
		ChannelID:       req.ChannelID,
		Sender:          req.Sender,
		Model:           s.cfg.Model,
		Endpoint:        result.Endpoint,
		PromptEvalCount: result.PromptEvalCount,
		EvalCount:       result.EvalCount,
		Segments:        len(ids),
		Duration:        elapsed,
		Continued:       len(token) > 0,
		CreatedAt:       started,
	})

	return ids, nil
}

// ResetConversation forgets the channel's conversation and returns how many
// exchanges it held.
func (s *Service) ResetConversation(channelID string) int {
	n := s.contexts.Reset(channelID)
	s.logger.Info("conversation reset", "channel_id", channelID, "turns", n)
	return n
}

func (s *Service) saveExchange(ctx context.Context, logger *slog.Logger, ex *store.Exchange) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.SaveExchange(context.WithoutCancel(ctx), ex); err != nil {
		logger.Warn("failed to save exchange", "error", err)
	}
}

// lockChannel waits for exclusive use of a channel or for ctx to end.
func (s *Service) lockChannel(ctx context.Context, channelID string) (func(), error) {
	v, _ := s.locks.LoadOrStore(channelID, make(chan struct{}, 1))
	sem := v.(chan struct{})

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
