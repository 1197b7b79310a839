// Package messaging loads, sends and reconciles conversation messages.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

// DisplayMessage is a message joined with its sender's profile
type DisplayMessage struct {
	*models.Message
	Sender *models.Profile `json:"sender"`
	// Pending marks an optimistic placeholder not yet confirmed by the store
	Pending bool `json:"pending,omitempty"`
}

// Service is the stateless messaging core shared by every channel session
type Service struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the service clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a messaging service on st
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		logger: log.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conversation returns the conversation if userID participates in it
func (s *Service) Conversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	const op = "open conversation"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(op, "conversation not found", err)
		}
		return nil, apperr.Transient(op, err)
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.Authorization(op, "not a participant of this conversation")
	}
	return conv, nil
}

// LoadHistory returns the conversation's messages oldest first, each with its
// sender profile resolved through a single batch lookup.
func (s *Service) LoadHistory(ctx context.Context, conversationID string) ([]*DisplayMessage, error) {
	const op = "load history"

	msgs, err := s.store.ListMessages(ctx, []string{conversationID})
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	senders := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	profiles, err := s.store.GetProfiles(ctx, senders)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	store.SortMessages(msgs)
	out := make([]*DisplayMessage, 0, len(msgs))
	for _, m := range msgs {
		sender, ok := profiles[m.SenderID]
		if !ok {
			sender = models.UnknownProfile(m.SenderID)
		}
		out = append(out, &DisplayMessage{Message: m, Sender: sender})
	}
	return out, nil
}

// MarkRead marks every unread message addressed to userID in the conversation as read.
// Calling it again is a no-op.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	n, err := s.store.MarkMessagesRead(ctx, conversationID, userID, s.now().UTC())
	if err != nil {
		return 0, apperr.Transient("mark read", err)
	}
	return n, nil
}

// Post stores a message from sender. clientRef correlates it with an optimistic placeholder.
func (s *Service) Post(ctx context.Context, conversationID, senderID, content string, clientRef *string) (*models.Message, error) {
	const op = "send message"

	content = strings.TrimSpace(content)
	if err := checkContent(op, content); err != nil {
		return nil, err
	}
	if _, err := s.Conversation(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	m := &models.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now().UTC(),
		ClientRef:      clientRef,
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, apperr.Transient(op, err)
	}
	s.logger.Debug().Str("message_id", m.ID).Str("conversation_id", conversationID).Msg("[MESSAGE] stored")
	return m, nil
}

func checkContent(op, content string) error {
	if content == "" {
		return apperr.Validation(op, "message cannot be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxMessageLength {
		return apperr.Validation(op, "Message cannot be longer than 4000 characters")
	}
	return nil
}

// profile resolves one sender, falling back to the placeholder profile
func (s *Service) profile(ctx context.Context, userID string) *models.Profile {
	profiles, err := s.store.GetProfiles(ctx, []string{userID})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("[MESSAGE] failed to resolve sender profile")
		return models.UnknownProfile(userID)
	}
	if p, ok := profiles[userID]; ok {
		return p
	}
	return models.UnknownProfile(userID)
}
