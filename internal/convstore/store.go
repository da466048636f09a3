// Package convstore is the Conversation Store Facade: GORM-backed
// persistence for conversations and their messages, scoped by owner
// subject and guarded by optimistic concurrency on message ordering.
package convstore

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/internal/database"
	"github.com/relaymesh/gateway/types"
)

// maxSequenceConflictRetries bounds how many times AppendMessage retries
// the optimistic message_count check before failing with conflict.
const maxSequenceConflictRetries = 3

// Store is the Conversation Store Facade. Every read and write is scoped
// to the caller-supplied owner subject; a mismatch always surfaces as
// not_found, never forbidden, so a caller cannot use response shape to
// enumerate other tenants' conversation IDs.
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// New builds a Store over an already-initialised connection pool.
func New(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.With(zap.String("component", "convstore"))}
}

// CreateConversation inserts a new conversation owned by owner and returns
// its generated ID.
func (s *Store) CreateConversation(ctx context.Context, owner, title string) (string, error) {
	if owner == "" {
		return "", types.NewError(types.ErrInvalidRequest, "owner subject is required").WithHTTPStatus(http.StatusBadRequest)
	}

	now := time.Now().UTC()
	record := ConversationRecord{
		ID:           uuid.NewString(),
		OwnerSubject: owner,
		Title:        title,
		MessageCount: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.pool.WithTransactionRetry(ctx, maxSequenceConflictRetries, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to create conversation").WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
	}
	return record.ID, nil
}

// AppendMessage appends one message to a conversation, enforcing
// ownership and the optimistic message_count sequence check. Concurrent
// writers from the same owner race on message_count; a losing writer
// retries up to maxSequenceConflictRetries before failing with conflict.
func (s *Store) AppendMessage(ctx context.Context, conversationID, owner string, role Role, content, directivePayload string) (Message, error) {
	var appended MessageRecord

	for attempt := 0; attempt <= maxSequenceConflictRetries; attempt++ {
		var conflict bool

		err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
			var conv ConversationRecord
			if err := tx.WithContext(ctx).
				Where("id = ? AND owner_subject = ?", conversationID, owner).
				First(&conv).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return types.NewError(types.ErrNotFound, "conversation not found").WithHTTPStatus(http.StatusNotFound)
				}
				return err
			}

			nextSeq := conv.MessageCount + 1
			now := time.Now().UTC()

			res := tx.WithContext(ctx).Model(&ConversationRecord{}).
				Where("id = ? AND owner_subject = ? AND message_count = ?", conversationID, owner, conv.MessageCount).
				Updates(map[string]interface{}{"message_count": nextSeq, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				conflict = true
				return nil
			}

			appended = MessageRecord{
				ID:               uuid.NewString(),
				ConversationID:   conversationID,
				Sequence:         nextSeq,
				Role:             role,
				Content:          content,
				DirectivePayload: directivePayload,
				CreatedAt:        now,
			}
			return tx.WithContext(ctx).Create(&appended).Error
		})

		if err != nil {
			if apiErr, ok := types.AsError(err); ok {
				return Message{}, apiErr
			}
			return Message{}, types.NewError(types.ErrInternalError, "failed to append message").WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
		}
		if !conflict {
			return toMessage(appended), nil
		}

		s.logger.Warn("optimistic append conflict, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt+1),
		)
	}

	return Message{}, types.NewError(types.ErrConflict, "message ordering conflict after retries").WithHTTPStatus(http.StatusConflict)
}

// ConversationOwner verifies that conversationID exists and belongs to
// owner without loading its messages. A mismatch and a nonexistent ID
// both surface as not_found.
func (s *Store) ConversationOwner(ctx context.Context, conversationID, owner string) error {
	var conv ConversationRecord
	err := s.pool.DB().WithContext(ctx).
		Select("id").
		Where("id = ? AND owner_subject = ?", conversationID, owner).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewError(types.ErrNotFound, "conversation not found").WithHTTPStatus(http.StatusNotFound)
		}
		return types.NewError(types.ErrInternalError, "failed to verify conversation ownership").WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
	}
	return nil
}

// GetConversation returns a conversation and its ordered messages, scoped
// to owner.
func (s *Store) GetConversation(ctx context.Context, conversationID, owner string) (Conversation, error) {
	var conv ConversationRecord
	var msgs []MessageRecord

	err := s.pool.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND owner_subject = ?", conversationID, owner).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound, "conversation not found").WithHTTPStatus(http.StatusNotFound)
			}
			return err
		}
		return tx.Where("conversation_id = ?", conversationID).Order("sequence asc").Find(&msgs).Error
	})
	if err != nil {
		if apiErr, ok := types.AsError(err); ok {
			return Conversation{}, apiErr
		}
		return Conversation{}, types.NewError(types.ErrInternalError, "failed to load conversation").WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
	}

	out := Conversation{
		ID:           conv.ID,
		OwnerSubject: conv.OwnerSubject,
		Title:        conv.Title,
		MessageCount: conv.MessageCount,
		CreatedAt:    conv.CreatedAt,
		Messages:     make([]Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessage(m))
	}
	return out, nil
}

// ListConversations returns a page of an owner's conversations ordered
// newest-first, using the conversation ID as an opaque cursor: results
// strictly older (by created_at, then id) than cursor are returned.
func (s *Store) ListConversations(ctx context.Context, owner, cursor string, limit int) ([]ConversationSummary, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	q := s.pool.DB().WithContext(ctx).
		Model(&ConversationRecord{}).
		Where("owner_subject = ?", owner).
		Order("created_at desc, id desc").
		Limit(limit + 1)

	if cursor != "" {
		var cursorConv ConversationRecord
		if err := s.pool.DB().WithContext(ctx).
			Where("id = ? AND owner_subject = ?", cursor, owner).
			First(&cursorConv).Error; err == nil {
			q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursorConv.CreatedAt, cursorConv.CreatedAt, cursorConv.ID)
		}
	}

	var rows []ConversationRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", types.NewError(types.ErrInternalError, "failed to list conversations").WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
	}

	nextCursor := ""
	if len(rows) > limit {
		nextCursor = rows[limit-1].ID
		rows = rows[:limit]
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, ConversationSummary{
			ID:           r.ID,
			Title:        r.Title,
			MessageCount: r.MessageCount,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nextCursor, nil
}

// DeleteConversation removes a conversation and cascades to its messages.
// Applying it twice yields not_found the second time, never a server
// error.
func (s *Store) DeleteConversation(ctx context.Context, conversationID, owner string) error {
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Where("id = ? AND owner_subject = ?", conversationID, owner).Delete(&ConversationRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrNotFound, "conversation not found").WithHTTPStatus(http.StatusNotFound)
		}
		return tx.WithContext(ctx).Where("conversation_id = ?", conversationID).Delete(&MessageRecord{}).Error
	})
	if err != nil {
		if apiErr, ok := types.AsError(err); ok {
			return apiErr
		}
		return types.NewError(types.ErrInternalError, "failed to delete conversation").WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
	}
	return nil
}

func toMessage(m MessageRecord) Message {
	return Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Sequence:         m.Sequence,
		Role:             m.Role,
		Content:          m.Content,
		DirectivePayload: m.DirectivePayload,
		CreatedAt:        m.CreatedAt,
	}
}
