package convstore

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/internal/database"
	"github.com/relaymesh/gateway/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ConversationRecord{}, &MessageRecord{}))

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)

	return New(pool, zap.NewNop())
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "user-1", "first chat")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	conv, err := s.GetConversation(ctx, id, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "first chat", conv.Title)
	assert.Equal(t, 0, conv.MessageCount)
	assert.Empty(t, conv.Messages)
}

func TestStore_GetConversation_OwnerMismatchIsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, id, "user-2")
	require.Error(t, err)
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrNotFound, apiErr.Code)
}

func TestStore_AppendMessage_OrdersBySequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, id, "user-1", RoleUser, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, 1, m1.Sequence)

	m2, err := s.AppendMessage(ctx, id, "user-1", RoleAssistant, "hi there", "")
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Sequence)

	conv, err := s.GetConversation(ctx, id, "user-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "hi there", conv.Messages[1].Content)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestStore_AppendMessage_UnknownConversationIsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, "does-not-exist", "user-1", RoleUser, "hi", "")
	require.Error(t, err)
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrNotFound, apiErr.Code)
}

func TestStore_ListConversations_HonoursLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.CreateConversation(ctx, "user-1", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page, _, err := s.ListConversations(ctx, "user-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	all, _, err := s.ListConversations(ctx, "user-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_DeleteConversation_CascadesAndIsIdempotentlyNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, "user-1", RoleUser, "hi", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, id, "user-1"))

	_, err = s.GetConversation(ctx, id, "user-1")
	require.Error(t, err)

	var remaining int64
	require.NoError(t, s.pool.DB().Model(&MessageRecord{}).Where("conversation_id = ?", id).Count(&remaining).Error)
	assert.Equal(t, int64(0), remaining)

	err = s.DeleteConversation(ctx, id, "user-1")
	require.Error(t, err)
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrNotFound, apiErr.Code)
}
