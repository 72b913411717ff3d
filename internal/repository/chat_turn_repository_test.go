package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chat-relay-go/internal/config"
	"chat-relay-go/internal/model"
	"chat-relay-go/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func addTurn(t *testing.T, repo ChatTurnRepository, userID uint, convID, role, content string, offset time.Duration) *model.ChatTurn {
	t.Helper()
	turn := &model.ChatTurn{
		UserID:         userID,
		ConversationID: convID,
		ModelType:      model.ModelGeneral,
		Role:           role,
		Content:        content,
		IsStream:       true,
		CreatedAt:      baseTime.Add(offset),
	}
	require.NoError(t, repo.Create(context.Background(), turn))
	return turn
}

func TestChatTurnRepository_FindRecentExcludesCurrentTurn(t *testing.T) {
	repo := NewChatTurnRepository(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		addTurn(t, repo, 1, "conv-a", role, fmt.Sprintf("m%d", i), time.Duration(i)*time.Second)
	}
	current := addTurn(t, repo, 1, "conv-a", model.RoleUser, "question", time.Minute)

	turns, err := repo.FindRecent(ctx, 1, "conv-a", current.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	assert.Equal(t, "m49", turns[0].Content)
	assert.Equal(t, "m40", turns[9].Content)
	for _, turn := range turns {
		assert.NotEqual(t, current.ID, turn.ID)
	}
}

func TestChatTurnRepository_ScopedByOwner(t *testing.T) {
	repo := NewChatTurnRepository(newTestDB(t))
	ctx := context.Background()

	addTurn(t, repo, 1, "shared", model.RoleUser, "mine", 0)
	addTurn(t, repo, 2, "shared", model.RoleUser, "theirs", time.Second)

	turns, err := repo.FindByConversation(ctx, 1, "shared")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "mine", turns[0].Content)

	deleted, err := repo.DeleteConversation(ctx, 1, "shared")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	turns, err = repo.FindByConversation(ctx, 2, "shared")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestChatTurnRepository_ListHeads(t *testing.T) {
	repo := NewChatTurnRepository(newTestDB(t))
	ctx := context.Background()

	addTurn(t, repo, 1, "c1", model.RoleAssistant, "greeting", 0)
	addTurn(t, repo, 1, "c1", model.RoleUser, "first question", time.Second)
	last := addTurn(t, repo, 1, "c1", model.RoleAssistant, "answer", 2*time.Second)
	addTurn(t, repo, 1, "c2", model.RoleAssistant, "only assistant", 3*time.Second)

	heads, err := repo.ListHeads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, heads, 2)

	byID := map[string]model.ConversationHead{}
	for _, h := range heads {
		byID[h.ConversationID] = h
	}
	require.NotNil(t, byID["c1"].FirstUserTurn)
	assert.Equal(t, "first question", byID["c1"].FirstUserTurn.Content)
	assert.Equal(t, "greeting", byID["c1"].FirstTurn.Content)
	assert.Equal(t, last.ID, byID["c1"].LastTurn.ID)
	assert.Nil(t, byID["c2"].FirstUserTurn)
	assert.Equal(t, "only assistant", byID["c2"].FirstTurn.Content)

	empty, err := repo.ListHeads(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChatTurnRepository_DeleteByModel(t *testing.T) {
	repo := NewChatTurnRepository(newTestDB(t))
	ctx := context.Background()

	addTurn(t, repo, 1, "c1", model.RoleUser, "general", 0)
	code := &model.ChatTurn{UserID: 1, ConversationID: "c2", ModelType: model.ModelCode, Role: model.RoleUser, Content: "code", IsStream: true}
	require.NoError(t, repo.Create(ctx, code))
	require.NoError(t, repo.Create(ctx, &model.ChatTurn{UserID: 1, ConversationID: "c2", ModelType: model.ModelCode, Role: model.RoleAssistant, Content: "answer", IsStream: true}))
	require.NoError(t, repo.Create(ctx, &model.ChatTurn{UserID: 2, ConversationID: "c3", ModelType: model.ModelCode, Role: model.RoleUser, Content: "other", IsStream: true}))

	ids, err := repo.ConversationsWithModel(ctx, 1, model.ModelCode)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, ids)

	deleted, err := repo.DeleteByModel(ctx, 1, model.ModelCode)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	turns, err := repo.FindByConversation(ctx, 1, "c1")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestUserRepository_FindByUsername(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.User{Username: "alice", Password: "hash"}))

	user, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "USER", user.Role)

	_, err = repo.FindByUsername(ctx, "bob")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
