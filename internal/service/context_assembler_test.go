package service

import (
	"context"
	"fmt"
	"testing"

	"chat-relay-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleContext_BoundsHistory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	convID := "0b9c2f9e-6f1d-4c55-9a3e-2f7b7a1d0c11"

	for i := 0; i < 50; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		require.NoError(t, repo.Create(ctx, &model.ChatTurn{UserID: 1, ConversationID: convID, ModelType: model.ModelGeneral, Role: role, Content: fmt.Sprintf("m%d", i)}))
	}
	current := &model.ChatTurn{UserID: 1, ConversationID: convID, ModelType: model.ModelGeneral, Role: model.RoleUser, Content: "now?"}
	require.NoError(t, repo.Create(ctx, current))

	messages, err := NewContextAssembler(repo, 10).AssembleContext(ctx, 1, convID, current.ID, "now?")
	require.NoError(t, err)
	require.Len(t, messages, 11)
	assert.Equal(t, "m40", messages[0].Content)
	assert.Equal(t, model.RoleUser, messages[0].Role)
	assert.Equal(t, "m49", messages[9].Content)
	assert.Equal(t, model.RoleAssistant, messages[9].Role)
	assert.Equal(t, "now?", messages[10].Content)
	assert.Equal(t, model.RoleUser, messages[10].Role)
}

func TestAssembleContext_NewConversation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	current := &model.ChatTurn{UserID: 1, ConversationID: "c", ModelType: model.ModelGeneral, Role: model.RoleUser, Content: "hello"}
	require.NoError(t, repo.Create(ctx, current))

	messages, err := NewContextAssembler(repo, 0).AssembleContext(ctx, 1, "c", current.ID, "hello")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
}

func TestAssembleContext_IgnoresOtherOwners(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &model.ChatTurn{UserID: 2, ConversationID: "c", ModelType: model.ModelGeneral, Role: model.RoleUser, Content: "foreign"}))
	current := &model.ChatTurn{UserID: 1, ConversationID: "c", ModelType: model.ModelGeneral, Role: model.RoleUser, Content: "mine"}
	require.NoError(t, repo.Create(ctx, current))

	messages, err := NewContextAssembler(repo, 10).AssembleContext(ctx, 1, "c", current.ID, "mine")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}
