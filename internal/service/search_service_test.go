package service

import (
	"context"
	"testing"

	"chat-relay-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	userID uint
	size   int
}

func (f *fakeSearcher) Search(_ context.Context, userID uint, query string, size int) ([]model.SearchHit, error) {
	f.userID, f.size = userID, size
	return []model.SearchHit{{ConversationID: "c1", Question: query}}, nil
}

func TestSearchService(t *testing.T) {
	ctx := context.Background()

	_, err := NewSearchService(nil).Search(ctx, 1, "go", 10)
	assert.ErrorIs(t, err, ErrSearchDisabled)

	searcher := &fakeSearcher{}
	svc := NewSearchService(searcher)

	_, err = svc.Search(ctx, 1, "  ", 10)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	hits, err := svc.Search(ctx, 9, "go", 500)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.EqualValues(t, 9, searcher.userID)
	assert.Equal(t, maxSearchSize, searcher.size)
}
