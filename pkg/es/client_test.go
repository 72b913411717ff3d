package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chat-relay-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeES 模拟最小的 Elasticsearch 接口，记录收到的请求体。
type fakeES struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (f *fakeES) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies[r.Method+" "+r.URL.Path] = string(body)
		f.mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/chat_exchanges":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/_search"):
			_, _ = w.Write([]byte(`{"hits":{"hits":[{"_score":1.5,"_source":{"user_id":7,"conversation_id":"c1","model_type":"general","question":"2+2?","answer":"4","created_at":"2024-01-02T03:04:05Z"}}]}}`))
		case strings.HasSuffix(r.URL.Path, "/_delete_by_query"):
			_, _ = w.Write([]byte(`{"deleted":2}`))
		default:
			t.Logf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{}`))
		}
	})
}

func newTestIndex(t *testing.T) (*Index, *fakeES) {
	fake := &fakeES{bodies: map[string]string{}}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	idx, err := NewIndex(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "chat_exchanges"})
	require.NoError(t, err)
	return idx, fake
}

func TestSearchScopesToUser(t *testing.T) {
	idx, fake := newTestIndex(t)

	hits, err := idx.Search(context.Background(), 7, "2+2", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ConversationID)
	assert.Equal(t, "4", hits[0].Answer)
	assert.Equal(t, 1.5, hits[0].Score)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(fake.bodies["POST /chat_exchanges/_search"]), &sent))
	filter := sent["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	term := filter[0].(map[string]interface{})["term"].(map[string]interface{})
	assert.EqualValues(t, 7, term["user_id"])
}

func TestDeleteConversation(t *testing.T) {
	idx, fake := newTestIndex(t)

	require.NoError(t, idx.DeleteConversation(context.Background(), 7, "c1"))
	assert.Contains(t, fake.bodies["POST /chat_exchanges/_delete_by_query"], `"conversation_id":"c1"`)
}

func TestDeleteByModel(t *testing.T) {
	idx, fake := newTestIndex(t)

	require.NoError(t, idx.DeleteByModel(context.Background(), 7, "code"))
	sent := fake.bodies["POST /chat_exchanges/_delete_by_query"]
	assert.Contains(t, sent, `"model_type":"code"`)
	assert.Contains(t, sent, `"user_id":7`)
}
