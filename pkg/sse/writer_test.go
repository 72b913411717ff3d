package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_SendWritesOneFramePerCall(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec)

	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send([]byte(`{"content":"4"}`)))
	require.NoError(t, w.Send([]byte(Done)))

	assert.Equal(t, "data: {\"content\":\"4\"}\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
}
