package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"atlas/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 假的 /api/chat endpoint：以 NDJSON 送出大量 fragment，遠超過 chunk
// channel 的 buffer，模擬消費端中途離開的情境
func fragmentServer(t *testing.T, fragments int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < fragments; i++ {
			fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"fragment"},"done":false}`)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
}

func TestStreamChatProducerStopsAfterAbandon(t *testing.T) {
	srv := fragmentServer(t, 300)
	defer srv.Close()

	client, err := NewOllamaClient("m", srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := client.StreamChat(ctx, []llm.Message{llm.NewUserMessage("hi")}, nil)
	require.NoError(t, err)

	// Read a single fragment, then walk away
	first, ok := <-ch
	require.True(t, ok)
	require.NotEmpty(t, first.ContentBlocks)
	assert.Equal(t, "fragment", first.ContentBlocks[0].Text)
	cancel()

	// The producer must unblock and close the channel even though far more
	// fragments than the channel buffer were never read
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("producer still blocked after cancellation")
		}
	}
}

func TestStreamChatInitErrorIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewOllamaClient("missing", srv.URL, nil)
	require.NoError(t, err)

	_, err = client.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")}, nil)
	require.Error(t, err)

	var svcErr *llm.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "ollama", svcErr.Provider)
}
