package openailm

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

// 假的 Responses API endpoint：以 SSE 送出大量 text delta，遠超過 chunk
// channel 的 buffer，模擬消費端中途離開的情境
func deltaServer(t *testing.T, deltas int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < deltas; i++ {
			fmt.Fprintf(w, "event: response.output_text.delta\n")
			fmt.Fprintf(w, `data: {"type":"response.output_text.delta","item_id":"item_1","output_index":0,"content_index":0,"delta":"fragment","sequence_number":%d}`+"\n\n", i+1)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprintf(w, "event: response.completed\n")
		fmt.Fprintf(w, `data: {"type":"response.completed","response":{"id":"resp_1","status":"completed"},"sequence_number":%d}`+"\n\n", deltas+1)
		if flusher != nil {
			flusher.Flush()
		}
	}))
}

func TestStreamChatProducerStopsAfterAbandon(t *testing.T) {
	srv := deltaServer(t, 300)
	defer srv.Close()

	client, err := NewClient("openai", "test-key", "m", srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := client.StreamChat(ctx, []llm.Message{llm.NewUserMessage("hi")}, nil)
	require.NoError(t, err)

	// Read a single delta, then walk away
	first, ok := <-ch
	require.True(t, ok)
	require.NotEmpty(t, first.ContentBlocks)
	assert.Equal(t, "fragment", first.ContentBlocks[0].Text)
	cancel()

	// The producer must unblock and close the channel even though far more
	// deltas than the channel buffer were never read
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
