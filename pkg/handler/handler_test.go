package handler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"atlas/pkg/api"
	"atlas/pkg/config"
	"atlas/pkg/llm"
	"atlas/pkg/monitor"
	"atlas/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAgent 以函式欄位替換管線行為
type stubAgent struct {
	answerFn func(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error)
	streamFn func(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk
	enabled  bool
}

func (s *stubAgent) AnswerWithHistory(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
	return s.answerFn(ctx, query, history)
}

func (s *stubAgent) StreamWithHistory(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk {
	return s.streamFn(ctx, query, history)
}

func (s *stubAgent) SearchAnswer(ctx context.Context, query string) (*api.AnswerResult, error) {
	return s.answerFn(ctx, query, nil)
}

func (s *stubAgent) SearchStream(ctx context.Context, query string) <-chan llm.StreamChunk {
	return s.streamFn(ctx, query, nil)
}

func (s *stubAgent) SearchEnabled() bool { return s.enabled }

// stubResponder 收集送出的回覆與串流區塊
type stubResponder struct {
	mu      sync.Mutex
	replies []string
	signals []string
	blocks  []llm.ContentBlock
}

func (r *stubResponder) SendReply(session api.SessionContext, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, content)
	return nil
}

func (r *stubResponder) StreamReply(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	for b := range blocks {
		r.mu.Lock()
		r.blocks = append(r.blocks, b)
		r.mu.Unlock()
	}
	return nil
}

func (r *stubResponder) SendSignal(session api.SessionContext, signal string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal)
	return nil
}

func (r *stubResponder) lastReply() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

// recordingMonitor 收集廣播出去的監控訊息
type recordingMonitor struct {
	mu       sync.Mutex
	messages []monitor.MonitorMessage
}

func (m *recordingMonitor) Start() error { return nil }
func (m *recordingMonitor) Stop() error  { return nil }
func (m *recordingMonitor) OnMessage(msg monitor.MonitorMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestHandler(t *testing.T, agent api.Agent, store *storage.Store) (*ChatHandler, *stubResponder) {
	t.Helper()
	h := NewChatHandler(agent, store, &config.Config{}, config.DefaultSystemConfig())
	responder := &stubResponder{}
	h.SetResponder(responder)
	return h, responder
}

func telegramMsg(content string) *api.UnifiedMessage {
	return &api.UnifiedMessage{
		Session: api.SessionContext{ChannelID: "telegram", UserID: "u1", ChatID: "c1", Username: "tester"},
		Content: content,
	}
}

func webMsg(content string) *api.UnifiedMessage {
	return &api.UnifiedMessage{
		Session: api.SessionContext{ChannelID: "web", UserID: "u1", ChatID: "global", Username: "tester"},
		Content: content,
	}
}

func streamOf(chunks ...llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestOneShotDeliveryPersistsTurns(t *testing.T) {
	store := openTestStore(t)
	agent := &stubAgent{
		enabled: true,
		answerFn: func(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
			assert.Empty(t, history, "first turn has no prior history")
			return &api.AnswerResult{Text: "the answer", SearchUsed: true}, nil
		},
	}
	h, responder := newTestHandler(t, agent, store)
	mon := &recordingMonitor{}
	h.SetMonitor(mon)

	h.OnMessage(telegramMsg("what happened today?"))

	assert.Equal(t, "the answer", responder.lastReply())
	assert.Contains(t, responder.signals, "thinking")

	// Both turns persisted, assistant with search metadata
	convs, err := store.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	msgs, err := store.Messages(context.Background(), convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "what happened today?", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, true, msgs[1].Metadata["search_used"])

	// Assistant-side monitor broadcast carries the search flag
	require.Len(t, mon.messages, 1)
	assert.Equal(t, "ASSISTANT", mon.messages[0].MessageType)
	assert.True(t, mon.messages[0].SearchUsed)
}

func TestStreamingDeliveryAssemblesFragments(t *testing.T) {
	store := openTestStore(t)
	agent := &stubAgent{
		enabled: true,
		streamFn: func(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk {
			indicator := llm.NewTextChunk("Searching the internet...\n\n")
			indicator.ToolCalls = []llm.ToolCall{{ID: "call_1", Name: "search_internet"}}
			return streamOf(
				indicator,
				llm.NewTextChunk("part one "),
				llm.NewTextChunk("part two"),
				llm.NewFinalChunk(llm.StopReasonStop, nil),
			)
		},
	}
	h, responder := newTestHandler(t, agent, store)

	h.OnMessage(webMsg("stream it"))

	var text strings.Builder
	for _, b := range responder.blocks {
		if b.Type == llm.BlockTypeText {
			text.WriteString(b.Text)
		}
	}
	assert.Equal(t, "Searching the internet...\n\npart one part two", text.String())

	// Persisted assistant turn equals the concatenated fragments and records search usage
	convs, err := store.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := store.Messages(context.Background(), convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Searching the internet...\n\npart one part two", msgs[1].Content)
	assert.Equal(t, true, msgs[1].Metadata["search_used"])
}

func TestStreamingErrorChunkShownToUser(t *testing.T) {
	agent := &stubAgent{
		streamFn: func(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk {
			return streamOf(llm.NewErrorChunk("I apologize, but I encountered an error: boom", nil, true))
		},
	}
	h, responder := newTestHandler(t, agent, nil)

	h.OnMessage(webMsg("fail please"))

	require.NotEmpty(t, responder.blocks)
	assert.Equal(t, llm.BlockTypeError, responder.blocks[0].Type)
	assert.Contains(t, responder.blocks[0].Text, "I encountered an error")
}

// brokenResponder 模擬消費端斷線：StreamReply 不讀任何區塊就返回
type brokenResponder struct {
	stubResponder
}

func (r *brokenResponder) StreamReply(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	return assert.AnError
}

func TestStreamingSurvivesResponderLoss(t *testing.T) {
	store := openTestStore(t)
	fragments := make([]llm.StreamChunk, 0, 152)
	for i := 0; i < 151; i++ {
		fragments = append(fragments, llm.NewTextChunk("x"))
	}
	fragments = append(fragments, llm.NewFinalChunk(llm.StopReasonStop, nil))
	agent := &stubAgent{
		streamFn: func(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk {
			return streamOf(fragments...)
		},
	}
	h, _ := newTestHandler(t, agent, store)
	h.SetResponder(&brokenResponder{})

	// 消費端消失後管線必須自行收尾，不能卡在內部 channel 的 send
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.OnMessage(webMsg("stream it"))
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery blocked after responder returned early")
	}

	// 完整回覆仍照常寫入 storage
	convs, err := store.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := store.Messages(context.Background(), convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, strings.Repeat("x", 151), msgs[1].Content)
}

func TestHistoryExcludesCurrentTurn(t *testing.T) {
	store := openTestStore(t)
	var sawHistory [][]llm.Message
	agent := &stubAgent{
		answerFn: func(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
			captured := make([]llm.Message, len(history))
			copy(captured, history)
			sawHistory = append(sawHistory, captured)
			return &api.AnswerResult{Text: "reply to " + query}, nil
		},
	}
	h, _ := newTestHandler(t, agent, store)

	h.OnMessage(telegramMsg("first question"))
	h.OnMessage(telegramMsg("second question"))

	require.Len(t, sawHistory, 2)
	assert.Empty(t, sawHistory[0])

	// Second call sees first user turn + first assistant turn, not itself
	require.Len(t, sawHistory[1], 2)
	assert.Equal(t, "first question", sawHistory[1][0].GetTextContent())
	assert.Equal(t, "reply to first question", sawHistory[1][1].GetTextContent())
}

func TestHelpCommand(t *testing.T) {
	h, responder := newTestHandler(t, &stubAgent{}, nil)

	h.OnMessage(webMsg("/help"))

	reply := responder.lastReply()
	for _, cmd := range []string{"/help", "/search", "/history", "/export", "/clear"} {
		assert.Contains(t, reply, cmd)
	}
}

func TestUnknownCommand(t *testing.T) {
	h, responder := newTestHandler(t, &stubAgent{}, nil)

	h.OnMessage(webMsg("/teleport home"))
	assert.Contains(t, responder.lastReply(), "Unknown command: /teleport")
}

func TestClearCommand(t *testing.T) {
	store := openTestStore(t)
	agent := &stubAgent{
		answerFn: func(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
			return &api.AnswerResult{Text: "ok"}, nil
		},
	}
	h, responder := newTestHandler(t, agent, store)

	// Nothing active yet
	h.OnMessage(telegramMsg("/clear"))
	assert.Contains(t, responder.lastReply(), "No active conversation")

	h.OnMessage(telegramMsg("hello"))
	h.OnMessage(telegramMsg("/clear"))
	assert.Contains(t, responder.lastReply(), "cleared")

	convs, err := store.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestClearCommandWithoutStore(t *testing.T) {
	h, responder := newTestHandler(t, &stubAgent{}, nil)

	h.OnMessage(webMsg("/clear"))
	assert.Contains(t, responder.lastReply(), "Persistence is disabled")
}

func TestSearchCommandForcesPipeline(t *testing.T) {
	store := openTestStore(t)
	var forcedQuery string
	agent := &stubAgent{
		enabled: true,
		answerFn: func(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
			forcedQuery = query
			assert.Nil(t, history, "forced search runs without history")
			return &api.AnswerResult{Text: "forced answer", SearchUsed: true}, nil
		},
	}
	h, responder := newTestHandler(t, agent, store)

	h.OnMessage(telegramMsg("/search current news"))

	assert.Equal(t, "current news", forcedQuery)
	assert.Equal(t, "forced answer", responder.lastReply())

	convs, err := store.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := store.Messages(context.Background(), convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "/search current news", msgs[0].Content)
	assert.Equal(t, "forced answer", msgs[1].Content)
}

func TestTitleCommandRenamesActiveConversation(t *testing.T) {
	store := openTestStore(t)
	agent := &stubAgent{
		answerFn: func(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
			return &api.AnswerResult{Text: "ok"}, nil
		},
	}
	h, responder := newTestHandler(t, agent, store)

	// Nothing active yet
	h.OnMessage(telegramMsg("/title Field Notes"))
	assert.Contains(t, responder.lastReply(), "No active conversation")

	h.OnMessage(telegramMsg("hello"))
	h.OnMessage(telegramMsg("/title Field Notes"))
	assert.Contains(t, responder.lastReply(), "renamed to: Field Notes")

	convs, err := store.ListConversations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Field Notes", convs[0].Title)
}

func TestTitleCommandRequiresArgument(t *testing.T) {
	h, responder := newTestHandler(t, &stubAgent{}, nil)

	h.OnMessage(webMsg("/title"))
	assert.Contains(t, responder.lastReply(), "Usage: /title")
}

func TestSearchCommandRequiresQuery(t *testing.T) {
	h, responder := newTestHandler(t, &stubAgent{}, nil)

	h.OnMessage(webMsg("/search"))
	assert.Contains(t, responder.lastReply(), "Usage: /search")
}
