package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"atlas/pkg/api"
	"atlas/pkg/llm"
	"atlas/pkg/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// stubClient 以可替換的函式欄位模擬 LLM 供應商
type stubClient struct {
	chatFn   func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error)
	streamFn func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error)
}

func (s *stubClient) Chat(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
	return s.chatFn(ctx, messages, availableTools)
}

func (s *stubClient) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error) {
	return s.streamFn(ctx, messages, availableTools)
}

func (s *stubClient) IsTransientError(err error) bool { return false }
func (s *stubClient) SetDebug(enabled bool)           {}
func (s *stubClient) Provider() string                { return "stub" }

// fakeSearchTool 佔據 search_internet 這個名字並回傳固定結果
type fakeSearchTool struct {
	calls []map[string]any
}

func (f *fakeSearchTool) Name() string        { return "search_internet" }
func (f *fakeSearchTool) Description() string { return "fake search" }
func (f *fakeSearchTool) Parameters() map[string]any {
	return map[string]any{"query": map[string]any{"type": "string"}}
}
func (f *fakeSearchTool) RequiredParameters() []string { return []string{"query"} }
func (f *fakeSearchTool) Execute(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
	f.calls = append(f.calls, args)
	return &api.ToolResult{Content: []api.ContentBlock{{Type: "text", Text: `{"results":["r1"]}`}}}, nil
}

func searchRegistry() (*tools.ToolRegistry, *fakeSearchTool) {
	registry := tools.NewToolRegistry()
	tool := &fakeSearchTool{}
	registry.Register(tool)
	return registry, tool
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.NewAssistantMessage(text),
		FinishReason: llm.StopReasonStop,
	}
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	msg := llm.Message{Role: "assistant", ToolCalls: calls, Timestamp: time.Now().Unix()}
	return &llm.ChatResponse{Message: msg, FinishReason: "tool_calls"}
}

func streamOf(chunks ...llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func collect(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func chunksText(chunks []llm.StreamChunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		for _, b := range c.ContentBlocks {
			if b.Type == llm.BlockTypeText {
				sb.WriteString(b.Text)
			}
		}
	}
	return sb.String()
}

func TestAnswerEmptyQuery(t *testing.T) {
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			t.Fatal("empty query must not reach the model")
			return nil, nil
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	for _, query := range []string{"", "   ", "\n\t"} {
		result, err := engine.Answer(context.Background(), query)
		require.NoError(t, err)
		assert.Equal(t, "Please provide a question or query.", result.Text)
		assert.False(t, result.SearchUsed)
	}
}

func TestAnswerWithoutToolCalls(t *testing.T) {
	var gotTools []llm.Tool
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			gotTools = availableTools
			require.GreaterOrEqual(t, len(messages), 2)
			assert.Equal(t, "system", messages[0].Role)
			assert.Equal(t, "user", messages[len(messages)-1].Role)
			return textResponse("2+2 is 4."), nil
		},
	}
	registry, tool := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	result, err := engine.Answer(context.Background(), "what is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "2+2 is 4.", result.Text)
	assert.False(t, result.SearchUsed)
	assert.Len(t, gotTools, 1, "decision call must declare the capability set")
	assert.Empty(t, tool.calls, "no invocation was requested")
}

func TestAnswerWithToolCalls(t *testing.T) {
	var finalizeMessages []llm.Message
	callCount := 0
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			callCount++
			if callCount == 1 {
				require.Len(t, availableTools, 1)
				return toolCallResponse(llm.ToolCall{
					ID:   "call_abc",
					Name: "search_internet",
					Function: llm.FunctionCall{
						Name:      "search_internet",
						Arguments: `{"query":"latest go release"}`,
					},
				}), nil
			}
			assert.Nil(t, availableTools, "finalize call must omit capabilities")
			finalizeMessages = messages
			return textResponse("Go 1.25 is the latest release."), nil
		},
	}
	registry, tool := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	result, err := engine.Answer(context.Background(), "what is the latest go release?")
	require.NoError(t, err)
	assert.Equal(t, 2, callCount)
	assert.Equal(t, "Go 1.25 is the latest release.", result.Text)
	assert.True(t, result.SearchUsed)

	require.Len(t, tool.calls, 1)
	assert.Equal(t, "latest go release", tool.calls[0]["query"])

	// system, user, assistant(tool_calls), tool
	require.Len(t, finalizeMessages, 4)
	assert.Equal(t, "system", finalizeMessages[0].Role)
	assert.Equal(t, "user", finalizeMessages[1].Role)
	assert.Equal(t, "assistant", finalizeMessages[2].Role)
	require.Len(t, finalizeMessages[2].ToolCalls, 1)
	assert.Equal(t, "tool", finalizeMessages[3].Role)
	assert.Equal(t, "call_abc", finalizeMessages[3].ToolCallID)
	assert.Contains(t, finalizeMessages[3].GetTextContent(), "r1")
}

func TestAnswerHistoryWindowTruncation(t *testing.T) {
	history := make([]llm.Message, 0, 15)
	for i := 0; i < 15; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, llm.NewTextMessage(role, strings.Repeat("x", i+1)))
	}
	original := make([]llm.Message, len(history))
	copy(original, history)

	var gotMessages []llm.Message
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			gotMessages = messages
			return textResponse("ok"), nil
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 10)

	_, err := engine.AnswerWithHistory(context.Background(), "next", history)
	require.NoError(t, err)

	// system + 10 most recent turns + current user turn
	require.Len(t, gotMessages, 12)
	assert.Equal(t, history[5].GetTextContent(), gotMessages[1].GetTextContent(), "window must keep the most recent contiguous suffix")
	assert.Equal(t, history[14].GetTextContent(), gotMessages[10].GetTextContent())
	assert.Equal(t, "next", gotMessages[11].GetTextContent())

	assert.Equal(t, original, history, "caller's history slice must not be mutated")
}

func TestAnswerDecisionError(t *testing.T) {
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			return nil, llm.NewServiceError("stub", errors.New("503"))
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	_, err := engine.Answer(context.Background(), "hello")
	require.Error(t, err)

	var svcErr *llm.ServiceError
	assert.ErrorAs(t, err, &svcErr)
}

func TestStreamEmptyQuery(t *testing.T) {
	client := &stubClient{}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	chunks := collect(t, engine.Stream(context.Background(), "   "))
	require.Len(t, chunks, 2)
	assert.Equal(t, "Please provide a question or query.", chunksText(chunks))
	assert.True(t, chunks[1].IsFinal)
}

func TestStreamPlainAnswerRewrapped(t *testing.T) {
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			return textResponse("direct answer"), nil
		},
		streamFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error) {
			t.Fatal("plain answer path must not open a stream")
			return nil, nil
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	chunks := collect(t, engine.Stream(context.Background(), "hi"))
	require.Len(t, chunks, 2)
	assert.Equal(t, "direct answer", chunksText(chunks))
	assert.Empty(t, chunks[0].ToolCalls)
	assert.True(t, chunks[1].IsFinal)
	assert.Equal(t, llm.StopReasonStop, chunks[1].FinishReason)
}

func TestStreamToolPathIndicatorFirst(t *testing.T) {
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			require.NotEmpty(t, availableTools, "decision call declares capabilities")
			return toolCallResponse(llm.ToolCall{
				ID:       "call_1",
				Name:     "search_internet",
				Function: llm.FunctionCall{Name: "search_internet", Arguments: `{"query":"weather"}`},
			}), nil
		},
		streamFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error) {
			assert.Nil(t, availableTools, "finalize stream must omit capabilities")
			// resolved conversation: system, user, assistant(tool_calls), tool
			require.Len(t, messages, 4)
			assert.Equal(t, "tool", messages[3].Role)
			return streamOf(
				llm.NewTextChunk("It is "),
				llm.NewTextChunk("sunny."),
				llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{TotalTokens: 42}),
			), nil
		},
	}
	registry, tool := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	chunks := collect(t, engine.Stream(context.Background(), "weather today?"))
	require.GreaterOrEqual(t, len(chunks), 4)

	// indicator strictly before any answer fragment, carrying the invocations
	first := chunks[0]
	require.Len(t, first.ContentBlocks, 1)
	assert.Equal(t, "Searching the internet...\n\n", first.ContentBlocks[0].Text)
	require.Len(t, first.ToolCalls, 1)
	assert.Equal(t, "call_1", first.ToolCalls[0].ID)

	assert.Equal(t, "Searching the internet...\n\nIt is sunny.", chunksText(chunks))
	assert.True(t, chunks[len(chunks)-1].IsFinal)

	require.Len(t, tool.calls, 1)
}

func TestStreamDegradedModeStreamsDirectly(t *testing.T) {
	chatCalled := false
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			chatCalled = true
			return nil, errors.New("should not be called")
		},
		streamFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error) {
			assert.Nil(t, availableTools)
			assert.Contains(t, messages[0].GetTextContent(), "helpful, knowledgeable assistant")
			return streamOf(
				llm.NewTextChunk("hello"),
				llm.NewFinalChunk(llm.StopReasonStop, nil),
			), nil
		},
	}
	engine := NewEngine(client, nil, "", 0)

	assert.False(t, engine.SearchEnabled())

	chunks := collect(t, engine.Stream(context.Background(), "hi"))
	assert.False(t, chatCalled, "capability-less mode skips the decision call")
	assert.Equal(t, "hello", chunksText(chunks))
}

func TestStreamDecisionErrorChunk(t *testing.T) {
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			return nil, llm.NewServiceError("stub", errors.New("boom"))
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	chunks := collect(t, engine.Stream(context.Background(), "hi"))
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Error, "I apologize, but I encountered an error:")
	assert.True(t, chunks[0].IsFinal)
}

func TestSearchAnswerUnavailableWithoutCapability(t *testing.T) {
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			t.Fatal("degraded forced search must not reach the model")
			return nil, nil
		},
	}
	engine := NewEngine(client, nil, "", 0)

	result, err := engine.SearchAnswer(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "Search functionality requires SERPAPI_KEY to be set. Please set your SerpAPI key and restart.", result.Text)
	assert.False(t, result.SearchUsed)

	chunks := collect(t, engine.SearchStream(context.Background(), "anything"))
	require.Len(t, chunks, 2)
	assert.Contains(t, chunksText(chunks), "SERPAPI_KEY")
	assert.True(t, chunks[1].IsFinal)
}

func TestSystemPromptOverride(t *testing.T) {
	var gotSystem string
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			gotSystem = messages[0].GetTextContent()
			return textResponse("ok"), nil
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "You are a pirate.", 0)

	_, err := engine.Answer(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", gotSystem)
}

func TestStreamAbandonedAfterCancelLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	blockForever := make(chan llm.StreamChunk)
	client := &stubClient{
		chatFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
			return textResponse(strings.Repeat("long answer ", 10)), nil
		},
		streamFn: func(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error) {
			return blockForever, nil
		},
	}
	registry, _ := searchRegistry()
	engine := NewEngine(client, registry, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	ch := engine.Stream(ctx, "hi")

	// Abandon the stream without draining it
	cancel()

	// The producer must unblock and close the channel once ctx is done
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				close(blockForever)
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}
