package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"atlas/pkg/api"
	"atlas/pkg/llm"
	"atlas/pkg/tools"
)

const (
	// searchIndicator is the first fragment yielded on the incremental tool
	// path, strictly before any answer fragment.
	searchIndicator = "Searching the internet...\n\n"

	// emptyQueryNotice is returned when the query is empty or all whitespace.
	emptyQueryNotice = "Please provide a question or query."

	// searchUnavailableNotice is returned by the forced-search entry points
	// when no search capability is registered.
	searchUnavailableNotice = "Search functionality requires SERPAPI_KEY to be set. Please set your SerpAPI key and restart."

	// defaultHistoryWindow caps how many prior turns feed the context.
	// Token-budget guard, always a contiguous suffix of the history.
	defaultHistoryWindow = 10
)

// searchSystemPrompt instructs the model on when and how to use the search
// capability.
const searchSystemPrompt = `You are an intelligent search assistant with access to internet search tools.

When a user asks a question:
1. Use the search_internet tool to find current, relevant information
2. You may need to make multiple searches with different queries to gather comprehensive information
3. After gathering search results, provide a detailed, accurate answer
4. Include specific facts, numbers, and details when available
5. Be objective and mention sources when helpful
6. Write in a natural, conversational tone

Always use the search tool first before providing your final answer.`

// conversationSystemPrompt drives the capability-less degraded mode.
const conversationSystemPrompt = `You are a helpful, knowledgeable assistant. Answer the user's questions accurately and conversationally using the conversation context. If you are not certain about something, say so.`

// Engine is the search-and-answer pipeline. Per user query it builds the
// instruction context, asks the model to decide whether a lookup is needed,
// resolves requested tool calls, and requests the final answer.
//
// The engine is stateless across calls and never mutates the caller's
// history slice.
type Engine struct {
	client        llm.LLMClient
	registry      api.ToolRegistry
	executor      *tools.Executor
	systemPrompt  string
	historyWindow int
}

// NewEngine creates the pipeline. systemPrompt overrides the built-in
// instruction turn when non-empty; historyWindow <= 0 selects the default.
// A nil registry degrades the engine to capability-less conversation.
func NewEngine(client llm.LLMClient, registry api.ToolRegistry, systemPrompt string, historyWindow int) *Engine {
	if registry == nil {
		registry = tools.NewToolRegistry()
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Engine{
		client:        client,
		registry:      registry,
		executor:      tools.NewExecutor(registry),
		systemPrompt:  systemPrompt,
		historyWindow: historyWindow,
	}
}

// SearchEnabled reports whether the search capability is registered.
func (e *Engine) SearchEnabled() bool {
	_, ok := e.registry.Get("search_internet")
	return ok
}

// availableTools returns the capability set declared on decision calls.
func (e *Engine) availableTools() []llm.Tool {
	all := e.registry.GetAll()
	if len(all) == 0 {
		return nil
	}
	declared := make([]llm.Tool, 0, len(all))
	for _, t := range all {
		declared = append(declared, t)
	}
	return declared
}

// instructionPrompt picks the system turn content for this run.
func (e *Engine) instructionPrompt() string {
	if e.systemPrompt != "" {
		return e.systemPrompt
	}
	if len(e.registry.GetAll()) > 0 {
		return searchSystemPrompt
	}
	return conversationSystemPrompt
}

// buildContext assembles the turn sequence for the decision call:
// instruction turn, at most the most recent historyWindow turns (contiguous
// suffix, order preserved), then the current user turn. The caller's slice is
// never touched.
func (e *Engine) buildContext(query string, history []llm.Message) []llm.Message {
	if n := len(history); n > e.historyWindow {
		history = history[n-e.historyWindow:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.NewSystemMessage(e.instructionPrompt()))
	messages = append(messages, history...)
	messages = append(messages, llm.NewUserMessage(query))
	return messages
}

// resolveToolCalls appends the decision's assistant turn verbatim, executes
// every requested invocation, and appends one tool turn per invocation tagged
// with its id.
func (e *Engine) resolveToolCalls(ctx context.Context, messages []llm.Message, decision llm.Message) []llm.Message {
	assistant := llm.Message{
		Role:      "assistant",
		Content:   decision.Content,
		ToolCalls: decision.ToolCalls,
		Timestamp: time.Now().Unix(),
	}
	messages = append(messages, assistant)

	results := e.executor.ExecuteAll(ctx, decision.ToolCalls)

	for _, tc := range decision.ToolCalls {
		toolMsg := llm.NewTextMessage("tool", results[tc.ID])
		toolMsg.ToolCallID = tc.ID
		toolMsg.ToolName = tc.Name
		messages = append(messages, toolMsg)
	}
	return messages
}

// Answer runs the pipeline in one-shot mode without prior history.
func (e *Engine) Answer(ctx context.Context, query string) (*api.AnswerResult, error) {
	return e.AnswerWithHistory(ctx, query, nil)
}

// AnswerWithHistory runs the pipeline in one-shot mode. The decision call
// declares the capability set; if the model requests invocations they are
// resolved and a second, capability-free call produces the final answer.
func (e *Engine) AnswerWithHistory(ctx context.Context, query string, history []llm.Message) (*api.AnswerResult, error) {
	if strings.TrimSpace(query) == "" {
		return &api.AnswerResult{Text: emptyQueryNotice}, nil
	}

	messages := e.buildContext(query, history)

	decision, err := e.client.Chat(ctx, messages, e.availableTools())
	if err != nil {
		return nil, err
	}

	if len(decision.Message.ToolCalls) == 0 {
		return &api.AnswerResult{Text: decision.Message.GetTextContent()}, nil
	}

	slog.Info("🔄 Resolving tool calls", "count", len(decision.Message.ToolCalls))
	messages = e.resolveToolCalls(ctx, messages, decision.Message)

	// Finalize with capabilities omitted
	final, err := e.client.Chat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}

	return &api.AnswerResult{
		Text:       final.Message.GetTextContent(),
		SearchUsed: true,
	}, nil
}

// Stream runs the pipeline in incremental mode without prior history.
func (e *Engine) Stream(ctx context.Context, query string) <-chan llm.StreamChunk {
	return e.StreamWithHistory(ctx, query, nil)
}

// StreamWithHistory runs the pipeline in incremental mode. The channel is
// returned immediately; all work happens lazily in the producer, which guards
// every send with ctx so an abandoned stream leaks nothing once the caller
// cancels.
func (e *Engine) StreamWithHistory(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)

		emit := func(chunk llm.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if strings.TrimSpace(query) == "" {
			if emit(llm.NewTextChunk(emptyQueryNotice)) {
				emit(llm.NewFinalChunk(llm.StopReasonStop, nil))
			}
			return
		}

		messages := e.buildContext(query, history)
		declared := e.availableTools()

		// Capability-less mode streams the answer directly
		if len(declared) == 0 {
			e.forwardStream(ctx, emit, messages)
			return
		}

		// Tools declared: the decision call must not stream
		decision, err := e.client.Chat(ctx, messages, declared)
		if err != nil {
			emit(llm.NewErrorChunk(fmt.Sprintf("I apologize, but I encountered an error: %v", err), err, true))
			return
		}

		// Plain answer: re-wrap as a single fragment so both modes share the
		// downstream path
		if len(decision.Message.ToolCalls) == 0 {
			if emit(llm.NewTextChunk(decision.Message.GetTextContent())) {
				emit(llm.NewFinalChunk(decision.FinishReason, decision.Usage))
			}
			return
		}

		// Indicator first, carrying the decision's invocations so incremental
		// consumers see the same lookup metadata as one-shot callers
		indicator := llm.NewTextChunk(searchIndicator)
		indicator.ToolCalls = decision.Message.ToolCalls
		if !emit(indicator) {
			return
		}

		slog.Info("🔄 Resolving tool calls", "count", len(decision.Message.ToolCalls))
		messages = e.resolveToolCalls(ctx, messages, decision.Message)

		e.forwardStream(ctx, emit, messages)
	}()

	return out
}

// forwardStream runs a capability-free streaming call and pipes its chunks to
// the caller.
func (e *Engine) forwardStream(ctx context.Context, emit func(llm.StreamChunk) bool, messages []llm.Message) {
	stream, err := e.client.StreamChat(ctx, messages, nil)
	if err != nil {
		emit(llm.NewErrorChunk(fmt.Sprintf("I apologize, but I encountered an error: %v", err), err, true))
		return
	}

	for chunk := range stream {
		if !emit(chunk) {
			return
		}
	}
}

// SearchAnswer forces the search pipeline for a standalone query in one-shot
// mode. Without a registered search capability it returns the fixed notice.
func (e *Engine) SearchAnswer(ctx context.Context, query string) (*api.AnswerResult, error) {
	if !e.SearchEnabled() {
		return &api.AnswerResult{Text: searchUnavailableNotice}, nil
	}
	return e.AnswerWithHistory(ctx, query, nil)
}

// SearchStream is the incremental variant of SearchAnswer.
func (e *Engine) SearchStream(ctx context.Context, query string) <-chan llm.StreamChunk {
	if !e.SearchEnabled() {
		out := make(chan llm.StreamChunk)
		go func() {
			defer close(out)
			select {
			case out <- llm.NewTextChunk(searchUnavailableNotice):
			case <-ctx.Done():
				return
			}
			select {
			case out <- llm.NewFinalChunk(llm.StopReasonStop, nil):
			case <-ctx.Done():
			}
		}()
		return out
	}
	return e.StreamWithHistory(ctx, query, nil)
}
