package handler

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"atlas/pkg/api"
	"atlas/pkg/config"
	"atlas/pkg/llm"
	"atlas/pkg/monitor"
	"atlas/pkg/storage"
)

// oneShotChannels lists delivery surfaces that receive a completed answer
// instead of a fragment stream.
var oneShotChannels = map[string]bool{
	"telegram": true,
}

// ChatHandler routes incoming channel messages into the answer pipeline and
// the delivery surface back out. It owns per-session conversation identity,
// persistence of user/assistant turns, and the slash commands; the pipeline
// itself stays stateless.
type ChatHandler struct {
	engine    api.Agent            // The search-and-answer pipeline
	store     *storage.Store       // Conversation persistence (nil disables persistence)
	config    *config.Config       // Business-level application configuration
	sysCfg    *config.SystemConfig // Technical/engine-level configuration parameters
	responder api.MessageResponder // Injected by the gateway builder
	mon       monitor.Monitor      // Optional monitor for reply broadcasting

	mu            sync.Mutex
	conversations map[string]string // session key -> conversation ID
}

// NewChatHandler creates a handler bound to the given pipeline and storage.
func NewChatHandler(engine api.Agent, store *storage.Store, cfg *config.Config, sysCfg *config.SystemConfig) *ChatHandler {
	return &ChatHandler{
		engine:        engine,
		store:         store,
		config:        cfg,
		sysCfg:        sysCfg,
		conversations: make(map[string]string),
	}
}

// SetResponder implements api.ResponderAware.
func (h *ChatHandler) SetResponder(responder api.MessageResponder) {
	h.responder = responder
}

// SetMonitor wires the reply-side monitor broadcast.
func (h *ChatHandler) SetMonitor(m monitor.Monitor) {
	h.mon = m
}

// sessionKey identifies one conversation unit across messages.
func sessionKey(s api.SessionContext) string {
	return s.ChannelID + ":" + s.ChatID
}

// conversationID resolves (or creates) the persistent conversation backing a
// session. With persistence disabled it returns an empty ID.
func (h *ChatHandler) conversationID(ctx context.Context, session api.SessionContext) (string, error) {
	if h.store == nil {
		return "", nil
	}

	key := sessionKey(session)

	h.mu.Lock()
	id, ok := h.conversations[key]
	h.mu.Unlock()
	if ok {
		// Conversation may have been cleared behind our back
		if _, err := h.store.GetConversation(ctx, id); err == nil {
			return id, nil
		}
	}

	conv, err := h.store.CreateConversation(ctx, "")
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.conversations[key] = conv.ID
	h.mu.Unlock()

	slog.Info("✅ Conversation started", "channel", session.ChannelID, "conversation", conv.ID)
	return conv.ID, nil
}

// OnMessage is the primary entry point for processing incoming user messages.
func (h *ChatHandler) OnMessage(msg *api.UnifiedMessage) {
	if msg.DebugID == "" {
		b := make([]byte, 2)
		rand.Read(b)
		msg.DebugID = fmt.Sprintf("%x", b)
	}
	start := time.Now()

	slog.Info("Message received", "channel", msg.Session.ChannelID, "user", msg.Session.Username, "content", msg.Content, "debug_id", msg.DebugID)
	if len(msg.Files) > 0 {
		// 附件已由 channel 存檔；目前的回答管線只處理文字
		slog.Info("📎 Attachments saved", "count", len(msg.Files))
	}

	timeout := time.Duration(h.sysCfg.LLMTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = context.WithValue(ctx, llm.DebugDirContextKey, msg.DebugID)

	if strings.HasPrefix(msg.Content, "/") {
		h.handleSlashCommand(ctx, msg)
		return
	}

	convID, err := h.conversationID(ctx, msg.Session)
	if err != nil {
		slog.Error("Failed to resolve conversation", "error", err)
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		return
	}

	// History context excludes the current turn; the pipeline appends it
	var history []llm.Message
	if convID != "" {
		history, err = h.store.History(ctx, convID, h.sysCfg.HistoryWindow)
		if err != nil {
			slog.Warn("Failed to load history, continuing without context", "error", err)
			history = nil
		}
		if _, err := h.store.AddMessage(ctx, convID, "user", msg.Content, nil); err != nil {
			slog.Warn("Failed to persist user message", "error", err)
		}
	}

	var reply string
	var searchUsed bool
	if oneShotChannels[msg.Session.ChannelID] {
		reply, searchUsed = h.answerOneShot(ctx, msg, history)
	} else {
		reply, searchUsed = h.answerStreaming(ctx, msg, history)
	}

	h.broadcastReply(msg.Session, reply, searchUsed)

	if convID != "" && reply != "" {
		meta := map[string]any{"search_used": searchUsed}
		if _, err := h.store.AddMessage(ctx, convID, "assistant", reply, meta); err != nil {
			slog.Warn("Failed to persist assistant message", "error", err)
		}
	}

	slog.Info("Answer pipeline finished", "duration", time.Since(start).String(), "search_used", searchUsed, "debug_id", msg.DebugID)
}

// answerOneShot runs the pipeline in one-shot mode and sends the completed
// answer.
func (h *ChatHandler) answerOneShot(ctx context.Context, msg *api.UnifiedMessage, history []llm.Message) (string, bool) {
	h.responder.SendSignal(msg.Session, "thinking")

	result, err := h.engine.AnswerWithHistory(ctx, msg.Content, history)
	if err != nil {
		slog.Error("Answer pipeline failed", "error", err)
		reply := fmt.Sprintf("I apologize, but I encountered an error: %v", err)
		h.responder.SendReply(msg.Session, reply)
		return reply, false
	}

	if err := h.responder.SendReply(msg.Session, result.Text); err != nil {
		slog.Error("Failed to send reply", "error", err)
	}
	return result.Text, result.SearchUsed
}

// answerStreaming runs the pipeline in incremental mode, piping fragments to
// the channel as they arrive.
func (h *ChatHandler) answerStreaming(ctx context.Context, msg *api.UnifiedMessage, history []llm.Message) (string, bool) {
	// Show "thinking" if the first fragment takes a while
	thinking := time.AfterFunc(time.Duration(h.sysCfg.ThinkingInitDelayMs)*time.Millisecond, func() {
		h.responder.SendSignal(msg.Session, "thinking")
	})
	defer thinking.Stop()

	chunkCh := h.engine.StreamWithHistory(ctx, msg.Content, history)
	return h.pipeStream(msg.Session, chunkCh, thinking)
}

// pipeStream forwards pipeline fragments to the channel as content blocks and
// accumulates the full reply text. Search usage is detected from the decision
// invocations carried on the indicator fragment.
func (h *ChatHandler) pipeStream(session api.SessionContext, chunkCh <-chan llm.StreamChunk, thinking *time.Timer) (string, bool) {
	blockCh := make(chan llm.ContentBlock, h.sysCfg.InternalChannelBuffer)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := h.responder.StreamReply(session, blockCh); err != nil {
			slog.Error("Failed to stream reply", "error", err)
		}
	}()

	var text strings.Builder
	searchUsed := false
	first := true

	// Responder 提前返回（斷線、寫入失敗）後沒有人在讀 blockCh；
	// 之後的 block 直接丟棄，完整回覆仍會累積並寫入 storage
	responderGone := false
	send := func(block llm.ContentBlock) {
		if responderGone {
			return
		}
		select {
		case blockCh <- block:
		case <-streamDone:
			responderGone = true
		}
	}

	// 串流中途停頓過久時重新顯示 thinking 狀態；首個 fragment 抵達前由
	// 上層的 init 計時器負責
	var stall *time.Timer
	stallDelay := time.Duration(h.sysCfg.ThinkingTokenDelayMs) * time.Millisecond

	for chunk := range chunkCh {
		if first {
			first = false
			if thinking != nil {
				thinking.Stop()
			}
			if stallDelay > 0 {
				stall = time.AfterFunc(stallDelay, func() {
					h.responder.SendSignal(session, "thinking")
				})
			}
		} else if stall != nil {
			stall.Reset(stallDelay)
		}

		if len(chunk.ToolCalls) > 0 {
			searchUsed = true
		}

		if chunk.Error != "" {
			errText := fmt.Sprintf("\n❌ %s", chunk.Error)
			text.WriteString(errText)
			send(llm.NewErrorBlock(errText))
		}

		for _, block := range chunk.ContentBlocks {
			switch block.Type {
			case llm.BlockTypeText:
				text.WriteString(block.Text)
				send(block)
			case llm.BlockTypeThinking:
				if h.sysCfg.ShowThinking {
					send(block)
				}
			}
		}
	}

	if stall != nil {
		stall.Stop()
	}
	close(blockCh)
	<-streamDone

	return text.String(), searchUsed
}

// broadcastReply mirrors the completed assistant reply to the monitor.
func (h *ChatHandler) broadcastReply(session api.SessionContext, content string, searchUsed bool) {
	if h.mon == nil || content == "" {
		return
	}
	h.mon.OnMessage(monitor.MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: "ASSISTANT",
		ChannelID:   session.ChannelID,
		Username:    session.Username,
		Content:     content,
		SearchUsed:  searchUsed,
	})
}

// handleSlashCommand executes the chat management commands. Commands never
// enter the conversation history except /search, which runs the forced
// search pipeline and persists like a normal turn.
func (h *ChatHandler) handleSlashCommand(ctx context.Context, msg *api.UnifiedMessage) {
	parts := strings.SplitN(strings.TrimSpace(msg.Content), " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/help":
		h.responder.SendReply(msg.Session, helpText())

	case "/clear":
		h.commandClear(ctx, msg)

	case "/history":
		h.commandHistory(ctx, msg)

	case "/export":
		h.commandExport(ctx, msg)

	case "/search":
		h.commandSearch(ctx, msg, arg)

	case "/title":
		h.commandTitle(ctx, msg, arg)

	default:
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Unknown command: %s", cmd))
	}
}

func helpText() string {
	return strings.Join([]string{
		"Chat Commands:",
		"",
		"/help - Show this help message",
		"/search <query> - Search the internet and answer",
		"/history - Show conversation history",
		"/export - Export conversation to JSON",
		"/title <new title> - Rename current conversation",
		"/clear - Clear current conversation",
	}, "\n")
}

func (h *ChatHandler) commandClear(ctx context.Context, msg *api.UnifiedMessage) {
	if h.store == nil {
		h.responder.SendReply(msg.Session, "⚠️ Persistence is disabled, nothing to clear.")
		return
	}

	key := sessionKey(msg.Session)
	h.mu.Lock()
	id, ok := h.conversations[key]
	delete(h.conversations, key)
	h.mu.Unlock()

	if !ok {
		h.responder.SendReply(msg.Session, "No active conversation to clear.")
		return
	}

	if err := h.store.DeleteConversation(ctx, id); err != nil {
		slog.Error("Failed to clear conversation", "error", err)
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Failed to clear conversation: %v", err))
		return
	}
	h.responder.SendReply(msg.Session, "✅ Conversation cleared")
}

func (h *ChatHandler) commandTitle(ctx context.Context, msg *api.UnifiedMessage, title string) {
	if title == "" {
		h.responder.SendReply(msg.Session, "❌ Usage: /title <new title>")
		return
	}
	if h.store == nil {
		h.responder.SendReply(msg.Session, "⚠️ Persistence is disabled, nothing to rename.")
		return
	}

	h.mu.Lock()
	id, ok := h.conversations[sessionKey(msg.Session)]
	h.mu.Unlock()
	if !ok {
		h.responder.SendReply(msg.Session, "No active conversation to rename.")
		return
	}

	if err := h.store.UpdateTitle(ctx, id, title); err != nil {
		slog.Error("Failed to rename conversation", "error", err)
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Failed to rename conversation: %v", err))
		return
	}
	h.responder.SendReply(msg.Session, fmt.Sprintf("✅ Conversation renamed to: %s", title))
}

func (h *ChatHandler) commandHistory(ctx context.Context, msg *api.UnifiedMessage) {
	if h.store == nil {
		h.responder.SendReply(msg.Session, "⚠️ Persistence is disabled, no history available.")
		return
	}

	id, err := h.conversationID(ctx, msg.Session)
	if err != nil {
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		return
	}

	msgs, err := h.store.Messages(ctx, id, 0)
	if err != nil {
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		return
	}
	if len(msgs) == 0 {
		h.responder.SendReply(msg.Session, "No messages in this conversation yet.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation History (%d messages)\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&sb, "\n[%s] %s:\n%s\n", m.Timestamp.Local().Format("15:04:05"), strings.ToUpper(m.Role), m.Content)
	}
	h.responder.SendReply(msg.Session, sb.String())
}

func (h *ChatHandler) commandExport(ctx context.Context, msg *api.UnifiedMessage) {
	if h.store == nil {
		h.responder.SendReply(msg.Session, "⚠️ Persistence is disabled, nothing to export.")
		return
	}

	id, err := h.conversationID(ctx, msg.Session)
	if err != nil {
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		return
	}

	data, err := h.store.ExportJSON(ctx, id)
	if err != nil {
		h.responder.SendReply(msg.Session, fmt.Sprintf("❌ Export failed: %v", err))
		return
	}
	h.responder.SendReply(msg.Session, string(data))
}

// commandSearch forces the search pipeline for the given query.
func (h *ChatHandler) commandSearch(ctx context.Context, msg *api.UnifiedMessage, query string) {
	if query == "" {
		h.responder.SendReply(msg.Session, "❌ Usage: /search <query>")
		return
	}

	var reply string
	var searchUsed bool
	if oneShotChannels[msg.Session.ChannelID] {
		result, err := h.engine.SearchAnswer(ctx, query)
		if err != nil {
			slog.Error("Search pipeline failed", "error", err)
			h.responder.SendReply(msg.Session, fmt.Sprintf("I apologize, but I encountered an error: %v", err))
			return
		}
		reply = result.Text
		searchUsed = result.SearchUsed
		h.responder.SendReply(msg.Session, reply)
	} else {
		reply, searchUsed = h.pipeStream(msg.Session, h.engine.SearchStream(ctx, query), nil)
	}

	h.broadcastReply(msg.Session, reply, searchUsed)

	if convID, err := h.conversationID(ctx, msg.Session); err == nil && convID != "" && reply != "" {
		h.store.AddMessage(ctx, convID, "user", "/search "+query, nil)
		h.store.AddMessage(ctx, convID, "assistant", reply, map[string]any{"search_used": searchUsed})
	}
}
