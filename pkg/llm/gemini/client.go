package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"atlas/pkg/llm"
	"atlas/pkg/utils"

	"google.golang.org/genai"
)

// GeminiClient Google Gemini API client
type GeminiClient struct {
	client       *genai.Client
	model        string
	useThought   bool
	debugEnabled bool
}

// SetDebug implements the llm.LLMClient interface
func (g *GeminiClient) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

// NewGeminiClient creates a Gemini client with a single model and API key
func NewGeminiClient(apiKey string, model string, useThought bool) *GeminiClient {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Fatalf("❌ Fatal: Failed to create Gemini client: %v", err)
	}

	return &GeminiClient{
		client:     client,
		model:      model,
		useThought: useThought,
	}
}

func (g *GeminiClient) Provider() string {
	return "gemini"
}

// formatModality formats ModalityTokenCount array for logging
func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

// convertTools converts tool definitions to GenAI function declarations
func (g *GeminiClient) convertTools(availableTools []llm.Tool) []*genai.Tool {
	if len(availableTools) == 0 {
		return nil
	}

	var fds []*genai.FunctionDeclaration
	for _, t := range availableTools {
		fd := &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
		}
		schemaB, _ := json.Marshal(map[string]any{
			"type":       "object",
			"properties": t.Parameters(),
			"required":   t.RequiredParameters(),
		})
		var schema genai.Schema
		if json.Unmarshal(schemaB, &schema) == nil {
			fd.Parameters = &schema
		}
		fds = append(fds, fd)
	}

	return []*genai.Tool{{FunctionDeclarations: fds}}
}

// buildConfig assembles the generation config shared by Chat and StreamChat
func (g *GeminiClient) buildConfig(systemInstruction *genai.Content, genaiTools []*genai.Tool) *genai.GenerateContentConfig {
	var thinkingCfg *genai.ThinkingConfig
	if g.useThought {
		thinkingCfg = &genai.ThinkingConfig{
			IncludeThoughts: true,
		}
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
		Tools:             genaiTools,
		ThinkingConfig:    thinkingCfg,
	}
}

// Chat implements llm.LLMClient.Chat (single blocking call, tools allowed)
func (g *GeminiClient) Chat(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (*llm.ChatResponse, error) {
	apiMessages, systemInstruction := g.convertMessages(messages)
	genaiTools := g.convertTools(availableTools)

	log.Printf("[Gemini] 💬 Chat with model: %s...", g.model)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, apiMessages, g.buildConfig(systemInstruction, genaiTools))
	if err != nil {
		return nil, llm.NewServiceError("gemini", err)
	}

	msg := llm.Message{
		Role:      "assistant",
		Content:   []llm.ContentBlock{},
		Timestamp: time.Now().Unix(),
	}
	finishReason := llm.StopReasonStop

	var usage *llm.LLMUsage
	if resp.UsageMetadata != nil {
		u := resp.UsageMetadata
		usage = &llm.LLMUsage{
			PromptTokens:     int(u.PromptTokenCount),
			PromptDetail:     formatModality(u.PromptTokensDetails),
			CompletionTokens: int(u.CandidatesTokenCount),
			CompletionDetail: formatModality(u.CandidatesTokensDetails),
			TotalTokens:      int(u.TotalTokenCount),
			ThoughtsTokens:   int(u.ThoughtsTokenCount),
			CachedTokens:     int(u.CachedContentTokenCount),
		}
	}

	for _, candidate := range resp.Candidates {
		if candidate.FinishReason != "" {
			switch candidate.FinishReason {
			case genai.FinishReasonMaxTokens:
				finishReason = llm.StopReasonLength
			default:
				finishReason = llm.StopReasonStop
			}
			if usage != nil {
				usage.StopReason = string(candidate.FinishReason)
			}
		}

		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				if part.Thought {
					msg.Content = append(msg.Content, llm.NewThinkingBlock(part.Text))
				} else {
					msg.Content = append(msg.Content, llm.NewTextBlock(part.Text))
				}
			}

			if part.FunctionCall != nil {
				argsB, _ := json.Marshal(part.FunctionCall.Args)
				id := part.FunctionCall.ID
				if id == "" {
					// Gemini often omits call IDs; mint one so downstream
					// correlation of call and result stays stable
					id = utils.GenerateID()
				}
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:   id,
					Name: part.FunctionCall.Name,
					Function: llm.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(argsB),
					},
					// Save original FunctionCall for reconstruction (includes thought_signature, etc.)
					Meta: map[string]any{
						"gemini_function_call": part.FunctionCall,
					},
				})
				log.Printf("[Gemini] 🛠️ Tool Call: %s(%s)", part.FunctionCall.Name, string(argsB))
			}
		}
	}

	if usage != nil {
		msg.Usage = usage
		llm.LogUsage(g.model, usage)
	}

	return &llm.ChatResponse{
		Message:      msg,
		Usage:        usage,
		FinishReason: finishReason,
	}, nil
}

// StreamChat implements llm.LLMClient.StreamChat
func (g *GeminiClient) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.Tool) (<-chan llm.StreamChunk, error) {
	// Convert messages
	apiMessages, systemInstruction := g.convertMessages(messages)
	genaiTools := g.convertTools(availableTools)

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	log.Printf("[Gemini] 🌊 Streaming with model: %s...", g.model)

	go func() {
		defer close(chunkCh)

		// 消費端取消後放棄 channel 時，producer 不可卡死在 send
		emit := func(chunk llm.StreamChunk) bool {
			select {
			case chunkCh <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		iter := g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, g.buildConfig(systemInstruction, genaiTools))

		started := false
		var lastUsage *llm.LLMUsage

		// If debug mode is enabled, open file once for the entire stream
		var debugFile *os.File
		if g.debugEnabled {
			debugID, _ := ctx.Value(llm.DebugDirContextKey).(string)
			if debugID == "" {
				debugID = time.Now().Format("20060102_150405")
			}
			debugDir := filepath.Join("debug", "chunks", "gemini")
			_ = os.MkdirAll(debugDir, 0755)
			debugFilePath := filepath.Join(debugDir, fmt.Sprintf("%s.log", debugID))
			log.Printf("[Gemini] 🛠️ Debug mode ON. Chunks will be appended to: %s", debugFilePath)
			if f, err := os.OpenFile(debugFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				debugFile = f
				defer debugFile.Close()
			}
		}

		for resp, err := range iter {
			// Save raw packet
			if debugFile != nil && resp != nil {
				jsonData, _ := json.Marshal(resp)
				debugFile.Write(jsonData)
				debugFile.WriteString("\n")
			}
			if err != nil {
				// Try to process last resp if available
				// Google GenAI SDK iterator might return some data along with the error
				if resp == nil {
					log.Printf("Gemini Stream Error: %v", err)
					if !started {
						startResultCh <- llm.NewServiceError("gemini", err)
					} else {
						// Stream interrupted, notify user
						emit(llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), llm.NewServiceError("gemini", err), true))
					}
					break
				}
				// If err != nil but resp != nil, continue processing this resp, then handle error in next iteration
				log.Printf("Gemini Stream Error (with data): %v", err)
			}

			if !started {
				started = true
				startResultCh <- nil // First chunk successful
			}

			// Capture Usage Metadata (usually in the last chunk)
			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					PromptDetail:     formatModality(u.PromptTokensDetails),
					CompletionTokens: int(u.CandidatesTokenCount),
					CompletionDetail: formatModality(u.CandidatesTokensDetails),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = string(candidate.FinishReason)
					if candidate.FinishReason == genai.FinishReasonMaxTokens {
						if !emit(llm.NewErrorChunk("Response truncated due to max tokens limit. You might want to adjust your prompt or settings.", nil, false)) {
							return
						}
					}
				}

				if candidate.Content != nil {
					var blocks []llm.ContentBlock
					var toolCalls []llm.ToolCall

					for _, part := range candidate.Content.Parts {
						if part.Text != "" {
							if part.Thought {
								// Thinking content
								blocks = append(blocks, llm.ContentBlock{
									Type: "thinking",
									Text: part.Text,
								})
							} else {
								// Normal response
								blocks = append(blocks, llm.ContentBlock{
									Type: "text",
									Text: part.Text,
								})
							}
						}

						if part.FunctionCall != nil {
							// Tool call
							argsB, _ := json.Marshal(part.FunctionCall.Args)
							id := part.FunctionCall.ID
							if id == "" {
								id = utils.GenerateID()
							}
							toolCalls = append(toolCalls, llm.ToolCall{
								ID:   id,
								Name: part.FunctionCall.Name,
								Function: llm.FunctionCall{
									Name:      part.FunctionCall.Name,
									Arguments: string(argsB),
								},
								// Save original FunctionCall for reconstruction (includes thought_signature, etc.)
								Meta: map[string]any{
									"gemini_function_call": part.FunctionCall,
								},
							})
							log.Printf("[Gemini] 🛠️ Tool Call: %s(%s)", part.FunctionCall.Name, string(argsB))
						}
					}

					if len(blocks) > 0 || len(toolCalls) > 0 {
						if !emit(llm.StreamChunk{ContentBlocks: blocks, ToolCalls: toolCalls}) {
							return
						}
					}
				}
			}
		}

		// Send final chunk (with usage stats)
		if lastUsage != nil {
			if !emit(llm.NewFinalChunk(lastUsage.StopReason, lastUsage)) {
				return
			}
			llm.LogUsage(g.model, lastUsage)
		}
	}()

	// Wait for initialization result (first chunk or immediate error)
	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// convertMessages converts message list to GenAI format
func (g *GeminiClient) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			// System role as SystemInstruction
			var parts []*genai.Part
			for _, block := range msg.Content {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			}
			if len(parts) > 0 {
				systemInstruction = &genai.Content{Parts: parts}
			}
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		if msg.Role == "tool" {
			name := msg.ToolName
			if name == "" {
				name = msg.ToolCallID
			}
			genaiContents = append(genaiContents, &genai.Content{
				Role: "user", // Tool results are part of user role in Gemini
				Parts: []*genai.Part{
					{
						FunctionResponse: &genai.FunctionResponse{
							ID:       msg.ToolCallID,
							Name:     name,
							Response: map[string]any{"result": msg.GetTextContent()},
						},
					},
				},
			})
			continue
		}

		var parts []*genai.Part
		// Check for previous ToolCalls (Gemini requires echoing them before response)
		if len(msg.ToolCalls) > 0 {
			for _, tc := range msg.ToolCalls {
				// Use original FunctionCall if available (includes thought_signature)
				if tc.Meta != nil {
					if originalFC, ok := tc.Meta["gemini_function_call"].(*genai.FunctionCall); ok {
						parts = append(parts, &genai.Part{
							FunctionCall: originalFC,
						})
						continue
					}
				}

				// Rebuild manually if original data is missing (may miss thought_signature)
				var args map[string]any
				json.Unmarshal([]byte(tc.Function.Arguments), &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: args,
					},
				})
			}
		}

		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue // 略過空文本
				}
				parts = append(parts, &genai.Part{Text: block.Text})

			case "thinking":
				if block.Text == "" {
					continue
				}
				// Mark reasoning content as Thought when saving
				parts = append(parts, &genai.Part{
					Text:    block.Text,
					Thought: true,
				})

			case "image":
				if block.Source != nil && len(block.Source.Data) > 0 {
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{
							MIMEType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				}
			}
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	return genaiContents, systemInstruction
}

// IsTransientError implements the llm.LLMClient interface
func (g *GeminiClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()

	// 1. Google API common 503 Service Unavailable / Overloaded
	if strings.Contains(errMsg, "503") || strings.Contains(strings.ToLower(errMsg), "overloaded") {
		return true
	}

	// 2. 429 Too Many Requests (Rate Limit)
	if strings.Contains(errMsg, "429") || strings.Contains(strings.ToLower(errMsg), "resource exhausted") {
		return true
	}

	// 3. 500 Internal Error (Occasional Google Gemini crashes)
	if strings.Contains(errMsg, "500") || strings.Contains(strings.ToLower(errMsg), "internal error") {
		return true
	}

	return false
}
