package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"atlas/pkg/api"
	"atlas/pkg/llm"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Executor resolves tool calls requested by the model against the registry.
// Every failure mode is folded into a JSON payload that goes back into the
// conversation as a tool result — the model gets a chance to recover, the
// caller never sees an error from Execute.
type Executor struct {
	registry api.ToolRegistry
}

// NewExecutor creates an executor backed by the given registry.
func NewExecutor(registry api.ToolRegistry) *Executor {
	return &Executor{registry: registry}
}

// errorPayload serializes an error description map, falling back to a plain
// string if even that marshaling fails.
func errorPayload(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, fmt.Sprint(fields["error"]))
	}
	return string(b)
}

// availableToolNames returns the sorted names of all registered tools.
func (e *Executor) availableToolNames() []string {
	all := e.registry.GetAll()
	names := make([]string, 0, len(all))
	for _, t := range all {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}

// Execute runs a single tool call and returns the serialized result string.
// Unknown tools, malformed arguments, execution failures and panics all
// produce a descriptive JSON payload instead of an error.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (result string) {
	name := call.Name
	if name == "" {
		name = call.Function.Name
	}
	// Some providers qualify the name with a namespace prefix
	name = strings.TrimPrefix(name, "functions.")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "tool", name, "panic", r)
			result = errorPayload(map[string]any{
				"error":    fmt.Sprintf("Tool execution failed: %v", r),
				"function": name,
			})
		}
	}()

	tool, ok := e.registry.Get(name)
	if !ok {
		slog.Warn("Unknown tool requested", "tool", name)
		return errorPayload(map[string]any{
			"error":           fmt.Sprintf("Unknown tool: %s", name),
			"available_tools": e.availableToolNames(),
		})
	}

	rawArgs := call.Function.Arguments
	if rawArgs == "" {
		rawArgs = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		slog.Warn("Invalid tool arguments", "tool", name, "error", err)
		return errorPayload(map[string]any{
			"error":     fmt.Sprintf("Invalid arguments JSON: %v", err),
			"arguments": call.Function.Arguments,
		})
	}

	slog.Info("🛠️ Executing tool", "tool", name)

	res, err := tool.Execute(ctx, args)
	if err != nil {
		slog.Error("Tool execution failed", "tool", name, "error", err)
		return errorPayload(map[string]any{
			"error":    fmt.Sprintf("Tool execution failed: %v", err),
			"function": name,
		})
	}

	return flattenResult(res)
}

// ExecuteAll resolves every call in order and returns results keyed by call ID.
// Calls run sequentially: result ordering in the conversation must follow the
// order the model requested them in.
func (e *Executor) ExecuteAll(ctx context.Context, calls []llm.ToolCall) map[string]string {
	results := make(map[string]string, len(calls))
	for _, call := range calls {
		results[call.ID] = e.Execute(ctx, call)
	}
	return results
}

// flattenResult joins the text blocks of a tool result into the string that
// feeds back into the conversation.
func flattenResult(res *api.ToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range res.Content {
		if block.Type == "text" && block.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
