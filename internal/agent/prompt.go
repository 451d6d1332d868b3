package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zps-zest/zest/internal/toolcall"
	"github.com/zps-zest/zest/pkg/models"
)

// DefaultSystemPrompt is used when neither the driver nor the request sets one.
const DefaultSystemPrompt = "You are Zest, a coding assistant working inside the user's project. " +
	"Use the tools to look at the code before answering. Never invent file contents."

// ContinuePrompt is appended after a round of tool results.
const ContinuePrompt = "Continue with the previous tool result. Call more tools if you need them, " +
	"otherwise give your final answer without any tool call."

// BuildPrompt renders the first prompt of a run: tool catalog, calling
// convention, the recent conversation, editor context and the request.
func BuildPrompt(specs []models.ToolSpec, req Request, window int) string {
	var b strings.Builder

	if len(specs) > 0 {
		b.WriteString("## Tools\n")
		for _, s := range specs {
			fmt.Fprintf(&b, "- %s(%s): %s\n", s.Name, describeParams(s.InputSchema), s.Description)
		}
		b.WriteString("\nTo call a tool, write on its own line:\n")
		b.WriteString(toolcall.MarkerPrefix + `{"name": "readFile", "path": "src/main.go"}` + "\n")
		b.WriteString("You may call several tools in one reply; they run in order and their output comes back in " +
			toolcall.ResultHeader + " blocks.\n")
		b.WriteString("To ask the user a question instead, write:\n" +
			toolcall.FollowUpBegin + "\n<your question>\n" + toolcall.FollowUpEnd + "\n\n")
	}

	if hist := Window(req.History, window); len(hist) > 0 {
		b.WriteString("## Conversation so far\n")
		for _, m := range hist {
			fmt.Fprintf(&b, "%s: %s\n", m.Label(), m.Content)
		}
		b.WriteString("\n")
	}

	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		b.WriteString("## Context\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}

	b.WriteString("## Request\n")
	b.WriteString(strings.TrimSpace(req.Input))
	return b.String()
}

// Window returns the last n non-system messages in chronological order.
// n <= 0 keeps all of them.
func Window(history []models.ChatMessage, n int) []models.ChatMessage {
	var out []models.ChatMessage
	for _, m := range history {
		if m.Role != models.RoleSystem {
			out = append(out, m)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// describeParams lists schema properties, marking optional ones with "?".
func describeParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	switch r := schema["required"].(type) {
	case []string:
		for _, k := range r {
			required[k] = true
		}
	case []any:
		for _, k := range r {
			if s, ok := k.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})
	for i, k := range names {
		if !required[k] {
			names[i] = k + "?"
		}
	}
	return strings.Join(names, ", ")
}
