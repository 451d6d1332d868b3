package toolcall

import (
	"fmt"
	"strings"

	"github.com/zps-zest/zest/pkg/models"
)

const (
	// ResultHeader opens a substituted tool result block.
	ResultHeader = "### TOOL RESULT"
	// ResultFooter closes a substituted tool result block.
	ResultFooter = "### END TOOL RESULT"
)

// FormatResult renders one result block.
func FormatResult(r models.ToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", ResultHeader, r.Name)
	if r.IsError {
		b.WriteString("Status: error\n")
	}
	content := strings.TrimRight(r.Content, "\n")
	if strings.HasPrefix(strings.TrimSpace(content), "```") {
		b.WriteString(content)
	} else {
		b.WriteString("```\n")
		b.WriteString(content)
		b.WriteString("\n```")
	}
	b.WriteString("\n")
	b.WriteString(ResultFooter)
	return b.String()
}

// Substitute replaces each invocation span in text with the matching result
// block. invs must come from Extract(text); results[i] belongs to invs[i].
func Substitute(text string, invs []models.ToolInvocation, results []models.ToolResult) string {
	if len(invs) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for i, inv := range invs {
		if inv.Start < cursor || inv.End > len(text) {
			continue
		}
		b.WriteString(text[cursor:inv.Start])
		if i < len(results) {
			b.WriteString(FormatResult(results[i]))
		} else {
			b.WriteString(text[inv.Start:inv.End])
		}
		cursor = inv.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// HasResultBlocks reports whether text carries at least one substituted result.
func HasResultBlocks(text string) bool {
	return strings.Contains(text, ResultHeader)
}
