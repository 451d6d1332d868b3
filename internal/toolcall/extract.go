// Package toolcall finds tool invocations and follow-up questions in LLM
// response text and splices tool results back into it.
//
// Three invocation syntaxes are recognized:
//
//	### TOOL_CALL{name:"readFile", path:"a.txt"}     relaxed JSON object
//	<TOOL>{"toolName":"readFile","parameters":{...}}</TOOL>
//	{{USE_TOOL:readFile:a.txt}}                      single positional argument
//
// Invocations are returned in source order with byte offsets so they can be
// replaced by result blocks.
package toolcall

import (
	"regexp"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/zps-zest/zest/pkg/models"
)

// MarkerPrefix introduces a canonical tool call.
const MarkerPrefix = "### TOOL_CALL"

// ArgParam is the parameter name a legacy positional argument is stored under.
const ArgParam = "arg"

const (
	tagOpen  = "<TOOL>"
	tagClose = "</TOOL>"
)

var legacyRe = regexp.MustCompile(`\{\{USE_TOOL:([\w-]+)(?::([^}]*))?\}\}`)

var (
	nameKeys   = []string{"name", "tool", "toolName", "tool_name"}
	nestedKeys = []string{"params", "parameters", "arguments", "args"}
	dropKeys   = []string{"reasoning"}
)

// Extract returns every tool invocation in text, ordered by start offset.
// Malformed bodies are returned with ParseError set rather than dropped.
// Markers that appear inside an already-substituted result block are ignored.
func Extract(text string) []models.ToolInvocation {
	var found []models.ToolInvocation
	found = append(found, scanMarkers(text)...)
	found = append(found, scanTags(text)...)
	found = append(found, scanLegacy(text)...)

	sort.SliceStable(found, func(i, j int) bool { return found[i].Start < found[j].Start })

	shielded := resultSpans(text)
	out := make([]models.ToolInvocation, 0, len(found))
	lastEnd := -1
	for _, inv := range found {
		if inv.Start < lastEnd || inside(shielded, inv.Start) {
			continue
		}
		out = append(out, inv)
		lastEnd = inv.End
	}
	return out
}

// HasToolCalls reports whether text contains at least one invocation.
func HasToolCalls(text string) bool {
	return len(Extract(text)) > 0
}

func scanMarkers(text string) []models.ToolInvocation {
	var out []models.ToolInvocation
	from := 0
	for {
		idx := strings.Index(text[from:], MarkerPrefix)
		if idx < 0 {
			return out
		}
		start := from + idx
		pos := start + len(MarkerPrefix)
		for pos < len(text) && isSpace(text[pos]) {
			pos++
		}
		if pos >= len(text) || text[pos] != '{' {
			from = start + len(MarkerPrefix)
			continue
		}

		end, ok := matchBrace(text, pos)
		if !ok {
			out = append(out, models.ToolInvocation{
				Raw:        text[start:],
				Start:      start,
				End:        len(text),
				Syntax:     models.SyntaxMarker,
				ParseError: "unterminated tool call: missing closing '}'",
			})
			return out
		}

		inv := parseBody(text[pos:end])
		inv.Raw = text[start:end]
		inv.Start = start
		inv.End = end
		inv.Syntax = models.SyntaxMarker
		out = append(out, inv)
		from = end
	}
}

func scanTags(text string) []models.ToolInvocation {
	var out []models.ToolInvocation
	from := 0
	for {
		idx := strings.Index(text[from:], tagOpen)
		if idx < 0 {
			return out
		}
		start := from + idx
		bodyStart := start + len(tagOpen)
		closeIdx := strings.Index(text[bodyStart:], tagClose)
		if closeIdx < 0 {
			out = append(out, models.ToolInvocation{
				Raw:        text[start:],
				Start:      start,
				End:        len(text),
				Syntax:     models.SyntaxTag,
				ParseError: "unterminated tool block: missing " + tagClose,
			})
			return out
		}
		end := bodyStart + closeIdx + len(tagClose)

		inv := parseBody(stripFence(text[bodyStart : bodyStart+closeIdx]))
		inv.Raw = text[start:end]
		inv.Start = start
		inv.End = end
		inv.Syntax = models.SyntaxTag
		out = append(out, inv)
		from = end
	}
}

func scanLegacy(text string) []models.ToolInvocation {
	var out []models.ToolInvocation
	for _, m := range legacyRe.FindAllStringSubmatchIndex(text, -1) {
		inv := models.ToolInvocation{
			Name:   text[m[2]:m[3]],
			Params: map[string]any{},
			Raw:    text[m[0]:m[1]],
			Start:  m[0],
			End:    m[1],
			Syntax: models.SyntaxLegacy,
		}
		if m[4] >= 0 {
			if arg := strings.TrimSpace(text[m[4]:m[5]]); arg != "" {
				inv.Params[ArgParam] = arg
			}
		}
		out = append(out, inv)
	}
	return out
}

// parseBody decodes a relaxed-JSON object into a name and flat parameters.
func parseBody(body string) models.ToolInvocation {
	var raw map[string]any
	if err := json5.Unmarshal([]byte(strings.TrimSpace(body)), &raw); err != nil {
		return models.ToolInvocation{ParseError: "malformed tool call parameters: " + err.Error()}
	}

	inv := models.ToolInvocation{Params: map[string]any{}}
	for _, k := range nameKeys {
		if s, ok := raw[k].(string); ok && s != "" {
			inv.Name = s
			delete(raw, k)
			break
		}
	}
	for _, k := range nestedKeys {
		if nested, ok := raw[k].(map[string]any); ok {
			for nk, nv := range nested {
				inv.Params[nk] = nv
			}
			delete(raw, k)
		}
	}
	for _, k := range dropKeys {
		delete(raw, k)
	}
	for k, v := range raw {
		if _, set := inv.Params[k]; !set {
			inv.Params[k] = v
		}
	}

	if inv.Name == "" {
		inv.ParseError = "invalid tool invocation: missing tool name"
	}
	return inv
}

// matchBrace returns the offset just past the '}' matching text[open].
// Quoted strings (single or double) and escapes are skipped.
func matchBrace(text string, open int) (int, bool) {
	depth := 0
	var quote byte
	for i := open; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func stripFence(body string) string {
	s := strings.TrimSpace(body)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

type span struct{ start, end int }

// resultSpans returns the complete result blocks in text. A header that is
// not followed by a footer shields nothing.
func resultSpans(text string) []span {
	open := ResultHeader + " ("
	var spans []span
	from := 0
	for {
		idx := strings.Index(text[from:], open)
		if idx < 0 {
			return spans
		}
		start := from + idx
		endIdx := strings.Index(text[start:], ResultFooter)
		if endIdx < 0 {
			return spans
		}
		end := start + endIdx + len(ResultFooter)
		spans = append(spans, span{start, end})
		from = end
	}
}

func inside(spans []span, pos int) bool {
	for _, s := range spans {
		if pos >= s.start && pos < s.end {
			return true
		}
	}
	return false
}
