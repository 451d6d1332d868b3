package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/models"
)

// ReadFile returns a file's content, optionally limited to a line range.
type ReadFile struct{ ws *workspace.Workspace }

func (t *ReadFile) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:         "readFile",
		Description:  "Read a file from the project. Optional startLine/endLine (1-based, inclusive) limit the range.",
		PrimaryParam: "path",
		InputSchema: objectSchema([]string{"path"}, map[string]any{
			"path":      str("File path relative to the project root"),
			"startLine": integer("First line to return"),
			"endLine":   integer("Last line to return"),
		}),
	}
}

func (t *ReadFile) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	path := inv.StringParam("path")
	content, err := t.ws.ReadFile(path)
	if err != nil {
		return "", err
	}

	start := inv.IntParam("startLine", 0)
	end := inv.IntParam("endLine", 0)
	if start > 0 || end > 0 {
		lines := strings.Split(content, "\n")
		if start < 1 {
			start = 1
		}
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return "", fmt.Errorf("invalid line range %d-%d for %s (%d lines)", start, end, path, len(lines))
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return fmt.Sprintf("File: %s\n%s", path, fenced(path, content)), nil
}

// ListFiles lists a directory.
type ListFiles struct{ ws *workspace.Workspace }

func (t *ListFiles) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:         "listFiles",
		Description:  "List files and directories. depth defaults to 1 (direct children).",
		PrimaryParam: "path",
		InputSchema: objectSchema(nil, map[string]any{
			"path":  str("Directory relative to the project root; defaults to the root"),
			"depth": integer("How many levels to descend"),
		}),
	}
}

func (t *ListFiles) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	dir := inv.StringParam("path")
	entries, err := t.ws.List(dir, inv.IntParam("depth", 1))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Path)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
		}
	}
	return b.String(), nil
}

// SearchText greps the project.
type SearchText struct{ ws *workspace.Workspace }

func (t *SearchText) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:         "searchText",
		Description:  "Search project files for a regular expression. glob filters by file name, e.g. *.go.",
		PrimaryParam: "pattern",
		InputSchema: objectSchema([]string{"pattern"}, map[string]any{
			"pattern":    str("Regular expression (RE2 syntax)"),
			"glob":       str("File name pattern"),
			"maxResults": integer("Maximum matches to return (default 50)"),
		}),
	}
}

func (t *SearchText) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	re, err := regexp.Compile(inv.StringParam("pattern"))
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	matches, err := t.ws.Search(re, inv.StringParam("glob"), inv.IntParam("maxResults", 50))
	if err != nil {
		return "", err
	}
	return formatMatches(matches), nil
}

// FindSymbols looks up declarations by name.
type FindSymbols struct{ ws *workspace.Workspace }

func (t *FindSymbols) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:         "findSymbols",
		Description:  "Find functions, methods, types and classes whose name contains query.",
		PrimaryParam: "query",
		InputSchema: objectSchema([]string{"query"}, map[string]any{
			"query": str("Case-insensitive name fragment"),
		}),
	}
}

func (t *FindSymbols) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	syms, err := t.ws.Symbols(ctx, inv.StringParam("query"), 100)
	if err != nil {
		return "", err
	}
	if len(syms) == 0 {
		return "No symbols found.", nil
	}
	var b strings.Builder
	for _, s := range syms {
		fmt.Fprintf(&b, "%s:%d %s %s", s.Path, s.Line, s.Kind, s.Name)
		if s.Signature != "" {
			fmt.Fprintf(&b, "  %s", s.Signature)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// FindReferences lists whole-word uses of a symbol.
type FindReferences struct{ ws *workspace.Workspace }

func (t *FindReferences) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:         "findReferences",
		Description:  "Find lines that reference a symbol by name.",
		PrimaryParam: "symbol",
		InputSchema: objectSchema([]string{"symbol"}, map[string]any{
			"symbol": str("Exact identifier"),
		}),
	}
}

func (t *FindReferences) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	matches, err := t.ws.References(inv.StringParam("symbol"), 100)
	if err != nil {
		return "", err
	}
	return formatMatches(matches), nil
}

// AnalyzeProblems reports syntax errors in a file.
type AnalyzeProblems struct{ ws *workspace.Workspace }

func (t *AnalyzeProblems) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:         "analyzeProblems",
		Description:  "Report syntax problems in a source file.",
		PrimaryParam: "path",
		InputSchema: objectSchema([]string{"path"}, map[string]any{
			"path": str("File path relative to the project root"),
		}),
	}
}

func (t *AnalyzeProblems) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	path := inv.StringParam("path")
	problems, err := t.ws.Problems(ctx, path)
	if err != nil {
		return "", err
	}
	if len(problems) == 0 {
		return fmt.Sprintf("No problems found in %s.", path), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d problem(s) in %s:\n", len(problems), path)
	for _, p := range problems {
		fmt.Fprintf(&b, "%d:%d %s\n", p.Line, p.Column, p.Message)
	}
	return b.String(), nil
}

func formatMatches(matches []workspace.Match) string {
	if len(matches) == 0 {
		return "No matches found."
	}
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
	}
	return b.String()
}
