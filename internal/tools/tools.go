// Package tools holds the built-in tools the agent can call against the
// workspace.
package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zps-zest/zest/internal/approval"
	"github.com/zps-zest/zest/internal/toolgw"
	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

// Options wires the tools to their collaborators.
type Options struct {
	// Approver confirms edits to existing files. Nil applies edits directly.
	Approver contracts.Approver
	// CreateApprover confirms new files. Falls back to Approver when nil.
	CreateApprover contracts.Approver
}

// Builtins returns every built-in tool bound to ws.
func Builtins(ws *workspace.Workspace, opts Options) []contracts.Tool {
	create := opts.CreateApprover
	if create == nil {
		create = opts.Approver
	}
	return []contracts.Tool{
		&ReadFile{ws: ws},
		&ListFiles{ws: ws},
		&SearchText{ws: ws},
		&FindSymbols{ws: ws},
		&FindReferences{ws: ws},
		&AnalyzeProblems{ws: ws},
		&WriteFile{ws: ws, approver: opts.Approver},
		&CreateFile{ws: ws, approver: create},
		&ReplaceInFile{ws: ws, approver: opts.Approver},
	}
}

// Register adds the built-in tools to gw.
func Register(gw *toolgw.Gateway, ws *workspace.Workspace, opts Options) {
	gw.MustRegister(Builtins(ws, opts)...)
}

// ── Schema helpers ──────────────────────────────────────────

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

// ── Shared ──────────────────────────────────────────────────

var errRejected = errors.New("change rejected by user")

// confirm asks approver about a change. A nil approver accepts everything.
func confirm(ctx context.Context, approver contracts.Approver, p contracts.Proposal) error {
	if approver == nil {
		return nil
	}
	ok, err := approver.Request(ctx, p)
	if err != nil {
		if errors.Is(err, approval.ErrTimeout) {
			return toolgw.WithKind(models.ToolErrTimeout, fmt.Errorf("no decision on change to %s: %w", p.Path, err))
		}
		return err
	}
	if !ok {
		return toolgw.WithKind(models.ToolErrRejected, fmt.Errorf("%s: %w", p.Path, errRejected))
	}
	return nil
}

var fenceLang = map[string]string{
	".go": "go", ".java": "java", ".kt": "kotlin", ".py": "python",
	".js": "javascript", ".ts": "typescript", ".json": "json", ".yaml": "yaml",
	".yml": "yaml", ".md": "markdown", ".sql": "sql", ".sh": "bash", ".xml": "xml",
}

// fenced wraps content in a code fence labelled with the file's language.
func fenced(path, content string) string {
	lang := fenceLang[strings.ToLower(filepath.Ext(path))]
	return "```" + lang + "\n" + strings.TrimRight(content, "\n") + "\n```"
}
