package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

// WriteFile replaces a file's content after the user approves the diff.
type WriteFile struct {
	ws       *workspace.Workspace
	approver contracts.Approver
}

func (t *WriteFile) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "writeFile",
		Description: "Replace the whole content of a file. The user reviews a diff before it is applied.",
		Mutating:    true,
		InputSchema: objectSchema([]string{"path", "content"}, map[string]any{
			"path":    str("File path relative to the project root"),
			"content": str("New file content"),
		}),
	}
}

func (t *WriteFile) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	path := inv.StringParam("path")
	content := inv.StringParam("content")

	before, err := t.ws.ReadFile(path)
	if err != nil && !errors.Is(err, workspace.ErrNotFound) {
		return "", err
	}
	if before == content {
		return fmt.Sprintf("%s is unchanged.", path), nil
	}

	if err := confirm(ctx, t.approver, contracts.Proposal{Path: path, Before: before, After: content, Summary: "Rewrite " + path}); err != nil {
		return "", err
	}
	err = t.ws.Update(path, func(current string, rerr error) (string, error) {
		if rerr != nil && !errors.Is(rerr, workspace.ErrNotFound) {
			return "", rerr
		}
		if current != before {
			return "", fmt.Errorf("%s changed while the edit was awaiting approval", path)
		}
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s.", len(content), path), nil
}

// CreateFile creates a new file; it refuses to overwrite.
type CreateFile struct {
	ws       *workspace.Workspace
	approver contracts.Approver
}

func (t *CreateFile) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "createFile",
		Description: "Create a new file. Fails if the file already exists.",
		Mutating:    true,
		InputSchema: objectSchema([]string{"path", "content"}, map[string]any{
			"path":    str("File path relative to the project root"),
			"content": str("File content"),
		}),
	}
}

func (t *CreateFile) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	path := inv.StringParam("path")
	content := inv.StringParam("content")

	if t.ws.Exists(path) {
		return "", fmt.Errorf("%s: %w", path, workspace.ErrExists)
	}
	if err := confirm(ctx, t.approver, contracts.Proposal{Path: path, After: content, Summary: "Create " + path}); err != nil {
		return "", err
	}
	if err := t.ws.CreateFile(path, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created %s (%d bytes).", path, len(content)), nil
}

// ReplaceInFile swaps literal text inside a file after approval.
type ReplaceInFile struct {
	ws       *workspace.Workspace
	approver contracts.Approver
}

func (t *ReplaceInFile) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "replaceInFile",
		Description: "Replace literal text in a file. Replaces the first occurrence unless all is true. The user reviews a diff first.",
		Mutating:    true,
		InputSchema: objectSchema([]string{"path", "search", "replace"}, map[string]any{
			"path":    str("File path relative to the project root"),
			"search":  map[string]any{"type": "string", "minLength": 1, "description": "Exact text to find"},
			"replace": str("Replacement text"),
			"all":     boolean("Replace every occurrence"),
		}),
	}
}

func (t *ReplaceInFile) Execute(ctx context.Context, inv models.ToolInvocation) (string, error) {
	path := inv.StringParam("path")
	search := inv.StringParam("search")
	replace := inv.StringParam("replace")
	all, _ := inv.Params["all"].(bool)

	before, err := t.ws.ReadFile(path)
	if err != nil {
		return "", err
	}
	count := strings.Count(before, search)
	if count == 0 {
		return "", fmt.Errorf("search text not found in %s", path)
	}

	n := 1
	if all {
		n = -1
	} else {
		count = 1
	}
	after := strings.Replace(before, search, replace, n)

	if err := confirm(ctx, t.approver, contracts.Proposal{Path: path, Before: before, After: after, Summary: fmt.Sprintf("Replace %d occurrence(s) in %s", count, path)}); err != nil {
		return "", err
	}

	// Apply against the current content so a concurrent edit is not clobbered.
	err = t.ws.Update(path, func(current string, rerr error) (string, error) {
		if rerr != nil {
			return "", rerr
		}
		if current != before {
			return "", fmt.Errorf("%s changed while the edit was awaiting approval", path)
		}
		return after, nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s.", count, path), nil
}
