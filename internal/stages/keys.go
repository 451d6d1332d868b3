package stages

import (
	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/models"
)

// ── Context keys ────────────────────────────────────────────

// Inputs, seeded by NewContext.
var (
	KeyTarget    = pipeline.NewKey[string]("target")
	KeyLine      = pipeline.NewKey[int]("line")
	KeyDiff      = pipeline.NewKey[string]("diff")
	KeyBranch    = pipeline.NewKey[string]("branch")
	KeySessionID = pipeline.NewKey[string]("session_id")
)

// Written by the stages.
var (
	KeySettings      = pipeline.NewKey[Settings]("settings")
	KeyCode          = pipeline.NewKey[string]("code")
	KeyLanguage      = pipeline.NewKey[string]("language")
	KeySymbol        = pipeline.NewKey[workspace.Symbol]("symbol")
	KeySymbolSource  = pipeline.NewKey[string]("symbol_source")
	KeyAnalysis      = pipeline.NewKey[Analysis]("analysis")
	KeyChangedFiles  = pipeline.NewKey[[]string]("changed_files")
	KeyDiffStats     = pipeline.NewKey[models.DiffStats]("diff_stats")
	KeyPrompt        = pipeline.NewKey[string]("prompt")
	KeyResponse      = pipeline.NewKey[string]("response")
	KeyAgentTurns    = pipeline.NewKey[int]("agent_turns")
	KeyGeneratedCode = pipeline.NewKey[string]("generated_code")
	KeyOutputPath    = pipeline.NewKey[string]("output_path")
	KeyCommitShort   = pipeline.NewKey[string]("commit_short")
	KeyCommitLong    = pipeline.NewKey[string]("commit_long")
)

// Input is what a caller supplies to start a workflow run.
type Input struct {
	Target    string `json:"target,omitempty"`
	Line      int    `json:"line,omitempty"`
	Diff      string `json:"diff,omitempty"`
	Branch    string `json:"branch,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// NewContext seeds a pipeline context from in. Zero fields are left unset
// so stage preconditions catch them.
func NewContext(in Input) *pipeline.Context {
	pc := pipeline.NewContext()
	if in.Target != "" {
		pipeline.Set(pc, KeyTarget, in.Target)
	}
	if in.Line > 0 {
		pipeline.Set(pc, KeyLine, in.Line)
	}
	if in.Diff != "" {
		pipeline.Set(pc, KeyDiff, in.Diff)
	}
	if in.Branch != "" {
		pipeline.Set(pc, KeyBranch, in.Branch)
	}
	if in.SessionID != "" {
		pipeline.Set(pc, KeySessionID, in.SessionID)
	}
	return pc
}

// Output collects the user-facing results of a finished (or failed) run.
func Output(pc *pipeline.Context) map[string]any {
	out := make(map[string]any)
	if v, ok := pipeline.Get(pc, KeyOutputPath); ok {
		out["output_path"] = v
	}
	if v, ok := pipeline.Get(pc, KeyCommitShort); ok {
		out["commit_short"] = v
	}
	if v, ok := pipeline.Get(pc, KeyCommitLong); ok {
		out["commit_long"] = v
	}
	if v, ok := pipeline.Get(pc, KeyResponse); ok {
		out["response"] = v
	}
	if v, ok := pipeline.Get(pc, KeyAgentTurns); ok {
		out["agent_turns"] = v
	}
	if v, ok := pipeline.Get(pc, KeyDiffStats); ok {
		out["diff_stats"] = v
	}
	return out
}
