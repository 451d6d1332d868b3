package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Conversation ────────────────────────────────────────────

// Role identifies who authored a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of a session's conversation history.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChatMessage stamps a message with the current UTC time.
func NewChatMessage(role Role, content string) ChatMessage {
	return ChatMessage{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Label returns the uppercase prefix used when a message is rendered into a prompt.
func (m ChatMessage) Label() string {
	return strings.ToUpper(string(m.Role))
}

// Prompt is one outbound request to a chat channel. ID correlates the reply.
type Prompt struct {
	ID           string `json:"requestId"`
	SessionID    string `json:"sessionId,omitempty"`
	Text         string `json:"text"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// ── Tool Invocation ─────────────────────────────────────────

// Syntax records which marker form produced a ToolInvocation.
type Syntax string

const (
	SyntaxMarker Syntax = "marker" // ### TOOL_CALL{...}
	SyntaxTag    Syntax = "tag"    // <TOOL>{...}</TOOL>
	SyntaxLegacy Syntax = "legacy" // {{USE_TOOL:name:arg}}
	SyntaxRPC    Syntax = "rpc"    // tools/call over JSON-RPC
)

// ToolInvocation is a tool call recognized inside LLM response text.
// Start and End are byte offsets of the whole marker in the source text.
type ToolInvocation struct {
	Name       string         `json:"name"`
	Params     map[string]any `json:"params,omitempty"`
	Raw        string         `json:"raw"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Syntax     Syntax         `json:"syntax"`
	ParseError string         `json:"parse_error,omitempty"`
}

// StringParam returns params[key] as a string, or "" if it is absent.
func (t ToolInvocation) StringParam(key string) string {
	v, ok := t.Params[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprint(s)
	}
}

// IntParam returns params[key] as an int, falling back to def.
func (t ToolInvocation) IntParam(key string, def int) int {
	switch v := t.Params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// ── Tool Result ─────────────────────────────────────────────

// ToolErrorKind tags why a tool call failed. Empty when the call succeeded.
type ToolErrorKind string

const (
	ToolErrUnknownTool     ToolErrorKind = "unknown_tool"
	ToolErrInvalidParams   ToolErrorKind = "invalid_params"
	ToolErrExecutionFailed ToolErrorKind = "execution_failed"
	ToolErrPanic           ToolErrorKind = "panic"
	ToolErrRejected        ToolErrorKind = "rejected"
	ToolErrTimeout         ToolErrorKind = "timeout"
)

// ToolResult is the textual outcome of a dispatched tool call.
// Content is always human-readable; ErrorKind is the machine-readable side channel.
type ToolResult struct {
	Name       string        `json:"name"`
	Content    string        `json:"content"`
	IsError    bool          `json:"is_error"`
	ErrorKind  ToolErrorKind `json:"error_kind,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// ToolSpec describes a registered tool to the LLM and to API clients.
type ToolSpec struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	PrimaryParam string         `json:"primary_param,omitempty"`
	Mutating     bool           `json:"mutating"`
}

// ── Agent Loop ──────────────────────────────────────────────

// AgentState is a state of the agent loop driver.
type AgentState string

const (
	StateAwaitingUserInput   AgentState = "AWAITING_USER_INPUT"
	StatePromptSent          AgentState = "PROMPT_SENT"
	StateAwaitingLLMResponse AgentState = "AWAITING_LLM_RESPONSE"
	StateToolExecuting       AgentState = "TOOL_EXECUTING"
	StateDone                AgentState = "DONE"
	StateFailed              AgentState = "FAILED"
)

// IsTerminal reports whether the driver stops in this state.
func (s AgentState) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateAwaitingUserInput
}

// OutcomeKind tags the variant of a loop outcome.
type OutcomeKind string

const (
	OutcomeFinalAnswer       OutcomeKind = "final_answer"
	OutcomeFollowUp          OutcomeKind = "follow_up_question"
	OutcomeTurnLimitExceeded OutcomeKind = "turn_limit_exceeded"
	OutcomeFailed            OutcomeKind = "failed"
)

// ── Runs ────────────────────────────────────────────────────

// RunStatus is the lifecycle status of a background pipeline run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// IsFinished reports whether the run will not change status again.
func (s RunStatus) IsFinished() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// Run is the record of one background pipeline execution.
type Run struct {
	ID          string         `json:"id"`
	Workflow    string         `json:"workflow"`
	Status      RunStatus      `json:"status"`
	Stage       string         `json:"stage,omitempty"`
	StageIndex  int            `json:"stage_index"`
	StageCount  int            `json:"stage_count"`
	Progress    string         `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	FailedStage string         `json:"failed_stage,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// ── Approvals ───────────────────────────────────────────────

// ApprovalStatus is the state of a diff confirmation gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalAccepted ApprovalStatus = "accepted"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// DiffStats counts changed lines in a unified diff.
type DiffStats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// ApprovalRequest is a proposed file change waiting for a human decision.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Summary   string         `json:"summary,omitempty"`
	Diff      string         `json:"diff"`
	Stats     DiffStats      `json:"stats"`
	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// ── Events ──────────────────────────────────────────────────

// EventKind classifies status events shown to the user.
type EventKind string

const (
	EventState    EventKind = "state"
	EventTool     EventKind = "tool"
	EventStage    EventKind = "stage"
	EventApproval EventKind = "approval"
	EventRun      EventKind = "run"
)

// Event is a status/progress notification.
type Event struct {
	Seq       int64          `json:"seq"`
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ── Tool Gateway Protocol Types ─────────────────────────────

type RPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type RPCResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type RPCToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type RPCToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type RPCToolResult struct {
	Content []RPCContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type RPCContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
