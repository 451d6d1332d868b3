package stages

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zps-zest/zest/internal/agent"
	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/contracts"
)

// Workflow names.
const (
	WorkflowTestGeneration = "test-generation"
	WorkflowCodeReview     = "code-review"
	WorkflowCommitMessage  = "commit-message"
)

// Deps are the shared components the fixed workflows run against.
type Deps struct {
	Workspace       *workspace.Workspace
	Channel         contracts.ChatChannel
	Tools           contracts.ToolDispatcher
	Approver        contracts.Approver
	Settings        Settings
	ResponseTimeout time.Duration
	AgentOptions    []agent.Option
	Metrics         *telemetry.Metrics
}

// TestGeneration generates a test file for the target and writes it after
// approval.
func TestGeneration(d Deps) *pipeline.Pipeline {
	return pipeline.New(WorkflowTestGeneration,
		Configuration(d.Settings),
		TargetDetection(d.Workspace),
		AnalysisStage(d.Workspace),
		PromptCreation(PromptTestGeneration),
		Chat(d),
		CodeExtraction(),
		FileCreation(d.Workspace, d.Approver),
	)
}

// CodeReview asks the model to review the target; the review is the
// chat response.
func CodeReview(d Deps) *pipeline.Pipeline {
	return pipeline.New(WorkflowCodeReview,
		Configuration(d.Settings),
		TargetDetection(d.Workspace),
		AnalysisStage(d.Workspace),
		PromptCreation(PromptCodeReview),
		Chat(d),
	)
}

// CommitMessage drafts a commit message for the supplied diff.
func CommitMessage(d Deps) *pipeline.Pipeline {
	return pipeline.New(WorkflowCommitMessage,
		Configuration(d.Settings),
		DiffAnalysis(),
		PromptCreation(PromptCommitMessage),
		Chat(d),
		CommitMessageStage(),
	)
}

// ErrUnknownWorkflow is returned by Build for names it does not know.
var ErrUnknownWorkflow = errors.New("unknown workflow")

var builders = map[string]func(Deps) *pipeline.Pipeline{
	WorkflowTestGeneration: TestGeneration,
	WorkflowCodeReview:     CodeReview,
	WorkflowCommitMessage:  CommitMessage,
}

// Build returns the named workflow.
func Build(name string, d Deps) (*pipeline.Pipeline, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return b(d), nil
}

// Workflows lists the workflow names, sorted.
func Workflows() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
