package stages_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/stages"
	"github.com/zps-zest/zest/internal/toolgw"
	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

const adderGo = `package calc

// Adder adds.
type Adder struct{ base int }

func NewAdder(base int) *Adder {
	return &Adder{base: base}
}

func (a *Adder) Add(n int) int {
	return a.base + n
}
`

const generatedTest = "Here are the tests.\n\n```go\npackage calc\n\nimport \"testing\"\n\nfunc TestNewAdder(t *testing.T) {}\n```\n"

type fakeChannel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) Send(_ context.Context, p models.Prompt, sink contracts.ResponseSink) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.prompts = append(c.prompts, p.Text)
	c.mu.Unlock()
	go sink.Complete(p.ID, c.reply)
	return nil
}

func (c *fakeChannel) firstPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[0]
}

type fakeApprover struct {
	approve bool
	got     []contracts.Proposal
}

func (a *fakeApprover) Request(_ context.Context, p contracts.Proposal) (bool, error) {
	a.got = append(a.got, p)
	return a.approve, nil
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "calc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calc", "adder.go"), []byte(adderGo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/calc\n\nrequire github.com/stretchr/testify v1.11.1\n"), 0o644))
	ws, err := workspace.New(dir)
	require.NoError(t, err)
	return ws
}

func deps(ws *workspace.Workspace, ch contracts.ChatChannel, ap contracts.Approver) stages.Deps {
	return stages.Deps{
		Workspace:       ws,
		Channel:         ch,
		Tools:           toolgw.New(nil),
		Approver:        ap,
		ResponseTimeout: 5 * time.Second,
	}
}

func TestTestGeneration_WritesApprovedFile(t *testing.T) {
	ws := newWorkspace(t)
	ch := &fakeChannel{reply: generatedTest}
	ap := &fakeApprover{approve: true}

	p := stages.TestGeneration(deps(ws, ch, ap))
	pc := stages.NewContext(stages.Input{Target: "calc/adder.go", Line: 7})
	require.NoError(t, p.Execute(context.Background(), pc))

	prompt := ch.firstPrompt()
	assert.Contains(t, prompt, "unit tests for the function `NewAdder`")
	assert.Contains(t, prompt, "return &Adder{base: base}")
	assert.Contains(t, prompt, "with testify")
	assert.Contains(t, prompt, "calc/adder_test.go")

	require.Len(t, ap.got, 1)
	assert.Equal(t, "calc/adder_test.go", ap.got[0].Path)
	assert.Empty(t, ap.got[0].Before)

	written, err := ws.ReadFile("calc/adder_test.go")
	require.NoError(t, err)
	assert.Contains(t, written, "func TestNewAdder")

	out := stages.Output(pc)
	assert.Equal(t, "calc/adder_test.go", out["output_path"])
	assert.Equal(t, 0, out["agent_turns"])
}

func TestTestGeneration_RejectedChangeFailsStage(t *testing.T) {
	ws := newWorkspace(t)
	p := stages.TestGeneration(deps(ws, &fakeChannel{reply: generatedTest}, &fakeApprover{approve: false}))

	err := p.Execute(context.Background(), stages.NewContext(stages.Input{Target: "calc/adder.go"}))
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameFileCreation, execErr.Stage)
	assert.False(t, ws.Exists("calc/adder_test.go"))
}

func TestChatStage_DispatchFailure(t *testing.T) {
	ws := newWorkspace(t)
	ch := &fakeChannel{err: errors.New("no chat UI connected")}
	p := stages.CodeReview(deps(ws, ch, nil))

	err := p.Execute(context.Background(), stages.NewContext(stages.Input{Target: "calc/adder.go"}))
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameChat, execErr.Stage)
	assert.Equal(t, "Failed to send prompt to chat box", execErr.Msg)
	assert.ErrorContains(t, err, "no chat UI connected")
}

func TestChatStage_FollowUpFails(t *testing.T) {
	ws := newWorkspace(t)
	ch := &fakeChannel{reply: "### FOLLOW_UP_QUESTION\nWhich function?\n### END_FOLLOW_UP_QUESTION"}
	p := stages.CodeReview(deps(ws, ch, nil))

	err := p.Execute(context.Background(), stages.NewContext(stages.Input{Target: "calc/adder.go"}))
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameChat, execErr.Stage)
	assert.Contains(t, execErr.Msg, "Which function?")
}

func TestCodeReview_StoresResponse(t *testing.T) {
	ws := newWorkspace(t)
	ch := &fakeChannel{reply: "Looks fine. Add tests for negative numbers."}
	p := stages.CodeReview(deps(ws, ch, nil))

	pc := stages.NewContext(stages.Input{Target: "calc/adder.go", Line: 11})
	require.NoError(t, p.Execute(context.Background(), pc))
	assert.Contains(t, ch.firstPrompt(), "Review the following method `Add`")
	assert.Equal(t, "Looks fine. Add tests for negative numbers.", stages.Output(pc)["response"])
}

func TestTargetDetection_MissingTarget(t *testing.T) {
	p := stages.CodeReview(deps(newWorkspace(t), &fakeChannel{}, nil))

	err := p.Execute(context.Background(), stages.NewContext(stages.Input{}))
	var missing *pipeline.MissingPreconditionError
	require.ErrorAs(t, err, &missing)
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameTargetDetection, execErr.Stage)
}

func TestTargetDetection_LineBeforeAnyDeclaration(t *testing.T) {
	p := stages.CodeReview(deps(newWorkspace(t), &fakeChannel{}, nil))

	err := p.Execute(context.Background(), stages.NewContext(stages.Input{Target: "calc/adder.go", Line: 1}))
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameTargetDetection, execErr.Stage)
	assert.Contains(t, execErr.Msg, "No declaration found at line 1")
}

const samplePatch = `diff --git a/calc/adder.go b/calc/adder.go
--- a/calc/adder.go
+++ b/calc/adder.go
@@ -1,3 +1,3 @@
 package calc
-// old comment
+// new comment
 type Adder struct{}
`

func TestCommitMessage_SplitsBlocks(t *testing.T) {
	reply := "```commit-short\nUpdate adder comment\n```\n\n```commit-long\ndocs(calc): update adder comment\n\nClarify what Adder does.\n```"
	ch := &fakeChannel{reply: reply}
	p := stages.CommitMessage(deps(newWorkspace(t), ch, nil))

	pc := stages.NewContext(stages.Input{Diff: samplePatch, Branch: "main"})
	require.NoError(t, p.Execute(context.Background(), pc))

	prompt := ch.firstPrompt()
	assert.Contains(t, prompt, "calc/adder.go")
	assert.Contains(t, prompt, "`main`")
	assert.Contains(t, prompt, "+1 -1 lines")

	out := stages.Output(pc)
	assert.Equal(t, "Update adder comment", out["commit_short"])
	assert.Equal(t, "docs(calc): update adder comment\n\nClarify what Adder does.", out["commit_long"])
}

func TestCommitMessage_PlainReply(t *testing.T) {
	ch := &fakeChannel{reply: "fix(calc): correct comment\n\nMore detail."}
	p := stages.CommitMessage(deps(newWorkspace(t), ch, nil))

	pc := stages.NewContext(stages.Input{Diff: samplePatch})
	require.NoError(t, p.Execute(context.Background(), pc))
	assert.Equal(t, "fix(calc): correct comment", stages.Output(pc)["commit_short"])
}

func TestCommitMessage_SubjectCutOnRuneBoundary(t *testing.T) {
	subject := strings.Repeat("a", 71) + "é…"
	ch := &fakeChannel{reply: "```commit-short\n" + subject + "\n```\n\n```commit-long\nbody\n```"}
	p := stages.CommitMessage(deps(newWorkspace(t), ch, nil))

	pc := stages.NewContext(stages.Input{Diff: samplePatch})
	require.NoError(t, p.Execute(context.Background(), pc))

	short, ok := stages.Output(pc)["commit_short"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(short))
	assert.LessOrEqual(t, len(short), 72)
	assert.Equal(t, strings.Repeat("a", 71), short)
}

func TestCommitMessage_RequiresDiff(t *testing.T) {
	p := stages.CommitMessage(deps(newWorkspace(t), &fakeChannel{}, nil))

	err := p.Execute(context.Background(), stages.NewContext(stages.Input{}))
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameDiffAnalysis, execErr.Stage)
}

func TestCodeExtraction_PrefersLanguageBlock(t *testing.T) {
	pc := pipeline.NewContext()
	pipeline.Set(pc, stages.KeyLanguage, "go")
	pipeline.Set(pc, stages.KeyResponse,
		"Run it with:\n```bash\ngo test ./... -run TestEverythingWithAVeryLongName -count=1 -race\n```\n\n```go\npackage x\n```\n")

	require.NoError(t, stages.CodeExtraction().Process(context.Background(), pc))
	assert.Equal(t, "package x\n", pipeline.MustGet(pc, stages.KeyGeneratedCode))
}

func TestCodeExtraction_NoBlock(t *testing.T) {
	pc := pipeline.NewContext()
	pipeline.Set(pc, stages.KeyResponse, "I could not write tests for this.")

	err := stages.CodeExtraction().Process(context.Background(), pc)
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, stages.NameCodeExtraction, execErr.Stage)
}

func TestTestPathFor(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"calc/adder.go", "calc/adder_test.go"},
		{"src/main/java/com/acme/Foo.java", "src/test/java/com/acme/FooTest.java"},
		{"lib/Foo.java", "lib/FooTest.java"},
		{"pkg/util.py", "pkg/test_util.py"},
		{"web/app.ts", "web/app.test.ts"},
		{"notes.rb", "notes_test.rb"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, stages.TestPathFor(tt.target))
		})
	}
}

func TestBuild(t *testing.T) {
	d := deps(newWorkspace(t), &fakeChannel{}, nil)
	for _, name := range stages.Workflows() {
		p, err := stages.Build(name, d)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}
	_, err := stages.Build("deploy-prod", d)
	assert.ErrorIs(t, err, stages.ErrUnknownWorkflow)
}
