// Package stages holds the concrete pipeline stages and the fixed
// workflows built from them: test generation, code review and commit
// message drafting.
package stages

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/zps-zest/zest/internal/agent"
	"github.com/zps-zest/zest/internal/approval"
	"github.com/zps-zest/zest/internal/correlator"
	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/toolgw"
	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

// Stage names.
const (
	NameConfiguration   = "configuration"
	NameTargetDetection = "target_detection"
	NameAnalysis        = "analysis"
	NameDiffAnalysis    = "diff_analysis"
	NamePromptCreation  = "prompt_creation"
	NameChat            = "chat"
	NameCodeExtraction  = "code_extraction"
	NameFileCreation    = "file_creation"
	NameCommitMessage   = "commit_message"
)

// Settings are the per-run knobs loaded by the configuration stage.
type Settings struct {
	// TestFramework overrides the per-language default.
	TestFramework string `json:"test_framework,omitempty"`
	// SystemPrompt replaces the agent's default system prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Analysis is what the analysis stage learned about the target file.
type Analysis struct {
	Imports      []string            `json:"imports,omitempty"`
	Symbols      []workspace.Symbol  `json:"symbols,omitempty"`
	Problems     []workspace.Problem `json:"problems,omitempty"`
	Framework    string              `json:"framework"`
	TestPath     string              `json:"test_path"`
	ExistingTest string              `json:"-"`
}

var languages = map[string]string{
	".go":   "go",
	".java": "java",
	".kt":   "kotlin",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
}

var defaultFrameworks = map[string]string{
	"go":         "Go testing package",
	"java":       "JUnit 5 with Mockito",
	"kotlin":     "JUnit 5",
	"python":     "pytest",
	"javascript": "Jest",
	"typescript": "Jest",
}

// ── Configuration ───────────────────────────────────────────

type configurationStage struct{ settings Settings }

// Configuration stores the run settings in the context.
func Configuration(s Settings) pipeline.Stage { return configurationStage{settings: s} }

func (configurationStage) Name() string { return NameConfiguration }

func (s configurationStage) Process(_ context.Context, pc *pipeline.Context) error {
	pipeline.Set(pc, KeySettings, s.settings)
	return nil
}

// ── Target detection ────────────────────────────────────────

type targetDetectionStage struct{ ws *workspace.Workspace }

// TargetDetection loads the target file and, when a line is given, the
// declaration enclosing it.
func TargetDetection(ws *workspace.Workspace) pipeline.Stage { return targetDetectionStage{ws: ws} }

func (targetDetectionStage) Name() string { return NameTargetDetection }

func (s targetDetectionStage) Process(ctx context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyTarget); err != nil {
		return err
	}
	target := pipeline.MustGet(pc, KeyTarget)

	code, err := s.ws.ReadFile(target)
	if err != nil {
		return pipeline.Fail(NameTargetDetection, "Cannot read target file", err)
	}
	lang := languageOf(target)
	if lang == "" {
		return pipeline.Fail(NameTargetDetection, "Unsupported file type: "+path.Ext(target), nil)
	}
	pipeline.Set(pc, KeyCode, code)
	pipeline.Set(pc, KeyLanguage, lang)

	line, ok := pipeline.Get(pc, KeyLine)
	if !ok {
		return nil
	}
	syms, err := s.ws.FileSymbols(ctx, target)
	if err != nil {
		return pipeline.Fail(NameTargetDetection, "Cannot parse target file", err)
	}
	idx := enclosing(syms, line)
	if idx < 0 {
		return pipeline.Fail(NameTargetDetection, fmt.Sprintf("No declaration found at line %d", line), nil)
	}
	pipeline.Set(pc, KeySymbol, syms[idx])
	pipeline.Set(pc, KeySymbolSource, symbolSource(code, syms, idx))
	log.Debug().Str("target", target).Str("symbol", syms[idx].Name).Msg("Target detected")
	return nil
}

// enclosing returns the index of the last declaration starting at or
// before line, or -1.
func enclosing(syms []workspace.Symbol, line int) int {
	sorted := make([]int, len(syms))
	for i := range syms {
		sorted[i] = i
	}
	sort.SliceStable(sorted, func(a, b int) bool { return syms[sorted[a]].Line < syms[sorted[b]].Line })

	found := -1
	for _, i := range sorted {
		if syms[i].Line > line {
			break
		}
		found = i
	}
	return found
}

// symbolSource cuts the lines of syms[idx] up to the next declaration.
func symbolSource(code string, syms []workspace.Symbol, idx int) string {
	lines := strings.Split(code, "\n")
	start := syms[idx].Line
	end := len(lines)
	for _, s := range syms {
		if s.Line > start && s.Line-1 < end {
			end = s.Line - 1
		}
	}
	if start < 1 || start > len(lines) {
		return ""
	}
	return strings.TrimRight(strings.Join(lines[start-1:end], "\n"), "\n")
}

func languageOf(p string) string {
	return languages[strings.ToLower(path.Ext(p))]
}

// ── Analysis ────────────────────────────────────────────────

type analysisStage struct{ ws *workspace.Workspace }

// AnalysisStage collects imports, declarations, syntax problems, the test
// framework and any existing test file for the target.
func AnalysisStage(ws *workspace.Workspace) pipeline.Stage { return analysisStage{ws: ws} }

func (analysisStage) Name() string { return NameAnalysis }

func (s analysisStage) Process(ctx context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyTarget, KeyCode, KeyLanguage); err != nil {
		return err
	}
	target := pipeline.MustGet(pc, KeyTarget)
	code := pipeline.MustGet(pc, KeyCode)
	lang := pipeline.MustGet(pc, KeyLanguage)
	settings := pipeline.GetOr(pc, KeySettings, Settings{})

	syms, err := s.ws.FileSymbols(ctx, target)
	if err != nil {
		return pipeline.Fail(NameAnalysis, "Cannot analyze target file", err)
	}
	problems, err := s.ws.Problems(ctx, target)
	if err != nil {
		return pipeline.Fail(NameAnalysis, "Cannot analyze target file", err)
	}

	a := Analysis{
		Imports:  importsOf(code, lang),
		Symbols:  syms,
		Problems: problems,
		TestPath: TestPathFor(target),
	}
	a.Framework = settings.TestFramework
	if a.Framework == "" {
		a.Framework = s.detectFramework(lang)
	}
	if s.ws.Exists(a.TestPath) {
		if existing, err := s.ws.ReadFile(a.TestPath); err == nil {
			a.ExistingTest = existing
		}
	}
	pipeline.Set(pc, KeyAnalysis, a)
	return nil
}

// detectFramework refines the language default from the build files.
func (s analysisStage) detectFramework(lang string) string {
	fw := defaultFrameworks[lang]
	if lang != "go" || !s.ws.Exists("go.mod") {
		return fw
	}
	mod, err := s.ws.ReadFile("go.mod")
	if err == nil && strings.Contains(mod, "github.com/stretchr/testify") {
		return fw + " with testify (assert/require)"
	}
	return fw
}

var (
	goImportBlockRe = regexp.MustCompile(`(?s)import\s*\((.*?)\)`)
	goImportLineRe  = regexp.MustCompile(`(?m)^import\s+([^(\n].*)$`)
	lineImportRe    = regexp.MustCompile(`(?m)^\s*((?:import|from)\s+.+)$`)
)

func importsOf(code, lang string) []string {
	var out []string
	if lang == "go" {
		for _, m := range goImportBlockRe.FindAllStringSubmatch(code, -1) {
			for _, l := range strings.Split(m[1], "\n") {
				if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "//") {
					out = append(out, l)
				}
			}
		}
		for _, m := range goImportLineRe.FindAllStringSubmatch(code, -1) {
			out = append(out, strings.TrimSpace(m[1]))
		}
		return out
	}
	for _, m := range lineImportRe.FindAllStringSubmatch(code, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// TestPathFor returns where tests for target conventionally live.
func TestPathFor(target string) string {
	dir, file := path.Split(target)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)

	switch languageOf(target) {
	case "go":
		return dir + base + "_test.go"
	case "java", "kotlin":
		if strings.Contains(dir, "src/main/") {
			dir = strings.Replace(dir, "src/main/", "src/test/", 1)
		}
		return dir + base + "Test" + ext
	case "python":
		return dir + "test_" + file
	case "javascript", "typescript":
		return dir + base + ".test" + ext
	default:
		return dir + base + "_test" + ext
	}
}

// ── Diff analysis ───────────────────────────────────────────

type diffAnalysisStage struct{}

// DiffAnalysis parses the supplied unified diff into changed files and
// line counts.
func DiffAnalysis() pipeline.Stage { return diffAnalysisStage{} }

func (diffAnalysisStage) Name() string { return NameDiffAnalysis }

func (diffAnalysisStage) Process(_ context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyDiff); err != nil {
		return err
	}
	patch := pipeline.MustGet(pc, KeyDiff)

	fds, err := godiff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return pipeline.Fail(NameDiffAnalysis, "Cannot parse diff", err)
	}
	var files []string
	for _, fd := range fds {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		files = append(files, strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/"))
	}
	if len(files) == 0 {
		return pipeline.Fail(NameDiffAnalysis, "No changed files detected", nil)
	}

	stats, err := approval.Stats(patch)
	if err != nil {
		return pipeline.Fail(NameDiffAnalysis, "Cannot parse diff", err)
	}
	pipeline.Set(pc, KeyChangedFiles, files)
	pipeline.Set(pc, KeyDiffStats, stats)
	return nil
}

// ── Prompt creation ─────────────────────────────────────────

// PromptKind selects the prompt a PromptCreation stage builds.
type PromptKind string

const (
	PromptTestGeneration PromptKind = "test_generation"
	PromptCodeReview     PromptKind = "code_review"
	PromptCommitMessage  PromptKind = "commit_message"
)

type promptCreationStage struct{ kind PromptKind }

// PromptCreation renders the prompt for kind from earlier stage output.
func PromptCreation(kind PromptKind) pipeline.Stage { return promptCreationStage{kind: kind} }

func (promptCreationStage) Name() string { return NamePromptCreation }

func (s promptCreationStage) Process(_ context.Context, pc *pipeline.Context) error {
	var (
		prompt string
		err    error
	)
	switch s.kind {
	case PromptTestGeneration:
		prompt, err = testPrompt(pc)
	case PromptCodeReview:
		prompt, err = reviewPrompt(pc)
	case PromptCommitMessage:
		prompt, err = commitPrompt(pc)
	default:
		return pipeline.Fail(NamePromptCreation, "unknown prompt kind "+string(s.kind), nil)
	}
	if err != nil {
		return err
	}
	pipeline.Set(pc, KeyPrompt, prompt)
	return nil
}

// ── Chat ────────────────────────────────────────────────────

type chatStage struct {
	channel contracts.ChatChannel
	tools   contracts.ToolDispatcher
	timeout time.Duration
	opts    []agent.Option
	corrOps []correlator.Option
}

// Chat sends the prompt through the agent loop and waits for the final
// answer. Every run gets its own correlator.
func Chat(deps Deps) pipeline.Stage {
	tools := deps.Tools
	if tools == nil {
		tools = toolgw.New(deps.Metrics)
	}
	return chatStage{
		channel: deps.Channel,
		tools:   tools,
		timeout: deps.ResponseTimeout,
		opts:    deps.AgentOptions,
		corrOps: []correlator.Option{correlator.WithMetrics(deps.Metrics)},
	}
}

func (chatStage) Name() string { return NameChat }

func (s chatStage) Process(ctx context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyPrompt); err != nil {
		return err
	}
	if s.channel == nil {
		return pipeline.Fail(NameChat, "Failed to send prompt to chat box", errors.New("no chat channel configured"))
	}

	corrOpts := s.corrOps
	if s.timeout > 0 {
		corrOpts = append(append([]correlator.Option(nil), corrOpts...), correlator.WithDefaultTimeout(s.timeout))
	}
	corr := correlator.New(corrOpts...)
	defer corr.Close()

	opts := s.opts
	if settings, ok := pipeline.Get(pc, KeySettings); ok && settings.SystemPrompt != "" {
		opts = append(append([]agent.Option(nil), opts...), agent.WithSystemPrompt(settings.SystemPrompt))
	}
	if s.timeout > 0 {
		opts = append(append([]agent.Option(nil), opts...), agent.WithResponseTimeout(s.timeout))
	}
	driver := agent.New(s.channel, corr, s.tools, opts...)

	out := driver.Run(ctx, agent.Request{
		SessionID: pipeline.GetOr(pc, KeySessionID, ""),
		Input:     pipeline.MustGet(pc, KeyPrompt),
	})
	pipeline.Set(pc, KeyAgentTurns, out.Turns)

	switch out.Kind {
	case models.OutcomeFinalAnswer:
		pipeline.Set(pc, KeyResponse, out.Text)
		return nil
	case models.OutcomeFollowUp:
		return pipeline.Fail(NameChat, "The model asked a question this workflow cannot answer: "+out.Question, nil)
	case models.OutcomeTurnLimitExceeded:
		pipeline.Set(pc, KeyResponse, out.Text)
		return pipeline.Fail(NameChat, fmt.Sprintf("No final answer after %d tool rounds", out.Turns), nil)
	}

	switch out.Reason {
	case agent.ReasonDispatch:
		return pipeline.Fail(NameChat, "Failed to send prompt to chat box", out.Err)
	case agent.ReasonTimeout:
		return pipeline.Fail(NameChat, "Timed out waiting for the chat response", out.Err)
	case agent.ReasonCanceled:
		return pipeline.Fail(NameChat, "run canceled", out.Err)
	default:
		return pipeline.Fail(NameChat, "Chat response failed", out.Err)
	}
}

// ── Code extraction ─────────────────────────────────────────

type codeExtractionStage struct{}

// CodeExtraction pulls the generated source out of the response.
func CodeExtraction() pipeline.Stage { return codeExtractionStage{} }

func (codeExtractionStage) Name() string { return NameCodeExtraction }

func (codeExtractionStage) Process(_ context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyResponse); err != nil {
		return err
	}
	lang := pipeline.GetOr(pc, KeyLanguage, "")
	code, ok := pickBlock(codeBlocks(pipeline.MustGet(pc, KeyResponse)), lang)
	if !ok {
		return pipeline.Fail(NameCodeExtraction, "No code block found in the response", nil)
	}
	pipeline.Set(pc, KeyGeneratedCode, code)
	return nil
}

type codeBlock struct {
	info string
	body string
}

var fenceRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[^\\n]*\\n(.*?)```")

func codeBlocks(text string) []codeBlock {
	var out []codeBlock
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		out = append(out, codeBlock{info: strings.ToLower(m[1]), body: m[2]})
	}
	return out
}

var langAliases = map[string][]string{
	"go":         {"go", "golang"},
	"python":     {"python", "py"},
	"javascript": {"javascript", "js", "jsx"},
	"typescript": {"typescript", "ts", "tsx"},
	"kotlin":     {"kotlin", "kt"},
	"java":       {"java"},
}

// pickBlock prefers the longest block tagged with lang and falls back to
// the longest block overall.
func pickBlock(blocks []codeBlock, lang string) (string, bool) {
	tagged := map[string]bool{}
	for _, a := range langAliases[lang] {
		tagged[a] = true
	}
	var best, bestTagged string
	for _, b := range blocks {
		body := strings.TrimRight(b.body, "\n") + "\n"
		if tagged[b.info] && len(body) > len(bestTagged) {
			bestTagged = body
		}
		if len(body) > len(best) {
			best = body
		}
	}
	if bestTagged != "" {
		return bestTagged, true
	}
	return best, best != ""
}

// ── File creation ───────────────────────────────────────────

type fileCreationStage struct {
	ws       *workspace.Workspace
	approver contracts.Approver
}

// FileCreation writes the generated code to the test path once the change
// is approved.
func FileCreation(ws *workspace.Workspace, approver contracts.Approver) pipeline.Stage {
	return fileCreationStage{ws: ws, approver: approver}
}

func (fileCreationStage) Name() string { return NameFileCreation }

func (s fileCreationStage) Process(ctx context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyGeneratedCode, KeyAnalysis); err != nil {
		return err
	}
	code := pipeline.MustGet(pc, KeyGeneratedCode)
	dest := pipeline.MustGet(pc, KeyAnalysis).TestPath

	before := ""
	if s.ws.Exists(dest) {
		existing, err := s.ws.ReadFile(dest)
		if err != nil {
			return pipeline.Fail(NameFileCreation, "Cannot read existing test file", err)
		}
		before = existing
	}

	if s.approver != nil {
		summary := "Create " + dest
		if before != "" {
			summary = "Overwrite " + dest
		}
		ok, err := s.approver.Request(ctx, contracts.Proposal{Path: dest, Before: before, After: code, Summary: summary})
		if err != nil {
			return pipeline.Fail(NameFileCreation, "Approval failed", err)
		}
		if !ok {
			return pipeline.Fail(NameFileCreation, "Test file change rejected by user", nil)
		}
	}

	if err := s.ws.WriteFile(dest, code); err != nil {
		return pipeline.Fail(NameFileCreation, "Failed to create test file", err)
	}
	pipeline.Set(pc, KeyOutputPath, dest)
	log.Info().Str("path", dest).Int("bytes", len(code)).Msg("Test file written")
	return nil
}

// ── Commit message ──────────────────────────────────────────

type commitMessageStage struct{}

// CommitMessageStage splits the response into the short and long commit
// messages.
func CommitMessageStage() pipeline.Stage { return commitMessageStage{} }

func (commitMessageStage) Name() string { return NameCommitMessage }

func (commitMessageStage) Process(_ context.Context, pc *pipeline.Context) error {
	if err := pc.Require(KeyResponse); err != nil {
		return err
	}
	short, long := splitCommitMessage(pipeline.MustGet(pc, KeyResponse))
	if short == "" {
		return pipeline.Fail(NameCommitMessage, "Empty commit message in the response", nil)
	}
	pipeline.Set(pc, KeyCommitShort, short)
	pipeline.Set(pc, KeyCommitLong, long)
	return nil
}

const maxShortMessage = 72

func splitCommitMessage(resp string) (short, long string) {
	var plain []string
	for _, b := range codeBlocks(resp) {
		body := strings.TrimSpace(b.body)
		switch b.info {
		case "commit-short":
			short = firstLine(body)
		case "commit-long":
			long = body
		default:
			plain = append(plain, body)
		}
	}
	if long == "" && len(plain) > 0 {
		long = plain[0]
	}
	if long == "" && short == "" {
		long = strings.TrimSpace(resp)
	}
	if short == "" {
		short = firstLine(long)
	}
	if long == "" {
		long = short
	}
	return truncateSubject(short), long
}

// truncateSubject cuts s to at most maxShortMessage bytes on a rune boundary.
func truncateSubject(s string) string {
	if len(s) <= maxShortMessage {
		return s
	}
	cut := maxShortMessage
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
