package stages

import (
	"fmt"
	"strings"

	"github.com/zps-zest/zest/internal/pipeline"
)

const maxOutlineSymbols = 40

func testPrompt(pc *pipeline.Context) (string, error) {
	if err := pc.Require(KeyTarget, KeyCode, KeyLanguage, KeyAnalysis); err != nil {
		return "", err
	}
	target := pipeline.MustGet(pc, KeyTarget)
	lang := pipeline.MustGet(pc, KeyLanguage)
	a := pipeline.MustGet(pc, KeyAnalysis)
	sym, hasSym := pipeline.Get(pc, KeySymbol)

	var b strings.Builder
	if hasSym {
		fmt.Fprintf(&b, "Generate comprehensive unit tests for the %s `%s`.\n\n", sym.Kind, sym.Name)
	} else {
		b.WriteString("Generate comprehensive unit tests for the following file.\n\n")
	}

	b.WriteString("## Context\n\n")
	fmt.Fprintf(&b, "**File**: `%s`\n", target)
	fmt.Fprintf(&b, "**Language**: %s\n", lang)
	if hasSym {
		fmt.Fprintf(&b, "**Target**: `%s` (%s, line %d)\n", sym.Name, sym.Kind, sym.Line)
	}
	b.WriteString("\n")

	if len(a.Imports) > 0 {
		fmt.Fprintf(&b, "## Imports\n```%s\n%s\n```\n\n", lang, strings.Join(a.Imports, "\n"))
	}

	if hasSym {
		fmt.Fprintf(&b, "## Target Code\n```%s\n%s\n```\n\n", lang, pipeline.GetOr(pc, KeySymbolSource, ""))
		writeOutline(&b, a)
	} else {
		fmt.Fprintf(&b, "## Target Code\n```%s\n%s\n```\n\n", lang, strings.TrimRight(pipeline.MustGet(pc, KeyCode), "\n"))
	}

	b.WriteString("## Testing Framework\n")
	fmt.Fprintf(&b, "- **Framework**: %s\n\n", a.Framework)

	b.WriteString("## Requirements\n")
	b.WriteString("1. Cover all code paths and branches\n")
	b.WriteString("2. Include edge cases and error scenarios\n")
	b.WriteString("3. Use fakes or mocks for external dependencies\n")
	b.WriteString("4. Follow the project's existing test patterns\n")
	b.WriteString("5. Use descriptive test names that say what is being tested\n")
	b.WriteString("6. Include both positive and negative cases\n\n")

	if a.ExistingTest != "" {
		fmt.Fprintf(&b, "## Existing Test File\nThe test file `%s` already exists. Reply with the full updated file, keeping its existing tests.\n", a.TestPath)
		fmt.Fprintf(&b, "```%s\n%s\n```\n\n", lang, strings.TrimRight(a.ExistingTest, "\n"))
	} else {
		fmt.Fprintf(&b, "## Test File\nThe tests will be saved as `%s`.\n\n", a.TestPath)
	}

	b.WriteString("## Output\n")
	fmt.Fprintf(&b, "Reply with the complete test file in a single ```%s code block.", lang)
	return b.String(), nil
}

func reviewPrompt(pc *pipeline.Context) (string, error) {
	if err := pc.Require(KeyTarget, KeyCode, KeyLanguage, KeyAnalysis); err != nil {
		return "", err
	}
	target := pipeline.MustGet(pc, KeyTarget)
	lang := pipeline.MustGet(pc, KeyLanguage)
	a := pipeline.MustGet(pc, KeyAnalysis)

	code := pipeline.MustGet(pc, KeyCode)
	subject := "file"
	if sym, ok := pipeline.Get(pc, KeySymbol); ok {
		code = pipeline.GetOr(pc, KeySymbolSource, code)
		subject = fmt.Sprintf("%s `%s`", sym.Kind, sym.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review the following %s from `%s`.\n\n", subject, target)
	fmt.Fprintf(&b, "## Code\n```%s\n%s\n```\n\n", lang, strings.TrimRight(code, "\n"))
	writeOutline(&b, a)

	if len(a.Problems) > 0 {
		b.WriteString("## Syntax Problems\n")
		for _, p := range a.Problems {
			fmt.Fprintf(&b, "- line %d:%d: %s\n", p.Line, p.Column, p.Message)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n")
	b.WriteString("Point out bugs, unclear naming, missing error handling and risky concurrency. ")
	b.WriteString("For each finding give the line, the problem and a concrete fix. ")
	b.WriteString("Finish with a short overall assessment.")
	return b.String(), nil
}

func commitPrompt(pc *pipeline.Context) (string, error) {
	if err := pc.Require(KeyDiff, KeyChangedFiles); err != nil {
		return "", err
	}
	files := pipeline.MustGet(pc, KeyChangedFiles)

	var b strings.Builder
	b.WriteString("# Git Commit Message Generator\n\n")
	b.WriteString("## Instructions\n")
	b.WriteString("Write a concise commit message for the changes below. Focus on what changed and why.\n\n")

	if branch, ok := pipeline.Get(pc, KeyBranch); ok {
		fmt.Fprintf(&b, "## Current Branch\n`%s`\n\n", branch)
	}

	fmt.Fprintf(&b, "## Changed Files\n```\n%s\n```\n\n", strings.Join(files, "\n"))
	if st, ok := pipeline.Get(pc, KeyDiffStats); ok {
		fmt.Fprintf(&b, "%d file(s), +%d -%d lines.\n\n", st.Files, st.Added, st.Deleted)
	}
	fmt.Fprintf(&b, "## Diff\n```diff\n%s\n```\n\n", strings.TrimRight(pipeline.MustGet(pc, KeyDiff), "\n"))

	b.WriteString("## Output Format\n")
	b.WriteString("Reply with TWO code blocks:\n\n")
	b.WriteString("```commit-short\n<summary of at most 50 characters>\n```\n\n")
	b.WriteString("```commit-long\n<type>(<scope>): <short summary>\n\n<longer description of the change>\n```")
	return b.String(), nil
}

func writeOutline(b *strings.Builder, a Analysis) {
	if len(a.Symbols) == 0 {
		return
	}
	b.WriteString("## File Outline\n")
	for i, s := range a.Symbols {
		if i == maxOutlineSymbols {
			fmt.Fprintf(b, "- ... %d more\n", len(a.Symbols)-i)
			break
		}
		sig := s.Signature
		if sig == "" {
			sig = s.Name
		}
		fmt.Fprintf(b, "- %s %s (line %d)\n", s.Kind, sig, s.Line)
	}
	b.WriteString("\n")
}
