package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// Symbol is a named declaration found in a source file.
type Symbol struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Signature string `json:"signature,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
}

// Problem is a syntax error found in a source file.
type Problem struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

const maxProblems = 50

// Declarations in languages without a tree-sitter grammar wired in.
var fallbackDeclRe = regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|static\s+|final\s+|abstract\s+|export\s+|async\s+)*(class|interface|enum|def|function|fun|record)\s+([A-Za-z_][A-Za-z0-9_]*)`)

var sourceExts = map[string]bool{
	".go": true, ".java": true, ".kt": true, ".py": true, ".js": true, ".ts": true,
}

// FileSymbols returns the declarations in one file.
func (w *Workspace) FileSymbols(ctx context.Context, p string) ([]Symbol, error) {
	abs, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	content, err := readLimited(abs, p)
	if err != nil {
		return nil, err
	}
	return symbolsOf(ctx, w.Rel(abs), []byte(content))
}

// Symbols returns declarations across the workspace whose name contains
// query (case-insensitive). An empty query returns everything.
func (w *Workspace) Symbols(ctx context.Context, query string, max int) ([]Symbol, error) {
	if max <= 0 {
		max = 200
	}
	q := strings.ToLower(query)

	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Symbol
	var walkErr error
	err := w.walkFiles("", func(path, content string) bool {
		if !sourceExts[filepath.Ext(path)] {
			return true
		}
		if err := ctx.Err(); err != nil {
			walkErr = err
			return false
		}
		syms, err := symbolsOf(ctx, w.Rel(path), []byte(content))
		if err != nil {
			return true
		}
		for _, s := range syms {
			if q == "" || strings.Contains(strings.ToLower(s.Name), q) {
				out = append(out, s)
				if len(out) >= max {
					return false
				}
			}
		}
		return true
	})
	if walkErr != nil {
		return out, walkErr
	}
	return out, err
}

// References returns lines that mention symbol as a whole word.
func (w *Workspace) References(symbol string, max int) ([]Match, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("empty symbol")
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(symbol) + `\b`)
	if err != nil {
		return nil, err
	}
	matches, err := w.Search(re, "", max)
	if err != nil {
		return nil, err
	}
	sortMatches(matches)
	return matches, nil
}

// Problems returns syntax errors in the file at p. Only Go sources are
// checked; other files report none.
func (w *Workspace) Problems(ctx context.Context, p string) ([]Problem, error) {
	abs, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	content, err := readLimited(abs, p)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(abs) != ".go" {
		return nil, nil
	}

	tree, err := parseGo(ctx, []byte(content))
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}
	var problems []Problem
	collectProblems(root, []byte(content), w.Rel(abs), &problems, 0)
	return problems, nil
}

func symbolsOf(ctx context.Context, rel string, content []byte) ([]Symbol, error) {
	if filepath.Ext(rel) == ".go" {
		return goSymbols(ctx, rel, content)
	}
	var out []Symbol
	for i, line := range strings.Split(string(content), "\n") {
		if m := fallbackDeclRe.FindStringSubmatch(line); m != nil {
			out = append(out, Symbol{Name: m[2], Kind: m[1], Path: rel, Line: i + 1, Signature: strings.TrimSpace(line)})
		}
	}
	return out, nil
}

func parseGo(ctx context.Context, content []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	return tree, nil
}

func goSymbols(ctx context.Context, rel string, content []byte) ([]Symbol, error) {
	tree, err := parseGo(ctx, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	var out []Symbol
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		switch node.Type() {
		case "function_declaration":
			if name := node.ChildByFieldName("name"); name != nil {
				out = append(out, Symbol{
					Name:      name.Content(content),
					Kind:      "function",
					Path:      rel,
					Line:      int(node.StartPoint().Row) + 1,
					Signature: firstLine(node.Content(content)),
				})
			}
		case "method_declaration":
			if name := node.ChildByFieldName("name"); name != nil {
				sym := Symbol{
					Name:      name.Content(content),
					Kind:      "method",
					Path:      rel,
					Line:      int(node.StartPoint().Row) + 1,
					Signature: firstLine(node.Content(content)),
				}
				if recv := node.ChildByFieldName("receiver"); recv != nil {
					sym.Receiver = recv.Content(content)
				}
				out = append(out, sym)
			}
		case "type_declaration":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() != "type_spec" {
					continue
				}
				name := spec.ChildByFieldName("name")
				if name == nil {
					continue
				}
				kind := "type"
				if t := spec.ChildByFieldName("type"); t != nil {
					switch t.Type() {
					case "struct_type":
						kind = "struct"
					case "interface_type":
						kind = "interface"
					}
				}
				out = append(out, Symbol{
					Name: name.Content(content),
					Kind: kind,
					Path: rel,
					Line: int(spec.StartPoint().Row) + 1,
				})
			}
		}
	}
	return out, nil
}

func collectProblems(node *sitter.Node, content []byte, rel string, out *[]Problem, depth int) {
	if depth > 1000 || len(*out) >= maxProblems {
		return
	}
	if node.IsError() || node.IsMissing() {
		pt := node.StartPoint()
		msg := "Syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("Missing %s", node.Type())
		} else if start, end := node.StartByte(), node.EndByte(); end > start && end-start < 60 && int(end) <= len(content) {
			msg = fmt.Sprintf("Unexpected: %s", strings.TrimSpace(string(content[start:end])))
		}
		*out = append(*out, Problem{Path: rel, Line: int(pt.Row) + 1, Column: int(pt.Column) + 1, Message: msg})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectProblems(node.Child(i), content, rel, out, depth+1)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "{")
}
