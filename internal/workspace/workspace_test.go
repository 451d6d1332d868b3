package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/workspace"
)

const sampleGo = `package calc

// Adder adds.
type Adder struct{ base int }

type Summer interface{ Sum() int }

func NewAdder(base int) *Adder {
	return &Adder{base: base}
}

func (a *Adder) Add(n int) int {
	return a.base + n
}
`

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "calc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calc", "adder.go"), []byte(sampleGo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("Use NewAdder to start.\n"), 0o644))

	ws, err := workspace.New(dir)
	require.NoError(t, err)
	return ws
}

func TestResolve_RejectsEscapes(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.Resolve("../etc/passwd")
	assert.ErrorIs(t, err, workspace.ErrOutsideRoot)

	_, err = ws.ReadFile("/etc/hostname")
	assert.ErrorIs(t, err, workspace.ErrOutsideRoot)

	abs, err := ws.Resolve("calc/adder.go")
	require.NoError(t, err)
	assert.Equal(t, "calc/adder.go", ws.Rel(abs))
}

func TestReadWriteCreate(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.ReadFile("missing.txt")
	assert.ErrorIs(t, err, workspace.ErrNotFound)

	require.NoError(t, ws.WriteFile("out/new.txt", "one"))
	got, err := ws.ReadFile("out/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	assert.ErrorIs(t, ws.CreateFile("out/new.txt", "two"), workspace.ErrExists)
	require.NoError(t, ws.CreateFile("out/other.txt", "two"))
	assert.True(t, ws.Exists("out/other.txt"))
}

func TestUpdate(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.WriteFile("n.txt", "1"))

	err := ws.Update("n.txt", func(cur string, err error) (string, error) {
		require.NoError(t, err)
		return cur + "2", nil
	})
	require.NoError(t, err)

	got, _ := ws.ReadFile("n.txt")
	assert.Equal(t, "12", got)
}

func TestListAndSearch(t *testing.T) {
	ws := newTestWorkspace(t)

	top, err := ws.List(".", 1)
	require.NoError(t, err)
	var paths []string
	for _, e := range top {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{"calc", "README.md"}, paths)

	deep, err := ws.List(".", 2)
	require.NoError(t, err)
	assert.Len(t, deep, 3)

	matches, err := ws.Search(regexp.MustCompile(`NewAdder`), "*.go", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "calc/adder.go", matches[0].Path)
	assert.Equal(t, 8, matches[0].Line)
}

func TestFileSymbols_Go(t *testing.T) {
	ws := newTestWorkspace(t)

	syms, err := ws.FileSymbols(context.Background(), "calc/adder.go")
	require.NoError(t, err)

	kinds := map[string]string{}
	for _, s := range syms {
		kinds[s.Name] = s.Kind
	}
	assert.Equal(t, map[string]string{
		"Adder":    "struct",
		"Summer":   "interface",
		"NewAdder": "function",
		"Add":      "method",
	}, kinds)
}

func TestSymbolsAndReferences(t *testing.T) {
	ws := newTestWorkspace(t)

	syms, err := ws.Symbols(context.Background(), "adder", 0)
	require.NoError(t, err)
	assert.Len(t, syms, 2)

	refs, err := ws.References("NewAdder", 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "README.md", refs[0].Path)
}

func TestProblems(t *testing.T) {
	ws := newTestWorkspace(t)

	problems, err := ws.Problems(context.Background(), "calc/adder.go")
	require.NoError(t, err)
	assert.Empty(t, problems)

	require.NoError(t, ws.WriteFile("calc/broken.go", "package calc\n\nfunc Broken( {\n"))
	problems, err = ws.Problems(context.Background(), "calc/broken.go")
	require.NoError(t, err)
	assert.NotEmpty(t, problems)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.WriteFile("counter.txt", ""))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = ws.Update("counter.txt", func(cur string, err error) (string, error) {
				return cur + "x", nil
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = ws.ReadFile("counter.txt")
		}()
	}
	wg.Wait()

	got, err := ws.ReadFile("counter.txt")
	require.NoError(t, err)
	assert.Len(t, got, 20)
}
