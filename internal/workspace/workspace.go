// Package workspace is the project model tools operate on: a directory tree
// confined to one root.
//
// Reads take a shared lock and writes take an exclusive lock, so a tool
// mutating a file never interleaves with another tool reading it.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrOutsideRoot is returned for paths that escape the workspace root.
	ErrOutsideRoot = errors.New("path is outside the workspace")
	// ErrExists is returned by CreateFile when the target already exists.
	ErrExists = errors.New("file already exists")
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")
)

// MaxFileSize caps the bytes read from a single file.
const MaxFileSize = 1 << 20

var skipDirs = map[string]bool{
	".git": true, ".idea": true, ".gradle": true, "node_modules": true,
	"vendor": true, "build": true, "target": true, "dist": true, "out": true,
}

// Entry is one file or directory returned by List.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Match is one line returned by Search.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Workspace is a root-confined view of a project directory.
type Workspace struct {
	root string
	mu   sync.RWMutex
}

// New opens the directory at root.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute root directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a workspace-relative (or absolute, in-root) path to an
// absolute path, rejecting anything outside the root.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(w.root, p)
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	return abs, nil
}

// Rel returns p relative to the root, using forward slashes.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Exists reports whether a file or directory exists at p.
func (w *Workspace) Exists(p string) bool {
	abs, err := w.Resolve(p)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, err = os.Stat(abs)
	return err == nil
}

// ReadFile returns the content of the file at p.
func (w *Workspace) ReadFile(p string) (string, error) {
	abs, err := w.Resolve(p)
	if err != nil {
		return "", err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return readLimited(abs, p)
}

// WriteFile replaces (or creates) the file at p, creating parent directories.
func (w *Workspace) WriteFile(p, content string) error {
	abs, err := w.Resolve(p)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFile(abs, content)
}

// CreateFile writes a new file and fails with ErrExists if p is taken.
func (w *Workspace) CreateFile(p, content string) error {
	abs, err := w.Resolve(p)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%s: %w", p, ErrExists)
	}
	return writeFile(abs, content)
}

// Update applies fn to the current content of p under the write lock and
// stores the result. fn sees ("", ErrNotFound) for a missing file.
func (w *Workspace) Update(p string, fn func(current string, err error) (string, error)) error {
	abs, err := w.Resolve(p)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	current, rerr := readLimited(abs, p)
	next, err := fn(current, rerr)
	if err != nil {
		return err
	}
	return writeFile(abs, next)
}

// List returns entries below dir up to maxDepth levels (1 = direct children).
func (w *Workspace) List(dir string, maxDepth int) ([]Entry, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := w.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	base := strings.Count(abs, string(filepath.Separator))
	var entries []Entry
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == abs {
			return nil
		}
		depth := strings.Count(path, string(filepath.Separator)) - base
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		e := Entry{Path: w.Rel(path), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return entries, nil
}

// Search returns lines matching pattern in files whose base name matches glob
// (empty glob matches all). At most max matches are returned.
func (w *Workspace) Search(pattern *regexp.Regexp, glob string, max int) ([]Match, error) {
	if max <= 0 {
		max = 100
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	var matches []Match
	err := w.walkFiles(glob, func(path, content string) bool {
		for i, line := range strings.Split(content, "\n") {
			if pattern.MatchString(line) {
				matches = append(matches, Match{Path: w.Rel(path), Line: i + 1, Text: strings.TrimSpace(line)})
				if len(matches) >= max {
					return false
				}
			}
		}
		return true
	})
	return matches, err
}

// walkFiles visits readable text files under the root in lexical order.
// fn returns false to stop the walk. Callers hold the read lock.
func (w *Workspace) walkFiles(glob string, fn func(path, content string) bool) error {
	stop := errors.New("stop")
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil || len(data) > MaxFileSize || isBinary(data) {
			return nil
		}
		if !fn(path, string(data)) {
			return stop
		}
		return nil
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}

func readLimited(abs, display string) (string, error) {
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", display, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", display)
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("%s is too large (%d bytes)", display, info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", display, err)
	}
	return string(data), nil
}

func writeFile(abs, content string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", abs, err)
	}
	return nil
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

func sortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Path != ms[j].Path {
			return ms[i].Path < ms[j].Path
		}
		return ms[i].Line < ms[j].Line
	})
}
