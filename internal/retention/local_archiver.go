package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/pkg/models"
)

// LocalFileArchiver writes expired runs as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/runs/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.zest/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "zest", "archive")
		} else {
			basePath = filepath.Join(home, ".zest", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// ArchiveRuns writes runs to a new timestamped file and returns its path.
func (a *LocalFileArchiver) ArchiveRuns(_ context.Context, runs []models.Run) (string, error) {
	dir := filepath.Join(a.basePath, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05.000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if a.compress {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encode run %s: %w", r.ID, err)
		}
	}

	log.Debug().Str("path", fpath).Int("count", len(runs)).Msg("Archived runs to local file")
	return fpath, nil
}

// HealthCheck verifies the base path is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
