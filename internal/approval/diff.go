package approval

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/zps-zest/zest/pkg/models"
)

// UnifiedDiff renders a unified diff between two versions of path.
// A missing file is represented by an empty before.
func UnifiedDiff(path, before, after string) (string, error) {
	from := "a/" + path
	if before == "" {
		from = "/dev/null"
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: from,
		ToFile:   "b/" + path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("build diff for %s: %w", path, err)
	}
	return text, nil
}

// Stats counts files and changed lines in a unified diff.
func Stats(patch string) (models.DiffStats, error) {
	var stats models.DiffStats
	if strings.TrimSpace(patch) == "" {
		return stats, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return stats, fmt.Errorf("parse diff: %w", err)
	}
	stats.Files = len(fileDiffs)
	for _, fd := range fileDiffs {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.Added++
				case strings.HasPrefix(line, "-"):
					stats.Deleted++
				}
			}
		}
	}
	return stats, nil
}
