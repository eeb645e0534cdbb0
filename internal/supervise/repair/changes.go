package repair

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ChangeDetector lists the files currently modified in the working tree.
// The policy diffs the list before and after a fixer run: a "successful"
// run that changed nothing did not fix anything.
type ChangeDetector interface {
	ChangedFiles(ctx context.Context) ([]string, error)
}

// GitChangeDetector reads the changed-file list from git.
type GitChangeDetector struct {
	Dir string
}

// ChangedFiles returns the paths reported by git status --porcelain.
func (d *GitChangeDetector) ChangedFiles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = d.Dir

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var files []string
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Porcelain format: "XY path".
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			files = append(files, strings.TrimSpace(line[idx+1:]))
		}
	}
	return files, nil
}

// newFiles returns entries in after that were absent from before.
func newFiles(before, after []string) []string {
	prev := make(map[string]struct{}, len(before))
	for _, f := range before {
		prev[f] = struct{}{}
	}
	var fresh []string
	for _, f := range after {
		if _, ok := prev[f]; !ok {
			fresh = append(fresh, f)
		}
	}
	return fresh
}
