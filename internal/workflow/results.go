package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const (
	summaryFile = "workflow_summary.json"
	resultFile  = "result.json"
)

// GetFindings returns one page of the findings of every task, in task
// order. A finding reported twice by the same adapter is kept once.
func (o *Orchestrator) GetFindings(id string, filter FindingFilter) (*FindingsPage, error) {
	wf, err := o.GetWorkflowStatus(id)
	if err != nil {
		return nil, err
	}
	filter = filter.normalize()

	seen := make(map[uint64]bool)
	var matched []types.Finding
	for _, t := range wf.Tasks {
		if t.Result == nil {
			continue
		}
		for _, f := range t.Result.Findings {
			fp := f.Fingerprint()
			if seen[fp] {
				continue
			}
			seen[fp] = true
			if filter.matches(f) {
				matched = append(matched, f)
			}
		}
	}

	page := &FindingsPage{
		Findings: []types.Finding{},
		Total:    len(matched),
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	start := (filter.Page - 1) * filter.PageSize
	if start < len(matched) {
		end := start + filter.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Findings = matched[start:end]
	}
	return page, nil
}

// Export serializes the workflow as "json" or "yaml".
func (o *Orchestrator) Export(id, format string) ([]byte, error) {
	wf, err := o.GetWorkflowStatus(id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	switch strings.ToLower(format) {
	case "", "json":
		return data, nil
	case "yaml", "yml":
		// Round-trip through JSON so both formats share field names.
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// SaveWorkflowResults writes the workflow under the results directory and
// returns the directory:
//
//	<results_dir>/<workflow_id>/workflow_summary.json
//	<results_dir>/<workflow_id>/<task_id>/result.json
//	<results_dir>/<workflow_id>/<task_id>/<adapter files>
func (o *Orchestrator) SaveWorkflowResults(id string) (string, error) {
	wf, err := o.GetWorkflowStatus(id)
	if err != nil {
		return "", err
	}
	root := o.resultsDir
	if root == "" {
		root = "."
	}
	dir := filepath.Join(root, wf.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, summaryFile), wf); err != nil {
		return "", err
	}

	for _, t := range wf.Tasks {
		if t.Result == nil {
			continue
		}
		taskDir := filepath.Join(dir, t.ID)
		if err := os.MkdirAll(taskDir, 0o755); err != nil {
			return "", fmt.Errorf("create task directory: %w", err)
		}
		if err := writeJSON(filepath.Join(taskDir, resultFile), t.Result); err != nil {
			return "", err
		}
		for _, src := range t.Result.ResultFiles {
			if err := copyFile(src, filepath.Join(taskDir, filepath.Base(src))); err != nil {
				o.logger.Warnw("Could not copy adapter output", "workflow_id", wf.ID, "task_id", t.ID, "file", src, "error", err)
			}
		}
	}

	o.logger.Infow("Workflow results saved", "workflow_id", wf.ID, "path", dir)
	return dir, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
