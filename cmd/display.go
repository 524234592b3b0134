package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.New(color.FgGreen).Sprint("✓ " + status)
	case "running", "finalizing":
		return color.New(color.FgYellow).Sprint("⟳ " + status)
	case "paused", "stopping", "stopped", "cancelled":
		return color.New(color.FgCyan).Sprint("■ " + status)
	case "failed":
		return color.New(color.FgRed).Sprint("✗ " + status)
	default:
		return status
	}
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	case types.SeverityInfo:
		return color.New(color.FgWhite).Sprint("INFO")
	default:
		return strings.ToUpper(string(severity))
	}
}

var severityOrder = []types.Severity{
	types.SeverityCritical,
	types.SeverityHigh,
	types.SeverityMedium,
	types.SeverityLow,
	types.SeverityInfo,
	types.SeverityUnknown,
}

func displaySeverityCounts(w io.Writer, summary types.Summary) {
	for _, sev := range severityOrder {
		if n := summary.BySeverity[sev]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", colorSeverity(sev), n)
		}
	}
}

// displayTopFindings prints up to limit findings, most severe first.
func displayTopFindings(w io.Writer, findings []types.Finding, limit int) {
	sorted := make([]types.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	for _, f := range sorted {
		fmt.Fprintf(w, "  [%s] %s\n", colorSeverity(f.Severity), f.Title)
		if f.Location != "" {
			fmt.Fprintf(w, "         %s\n", color.New(color.Faint).Sprint(f.Location))
		}
	}
	if rest := len(findings) - len(sorted); rest > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", rest)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
