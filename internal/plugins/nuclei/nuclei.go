package nuclei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/runner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

type Adapter struct {
	cfg    Config
	logger *logger.Logger
}

type Config struct {
	BinaryPath      string
	TemplatesPath   string
	CustomTemplates string
	Timeout         time.Duration
	RateLimit       int
	BulkSize        int
	Concurrency     int
	Retries         int
}

type Output struct {
	TemplateID       string   `json:"template-id"`
	TemplatePath     string   `json:"template-path"`
	Info             Info     `json:"info"`
	Type             string   `json:"type"`
	Host             string   `json:"host"`
	Matched          string   `json:"matched-at"`
	ExtractedResults []string `json:"extracted-results,omitempty"`
	Timestamp        string   `json:"timestamp"`
	CurlCommand      string   `json:"curl-command,omitempty"`
}

type Info struct {
	Name           string                 `json:"name"`
	Author         []string               `json:"author"`
	Tags           []string               `json:"tags"`
	Description    string                 `json:"description"`
	Reference      []string               `json:"reference,omitempty"`
	Severity       string                 `json:"severity"`
	Remediation    string                 `json:"remediation,omitempty"`
	Classification *Classification        `json:"classification,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type Classification struct {
	CWEID     []string `json:"cwe-id,omitempty"`
	CVSSScore float64  `json:"cvss-score,omitempty"`
}

func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nuclei"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 150
	}
	if cfg.BulkSize == 0 {
		cfg.BulkSize = 25
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 25
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{cfg: cfg, logger: log.WithComponent("nuclei")}
}

func (a *Adapter) Name() string { return "nuclei" }

// Execute runs nuclei against options["target"]. Recognised options:
// severity, tags, templates, proxy, headers, follow_redirects.
func (a *Adapter) Execute(ctx context.Context, options map[string]interface{}) (*types.ToolResult, error) {
	opts := runner.Options(options)
	target, err := opts.Target()
	if err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := a.buildArgs(target, opts)
	a.logger.Infow("Running nuclei scan", "target", target, "args", args)

	// nuclei exits 1 when it matched something on some versions.
	res, err := runner.Run(ctx, a.logger, a.cfg.BinaryPath, args, 1)
	if err != nil {
		var raw []byte
		if res != nil {
			raw = res.Stdout
		}
		return runner.Failed(started, err, raw), nil
	}

	findings, skipped, err := a.parse(res.Stdout, target)
	if err != nil {
		return runner.Failed(started, err, res.Stdout), nil
	}
	if skipped > 0 {
		a.logger.Warnw("Skipped unparseable nuclei output lines", "count", skipped)
	}

	result := &types.ToolResult{
		Status:     types.ToolResultSuccess,
		Findings:   findings,
		RawOutput:  runner.Truncate(string(res.Stdout), 64*1024),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if path, err := runner.SaveOutput("nuclei", res.Stdout); err == nil {
		result.ResultFiles = append(result.ResultFiles, path)
	} else {
		a.logger.LogError(ctx, err, "nuclei.save_output")
	}
	return result, nil
}

func (a *Adapter) buildArgs(target string, opts runner.Options) []string {
	args := []string{
		"-u", target,
		"-jsonl",
		"-silent",
		"-no-color",
		"-rate-limit", fmt.Sprintf("%d", a.cfg.RateLimit),
		"-bulk-size", fmt.Sprintf("%d", a.cfg.BulkSize),
		"-c", fmt.Sprintf("%d", a.cfg.Concurrency),
		"-retries", fmt.Sprintf("%d", a.cfg.Retries),
		"-timeout", "10",
	}

	severity := opts.String("severity", "critical,high,medium,low,info")
	args = append(args, "-severity", severity)

	if tags := opts.Strings("tags"); len(tags) > 0 {
		args = append(args, "-tags", strings.Join(tags, ","))
	}
	if templates := opts.Strings("templates"); len(templates) > 0 {
		for _, t := range templates {
			args = append(args, "-t", t)
		}
	} else if a.cfg.TemplatesPath != "" {
		args = append(args, "-t", a.cfg.TemplatesPath)
	}
	if a.cfg.CustomTemplates != "" {
		args = append(args, "-t", a.cfg.CustomTemplates)
	}
	if opts.Bool("follow_redirects", false) {
		args = append(args, "-follow-redirects")
	}
	if proxy := opts.String("proxy", ""); proxy != "" {
		args = append(args, "-proxy", proxy)
	}
	for k, v := range opts.StringMap("headers") {
		args = append(args, "-H", k+": "+v)
	}
	return args
}

func (a *Adapter) parse(stdout []byte, target string) ([]types.Finding, int, error) {
	var findings []types.Finding
	skipped, err := runner.EachLine(bytes.NewReader(stdout), func(line []byte) error {
		var out Output
		if err := json.Unmarshal(line, &out); err != nil {
			return err
		}
		findings = append(findings, convert(out, target))
		return nil
	})
	if err != nil {
		return nil, skipped, fmt.Errorf("error reading nuclei output: %w", err)
	}
	return findings, skipped, nil
}

func convert(out Output, target string) types.Finding {
	location := out.Matched
	if location == "" {
		location = target
	}
	f := types.Finding{
		Adapter:     "nuclei",
		Category:    category(out),
		Severity:    types.ParseSeverity(out.Info.Severity),
		Confidence:  types.ConfidenceFirm,
		Title:       out.Info.Name,
		Description: description(out),
		Location:    location,
		Evidence:    evidence(out),
		Remediation: out.Info.Remediation,
		References:  out.Info.Reference,
		Metadata: map[string]interface{}{
			"template_id":   out.TemplateID,
			"template_path": out.TemplatePath,
			"tags":          out.Info.Tags,
		},
	}
	if f.Severity == types.SeverityUnknown {
		f.Severity = types.SeverityInfo
	}
	if c := out.Info.Classification; c != nil {
		f.CVSSScore = c.CVSSScore
		for _, id := range c.CWEID {
			var n int
			if _, err := fmt.Sscanf(strings.ToUpper(id), "CWE-%d", &n); err == nil {
				f.CWEID = n
				break
			}
		}
	}
	if len(out.ExtractedResults) > 0 {
		f.Metadata["extracted_results"] = out.ExtractedResults
	}
	if out.CurlCommand != "" {
		f.Metadata["curl_command"] = out.CurlCommand
	}
	return f
}

func category(out Output) string {
	for _, tag := range out.Info.Tags {
		switch strings.ToLower(tag) {
		case "sqli", "sql":
			return "sql_injection"
		case "xss":
			return "cross_site_scripting"
		case "xxe":
			return "xml_external_entity"
		case "ssrf":
			return "server_side_request_forgery"
		case "rce":
			return "remote_code_execution"
		case "lfi":
			return "local_file_inclusion"
		case "jwt":
			return "jwt_vulnerability"
		case "graphql":
			return "graphql_vulnerability"
		case "misconfig", "misconfiguration":
			return "misconfiguration"
		case "exposure", "disclosure":
			return "information_disclosure"
		}
	}
	if out.Type != "" {
		return out.Type
	}
	return "nuclei"
}

func description(out Output) string {
	desc := out.Info.Description
	if desc == "" {
		desc = fmt.Sprintf("Matched nuclei template %s", out.TemplateID)
	}
	return desc
}

func evidence(out Output) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Template: %s\nMatched at: %s\n", out.TemplateID, out.Matched)
	for i, r := range out.ExtractedResults {
		fmt.Fprintf(&b, "  [%d] %s\n", i+1, r)
	}
	return b.String()
}
