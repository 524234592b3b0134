package httpx

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
	Timeout         time.Duration
	Threads         int
	RateLimit       int
	Retries         int
	FollowRedirects bool
}

type Output struct {
	Timestamp     string   `json:"timestamp"`
	Host          string   `json:"host"`
	URL           string   `json:"url"`
	Port          string   `json:"port"`
	StatusCode    int      `json:"status_code"`
	ContentLength int      `json:"content_length"`
	ContentType   string   `json:"content_type"`
	Title         string   `json:"title"`
	WebServer     string   `json:"webserver"`
	Technologies  []string `json:"tech,omitempty"`
	CDN           bool     `json:"cdn"`
	CDNName       string   `json:"cdn_name,omitempty"`
	Scheme        string   `json:"scheme"`
	Failed        bool     `json:"failed"`
	HTTP2         bool     `json:"http2"`
}

func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "httpx"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Threads == 0 {
		cfg.Threads = 50
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 150
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{cfg: cfg, logger: log.WithComponent("httpx")}
}

func (a *Adapter) Name() string { return "httpx" }

// Execute probes options["target"] and reports each live endpoint with
// its server, title and detected technologies. Recognised options: paths,
// ports, proxy, headers, follow_redirects.
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
	a.logger.Infow("Running httpx probe", "target", target, "args", args)

	res, err := runner.Run(ctx, a.logger, a.cfg.BinaryPath, args)
	if err != nil {
		var raw []byte
		if res != nil {
			raw = res.Stdout
		}
		return runner.Failed(started, err, raw), nil
	}

	var findings []types.Finding
	skipped, err := runner.EachLine(bytes.NewReader(res.Stdout), func(line []byte) error {
		var out Output
		if err := json.Unmarshal(line, &out); err != nil {
			return err
		}
		if !out.Failed {
			findings = append(findings, convert(out))
		}
		return nil
	})
	if err != nil {
		return runner.Failed(started, fmt.Errorf("error reading httpx output: %w", err), res.Stdout), nil
	}
	if skipped > 0 {
		a.logger.Warnw("Skipped unparseable httpx output lines", "count", skipped)
	}

	result := &types.ToolResult{
		Status:     types.ToolResultSuccess,
		Findings:   findings,
		RawOutput:  runner.Truncate(string(res.Stdout), 64*1024),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if path, err := runner.SaveOutput("httpx", res.Stdout); err == nil {
		result.ResultFiles = append(result.ResultFiles, path)
	}
	return result, nil
}

func (a *Adapter) buildArgs(target string, opts runner.Options) []string {
	args := []string{
		"-u", target,
		"-json",
		"-silent",
		"-no-color",
		"-threads", fmt.Sprintf("%d", a.cfg.Threads),
		"-rate-limit", fmt.Sprintf("%d", a.cfg.RateLimit),
		"-retries", fmt.Sprintf("%d", a.cfg.Retries),
		"-timeout", "10",
		"-tech-detect",
		"-title",
		"-status-code",
		"-web-server",
		"-cdn",
	}
	for _, p := range opts.Strings("paths") {
		args = append(args, "-path", p)
	}
	if ports := opts.Strings("ports"); len(ports) > 0 {
		args = append(args, "-ports", strings.Join(ports, ","))
	}
	if a.cfg.FollowRedirects || opts.Bool("follow_redirects", false) {
		args = append(args, "-follow-redirects", "-max-redirects", "10")
	}
	if proxy := opts.String("proxy", ""); proxy != "" {
		args = append(args, "-http-proxy", proxy)
	}
	for k, v := range opts.StringMap("headers") {
		args = append(args, "-H", k+": "+v)
	}
	return args
}

func convert(out Output) types.Finding {
	location := out.URL
	if location == "" {
		location = out.Host
	}
	title := fmt.Sprintf("Live endpoint (%d)", out.StatusCode)
	if out.Title != "" {
		title = fmt.Sprintf("Live endpoint: %s (%d)", out.Title, out.StatusCode)
	}
	var evidence []string
	if out.WebServer != "" {
		evidence = append(evidence, "server: "+out.WebServer)
	}
	if len(out.Technologies) > 0 {
		evidence = append(evidence, "tech: "+strings.Join(out.Technologies, ", "))
	}
	if out.CDN {
		evidence = append(evidence, "cdn: "+out.CDNName)
	}
	return types.Finding{
		Adapter:    "httpx",
		Category:   "http_probe",
		Severity:   types.SeverityInfo,
		Confidence: types.ConfidenceCertain,
		Title:      title,
		Location:   location,
		Evidence:   strings.Join(evidence, "; "),
		Metadata: map[string]interface{}{
			"status_code":    out.StatusCode,
			"content_type":   out.ContentType,
			"content_length": out.ContentLength,
			"technologies":   out.Technologies,
			"webserver":      out.WebServer,
			"http2":          out.HTTP2,
		},
	}
}
