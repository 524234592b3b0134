package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/auth"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Crawl a target and run the configured test modules",
	Long: `Crawl a web application starting at <url>, staying inside the declared
scope, then run each configured test module over the crawl result.

Examples:
  webprobe scan https://app.example.com
  webprobe scan https://app.example.com --scope "*.example.com" --exclude https://app.example.com/logout
  webprobe scan app.example.com --scope-file program.scope
  webprobe scan https://app.example.com --stealth medium --depth 2 --output json
  webprobe scan https://app.example.com --auth-type token --auth-token $TOKEN`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd)
}

func addScanFlags(c *cobra.Command) {
	f := c.Flags()
	f.Int("depth", -1, "maximum link depth from the start url (default from config)")
	f.Int("max-pages", 0, "maximum pages to crawl (default from config)")
	f.Int("concurrency", 0, "concurrent fetches (default from config)")
	f.Duration("delay", 0, "base delay between requests")
	f.Float64("jitter", -1, "delay jitter fraction in [0,1]")
	f.String("stealth", "", "stealth level (none, low, medium, high, paranoid)")
	f.StringSlice("modules", nil, "test modules to run, in order")
	f.StringSlice("scope", nil, "scope patterns (*.example.com, https://example.com/app*)")
	f.StringSlice("exclude", nil, "exclusion patterns, always win over scope")
	f.String("scope-file", "", "file of scope patterns with optional [out-of-scope] section")
	f.StringSlice("header", nil, "extra request header as 'Name: value'")
	f.String("proxy", "", "proxy url for every request")
	f.Bool("discovery-only", false, "crawl without running test modules")
	f.Bool("allow-private", false, "allow targets on private addresses")
	f.Bool("insecure", false, "skip TLS certificate verification")
	f.Duration("max-duration", 0, "wall clock limit for the whole scan")
	f.String("auth-type", "", "authentication strategy (form, basic, token, oauth)")
	f.String("auth-user", "", "username for form or basic auth")
	f.String("auth-pass", "", "password for form or basic auth")
	f.String("auth-token", "", "bearer token for token auth")
	f.String("login-url", "", "login form url for form auth")
	f.String("output", "text", "output format (text, json)")
}

// scanConfigFromFlags applies command line overrides to the configured
// scan defaults.
func scanConfigFromFlags(cmd *cobra.Command, target string) (scanner.Config, error) {
	f := cmd.Flags()
	scopes, _ := f.GetStringSlice("scope")
	excludes, _ := f.GetStringSlice("exclude")

	base, err := scope.NormalizeTarget(target)
	if err != nil {
		return scanner.Config{}, err
	}
	t := scope.Target{BaseURL: base, Scope: scopes, Exclusions: excludes}
	if path, _ := f.GetString("scope-file"); path != "" {
		sf, err := scope.LoadFile(path)
		if err != nil {
			return scanner.Config{}, err
		}
		for _, line := range sf.Skipped {
			log.Warnw("Ignoring unsupported scope entry", "entry", line, "file", path)
		}
		sf.Apply(&t)
	}

	sc := scanner.NewConfig(cfg.Scan, t)
	sc.MaxDelay = cfg.RateLimit.MaxDelay

	if v, _ := f.GetInt("depth"); v >= 0 {
		sc.MaxDepth = v
	}
	if v, _ := f.GetInt("max-pages"); v > 0 {
		sc.MaxPages = v
	}
	if v, _ := f.GetInt("concurrency"); v > 0 {
		sc.Concurrency = v
	}
	if v, _ := f.GetDuration("delay"); v > 0 {
		sc.RequestDelay = v
	}
	if v, _ := f.GetFloat64("jitter"); v >= 0 {
		sc.Jitter = v
	}
	if v, _ := f.GetString("stealth"); v != "" {
		sc.StealthLevel = v
	}
	if v, _ := f.GetStringSlice("modules"); len(v) > 0 {
		sc.Modules = v
	}
	if v, _ := f.GetDuration("max-duration"); v > 0 {
		sc.MaxScanDuration = v
	}
	sc.Proxy, _ = f.GetString("proxy")
	sc.DiscoveryOnly, _ = f.GetBool("discovery-only")
	if v, _ := f.GetBool("allow-private"); v {
		sc.AllowPrivate = true
	}
	if v, _ := f.GetBool("insecure"); v {
		sc.VerifyTLS = false
	}

	headers, _ := f.GetStringSlice("header")
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return sc, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		if sc.Headers == nil {
			sc.Headers = make(map[string]string)
		}
		sc.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	if authType, _ := f.GetString("auth-type"); authType != "" {
		a := &auth.Config{Type: authType}
		a.Username, _ = f.GetString("auth-user")
		a.Password, _ = f.GetString("auth-pass")
		a.Token, _ = f.GetString("auth-token")
		a.LoginURL, _ = f.GetString("login-url")
		sc.Auth = a
	}
	return sc, sc.Validate()
}

func runScan(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output != "text" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}
	sc, err := scanConfigFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.closeWithTimeout(cfg.Scan.ShutdownGrace + 5*time.Second)

	engine, err := a.scans.Create(sc)
	if err != nil {
		return err
	}
	log.Infow("Starting scan", "scan_id", engine.ID(), "target", sc.Target.BaseURL, "modules", sc.Modules)

	// The scan runs on its own context so that an interrupt goes through
	// the cooperative stop path instead of tearing the run down.
	if err := engine.Start(context.Background()); err != nil {
		return err
	}

	text := output == "text"
	if text {
		color.Cyan("Scanning %s (scan %s)\n", sc.Target.BaseURL, engine.ID())
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	interrupted := false
wait:
	for {
		select {
		case <-engine.Done():
			break wait
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				if text {
					color.Yellow("\nInterrupted, stopping scan...\n")
				}
				_ = engine.Stop()
			}
			ctx = context.Background()
		case <-ticker.C:
			if text {
				printProgress(engine.Status())
			}
		}
	}

	results := engine.Results()
	if !text {
		return writeJSON(os.Stdout, results)
	}
	printScanSummary(results)
	if results.Status.Status == types.ScanStatusFailed {
		return fmt.Errorf("scan failed")
	}
	return nil
}

func printProgress(s scanner.Status) {
	module := ""
	if s.ActiveModule != "" {
		module = " module=" + s.ActiveModule
	}
	fmt.Fprintf(os.Stdout, "\r%s %5.1f%%  pages=%d queued=%d findings=%d%s   ",
		colorStatus(string(s.Status)), s.Progress, s.PagesCrawled, s.URLsQueued, s.Findings, module)
}

func printScanSummary(r *scanner.Results) {
	s := r.Status
	fmt.Fprintln(os.Stdout)
	fmt.Fprintf(os.Stdout, "\n%s %s\n", color.New(color.Bold).Sprint("Scan"), s.ScanID)
	fmt.Fprintf(os.Stdout, "  Status:    %s\n", colorStatus(string(s.Status)))
	fmt.Fprintf(os.Stdout, "  Target:    %s\n", s.Target)
	fmt.Fprintf(os.Stdout, "  Pages:     %d\n", s.PagesCrawled)
	if s.StartedAt != nil && s.CompletedAt != nil {
		fmt.Fprintf(os.Stdout, "  Duration:  %s\n", s.CompletedAt.Sub(*s.StartedAt).Round(time.Millisecond))
	}
	if s.Backoffs > 0 {
		fmt.Fprintf(os.Stdout, "  Backoffs:  %d (delay now %s)\n", s.Backoffs, s.RequestDelay)
	}

	if crawl := r.Crawl; crawl != nil {
		fmt.Fprintf(os.Stdout, "  Forms:     %d\n", len(crawl.Forms))
		fmt.Fprintf(os.Stdout, "  Endpoints: %d\n", len(crawl.Endpoints))
		if len(crawl.Technologies) > 0 {
			names := make([]string, 0, len(crawl.Technologies))
			for _, t := range crawl.Technologies {
				name := t.Name
				if t.Version != "" {
					name += " " + t.Version
				}
				names = append(names, name)
			}
			fmt.Fprintf(os.Stdout, "  Tech:      %s\n", strings.Join(names, ", "))
		}
	}

	for _, e := range s.Errors {
		fmt.Fprintf(os.Stdout, "  %s %s\n", color.RedString("error:"), e)
	}

	fmt.Fprintf(os.Stdout, "\n%s %d\n", color.New(color.Bold).Sprint("Findings:"), r.Summary.Total)
	displaySeverityCounts(os.Stdout, r.Summary)
	if len(r.Findings) > 0 {
		fmt.Fprintln(os.Stdout)
		displayTopFindings(os.Stdout, r.Findings, 10)
	}
}
