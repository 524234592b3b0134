package plugins

import (
	"fmt"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/command"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/crawl"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/httpx"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/plugins/nuclei"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
)

// RegisterDefaults registers the built-in adapters. The crawl adapter is
// only registered when a scan manager is supplied.
func RegisterDefaults(reg *Registry, cfg config.ToolsConfig, scan config.ScanConfig, manager *scanner.Manager, log *logger.Logger) error {
	n := cfg.Nuclei
	nucleiCfg := nuclei.Config{
		BinaryPath:      n.BinaryPath,
		TemplatesPath:   n.TemplatesPath,
		CustomTemplates: n.CustomTemplates,
		Timeout:         n.Timeout,
		RateLimit:       n.RateLimit,
		BulkSize:        n.BulkSize,
		Concurrency:     n.Concurrency,
		Retries:         n.Retries,
	}
	if err := reg.Register(nuclei.New(nucleiCfg, log)); err != nil {
		return fmt.Errorf("failed to register nuclei adapter: %w", err)
	}

	h := cfg.HTTPX
	httpxCfg := httpx.Config{
		BinaryPath:      h.BinaryPath,
		Timeout:         h.Timeout,
		Threads:         h.Threads,
		RateLimit:       h.RateLimit,
		Retries:         h.Retries,
		FollowRedirects: h.FollowRedirects,
	}
	if err := reg.Register(httpx.New(httpxCfg, log)); err != nil {
		return fmt.Errorf("failed to register httpx adapter: %w", err)
	}

	if err := reg.Register(command.New(log)); err != nil {
		return fmt.Errorf("failed to register command adapter: %w", err)
	}

	if manager != nil {
		if err := reg.Register(crawl.New(manager, scan)); err != nil {
			return fmt.Errorf("failed to register crawl adapter: %w", err)
		}
	}

	return nil
}
