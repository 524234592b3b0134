// Package passive holds test modules that judge the crawl result without
// sending further requests.
package passive

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Defaults returns every passive module.
func Defaults() []scanner.TestModule {
	return []scanner.TestModule{
		TechDisclosure{},
		MissingCSRF{},
		InsecureFormTransport{},
	}
}

// TechDisclosure reports versioned technologies. A version string lets an
// attacker match the target against published advisories.
type TechDisclosure struct{}

func (TechDisclosure) Name() string { return "tech_disclosure" }

func (TechDisclosure) Run(ctx context.Context, crawl *web.Result, sc *scanner.ScanContext) ([]types.Finding, error) {
	var findings []types.Finding
	for _, tech := range crawl.Technologies {
		if tech.Version == "" {
			continue
		}
		findings = append(findings, types.Finding{
			Category:    "information_disclosure",
			Severity:    types.SeverityInfo,
			Confidence:  confidenceFor(tech.Confidence),
			Title:       fmt.Sprintf("%s version disclosed", tech.Name),
			Description: fmt.Sprintf("The application reveals that it runs %s %s.", tech.Name, tech.Version),
			Location:    sc.Target,
			Parameter:   tech.Name,
			Evidence:    strings.Join(tech.Evidence, "; "),
			Remediation: "Remove version banners from headers, generator tags and asset paths.",
			CWEID:       200,
			Metadata:    map[string]interface{}{"version": tech.Version, "category": tech.Category},
		})
	}
	return findings, ctx.Err()
}

func confidenceFor(score float64) types.Confidence {
	switch {
	case score >= 0.9:
		return types.ConfidenceCertain
	case score >= 0.5:
		return types.ConfidenceFirm
	default:
		return types.ConfidenceTentative
	}
}

// MissingCSRF reports state-changing forms without an anti-CSRF token.
type MissingCSRF struct{}

func (MissingCSRF) Name() string { return "missing_csrf" }

func (MissingCSRF) Run(ctx context.Context, crawl *web.Result, sc *scanner.ScanContext) ([]types.Finding, error) {
	var findings []types.Finding
	for _, form := range crawl.Forms {
		if form.Method != "POST" || form.HasCSRF || form.Purpose == web.PurposeSearch {
			continue
		}
		severity := types.SeverityMedium
		if form.Purpose == web.PurposeLogin || form.Purpose == web.PurposePasswordReset || form.Purpose == web.PurposePayment {
			severity = types.SeverityHigh
		}
		findings = append(findings, types.Finding{
			Category:    "csrf",
			Severity:    severity,
			Confidence:  types.ConfidenceFirm,
			Title:       fmt.Sprintf("%s form without CSRF token", formLabel(form)),
			Description: fmt.Sprintf("The form on %s posts to %s without a recognisable anti-CSRF token.", form.Page, form.Action),
			Location:    form.Action,
			Evidence:    fmt.Sprintf("method=%s inputs=%s", form.Method, inputNames(form)),
			Remediation: "Bind a per-session token to every state-changing form and verify it server side, or rely on SameSite=strict session cookies.",
			CWEID:       352,
			Metadata:    map[string]interface{}{"page": form.Page, "purpose": form.Purpose},
		})
	}
	return findings, ctx.Err()
}

// InsecureFormTransport reports password forms served or submitted over
// plain http.
type InsecureFormTransport struct{}

func (InsecureFormTransport) Name() string { return "insecure_form_transport" }

func (InsecureFormTransport) Run(ctx context.Context, crawl *web.Result, sc *scanner.ScanContext) ([]types.Finding, error) {
	var findings []types.Finding
	for _, form := range crawl.Forms {
		if !form.HasPassword() {
			continue
		}
		action, err := url.Parse(form.Action)
		if err != nil || action.Scheme != "http" {
			continue
		}
		findings = append(findings, types.Finding{
			Category:    "transport_security",
			Severity:    types.SeverityHigh,
			Confidence:  types.ConfidenceCertain,
			Title:       "Credentials submitted over unencrypted connection",
			Description: fmt.Sprintf("The %s form on %s sends a password to %s over plain http.", formLabel(form), form.Page, form.Action),
			Location:    form.Action,
			Evidence:    "form action scheme is http",
			Remediation: "Serve the page and its form action over https and enable HSTS.",
			CWEID:       319,
			Metadata:    map[string]interface{}{"page": form.Page},
		})
	}
	return findings, ctx.Err()
}

func formLabel(f web.Form) string {
	if f.Purpose == "" || f.Purpose == web.PurposeGeneric {
		return "Generic"
	}
	label := strings.ReplaceAll(f.Purpose, "_", " ")
	return strings.ToUpper(label[:1]) + label[1:]
}

func inputNames(f web.Form) string {
	names := make([]string, 0, len(f.Inputs))
	for _, in := range f.Inputs {
		if in.Name != "" {
			names = append(names, in.Name)
		}
	}
	return strings.Join(names, ",")
}
