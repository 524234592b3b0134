package techstack

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
	wappalyzer "github.com/projectdiscovery/wappalyzergo"
)

const (
	CategoryWebServer   = "Web Server"
	CategoryOS          = "Operating System"
	CategoryLanguage    = "Programming Language"
	CategoryFramework   = "Web Framework"
	CategoryCMS         = "CMS"
	CategoryDatabase    = "Database"
	CategoryJSLibrary   = "JavaScript Library"
	CategoryJSFramework = "JavaScript Framework"
	CategoryAPI         = "API"
	CategoryAnalytics   = "Analytics"
	CategoryCDN         = "CDN"
	CategorySecurity    = "Security"
	CategoryDetected    = "Detected"
)

const impliedConfidence = 0.7

// Signature describes how to recognise one technology.
type Signature struct {
	Name     string
	Category string
	Patterns []Pattern
	Implies  []string
	Excludes []string
	Website  string
}

// Pattern is one regular expression applied to a response source. When
// Versioned is set the first capture group is taken as the version.
type Pattern struct {
	Type      string
	Pattern   string
	Versioned bool
	compiled  *regexp.Regexp
}

// Technology is a detection result.
type Technology struct {
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Version    string   `json:"version,omitempty"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
	Website    string   `json:"website,omitempty"`
}

var (
	metaTagRe   = regexp.MustCompile(`(?i)<meta[^>]*>`)
	scriptSrcRe = regexp.MustCompile(`(?i)<script[^>]*\bsrc\s*=\s*["']([^"']+)["']`)
)

// Fingerprinter matches responses against the local signature table and,
// when available, the wappalyzer fingerprint set. It holds no mutable
// state after construction.
type Fingerprinter struct {
	signatures map[string]Signature
	order      []string
	wapp       *wappalyzer.Wappalyze
	logger     *logger.Logger
}

// New builds a fingerprinter backed by both the local table and
// wappalyzer. If wappalyzer fails to load, only the local table is used.
func New(log *logger.Logger) *Fingerprinter {
	f := NewLocal(log)
	wapp, err := wappalyzer.New()
	if err != nil {
		f.logger.Warnw("Wappalyzer fingerprints unavailable, using local signatures only", "error", err)
		return f
	}
	f.wapp = wapp
	return f
}

// NewLocal builds a fingerprinter that uses only the local table.
func NewLocal(log *logger.Logger) *Fingerprinter {
	if log == nil {
		log = logger.NewNop()
	}
	f := &Fingerprinter{
		signatures: make(map[string]Signature, len(builtinSignatures)),
		logger:     log.WithComponent("techstack"),
	}
	for _, sig := range builtinSignatures {
		f.add(sig)
	}
	return f
}

func (f *Fingerprinter) add(sig Signature) {
	patterns := make([]Pattern, 0, len(sig.Patterns))
	for _, p := range sig.Patterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			f.logger.Warnw("Skipping invalid signature pattern", "technology", sig.Name, "pattern", p.Pattern, "error", err)
			continue
		}
		p.compiled = compiled
		patterns = append(patterns, p)
	}
	sig.Patterns = patterns
	if _, exists := f.signatures[sig.Name]; !exists {
		f.order = append(f.order, sig.Name)
	}
	f.signatures[sig.Name] = sig
}

// Analyze returns the technologies detected in resp, sorted by name.
func (f *Fingerprinter) Analyze(resp *types.HTTPResponse) []Technology {
	if resp == nil {
		return nil
	}

	bodyStr := string(resp.Body)
	lines := headerLines(resp)
	cookies := strings.Join(resp.Headers.Values("Set-Cookie"), "\n")
	metas := metaTagRe.FindAllString(bodyStr, -1)
	var scripts []string
	for _, m := range scriptSrcRe.FindAllStringSubmatch(bodyStr, -1) {
		scripts = append(scripts, m[1])
	}

	detected := make(map[string]*Technology)

	for _, name := range f.order {
		sig := f.signatures[name]
		if len(sig.Patterns) == 0 {
			continue
		}

		tech := &Technology{Name: sig.Name, Category: sig.Category, Website: sig.Website}
		matchCount := 0

		for _, p := range sig.Patterns {
			var candidates []string
			switch p.Type {
			case sourceHeader:
				candidates = lines
			case sourceBody:
				candidates = []string{bodyStr}
			case sourceCookie:
				candidates = []string{cookies}
			case sourceMeta:
				candidates = metas
			case sourceScript:
				candidates = scripts
			case sourceURL:
				candidates = []string{resp.URL}
			}

			matched := false
			for _, c := range candidates {
				m := p.compiled.FindStringSubmatch(c)
				if m == nil {
					continue
				}
				matched = true
				if p.Versioned && len(m) > 1 && m[1] != "" && tech.Version == "" {
					tech.Version = m[1]
				}
				tech.Evidence = append(tech.Evidence, evidenceFor(p.Type, c))
				break
			}
			if matched {
				matchCount++
			}
		}

		if matchCount > 0 {
			tech.Confidence = float64(matchCount) / float64(len(sig.Patterns))
			detected[tech.Name] = tech
		}
	}

	if f.wapp != nil {
		f.mergeWappalyzer(resp, detected)
	}

	f.processImplies(detected)
	f.processExcludes(detected)

	out := make([]Technology, 0, len(detected))
	for _, tech := range detected {
		out = append(out, *tech)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// mergeWappalyzer folds wappalyzer detections into detected. Keys are
// either "Name" or "Name:version".
func (f *Fingerprinter) mergeWappalyzer(resp *types.HTTPResponse, detected map[string]*Technology) {
	for key := range f.wapp.Fingerprint(resp.Headers, resp.Body) {
		name, version := key, ""
		if i := strings.LastIndex(key, ":"); i > 0 {
			name, version = key[:i], key[i+1:]
		}

		existing := f.lookup(detected, name)
		if existing != nil {
			if existing.Version == "" {
				existing.Version = version
			}
			existing.Evidence = append(existing.Evidence, "wappalyzer")
			continue
		}

		tech := &Technology{Name: name, Category: CategoryDetected, Version: version, Confidence: 0.8, Evidence: []string{"wappalyzer"}}
		if sig, ok := f.signatures[name]; ok {
			tech.Category, tech.Website = sig.Category, sig.Website
		}
		detected[name] = tech
	}
}

func (f *Fingerprinter) lookup(detected map[string]*Technology, name string) *Technology {
	if tech, ok := detected[name]; ok {
		return tech
	}
	for k, tech := range detected {
		if strings.EqualFold(k, name) {
			return tech
		}
	}
	return nil
}

// processImplies adds implied technologies until no new ones appear.
func (f *Fingerprinter) processImplies(detected map[string]*Technology) {
	changed := true
	for changed {
		changed = false
		for _, tech := range detected {
			sig, ok := f.signatures[tech.Name]
			if !ok {
				continue
			}
			for _, impliedName := range sig.Implies {
				if _, exists := detected[impliedName]; exists {
					continue
				}
				implied, ok := f.signatures[impliedName]
				if !ok {
					continue
				}
				detected[impliedName] = &Technology{
					Name:       implied.Name,
					Category:   implied.Category,
					Website:    implied.Website,
					Confidence: impliedConfidence,
					Evidence:   []string{fmt.Sprintf("Implied by %s", tech.Name)},
				}
				changed = true
			}
		}
	}
}

func (f *Fingerprinter) processExcludes(detected map[string]*Technology) {
	for name := range detected {
		if sig, ok := f.signatures[name]; ok {
			for _, excluded := range sig.Excludes {
				delete(detected, excluded)
			}
		}
	}
}

// Categories returns the distinct categories in the local table.
func (f *Fingerprinter) Categories() []string {
	seen := make(map[string]bool)
	var categories []string
	for _, name := range f.order {
		cat := f.signatures[name].Category
		if !seen[cat] {
			seen[cat] = true
			categories = append(categories, cat)
		}
	}
	sort.Strings(categories)
	return categories
}

func headerLines(resp *types.HTTPResponse) []string {
	lines := make([]string, 0, len(resp.Headers))
	for key, values := range resp.Headers {
		for _, v := range values {
			lines = append(lines, key+": "+v)
		}
	}
	sort.Strings(lines)
	return lines
}

func evidenceFor(source, matched string) string {
	if len(matched) > 120 {
		matched = matched[:120]
	}
	switch source {
	case sourceBody:
		return "Body pattern match"
	case sourceCookie:
		return "Cookie pattern match"
	case sourceHeader:
		return "Header: " + matched
	case sourceMeta:
		return "Meta: " + matched
	case sourceScript:
		return "Script: " + matched
	default:
		return "URL: " + matched
	}
}
