package web

import (
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
)

// Form purposes assigned by field-name heuristics.
const (
	PurposeLogin         = "login"
	PurposeRegistration  = "registration"
	PurposeSearch        = "search"
	PurposeContact       = "contact"
	PurposeUpload        = "upload"
	PurposePayment       = "payment"
	PurposePasswordReset = "password_reset"
	PurposeGeneric       = "generic"
)

// Form represents an HTML form found while crawling
type Form struct {
	Page      string       `json:"page"`
	Action    string       `json:"action"`
	Method    string       `json:"method"`
	Inputs    []InputField `json:"inputs"`
	HasCSRF   bool         `json:"has_csrf"`
	CSRFField string       `json:"csrf_field,omitempty"`
	Purpose   string       `json:"purpose"`
}

// HasPassword reports whether the form collects a password.
func (f Form) HasPassword() bool {
	for _, in := range f.Inputs {
		if in.Type == "password" {
			return true
		}
	}
	return false
}

// InputField represents a single named input on a page
type InputField struct {
	Page     string `json:"page"`
	Form     string `json:"form,omitempty"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Value    string `json:"value,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Endpoint is a candidate API location discovered in a page or response.
type Endpoint struct {
	URL    string `json:"url"`
	Source string `json:"source"`
	Page   string `json:"page"`
	Kind   string `json:"kind"`
}

// Endpoint sources and kinds.
const (
	SourceInlineScript = "inline_script"
	SourceJSONResponse = "json_response"
	SourceGraphQL      = "graphql_indicator"

	KindREST    = "rest"
	KindGraphQL = "graphql"
)

// Result accumulates everything one crawl discovers. It is safe for
// concurrent use; readers take a Snapshot.
type Result struct {
	mu sync.RWMutex

	URLs         []string
	Forms        []Form
	InputFields  []InputField
	Endpoints    []Endpoint
	JSFiles      []string
	StaticFiles  []string
	Technologies []techstack.Technology
	SitemapURLs  []string

	urlSeen      map[string]struct{}
	endpointSeen map[string]struct{}
	jsSeen       map[string]struct{}
	staticSeen   map[string]struct{}
	techSeen     map[string]int
}

func NewResult() *Result {
	return &Result{
		urlSeen:      make(map[string]struct{}),
		endpointSeen: make(map[string]struct{}),
		jsSeen:       make(map[string]struct{}),
		staticSeen:   make(map[string]struct{}),
		techSeen:     make(map[string]int),
	}
}

func (r *Result) addURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.urlSeen[u]; ok {
		return
	}
	r.urlSeen[u] = struct{}{}
	r.URLs = append(r.URLs, u)
}

func (r *Result) addSitemapURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SitemapURLs = append(r.SitemapURLs, u)
}

// addPage merges the artifacts extracted from a single page.
func (r *Result) addPage(p *pageArtifacts) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Forms = append(r.Forms, p.forms...)
	for _, f := range p.forms {
		for _, in := range f.Inputs {
			if in.Name != "" {
				r.InputFields = append(r.InputFields, in)
			}
		}
	}
	r.InputFields = append(r.InputFields, p.looseInputs...)

	for _, ep := range p.endpoints {
		key := endpointKey(ep)
		if _, ok := r.endpointSeen[key]; ok {
			continue
		}
		r.endpointSeen[key] = struct{}{}
		r.Endpoints = append(r.Endpoints, ep)
	}
	for _, js := range p.scripts {
		if _, ok := r.jsSeen[js]; !ok {
			r.jsSeen[js] = struct{}{}
			r.JSFiles = append(r.JSFiles, js)
		}
	}
	for _, s := range p.static {
		if _, ok := r.staticSeen[s]; !ok {
			r.staticSeen[s] = struct{}{}
			r.StaticFiles = append(r.StaticFiles, s)
		}
	}
	for _, tech := range p.technologies {
		if idx, ok := r.techSeen[tech.Name]; ok {
			existing := &r.Technologies[idx]
			if existing.Version == "" && tech.Version != "" {
				existing.Version = tech.Version
			}
			if tech.Confidence > existing.Confidence {
				existing.Confidence = tech.Confidence
			}
			continue
		}
		r.techSeen[tech.Name] = len(r.Technologies)
		r.Technologies = append(r.Technologies, tech)
	}
}

func (r *Result) addEndpoint(ep Endpoint) {
	r.addPage(&pageArtifacts{endpoints: []Endpoint{ep}})
}

// Snapshot returns a deep copy that callers may keep and mutate.
func (r *Result) Snapshot() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewResult()
	out.URLs = append([]string(nil), r.URLs...)
	out.Forms = make([]Form, len(r.Forms))
	for i, f := range r.Forms {
		f.Inputs = append([]InputField(nil), f.Inputs...)
		out.Forms[i] = f
	}
	out.InputFields = append([]InputField(nil), r.InputFields...)
	out.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	out.JSFiles = append([]string(nil), r.JSFiles...)
	out.StaticFiles = append([]string(nil), r.StaticFiles...)
	out.SitemapURLs = append([]string(nil), r.SitemapURLs...)
	out.Technologies = make([]techstack.Technology, len(r.Technologies))
	for i, tech := range r.Technologies {
		tech.Evidence = append([]string(nil), tech.Evidence...)
		out.Technologies[i] = tech
	}

	for _, u := range out.URLs {
		out.urlSeen[u] = struct{}{}
	}
	for _, ep := range out.Endpoints {
		out.endpointSeen[endpointKey(ep)] = struct{}{}
	}
	for _, js := range out.JSFiles {
		out.jsSeen[js] = struct{}{}
	}
	for _, s := range out.StaticFiles {
		out.staticSeen[s] = struct{}{}
	}
	for i, tech := range out.Technologies {
		out.techSeen[tech.Name] = i
	}
	return out
}

func endpointKey(ep Endpoint) string {
	return ep.Source + "|" + ep.Kind + "|" + ep.URL
}

// SortedURLs returns the discovered URLs in lexical order.
func (r *Result) SortedURLs() []string {
	r.mu.RLock()
	urls := append([]string(nil), r.URLs...)
	r.mu.RUnlock()
	sort.Strings(urls)
	return urls
}
