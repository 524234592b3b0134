package web

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
)

// pageArtifacts is everything extracted from one response.
type pageArtifacts struct {
	links        []string
	forms        []Form
	looseInputs  []InputField
	endpoints    []Endpoint
	scripts      []string
	static       []string
	technologies []techstack.Technology
}

var (
	apiPatterns = []*regexp.Regexp{
		regexp.MustCompile(`["'](/(?:api|v\d+)/[^"'\s]*)["']`),
		regexp.MustCompile(`["'](https?://[^"'\s]*/(?:api|v\d+)/[^"'\s]*)["']`),
		regexp.MustCompile(`fetch\s*\(\s*["']([^"']+)["']`),
		regexp.MustCompile(`axios\.\w+\s*\(\s*["']([^"']+)["']`),
		regexp.MustCompile(`\$\.ajax\s*\(\s*{[^}]*url\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`XMLHttpRequest[\s\S]{0,200}?open\s*\([^,]+,\s*["']([^"']+)["']`),
	}
	graphqlPathPattern = regexp.MustCompile(`["']([^"'\s]*/graphql[^"'\s]*)["']`)
	graphqlBodyPattern = regexp.MustCompile(`\b(query|mutation)\s*(\w+\s*)?(\([^)]*\)\s*)?\{`)

	csrfNamePattern = regexp.MustCompile(`(?i)(csrf|xsrf|token|authenticity_token|__requestverificationtoken|nonce)`)
)

type purposeRule struct {
	purpose  string
	keywords []string
}

// Evaluated in order; the first rule with a matching field wins.
var purposeRules = []purposeRule{
	{PurposePasswordReset, []string{"reset", "forgot", "new_password", "confirm_password"}},
	{PurposeRegistration, []string{"register", "signup", "sign_up", "password_confirm", "password2", "confirm"}},
	{PurposeLogin, []string{"login", "username", "user", "signin", "passwd", "password"}},
	{PurposePayment, []string{"card", "cc_", "cvv", "cvc", "expiry", "iban", "billing"}},
	{PurposeUpload, []string{"upload", "attachment"}},
	{PurposeSearch, []string{"search", "query", "q", "keyword", "s"}},
	{PurposeContact, []string{"message", "subject", "comment", "contact", "email"}},
}

// extractor pulls artifacts out of a single page. Every step is isolated so
// malformed markup in one does not prevent the others.
type extractor struct {
	logger *logger.Logger
	page   *url.URL
	out    *pageArtifacts
}

func (e *extractor) safeExtract(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warnw("Extraction step panicked", "step", step, "page", e.page.String(), "panic", r)
		}
	}()
	fn()
}

func extractHTML(log *logger.Logger, page *url.URL, body []byte) *pageArtifacts {
	e := &extractor{logger: log, page: page, out: &pageArtifacts{}}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		log.Debugw("Failed to parse HTML", "page", page.String(), "error", err)
		return e.out
	}

	e.safeExtract("links", func() { e.links(doc) })
	e.safeExtract("forms", func() { e.forms(doc) })
	e.safeExtract("inputs", func() { e.inputs(doc) })
	e.safeExtract("scripts", func() {
		var inline strings.Builder
		doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
			if _, hasSrc := sel.Attr("src"); !hasSrc {
				inline.WriteString(sel.Text())
				inline.WriteByte('\n')
			}
		})
		e.endpoints(inline.String())
	})
	return e.out
}

func (e *extractor) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return ""
		}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return normalizeURL(e.page.ResolveReference(ref).String())
}

func (e *extractor) links(doc *goquery.Document) {
	collect := func(selector, attr string, sink *[]string) {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if v, ok := sel.Attr(attr); ok {
				if abs := e.resolve(v); abs != "" {
					*sink = append(*sink, abs)
				}
			}
		})
	}

	collect("a[href]", "href", &e.out.links)
	collect("form[action]", "action", &e.out.links)
	collect("iframe[src]", "src", &e.out.links)
	collect("frame[src]", "src", &e.out.links)
	collect("script[src]", "src", &e.out.scripts)
	collect("link[href]", "href", &e.out.static)
	collect("img[src]", "src", &e.out.static)

	for _, abs := range e.out.links {
		if u, err := url.Parse(abs); err == nil && isStaticAsset(u.Path) {
			e.out.static = append(e.out.static, abs)
		}
	}
}

func (e *extractor) forms(doc *goquery.Document) {
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		form := Form{Page: e.page.String(), Method: "GET", Action: e.page.String()}
		if action, ok := sel.Attr("action"); ok && strings.TrimSpace(action) != "" {
			if abs := e.resolve(action); abs != "" {
				form.Action = abs
			}
		}
		if method, ok := sel.Attr("method"); ok && strings.TrimSpace(method) != "" {
			form.Method = strings.ToUpper(strings.TrimSpace(method))
		}

		sel.Find("input, textarea, select").Each(func(_ int, in *goquery.Selection) {
			field := InputField{Page: form.Page, Form: form.Action}
			field.Name, _ = in.Attr("name")
			field.Value, _ = in.Attr("value")
			_, field.Required = in.Attr("required")
			switch goquery.NodeName(in) {
			case "textarea":
				field.Type = "textarea"
			case "select":
				field.Type = "select"
			default:
				field.Type = strings.ToLower(in.AttrOr("type", "text"))
			}

			if field.Type == "hidden" && field.Name != "" && csrfNamePattern.MatchString(field.Name) {
				form.HasCSRF = true
				form.CSRFField = field.Name
			}
			form.Inputs = append(form.Inputs, field)
		})

		doc.Find(`meta[name="csrf-token"], meta[name="_csrf"]`).Each(func(_ int, _ *goquery.Selection) {
			if !form.HasCSRF {
				form.HasCSRF = true
				form.CSRFField = "meta:csrf-token"
			}
		})

		form.Purpose = classifyForm(form)
		e.out.forms = append(e.out.forms, form)
	})
}

// inputs records named inputs that live outside any form.
func (e *extractor) inputs(doc *goquery.Document) {
	doc.Find("input[name], textarea[name]").Each(func(_ int, in *goquery.Selection) {
		if in.Closest("form").Length() > 0 {
			return
		}
		e.out.looseInputs = append(e.out.looseInputs, InputField{
			Page:  e.page.String(),
			Name:  in.AttrOr("name", ""),
			Type:  strings.ToLower(in.AttrOr("type", "text")),
			Value: in.AttrOr("value", ""),
		})
	})
}

func classifyForm(form Form) string {
	var names []string
	hasFile := false
	passwords := 0
	for _, in := range form.Inputs {
		switch in.Type {
		case "file":
			hasFile = true
		case "password":
			passwords++
		}
		if in.Name != "" {
			names = append(names, strings.ToLower(in.Name))
		}
	}
	action := strings.ToLower(form.Action)

	if hasFile {
		return PurposeUpload
	}
	if passwords >= 2 && !strings.Contains(action, "reset") {
		return PurposeRegistration
	}
	for _, rule := range purposeRules {
		for _, kw := range rule.keywords {
			if len(kw) > 3 && strings.Contains(action, "/"+kw) {
				return rule.purpose
			}
			for _, name := range names {
				if nameMatches(name, kw) {
					return rule.purpose
				}
			}
		}
	}
	return PurposeGeneric
}

// nameMatches treats very short keywords as whole-name matches only.
func nameMatches(name, keyword string) bool {
	if len(keyword) <= 2 {
		return name == keyword
	}
	return strings.Contains(name, keyword)
}

func (e *extractor) endpoints(script string) {
	if strings.TrimSpace(script) == "" {
		return
	}
	seen := make(map[string]bool)
	add := func(raw, kind string) {
		abs := e.resolve(raw)
		if abs == "" || seen[kind+abs] {
			return
		}
		seen[kind+abs] = true
		e.out.endpoints = append(e.out.endpoints, Endpoint{
			URL:    abs,
			Source: SourceInlineScript,
			Page:   e.page.String(),
			Kind:   kind,
		})
	}

	for _, re := range apiPatterns {
		for _, m := range re.FindAllStringSubmatch(script, -1) {
			candidate := m[len(m)-1]
			if strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "http") {
				kind := KindREST
				if strings.Contains(strings.ToLower(candidate), "/graphql") {
					kind = KindGraphQL
				}
				add(candidate, kind)
			}
		}
	}
	for _, m := range graphqlPathPattern.FindAllStringSubmatch(script, -1) {
		add(m[1], KindGraphQL)
	}
	if graphqlBodyPattern.MatchString(script) && !seenKind(e.out.endpoints, KindGraphQL) {
		e.out.endpoints = append(e.out.endpoints, Endpoint{
			URL:    e.page.ResolveReference(&url.URL{Path: "/graphql"}).String(),
			Source: SourceGraphQL,
			Page:   e.page.String(),
			Kind:   KindGraphQL,
		})
	}
}

func seenKind(endpoints []Endpoint, kind string) bool {
	for _, ep := range endpoints {
		if ep.Kind == kind {
			return true
		}
	}
	return false
}

// normalizeURL drops the fragment, lower-cases scheme and host, and strips
// default ports. It returns "" for unparseable input.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// analyzeJSON records the URL that answered with JSON as an endpoint.
func analyzeJSON(pageURL string) Endpoint {
	kind := KindREST
	if strings.Contains(strings.ToLower(pageURL), "/graphql") {
		kind = KindGraphQL
	}
	u := normalizeURL(pageURL)
	return Endpoint{URL: u, Source: SourceJSONResponse, Page: u, Kind: kind}
}
