package passive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

func scanContext() *scanner.ScanContext {
	return &scanner.ScanContext{ScanID: "scan-1", Target: "http://shop.example.test/", Logger: logger.NewNop()}
}

func crawlWithForms(forms ...web.Form) *web.Result {
	r := web.NewResult()
	r.Forms = forms
	return r
}

func TestMissingCSRF(t *testing.T) {
	password := web.InputField{Name: "password", Type: "password"}
	crawl := crawlWithForms(
		web.Form{Page: "http://shop.example.test/login", Action: "http://shop.example.test/login", Method: "POST", Purpose: web.PurposeLogin, Inputs: []web.InputField{password}},
		web.Form{Page: "http://shop.example.test/contact", Action: "http://shop.example.test/contact", Method: "POST", Purpose: web.PurposeContact},
		web.Form{Page: "http://shop.example.test/", Action: "http://shop.example.test/search", Method: "POST", Purpose: web.PurposeSearch},
		web.Form{Page: "http://shop.example.test/", Action: "http://shop.example.test/filter", Method: "GET", Purpose: web.PurposeGeneric},
		web.Form{Page: "http://shop.example.test/account", Action: "http://shop.example.test/account", Method: "POST", HasCSRF: true, CSRFField: "authenticity_token"},
	)

	findings, err := MissingCSRF{}.Run(context.Background(), crawl, scanContext())
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "http://shop.example.test/login", findings[0].Location)
	assert.Equal(t, types.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "Login form without CSRF token", findings[0].Title)
	assert.Equal(t, 352, findings[0].CWEID)
	assert.Contains(t, findings[0].Evidence, "password")

	assert.Equal(t, "http://shop.example.test/contact", findings[1].Location)
	assert.Equal(t, types.SeverityMedium, findings[1].Severity)
}

func TestInsecureFormTransport(t *testing.T) {
	password := web.InputField{Name: "pw", Type: "password"}
	crawl := crawlWithForms(
		web.Form{Page: "http://shop.example.test/login", Action: "http://shop.example.test/login", Method: "POST", Purpose: web.PurposeLogin, Inputs: []web.InputField{password}},
		web.Form{Page: "http://shop.example.test/login2", Action: "https://shop.example.test/login", Method: "POST", Purpose: web.PurposeLogin, Inputs: []web.InputField{password}},
		web.Form{Page: "http://shop.example.test/news", Action: "http://shop.example.test/subscribe", Method: "POST"},
	)

	findings, err := InsecureFormTransport{}.Run(context.Background(), crawl, scanContext())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, types.SeverityHigh, findings[0].Severity)
	assert.Equal(t, 319, findings[0].CWEID)
	assert.Equal(t, "http://shop.example.test/login", findings[0].Location)
}

func TestTechDisclosure(t *testing.T) {
	crawl := web.NewResult()
	crawl.Technologies = []techstack.Technology{
		{Name: "nginx", Category: "Web servers", Version: "1.18.0", Confidence: 1, Evidence: []string{"Server: nginx/1.18.0"}},
		{Name: "React", Category: "JavaScript frameworks", Confidence: 0.8},
	}

	findings, err := TechDisclosure{}.Run(context.Background(), crawl, scanContext())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "nginx version disclosed", f.Title)
	assert.Equal(t, types.SeverityInfo, f.Severity)
	assert.Equal(t, types.ConfidenceCertain, f.Confidence)
	assert.Equal(t, "http://shop.example.test/", f.Location)
	assert.Equal(t, "1.18.0", f.Metadata["version"])
}

func TestDefaultsHaveUniqueNames(t *testing.T) {
	reg := scanner.NewModuleRegistry(Defaults()...)
	assert.Equal(t, []string{"insecure_form_transport", "missing_csrf", "tech_disclosure"}, reg.List())
}

func TestModulesHonourCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, m := range Defaults() {
		_, err := m.Run(ctx, web.NewResult(), scanContext())
		assert.ErrorIs(t, err, context.Canceled, m.Name())
	}
}
