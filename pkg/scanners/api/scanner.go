// pkg/scanners/api/scanner.go
//
// GraphQL exposure checks
//
// Probes every GraphQL endpoint the crawl discovered:
// 1. Introspection: can the full schema be read anonymously
// 2. Field suggestion: does the server leak field names in error messages

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const (
	introspectionQuery = `{"query":"{ __schema { queryType { name } mutationType { name } types { name kind } } }"}`
	suggestionQuery    = `{"query":"{ __typenam }"}`
	maxEvidence        = 200
)

// GraphQL is the active check for discovered GraphQL endpoints.
type GraphQL struct{}

func NewGraphQL() GraphQL { return GraphQL{} }

func (GraphQL) Name() string { return "graphql_exposure" }

func (g GraphQL) Run(ctx context.Context, crawl *web.Result, sc *scanner.ScanContext) ([]types.Finding, error) {
	var findings []types.Finding
	for _, endpoint := range graphQLEndpoints(crawl) {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		sc.Logger.Debugw("Probing GraphQL endpoint", "endpoint", endpoint)

		if f := g.testIntrospection(ctx, sc, endpoint); f != nil {
			findings = append(findings, *f)
		}
		if f := g.testFieldSuggestion(ctx, sc, endpoint); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, nil
}

func graphQLEndpoints(crawl *web.Result) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ep := range crawl.Endpoints {
		if ep.Kind != web.KindGraphQL || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		out = append(out, ep.URL)
	}
	return out
}

func (GraphQL) post(ctx context.Context, sc *scanner.ScanContext, endpoint, body string) (*types.HTTPResponse, error) {
	return sc.Fetcher.Fetch(ctx, types.HTTPRequest{
		URL:     endpoint,
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(body),
	})
}

type schemaResponse struct {
	Data struct {
		Schema *struct {
			QueryType    *struct{ Name string } `json:"queryType"`
			MutationType *struct{ Name string } `json:"mutationType"`
			Types        []struct {
				Name string `json:"name"`
				Kind string `json:"kind"`
			} `json:"types"`
		} `json:"__schema"`
	} `json:"data"`
}

func (g GraphQL) testIntrospection(ctx context.Context, sc *scanner.ScanContext, endpoint string) *types.Finding {
	resp, err := g.post(ctx, sc, endpoint, introspectionQuery)
	if err != nil || resp.StatusCode != 200 {
		return nil
	}
	var parsed schemaResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.Data.Schema == nil {
		return nil
	}

	schema := parsed.Data.Schema
	severity := types.SeverityMedium
	if schema.MutationType != nil {
		severity = types.SeverityHigh
	}
	return &types.Finding{
		Category:    "graphql_introspection",
		Severity:    severity,
		Confidence:  types.ConfidenceCertain,
		Title:       "GraphQL introspection enabled",
		Description: "The GraphQL endpoint answers introspection queries, exposing the full schema including hidden queries and mutations.",
		Location:    endpoint,
		Evidence:    fmt.Sprintf("introspection returned %d types, mutations exposed: %t", len(schema.Types), schema.MutationType != nil),
		Remediation: "Disable introspection outside development environments.",
		CWEID:       200,
		Request:     &types.HTTPSnapshot{Method: "POST", URL: endpoint, Body: introspectionQuery},
		Response:    resp.Snapshot(maxEvidence),
	}
}

func (g GraphQL) testFieldSuggestion(ctx context.Context, sc *scanner.ScanContext, endpoint string) *types.Finding {
	resp, err := g.post(ctx, sc, endpoint, suggestionQuery)
	if err != nil {
		return nil
	}
	body := string(resp.Body)
	if !strings.Contains(body, "Did you mean") {
		return nil
	}
	return &types.Finding{
		Category:    "graphql_field_suggestion",
		Severity:    types.SeverityLow,
		Confidence:  types.ConfidenceFirm,
		Title:       "GraphQL field suggestions enabled",
		Description: "Error messages suggest valid field names, which allows the schema to be rebuilt even with introspection disabled.",
		Location:    endpoint,
		Evidence:    truncate(body, maxEvidence),
		Remediation: "Disable field suggestions in production error responses.",
		CWEID:       209,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
