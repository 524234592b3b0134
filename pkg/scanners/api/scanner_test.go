package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

func graphQLServer(t *testing.T, introspection, suggestions bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		query := string(body)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(query, "__schema") && introspection:
			_, _ = w.Write([]byte(`{"data":{"__schema":{"queryType":{"name":"Query"},"mutationType":{"name":"Mutation"},"types":[{"name":"User","kind":"OBJECT"},{"name":"Query","kind":"OBJECT"}]}}}`))
		case strings.Contains(query, "__typenam") && suggestions:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Cannot query field \"__typenam\". Did you mean \"__typename\"?"}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"message":"not allowed"}]}`))
		}
	}))
}

func runGraphQL(t *testing.T, srv *httptest.Server) []types.Finding {
	t.Helper()
	client, err := httpclient.New(httpclient.SecureClientConfig{}, logger.NewNop())
	require.NoError(t, err)

	crawl := web.NewResult()
	crawl.Endpoints = []web.Endpoint{
		{URL: srv.URL + "/graphql", Kind: web.KindGraphQL, Source: web.SourceGraphQL},
		{URL: srv.URL + "/graphql", Kind: web.KindGraphQL, Source: web.SourceInlineScript},
		{URL: srv.URL + "/api/users", Kind: web.KindREST, Source: web.SourceInlineScript},
	}
	sc := &scanner.ScanContext{ScanID: "s", Target: srv.URL, Fetcher: client, Logger: logger.NewNop()}

	findings, err := NewGraphQL().Run(context.Background(), crawl, sc)
	require.NoError(t, err)
	return findings
}

func TestGraphQLIntrospectionAndSuggestions(t *testing.T) {
	srv := graphQLServer(t, true, true)
	defer srv.Close()

	findings := runGraphQL(t, srv)
	require.Len(t, findings, 2)

	assert.Equal(t, "graphql_introspection", findings[0].Category)
	assert.Equal(t, types.SeverityHigh, findings[0].Severity)
	assert.Contains(t, findings[0].Evidence, "2 types")
	require.NotNil(t, findings[0].Response)
	assert.Equal(t, 200, findings[0].Response.StatusCode)

	assert.Equal(t, "graphql_field_suggestion", findings[1].Category)
	assert.Equal(t, types.SeverityLow, findings[1].Severity)
}

func TestGraphQLLockedDown(t *testing.T) {
	srv := graphQLServer(t, false, false)
	defer srv.Close()

	assert.Empty(t, runGraphQL(t, srv))
}
