package scope

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const programScope = `# Description: Example program
*.example.com
https://partner.example.net/app*

[out-of-scope]
https://www.example.com/logout
10.0.0.0/8
not a pattern

[in-scope]
api.example.org
`

func TestParseFileSections(t *testing.T) {
	sf, err := ParseFile(strings.NewReader(programScope))
	require.NoError(t, err)

	assert.Equal(t, "Example program", sf.Description)
	assert.Equal(t, []string{"*.example.com", "https://partner.example.net/app*", "api.example.org"}, sf.Include)
	assert.Equal(t, []string{"https://www.example.com/logout"}, sf.Exclude)
	assert.Equal(t, []string{"10.0.0.0/8", "not a pattern"}, sf.Skipped)
}

func TestScopeFileDrivesMatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.txt")
	require.NoError(t, os.WriteFile(path, []byte(programScope), 0o600))

	sf, err := LoadFile(path)
	require.NoError(t, err)

	target := Target{BaseURL: "https://www.example.com/"}
	sf.Apply(&target)
	m, err := NewMatcher(target)
	require.NoError(t, err)

	assert.True(t, m.IsInScope("https://shop.example.com/cart"))
	assert.True(t, m.IsInScope("https://partner.example.net/app/login"))
	assert.True(t, m.IsInScope("http://api.example.org/v1"))
	assert.False(t, m.IsInScope("https://www.example.com/logout"))
	assert.False(t, m.IsInScope("https://partner.example.net/other"))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "example.com", want: "https://example.com"},
		{in: "  http://example.com/app ", want: "http://example.com/app"},
		{in: "203.0.113.10:8443", want: "https://203.0.113.10:8443"},
		{in: "", wantErr: true},
		{in: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeTarget(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
