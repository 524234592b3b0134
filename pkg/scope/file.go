package scope

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

// File is a parsed scope file. Lines are scope patterns; a
// "[out-of-scope]" header switches following lines to exclusions and
// "[in-scope]" switches back. Inclusion is the default section.
//
//	# Description: Example program
//	[in-scope]
//	*.example.com
//	https://partner.example.net/app*
//	[out-of-scope]
//	https://example.com/logout
type File struct {
	Description string
	Include     []string
	Exclude     []string
	// Skipped holds lines that are not usable as patterns, such as CIDR
	// ranges.
	Skipped []string
}

func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scope file: %w", err)
	}
	defer f.Close()

	sf, err := ParseFile(f)
	if err != nil {
		return nil, fmt.Errorf("scope file %s: %w", path, err)
	}
	return sf, nil
}

func ParseFile(r io.Reader) (*File, error) {
	sf := &File{}
	include := true

	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if d, ok := strings.CutPrefix(line, "# Description:"); ok {
				sf.Description = strings.TrimSpace(d)
			}
			continue
		}

		switch strings.ToLower(line) {
		case "[in-scope]", "[inscope]":
			include = true
			continue
		case "[out-of-scope]", "[outofscope]":
			include = false
			continue
		}

		if !usablePattern(line) {
			sf.Skipped = append(sf.Skipped, line)
			continue
		}
		if include {
			sf.Include = append(sf.Include, line)
		} else {
			sf.Exclude = append(sf.Exclude, line)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scope file: %w", err)
	}
	return sf, nil
}

// Apply appends the file's patterns to t.
func (f *File) Apply(t *Target) {
	t.Scope = append(t.Scope, f.Include...)
	t.Exclusions = append(t.Exclusions, f.Exclude...)
}

func usablePattern(line string) bool {
	if strings.ContainsAny(line, " \t") {
		return false
	}
	if _, _, err := net.ParseCIDR(line); err == nil {
		return false
	}
	_, ok := compile(line)
	return ok
}

// NormalizeTarget turns a bare host or IP into an https base URL and
// rejects anything that cannot be a scan base URL.
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("target cannot be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	if _, err := NewMatcher(Target{BaseURL: raw}); err != nil {
		return "", err
	}
	return raw, nil
}
