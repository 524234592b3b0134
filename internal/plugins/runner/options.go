package runner

import (
	"fmt"
	"strconv"
	"strings"
)

// Options are adapter options as decoded from JSON or YAML. Numbers may
// arrive as float64 or int, lists as []interface{} or comma-separated text.
type Options map[string]interface{}

// Target returns the required "target" option.
func (o Options) Target() (string, error) {
	t := strings.TrimSpace(o.String("target", ""))
	if t == "" {
		return "", fmt.Errorf("option %q is required", "target")
	}
	return t, nil
}

func (o Options) String(key, def string) string {
	switch v := o[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (o Options) Strings(key string) []string {
	var out []string
	switch v := o[key].(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// StringMap reads a map of headers or similar.
func (o Options) StringMap(key string) map[string]string {
	out := make(map[string]string)
	switch v := o[key].(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]interface{}:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
