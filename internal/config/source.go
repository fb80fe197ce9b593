// Package config resolves dotted configuration keys such as "cluster.token".
//
// Values come from the settings tree of the provider file first. A key that
// is not present there falls back to an environment variable named by
// upper-casing the key and replacing dots and dashes with underscores
// ("cluster.token" -> CLUSTER_TOKEN). Environment values are coerced:
// true/false become bool, integers become int, and JSON arrays become []any.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source is a read-only key/value view. It is safe for concurrent use.
type Source struct {
	tree      map[string]any
	lookupEnv func(string) (string, bool)
}

// Option configures a Source.
type Option func(*Source)

// WithLookupEnv replaces os.LookupEnv. Tests use it to avoid touching the
// process environment.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(s *Source) { s.lookupEnv = fn }
}

// New creates a Source over settings. settings may be nil.
func New(settings map[string]any, opts ...Option) *Source {
	s := &Source{tree: settings, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get resolves key. The boolean is false when neither the settings tree nor
// the environment has a value.
func (s *Source) Get(key string) (any, bool) {
	if v, ok := lookupPath(s.tree, strings.Split(key, ".")); ok {
		return v, true
	}
	raw, ok := s.lookupEnv(EnvName(key))
	if !ok {
		return nil, false
	}
	return coerce(raw), true
}

// EnvName is the environment variable consulted for key.
func EnvName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(r.Replace(key))
}

func lookupPath(node map[string]any, parts []string) (any, bool) {
	if node == nil || len(parts) == 0 {
		return nil, false
	}
	v, ok := node[parts[0]]
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return v, true
	}
	switch child := v.(type) {
	case map[string]any:
		return lookupPath(child, parts[1:])
	case map[any]any:
		converted := make(map[string]any, len(child))
		for k, cv := range child {
			converted[fmt.Sprint(k)] = cv
		}
		return lookupPath(converted, parts[1:])
	}
	return nil, false
}

func coerce(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return arr
		}
	}
	return raw
}

// GetString returns key as a string. Non-string scalars are formatted.
func (s *Source) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return "", false
	}
	if str, isStr := v.(string); isStr {
		return str, true
	}
	switch v.(type) {
	case []any, map[string]any:
		return "", false
	}
	return fmt.Sprint(v), true
}

// GetInt returns key as an int.
func (s *Source) GetInt(key string) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("config key %s not set", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("config key %s: %v is not an integer", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("config key %s: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("config key %s: unexpected type %T", key, v)
}

// GetBool returns key as a bool.
func (s *Source) GetBool(key string) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return false, fmt.Errorf("config key %s not set", key)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("config key %s: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("config key %s: unexpected type %T", key, v)
}

// GetDuration returns key as a duration. Strings use time.ParseDuration;
// integers are seconds.
func (s *Source) GetDuration(key string) (time.Duration, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("config key %s not set", key)
	}
	switch d := v.(type) {
	case int:
		return time.Duration(d) * time.Second, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("config key %s: %w", key, err)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("config key %s: unexpected type %T", key, v)
}

// GetStringSlice returns key as a list of strings. A plain string from the
// environment is split on commas.
func (s *Source) GetStringSlice(key string) ([]string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	case string:
		var out []string
		for _, part := range strings.Split(list, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}
