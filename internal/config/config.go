// Package config loads the layered PatchVec configuration.
//
// Sources, in ascending precedence:
//
//  1. built-in defaults
//  2. YAML file at $PATCHVEC_CONFIG (default ~/patchvec/config.yml)
//  3. YAML tenants file referenced by auth.tenants_file, deep-merged over the
//     main file (covers auth.api_keys and per-tenant limits)
//  4. environment variables of the form PATCHVEC_<SECTION>__<KEY>
//
// Config describes the desired system shape. It is control-plane state: it is
// loaded once at startup and handed to components; nothing on the ingest or
// query hot path touches it.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "PATCHVEC_"

// DefaultPathEnv names the environment variable holding the config file path.
const DefaultPathEnv = "PATCHVEC_CONFIG"

// Config is a nested string-keyed configuration tree with dotted-path access.
type Config struct {
	data map[string]any
}

// defaults returns the built-in configuration tree.
func defaults() map[string]any {
	return map[string]any{
		"data_dir": "./data",
		"auth": map[string]any{
			"mode":     "none",
			"api_keys": map[string]any{},
		},
		"server": map[string]any{
			"host":               "127.0.0.1",
			"port":               8086,
			"timeout_keep_alive": 5,
		},
		"search": map[string]any{
			"max_concurrent": 8,
			"timeout_ms":     10000,
		},
		"ingest": map[string]any{
			"max_concurrent":   4,
			"max_file_size_mb": 0,
		},
		"preprocess": map[string]any{
			"txt_chunk_size":    1000,
			"txt_chunk_overlap": 200,
		},
		"tenants": map[string]any{
			"default_max_concurrent": 0,
		},
		"vector_store": map[string]any{
			"type":            "default",
			"max_query_chars": 512,
		},
		"common_enabled":    false,
		"common_tenant":     "common",
		"common_collection": "shared",
		"metrics": map[string]any{
			"flush_interval_seconds": 30,
		},
		"log": map[string]any{
			"level":   "info",
			"ops_log": nil,
		},
	}
}

// DefaultPath resolves the config file path from the environment, falling
// back to ~/patchvec/config.yml.
func DefaultPath() string {
	if p := os.Getenv(DefaultPathEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yml"
	}
	return filepath.Join(home, "patchvec", "config.yml")
}

// Load builds the merged configuration. A missing config file is not an
// error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	fileCfg, err := loadYAML(path)
	if err != nil {
		return nil, err
	}

	// Tenants file, if referenced, deep-merges over the main file so a
	// deployment can keep api keys and tenant caps out of the base config.
	if tf := dig(fileCfg, "auth.tenants_file"); tf != nil {
		if tfPath, ok := tf.(string); ok && tfPath != "" {
			tcfg, err := loadYAML(expandHome(tfPath))
			if err != nil {
				return nil, err
			}
			fileCfg = deepMerge(fileCfg, tcfg)
		}
	}

	merged := deepMerge(defaults(), fileCfg)
	merged = deepMerge(merged, envOverlay(os.Environ()))
	return &Config{data: merged}, nil
}

// FromMap wraps an explicit tree, for tests and embedded use.
func FromMap(data map[string]any) *Config {
	return &Config{data: deepMerge(defaults(), data)}
}

func loadYAML(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// deepMerge overlays b on a. Maps merge recursively; nil values in b are
// ignored so an empty YAML key cannot erase a default.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v == nil {
			continue
		}
		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// envOverlay builds a nested tree from PATCHVEC_SECTION__KEY variables.
// Double underscore separates nesting levels; values are coerced to bool or
// number when they parse as one.
func envOverlay(environ []string) map[string]any {
	out := map[string]any{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) || name == DefaultPathEnv {
			continue
		}
		path := strings.Split(strings.ToLower(name[len(EnvPrefix):]), "__")
		cur := out
		for _, part := range path[:len(path)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[part] = next
			}
			cur = next
		}
		cur[path[len(path)-1]] = coerce(value)
	}
	return out
}

// coerce converts "true"/"false" and numeric strings; everything else passes
// through unchanged.
func coerce(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// dig walks a dotted path through nested maps. Returns nil when any segment
// is absent.
func dig(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		cm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = cm[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// Get returns the raw value at the dotted path, or def when absent.
func (c *Config) Get(path string, def any) any {
	v := dig(c.data, path)
	if v == nil {
		return def
	}
	return v
}

// GetString returns the value at path as a string.
func (c *Config) GetString(path, def string) string {
	switch v := c.Get(path, nil).(type) {
	case nil:
		return def
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return def
	}
}

// GetInt returns the value at path as an int.
func (c *Config) GetInt(path string, def int) int {
	switch v := c.Get(path, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the value at path as a bool.
func (c *Config) GetBool(path string, def bool) bool {
	switch v := c.Get(path, nil).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case int:
		return v != 0
	}
	return def
}

// GetPath returns a filesystem path value with ~ expanded.
func (c *Config) GetPath(path, def string) string {
	return expandHome(c.GetString(path, def))
}

// GetStringMap returns the value at path as map[string]string, coercing
// scalar values. Absent or mistyped values yield an empty map.
func (c *Config) GetStringMap(path string) map[string]string {
	out := map[string]string{}
	m, ok := c.Get(path, nil).(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case int:
			out[k] = strconv.Itoa(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}

// TenantLimit returns the concurrency cap for a tenant: the per-tenant
// override when present, otherwise tenants.default_max_concurrent. Zero means
// unlimited.
func (c *Config) TenantLimit(tenant string) int {
	if v := c.Get("tenants."+tenant+".max_concurrent", nil); v != nil {
		if n, ok := asInt(v); ok {
			return n
		}
	}
	return c.GetInt("tenants.default_max_concurrent", 0)
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

// Data exposes the merged tree (read-only by convention).
func (c *Config) Data() map[string]any {
	return c.data
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
