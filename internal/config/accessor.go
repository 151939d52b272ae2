package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toTree converts cfg into its generic JSON form.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// step descends one path segment into a map or an array.
func step(node any, key string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		val, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", key)
		}
		return val, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("invalid array index: %s", key)
		}
		return v[idx], nil
	default:
		return nil, fmt.Errorf("cannot traverse into %T at %s", node, key)
	}
}

// GetByPath retrieves a config value by dot-notation path
// (e.g. "server.port" or "accounts.0.appId").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		if current, err = step(current, key); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. Missing objects along
// the path are created; array elements must already exist. String values
// are converted to booleans or numbers unless the target field is a string.
func SetByPath(cfg *Config, path string, value any) error {
	err := setByPath(cfg, path, parseValue(value))
	if err == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		if retry := setByPath(cfg, path, s); retry == nil {
			return nil
		}
	}
	return err
}

func setByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	var parent any = m
	for _, key := range parts[:len(parts)-1] {
		next, err := step(parent, key)
		if err != nil {
			obj, ok := parent.(map[string]any)
			if !ok {
				return fmt.Errorf("%s: %w", path, err)
			}
			next = make(map[string]any)
			obj[key] = next
		}
		parent = next
	}

	last := parts[len(parts)-1]
	switch p := parent.(type) {
	case map[string]any:
		p[last] = value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("%s: invalid array index: %s", path, last)
		}
		p[idx] = value
	default:
		return fmt.Errorf("%s: cannot set a field on %T", path, parent)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	next := Defaults()
	if err := json.Unmarshal(data, next); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = *next
	return nil
}

// parseValue converts string values from the command line to JSON types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with secrets masked. Keyring
// references are shown as written.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	for i := range out.Accounts {
		a := &out.Accounts[i]
		a.Secret = maskSecret(a.Secret)
		a.Token = maskSecret(a.Token)
		a.EncodingAESKey = maskSecret(a.EncodingAESKey)
		a.RefreshToken = maskSecret(a.RefreshToken)
	}
	out.Component.Secret = maskSecret(out.Component.Secret)
	out.Component.Token = maskSecret(out.Component.Token)
	out.Component.EncodingAESKey = maskSecret(out.Component.EncodingAESKey)
	out.Store.DSN = maskSecret(out.Store.DSN)
	out.Store.Redis.Password = maskSecret(out.Store.Redis.Password)

	return &out
}

func maskSecret(s string) string {
	if s == "" || IsKeyringRef(s) {
		return s
	}
	return maskString(s)
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := toTree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

func flatten(prefix string, node any, result map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(k), child, result)
		}
	case []any:
		for i, child := range v {
			flatten(join(strconv.Itoa(i)), child, result)
		}
	default:
		result[prefix] = v
	}
}
