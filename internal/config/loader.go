package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const (
	includeKey      = "$include"
	maxIncludeDepth = 8
)

// LoadRaw reads the file at path into one merged map, following $include
// directives. Values in a file override values from the files it includes.
func LoadRaw(path string) (map[string]any, error) {
	raw, _, err := resolveFile(path)
	return raw, err
}

// resolveFile is LoadRaw plus the absolute path of every file read, root
// first, so the watcher can follow includes.
func resolveFile(path string) (map[string]any, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("config path is required")
	}
	r := &includeResolver{}
	raw, err := r.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	return raw, r.files, nil
}

type includeResolver struct {
	stack []string
	files []string
}

func (r *includeResolver) resolve(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, open := range r.stack {
		if open == abs {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(r.stack, " -> "), abs)
		}
	}
	if len(r.stack) >= maxIncludeDepth {
		return nil, fmt.Errorf("%s: includes nested deeper than %d", abs, maxIncludeDepth)
	}
	r.stack = append(r.stack, abs)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	r.files = append(r.files, abs)

	doc, err := decodeDocument(data, filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	expandEnv(doc)
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	base := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := r.resolve(inc)
		if err != nil {
			return nil, err
		}
		overlay(base, sub)
	}
	return overlay(base, doc), nil
}

// decodeDocument parses one file body. ".json" and ".json5" go through the
// JSON5 decoder; anything else must be a single YAML document.
func decodeDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		var extra any
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, errors.New("config file holds more than one YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references inside the string values of v, in
// place, with the variable's value ("" when unset). Keys and bare $words are
// never touched. A value that is exactly one reference takes the type of
// what it expands to, so "port: ${PORT}" still decodes into an int.
func expandEnv(v any) any {
	switch t := v.(type) {
	case string:
		if m := envRef.FindStringSubmatch(t); m != nil && m[0] == t {
			return scalarValue(os.Getenv(m[1]))
		}
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			return os.Getenv(ref[2 : len(ref)-1])
		})
	case map[string]any:
		for k, sub := range t {
			t[k] = expandEnv(sub)
		}
	case []any:
		for i, sub := range t {
			t[i] = expandEnv(sub)
		}
	}
	return v
}

// scalarValue reads s as a YAML bool or number when it round-trips exactly,
// and keeps it a string otherwise ("0123", "30s", "sk-...").
func scalarValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case bool, int, float64:
		if out, err := yaml.Marshal(v); err == nil && strings.TrimSpace(string(out)) == s {
			return v
		}
	}
	return s
}

// takeIncludes removes the include directive from doc and returns its
// paths. "include" is accepted as an alias of "$include".
func takeIncludes(doc map[string]any) ([]string, error) {
	var val any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := doc[key]; ok {
			val = v
			delete(doc, key)
			break
		}
	}

	var paths []string
	switch v := val.(type) {
	case nil:
	case string:
		paths = []string{v}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}

	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay deep-merges top onto base and returns base. Maps merge key by key;
// lists and scalars from top replace what base held.
func overlay(base, top map[string]any) map[string]any {
	for key, v := range top {
		sub, isMap := v.(map[string]any)
		prev, hadMap := base[key].(map[string]any)
		if isMap && hadMap {
			base[key] = overlay(prev, sub)
			continue
		}
		base[key] = v
	}
	return base
}

// strictDecode round-trips raw through YAML into Config, rejecting keys that
// no field claims.
func strictDecode(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
