package policies

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// LoadFile reads policy records from a YAML, JSON or JSON5 file. The file
// holds either a list of records or an object with a "policies" list. Each
// record's "config" may be an object or a JSON string.
func LoadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var doc any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return DecodeRecords(doc)
}

// DecodeRecords converts a generic decoded document into records.
func DecodeRecords(doc any) ([]Record, error) {
	if obj, ok := doc.(map[string]any); ok {
		doc = obj["policies"]
	}
	if doc == nil {
		return nil, nil
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, errors.New("policies must be a list")
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// BuildPolicies validates records into policies. Every invalid record is
// reported; duplicates are rejected.
func BuildPolicies(records []Record) ([]models.RoutingPolicy, error) {
	var errs []error
	seen := make(map[string]bool, len(records))
	out := make([]models.RoutingPolicy, 0, len(records))
	for _, rec := range records {
		p, err := rec.ToPolicy()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate policy id %q", p.ID))
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sortByPriority(out)
	return out, nil
}

// LoadMemoryStore loads a policy file into a MemoryStore.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	records, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	policies, err := BuildPolicies(records)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(policies), nil
}
