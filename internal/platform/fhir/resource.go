package fhir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Resource is a FHIR resource in its JSON object form. CDS Hooks payloads
// carry arbitrary resources, so the pipeline works on the generic shape and
// decodes into typed models only where a field is read.
type Resource map[string]interface{}

// AsResource returns v as a Resource when it is a JSON object carrying a
// resourceType.
func AsResource(v interface{}) (Resource, bool) {
	var m map[string]interface{}
	switch t := v.(type) {
	case Resource:
		m = t
	case map[string]interface{}:
		m = t
	default:
		return nil, false
	}
	if m == nil {
		return nil, false
	}
	if rt, _ := m["resourceType"].(string); rt == "" {
		return nil, false
	}
	return Resource(m), true
}

// ParseResource decodes raw JSON into a Resource.
func ParseResource(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	if r.Type() == "" {
		return nil, fmt.Errorf("parse resource: missing resourceType")
	}
	return r, nil
}

// Type returns the resourceType.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Ref returns the "Type/id" reference, or "" when the resource has no id.
func (r Resource) Ref() string {
	if r.ID() == "" || r.Type() == "" {
		return ""
	}
	return r.Type() + "/" + r.ID()
}

// Decode unmarshals the resource into a typed target.
func (r Resource) Decode(target interface{}) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// Clone returns a deep copy so callers can mutate without touching the input.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return Resource(DeepCopy(map[string]interface{}(r)).(map[string]interface{}))
}

// Contained returns the contained resources.
func (r Resource) Contained() []Resource {
	items, _ := r["contained"].([]interface{})
	out := make([]Resource, 0, len(items))
	for _, item := range items {
		if res, ok := AsResource(item); ok {
			out = append(out, res)
		}
	}
	return out
}

// String reads a top-level string field.
func (r Resource) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Object reads a nested JSON object field.
func (r Resource) Object(key string) map[string]interface{} {
	m, _ := r[key].(map[string]interface{})
	return m
}

// Objects reads an array-of-objects field, skipping non-object items.
func (r Resource) Objects(key string) []map[string]interface{} {
	return ObjectList(r[key])
}

// ObjectList converts a JSON array value into its object items.
func ObjectList(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case []map[string]interface{}:
		return t
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			switch m := item.(type) {
			case map[string]interface{}:
				out = append(out, m)
			case Resource:
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// DeepCopy copies JSON-shaped values (maps, slices, primitives).
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case Resource:
		return Resource(DeepCopy(map[string]interface{}(t)).(map[string]interface{}))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns map keys in lexical order.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatReference builds a "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// NormalizeSystem rewrites an https code system URI to http so that codes
// from clients using either scheme match stored definitions.
func NormalizeSystem(system string) string {
	if strings.HasPrefix(system, "https://") {
		return "http://" + strings.TrimPrefix(system, "https://")
	}
	return system
}
