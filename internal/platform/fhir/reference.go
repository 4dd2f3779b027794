package fhir

import "strings"

// ReferenceString reads the reference field of a Reference element.
func ReferenceString(v interface{}) string {
	m, _ := v.(map[string]interface{})
	s, _ := m["reference"].(string)
	return s
}

// IsContainedReference reports whether ref is a local "#id" fragment.
func IsContainedReference(ref string) bool {
	return strings.HasPrefix(ref, "#")
}

// ParseReference splits a relative or absolute literal reference into its
// resource type and id. Version suffixes are dropped.
func ParseReference(ref string) (resourceType, id string, ok bool) {
	if ref == "" || IsContainedReference(ref) {
		return "", "", false
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	resourceType, id = parts[len(parts)-2], parts[len(parts)-1]
	if resourceType == "" || id == "" || !isResourceTypeName(resourceType) {
		return "", "", false
	}
	return resourceType, id, true
}

// RelativeReference reduces a reference to its "Type/id" form. The input is
// returned unchanged when it cannot be parsed.
func RelativeReference(ref string) string {
	rt, id, ok := ParseReference(ref)
	if !ok {
		return ref
	}
	return rt + "/" + id
}

// ReferenceMatches reports whether candidate names the same resource as
// target ("Type/id"), either exactly or as a path suffix of an absolute URL.
func ReferenceMatches(candidate, target string) bool {
	if candidate == "" || target == "" {
		return false
	}
	if candidate == target {
		return true
	}
	return strings.HasSuffix(candidate, "/"+target)
}

func isResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
