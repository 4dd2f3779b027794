package fhir

import "strings"

// Extension is a FHIR extension element in its JSON form.
type Extension = map[string]interface{}

// ExtensionsOf returns the extension list of an element.
func ExtensionsOf(elem map[string]interface{}) []Extension {
	if elem == nil {
		return nil
	}
	return ObjectList(elem["extension"])
}

// FindExtension returns the first extension with the given url.
func FindExtension(elem map[string]interface{}, url string) Extension {
	for _, ext := range ExtensionsOf(elem) {
		if u, _ := ext["url"].(string); u == url {
			return ext
		}
	}
	return nil
}

// FindExtensions returns every extension with the given url.
func FindExtensions(elem map[string]interface{}, url string) []Extension {
	var out []Extension
	for _, ext := range ExtensionsOf(elem) {
		if u, _ := ext["url"].(string); u == url {
			out = append(out, ext)
		}
	}
	return out
}

// ExtensionValue returns the value[x] key and value of an extension.
func ExtensionValue(ext Extension) (string, interface{}) {
	for k, v := range ext {
		if strings.HasPrefix(k, "value") {
			return k, v
		}
	}
	return "", nil
}

// ExtensionString returns the value of a primitive extension as a string.
// valueReference values yield their reference.
func ExtensionString(ext Extension) string {
	key, v := ExtensionValue(ext)
	if key == "valueReference" {
		ref, _ := v.(map[string]interface{})
		s, _ := ref["reference"].(string)
		return s
	}
	s, _ := v.(string)
	return s
}

// SubExtensionStrings returns the string values of every sub-extension with
// the given url, in order.
func SubExtensionStrings(ext Extension, url string) []string {
	var out []string
	for _, sub := range FindExtensions(ext, url) {
		if s := ExtensionString(sub); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SetSubExtension returns a copy of ext in which the first sub-extension with
// url carries value under valueKey. When none exists one is appended. The
// input is never modified.
func SetSubExtension(ext Extension, url, valueKey string, value interface{}) Extension {
	out := DeepCopy(ext).(map[string]interface{})
	subs := ObjectList(out["extension"])
	replaced := false
	list := make([]interface{}, 0, len(subs)+1)
	for _, sub := range subs {
		if u, _ := sub["url"].(string); u == url && !replaced {
			sub = Extension{"url": url, valueKey: value}
			replaced = true
		}
		list = append(list, sub)
	}
	if !replaced {
		list = append(list, Extension{"url": url, valueKey: value})
	}
	out["extension"] = list
	return out
}

// AppendExtension returns a deep copy of r with ext appended to its
// extension list.
func AppendExtension(r Resource, ext Extension) Resource {
	out := r.Clone()
	existing, _ := out["extension"].([]interface{})
	list := make([]interface{}, 0, len(existing)+1)
	list = append(list, existing...)
	list = append(list, DeepCopy(ext))
	out["extension"] = list
	return out
}
