package fhir

import (
	"fmt"
	"time"
)

// Bundle types used by this server.
const (
	BundleTypeCollection = "collection"
	BundleTypeSearchset  = "searchset"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string        `json:"fullUrl,omitempty"`
	Resource Resource      `json:"resource,omitempty"`
	Search   *BundleSearch `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// Resources returns the entry resources in bundle order.
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// NewCollectionBundle wraps resources in a collection Bundle, keeping the
// given order.
func NewCollectionBundle(id string, resources []Resource) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, BundleEntry{FullURL: r.Ref(), Resource: r})
	}
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         BundleTypeCollection,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewSearchBundleWithLinks creates a searchset Bundle with pagination links.
func NewSearchBundleWithLinks(resources []Resource, params SearchBundleParams) *Bundle {
	total := params.Total
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, BundleEntry{
			FullURL:  r.Ref(),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchset,
		Total:        &total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

// EntryView is one entry of a Bundle held in generic form.
type EntryView struct {
	FullURL  string
	Resource Resource
}

// Entries returns the entries of a Bundle held in generic form. Entries
// without a resource are skipped.
func Entries(bundle Resource) []EntryView {
	if bundle.Type() != "Bundle" {
		return nil
	}
	var out []EntryView
	for _, e := range bundle.Objects("entry") {
		res, ok := AsResource(e["resource"])
		if !ok {
			continue
		}
		full, _ := e["fullUrl"].(string)
		out = append(out, EntryView{FullURL: full, Resource: res})
	}
	return out
}

// EntryResources returns the resources of a generic Bundle, optionally
// filtered by resource type.
func EntryResources(bundle Resource, resourceTypes ...string) []Resource {
	var out []Resource
	for _, e := range Entries(bundle) {
		if len(resourceTypes) == 0 || containsString(resourceTypes, e.Resource.Type()) {
			out = append(out, e.Resource)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	links := []BundleLink{
		{
			Relation: "self",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, params.Offset),
		},
	}

	nextOffset := params.Offset + params.Count
	if nextOffset < params.Total {
		links = append(links, BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, nextOffset),
		})
	}

	if params.Offset > 0 {
		prevOffset := params.Offset - params.Count
		if prevOffset < 0 {
			prevOffset = 0
		}
		links = append(links, BundleLink{
			Relation: "previous",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, prevOffset),
		})
	}

	return links
}

// conditionalAmpersand returns the query string with a trailing & if non-empty.
func conditionalAmpersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}
