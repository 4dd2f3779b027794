package fhir

import "testing"

func TestSetSubExtension_ReplacesInPlace(t *testing.T) {
	base := Extension{
		"url": "parent",
		"extension": []interface{}{
			map[string]interface{}{"url": "covered", "valueCode": "not-covered"},
			map[string]interface{}{"url": "date", "valueDate": "2020-01-01"},
		},
	}

	got := SetSubExtension(base, "covered", "valueCode", "covered")

	subs := ExtensionsOf(got)
	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-extensions, got %d", len(subs))
	}
	if subs[0]["url"] != "covered" || subs[0]["valueCode"] != "covered" {
		t.Errorf("expected covered to be replaced in position, got %v", subs[0])
	}
	if ExtensionString(FindExtension(base, "covered")) != "not-covered" {
		t.Error("base extension was modified")
	}
}

func TestSetSubExtension_Appends(t *testing.T) {
	base := Extension{"url": "parent"}
	got := SetSubExtension(base, "date", "valueDate", "2024-05-01")
	got = SetSubExtension(got, "date", "valueDate", "2024-05-02")

	dates := FindExtensions(got, "date")
	if len(dates) != 1 {
		t.Fatalf("expected exactly one date, got %d", len(dates))
	}
	if ExtensionString(dates[0]) != "2024-05-02" {
		t.Errorf("unexpected date %v", dates[0])
	}
	if _, ok := base["extension"]; ok {
		t.Error("base extension was modified")
	}
}

func TestExtensionString_Reference(t *testing.T) {
	ext := Extension{"url": "coverage", "valueReference": map[string]interface{}{"reference": "Coverage/c1"}}
	if got := ExtensionString(ext); got != "Coverage/c1" {
		t.Errorf("expected Coverage/c1, got %q", got)
	}
}

func TestAppendExtension_DoesNotMutate(t *testing.T) {
	order := Resource{"resourceType": "ServiceRequest", "id": "sr"}
	updated := AppendExtension(order, Extension{"url": "x"})

	if _, ok := order["extension"]; ok {
		t.Error("original resource was modified")
	}
	if len(ExtensionsOf(updated)) != 1 {
		t.Errorf("expected one extension, got %v", updated["extension"])
	}
}

func TestSubExtensionStrings(t *testing.T) {
	ext := Extension{
		"extension": []interface{}{
			map[string]interface{}{"url": "doc-needed", "valueCode": "clinical"},
			map[string]interface{}{"url": "questionnaire", "valueCanonical": "http://q/1"},
			map[string]interface{}{"url": "questionnaire", "valueCanonical": "http://q/2"},
		},
	}
	qs := SubExtensionStrings(ext, "questionnaire")
	if len(qs) != 2 || qs[0] != "http://q/1" || qs[1] != "http://q/2" {
		t.Errorf("unexpected questionnaires %v", qs)
	}
}
