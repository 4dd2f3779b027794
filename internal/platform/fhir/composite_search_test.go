package fhir

import (
	"strings"
	"testing"
)

var testContextTable = ContextTableConfig{
	Table:     "plan_definition_context",
	FKColumn:  "plan_definition_id",
	ParentID:  "pd.id",
	TypeCol:   "type_code",
	SystemCol: "value_system",
	CodeCol:   "value_code",
}

func TestParseContextTypeValue(t *testing.T) {
	clause, err := ParseContextTypeValue("focus$http://www.ama-assn.org/go/cpt|99241,focus$99242")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clause) != 2 {
		t.Fatalf("expected 2 alternatives, got %d", len(clause))
	}
	if clause[0] != (ContextValue{Type: "focus", System: "http://www.ama-assn.org/go/cpt", Code: "99241"}) {
		t.Errorf("unexpected first value %+v", clause[0])
	}
	if clause[1].System != "" || clause[1].Code != "99242" {
		t.Errorf("unexpected second value %+v", clause[1])
	}

	for _, bad := range []string{"", "focus", "focus$", "$x|y", "focus$sys|"} {
		if _, err := ParseContextTypeValue(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestContextQuery_Match(t *testing.T) {
	values := []ContextValue{
		{Type: "focus", System: "http://loinc.org", Code: "1234-5"},
		{Type: "program", System: "urn:payer", Code: "P1"},
	}
	focus := ContextClause{{Type: "focus", System: "http://loinc.org", Code: "1234-5"}}
	payer := ContextClause{{Type: "program", System: "urn:payer", Code: "P2"}, {Type: "program", System: "urn:payer", Code: "P1"}}
	otherPayer := ContextClause{{Type: "program", System: "urn:payer", Code: "P9"}}

	if !(ContextQuery{Clauses: []ContextClause{focus, payer}}).Match(values) {
		t.Error("expected match when every clause has a satisfied alternative")
	}
	if (ContextQuery{Clauses: []ContextClause{focus, otherPayer}}).Match(values) {
		t.Error("did not expect match when one clause fails")
	}
}

func TestContextQuery_EmptyClausePolicy(t *testing.T) {
	values := []ContextValue{{Type: "focus", System: "http://loinc.org", Code: "1234-5"}}
	focus := ContextClause{{Type: "focus", System: "http://loinc.org", Code: "1234-5"}}

	matchNone := ContextQuery{Clauses: []ContextClause{focus, {}}, EmptyClause: EmptyClauseMatchNone}
	if matchNone.Match(values) {
		t.Error("match-none: empty clause must make the query match nothing")
	}
	matchAny := ContextQuery{Clauses: []ContextClause{focus, {}}, EmptyClause: EmptyClauseMatchAny}
	if !matchAny.Match(values) {
		t.Error("match-any: empty clause must be ignored")
	}
}

func TestContextQueryClause_SQL(t *testing.T) {
	q := ContextQuery{Clauses: []ContextClause{
		{{Type: "focus", System: "http://loinc.org", Code: "1234-5"}},
		{{Type: "program", System: "urn:payer", Code: "P1"}, {Type: "program", System: "urn:payer", Code: "P2"}},
	}}

	clause, args, next := ContextQueryClause(testContextTable, q, 1)

	if strings.Count(clause, "EXISTS") != 2 {
		t.Errorf("expected one EXISTS per clause: %s", clause)
	}
	if !strings.Contains(clause, "(c.type_code = $4 AND (c.value_system = $5 AND c.value_code = $6)) OR (c.type_code = $7") {
		t.Errorf("unexpected alternatives: %s", clause)
	}
	if len(args) != 9 || next != 10 {
		t.Errorf("expected 9 args and next index 10, got %d and %d", len(args), next)
	}
	if args[0] != "focus" || args[1] != "http://loinc.org" || args[2] != "1234-5" {
		t.Errorf("unexpected leading args %v", args[:3])
	}
}

func TestContextQueryClause_EmptyPolicies(t *testing.T) {
	focus := ContextClause{{Type: "focus", System: "s", Code: "c"}}

	clause, args, next := ContextQueryClause(testContextTable, ContextQuery{Clauses: []ContextClause{focus, nil}}, 1)
	if clause != "1=0" || args != nil || next != 1 {
		t.Errorf("match-none: expected 1=0, got %q %v %d", clause, args, next)
	}

	clause, args, _ = ContextQueryClause(testContextTable, ContextQuery{Clauses: []ContextClause{focus, nil}, EmptyClause: EmptyClauseMatchAny}, 1)
	if strings.Count(clause, "EXISTS") != 1 || len(args) != 3 {
		t.Errorf("match-any: expected single EXISTS, got %q %v", clause, args)
	}
}

func TestParseEmptyClausePolicy(t *testing.T) {
	if p, err := ParseEmptyClausePolicy(""); err != nil || p != EmptyClauseMatchNone {
		t.Errorf("expected default match-none, got %q %v", p, err)
	}
	if p, err := ParseEmptyClausePolicy("match-any"); err != nil || p != EmptyClauseMatchAny {
		t.Errorf("expected match-any, got %q %v", p, err)
	}
	if _, err := ParseEmptyClausePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
