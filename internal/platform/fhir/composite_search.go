package fhir

import (
	"fmt"
	"strings"
)

// EmptyClausePolicy decides how a context clause with no alternatives
// contributes to a ContextQuery.
type EmptyClausePolicy string

const (
	// EmptyClauseMatchNone treats an empty disjunction as false, so the
	// query matches nothing.
	EmptyClauseMatchNone EmptyClausePolicy = "match-none"
	// EmptyClauseMatchAny drops the empty clause from the conjunction.
	EmptyClauseMatchAny EmptyClausePolicy = "match-any"
)

// ParseEmptyClausePolicy validates a configured policy name.
func ParseEmptyClausePolicy(s string) (EmptyClausePolicy, error) {
	switch EmptyClausePolicy(s) {
	case "", EmptyClauseMatchNone:
		return EmptyClauseMatchNone, nil
	case EmptyClauseMatchAny:
		return EmptyClauseMatchAny, nil
	}
	return "", fmt.Errorf("unknown empty clause policy %q (want %s or %s)", s, EmptyClauseMatchNone, EmptyClauseMatchAny)
}

// ContextValue is one useContext entry: the usage context type code and the
// token (system|code) of its valueCodeableConcept.
type ContextValue struct {
	Type   string
	System string
	Code   string
}

// String renders the value in context-type-value syntax.
func (v ContextValue) String() string {
	return v.Type + "$" + v.System + "|" + v.Code
}

// Matches reports whether candidate satisfies v. An empty system on v
// matches any system.
func (v ContextValue) Matches(candidate ContextValue) bool {
	if v.Type != candidate.Type || v.Code != candidate.Code {
		return false
	}
	return v.System == "" || v.System == candidate.System
}

// ContextClause is a disjunction of context values.
type ContextClause []ContextValue

// ContextQuery is a conjunction of context clauses over a definition's
// useContext entries, the context-type-value composite search.
type ContextQuery struct {
	Clauses     []ContextClause
	EmptyClause EmptyClausePolicy
}

// MatchesNothing reports whether the query is unsatisfiable under its policy.
func (q ContextQuery) MatchesNothing() bool {
	if q.EmptyClause == EmptyClauseMatchAny {
		return false
	}
	for _, c := range q.Clauses {
		if len(c) == 0 {
			return true
		}
	}
	return false
}

// Match evaluates the query against a definition's context values.
func (q ContextQuery) Match(values []ContextValue) bool {
	if q.MatchesNothing() {
		return false
	}
	for _, clause := range q.Clauses {
		if len(clause) == 0 {
			continue
		}
		found := false
		for _, want := range clause {
			for _, have := range values {
				if want.Matches(have) {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ParseContextTypeValue parses one context-type-value parameter. Comma
// separated values form a disjunction, each "type$system|code" or
// "type$code".
func ParseContextTypeValue(param string) (ContextClause, error) {
	var clause ContextClause
	for _, part := range strings.Split(param, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, token, ok := strings.Cut(part, "$")
		if !ok || typ == "" || token == "" {
			return nil, fmt.Errorf("invalid context-type-value %q: expected type$value", part)
		}
		system, code := SplitToken(token)
		if code == "" {
			return nil, fmt.Errorf("invalid context-type-value %q: missing code", part)
		}
		clause = append(clause, ContextValue{Type: typ, System: system, Code: code})
	}
	if len(clause) == 0 {
		return nil, fmt.Errorf("empty context-type-value")
	}
	return clause, nil
}

// ContextTableConfig names the relational layout of stored useContext rows.
type ContextTableConfig struct {
	Table     string // child table holding one row per context value
	FKColumn  string // column referencing the parent id
	ParentID  string // qualified parent id column
	TypeCol   string
	SystemCol string
	CodeCol   string
}

// ContextQueryClause renders q as a SQL condition over the context table.
// Each clause becomes an EXISTS over the child rows whose alternatives are
// ORed. Returns the clause, its arguments and the next parameter index.
func ContextQueryClause(cfg ContextTableConfig, q ContextQuery, startIdx int) (string, []interface{}, int) {
	if q.MatchesNothing() {
		return "1=0", nil, startIdx
	}
	var parts []string
	var args []interface{}
	idx := startIdx
	for _, clause := range q.Clauses {
		if len(clause) == 0 {
			continue
		}
		var alts []string
		for _, v := range clause {
			token := v.Code
			if v.System != "" {
				token = v.System + "|" + v.Code
			}
			tokenClause, tokenArgs, next := TokenSearchClause("c."+cfg.SystemCol, "c."+cfg.CodeCol, token, idx+1)
			alts = append(alts, fmt.Sprintf("(c.%s = $%d AND %s)", cfg.TypeCol, idx, tokenClause))
			args = append(args, v.Type)
			args = append(args, tokenArgs...)
			idx = next
		}
		parts = append(parts, fmt.Sprintf("EXISTS (SELECT 1 FROM %s c WHERE c.%s = %s AND (%s))",
			cfg.Table, cfg.FKColumn, cfg.ParentID, strings.Join(alts, " OR ")))
	}
	if len(parts) == 0 {
		return "1=1", nil, startIdx
	}
	return strings.Join(parts, " AND "), args, idx
}
