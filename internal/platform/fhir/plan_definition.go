package fhir

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// Expression languages accepted in conditions and dynamic values.
const (
	LanguageCEL    = "text/cel"
	LanguageCELAlt = "text/x-cel"
)

// ErrUnsupportedLanguage is returned when an expression is not CEL.
var ErrUnsupportedLanguage = errors.New("unsupported expression language")

// ============================================================================
// PlanDefinition Model
// ============================================================================

// PlanDefinition is the subset of a FHIR R4 PlanDefinition the engine applies.
type PlanDefinition struct {
	ID        string       `json:"id"`
	URL       string       `json:"url,omitempty"`
	Version   string       `json:"version,omitempty"`
	Name      string       `json:"name,omitempty"`
	Title     string       `json:"title,omitempty"`
	Publisher string       `json:"publisher,omitempty"`
	Status    string       `json:"status"`
	Action    []PlanAction `json:"action,omitempty"`
}

// PlanAction is a recursive action tree within a PlanDefinition.
type PlanAction struct {
	ID                string          `json:"id,omitempty"`
	Title             string          `json:"title,omitempty"`
	Description       string          `json:"description,omitempty"`
	Priority          string          `json:"priority,omitempty"`
	Condition         []PlanCondition `json:"condition,omitempty"`
	Trigger           []PlanTrigger   `json:"trigger,omitempty"`
	DynamicValue      []DynamicValue  `json:"dynamicValue,omitempty"`
	SelectionBehavior string          `json:"selectionBehavior,omitempty"`
	GroupingBehavior  string          `json:"groupingBehavior,omitempty"`
	Extension         []Extension     `json:"extension,omitempty"`
	Action            []PlanAction    `json:"action,omitempty"`
}

// PlanCondition is a condition that determines action applicability.
type PlanCondition struct {
	Kind       string     `json:"kind"`
	Expression Expression `json:"expression"`
}

// Expression is the FHIR Expression datatype.
type Expression struct {
	Language   string `json:"language,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// PlanTrigger describes an event that triggers the action.
type PlanTrigger struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// DynamicValue sets a RequestGroup action element from an expression.
type DynamicValue struct {
	Path       string     `json:"path"`
	Expression Expression `json:"expression"`
}

// ParsePlanDefinition decodes a PlanDefinition resource for the engine.
func ParsePlanDefinition(r Resource) (*PlanDefinition, error) {
	if r.Type() != "PlanDefinition" {
		return nil, fmt.Errorf("expected PlanDefinition, got %q", r.Type())
	}
	var pd PlanDefinition
	if err := r.Decode(&pd); err != nil {
		return nil, fmt.Errorf("decode PlanDefinition %s: %w", r.ID(), err)
	}
	return &pd, nil
}

// ============================================================================
// Apply Input / Result
// ============================================================================

// ApplyInput is the evaluation context for one $apply call.
type ApplyInput struct {
	// Subject is the patient the plan is applied to.
	Subject Resource
	// Data is the supporting resources available to expressions.
	Data []Resource
	// Parameters are named resources, e.g. the triggering order.
	Parameters map[string]Resource
}

// ApplyResult is the output of PlanDefinitionEngine.Apply.
type ApplyResult struct {
	CarePlan     Resource
	RequestGroup Resource
}

// AsParameters wraps the RequestGroup the way $apply returns it in the
// Parameters shape: a "return" parameter holding a collection Bundle.
func (r *ApplyResult) AsParameters() Resource {
	bundle := Resource{
		"resourceType": "Bundle",
		"id":           uuid.New().String(),
		"type":         BundleTypeCollection,
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}(r.RequestGroup)},
		},
	}
	return Resource{
		"resourceType": "Parameters",
		"parameter": []interface{}{
			map[string]interface{}{"name": "return", "resource": map[string]interface{}(bundle)},
		},
	}
}

// ============================================================================
// PlanDefinition Engine
// ============================================================================

// PlanDefinitionEngine applies PlanDefinitions whose conditions and dynamic
// values are written in CEL. Expression variables:
//
//	subject    the patient
//	data       list of supporting resources
//	params     named resources, e.g. params.service_request
//	resources  supporting resources grouped by type, e.g. resources.Coverage
type PlanDefinitionEngine struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	now      func() time.Time
}

// NewPlanDefinitionEngine creates a new engine.
func NewPlanDefinitionEngine() (*PlanDefinitionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.DynType),
		cel.Variable("data", cel.ListType(cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resources", cel.MapType(cel.StringType, cel.ListType(cel.DynType))),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &PlanDefinitionEngine{
		env:      env,
		programs: make(map[string]cel.Program),
		now:      time.Now,
	}, nil
}

// Apply evaluates a PlanDefinition and returns the resulting RequestGroup
// and a CarePlan containing it.
func (e *PlanDefinitionEngine) Apply(ctx context.Context, plan *PlanDefinition, in ApplyInput) (*ApplyResult, error) {
	if in.Subject == nil {
		return nil, fmt.Errorf("subject is required for $apply")
	}
	if plan.Status == "retired" {
		return nil, fmt.Errorf("cannot apply retired PlanDefinition %s", plan.ID)
	}

	vars := activation(in)
	rgActions := make([]interface{}, 0)
	if err := e.processActions(ctx, plan.Action, vars, &rgActions); err != nil {
		return nil, err
	}

	subjectRef := map[string]interface{}{"reference": in.Subject.Ref()}
	authored := e.now().UTC().Format(time.RFC3339)

	rgID := uuid.New().String()
	requestGroup := Resource{
		"resourceType": "RequestGroup",
		"id":           rgID,
		"status":       "draft",
		"intent":       "proposal",
		"subject":      subjectRef,
		"authoredOn":   authored,
		"action":       rgActions,
	}
	if plan.URL != "" {
		requestGroup["instantiatesCanonical"] = []interface{}{plan.URL}
	}

	carePlan := Resource{
		"resourceType": "CarePlan",
		"id":           uuid.New().String(),
		"status":       "draft",
		"intent":       "proposal",
		"subject":      subjectRef,
		"created":      authored,
		"contained":    []interface{}{map[string]interface{}(requestGroup)},
		"activity": []interface{}{
			map[string]interface{}{
				"reference": map[string]interface{}{"reference": "#" + rgID},
			},
		},
	}
	if plan.Title != "" {
		carePlan["title"] = plan.Title
	}
	if plan.URL != "" {
		carePlan["instantiatesCanonical"] = []interface{}{plan.URL}
	}

	return &ApplyResult{CarePlan: carePlan, RequestGroup: requestGroup}, nil
}

// processActions recursively evaluates actions into RequestGroup actions.
func (e *PlanDefinitionEngine) processActions(ctx context.Context, actions []PlanAction, vars map[string]interface{}, rgActions *[]interface{}) error {
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.evaluateConditions(ctx, action.Condition, vars)
		if err != nil {
			return fmt.Errorf("action %q: %w", actionName(action), err)
		}
		if !ok {
			continue
		}

		rgAction := map[string]interface{}{}
		if action.ID != "" {
			rgAction["id"] = action.ID
		}
		if action.Title != "" {
			rgAction["title"] = action.Title
		}
		if action.Description != "" {
			rgAction["description"] = action.Description
		}
		if action.Priority != "" {
			rgAction["priority"] = action.Priority
		}
		if action.SelectionBehavior != "" {
			rgAction["selectionBehavior"] = action.SelectionBehavior
		}
		if action.GroupingBehavior != "" {
			rgAction["groupingBehavior"] = action.GroupingBehavior
		}
		if len(action.Extension) > 0 {
			exts := make([]interface{}, 0, len(action.Extension))
			for _, x := range action.Extension {
				exts = append(exts, DeepCopy(x))
			}
			rgAction["extension"] = exts
		}

		if err := e.applyDynamicValues(ctx, rgAction, action.DynamicValue, vars); err != nil {
			return fmt.Errorf("action %q: %w", actionName(action), err)
		}

		if len(action.Action) > 0 {
			subActions := make([]interface{}, 0)
			if err := e.processActions(ctx, action.Action, vars, &subActions); err != nil {
				return err
			}
			if len(subActions) > 0 {
				rgAction["action"] = subActions
			}
		}

		*rgActions = append(*rgActions, rgAction)
	}
	return nil
}

// evaluateConditions checks applicability conditions. Every applicability
// condition must evaluate to true.
func (e *PlanDefinitionEngine) evaluateConditions(ctx context.Context, conditions []PlanCondition, vars map[string]interface{}) (bool, error) {
	for _, cond := range conditions {
		if cond.Kind != "applicability" || cond.Expression.Expression == "" {
			continue
		}
		out, err := e.eval(ctx, cond.Expression, vars)
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("condition %q did not evaluate to a boolean", cond.Expression.Expression)
		}
		if !b {
			return false, nil
		}
	}
	return true, nil
}

// applyDynamicValues evaluates expressions and writes them at their path.
// A path whose current value is a list gets the result appended.
func (e *PlanDefinitionEngine) applyDynamicValues(ctx context.Context, target map[string]interface{}, dynamicValues []DynamicValue, vars map[string]interface{}) error {
	for _, dv := range dynamicValues {
		if dv.Path == "" || dv.Expression.Expression == "" {
			continue
		}
		value, err := e.eval(ctx, dv.Expression, vars)
		if err != nil {
			return fmt.Errorf("dynamicValue %s: %w", dv.Path, err)
		}
		if value == nil {
			continue
		}
		setPath(target, dv.Path, value)
	}
	return nil
}

func (e *PlanDefinitionEngine) eval(ctx context.Context, expr Expression, vars map[string]interface{}) (interface{}, error) {
	switch expr.Language {
	case "", LanguageCEL, LanguageCELAlt:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, expr.Language)
	}
	prg, err := e.program(expr.Expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr.Expression, err)
	}
	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, fmt.Errorf("convert result of %q: %w", expr.Expression, err)
	}
	return native.(*structpb.Value).AsInterface(), nil
}

// program compiles an expression once and caches the program.
func (e *PlanDefinitionEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, iss.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expression, err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// activation builds the CEL variable bindings. Absent values bind to empty
// collections so expressions can test for them with has() or size().
func activation(in ApplyInput) map[string]interface{} {
	data := make([]interface{}, 0, len(in.Data))
	byType := make(map[string][]interface{})
	for _, r := range in.Data {
		m := map[string]interface{}(r)
		data = append(data, m)
		byType[r.Type()] = append(byType[r.Type()], m)
	}
	params := make(map[string]interface{}, len(in.Parameters))
	for name, r := range in.Parameters {
		if r == nil {
			params[name] = map[string]interface{}{}
			continue
		}
		params[name] = map[string]interface{}(r)
	}
	return map[string]interface{}{
		"subject":   map[string]interface{}(in.Subject),
		"data":      data,
		"params":    params,
		"resources": byType,
	}
}

// setPath writes value at a dotted path, creating intermediate objects.
func setPath(target map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := target
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	switch existing := cur[leaf].(type) {
	case []interface{}:
		if list, ok := value.([]interface{}); ok {
			cur[leaf] = append(existing, list...)
		} else {
			cur[leaf] = append(existing, value)
		}
	case nil:
		if _, isMap := value.(map[string]interface{}); isMap && leaf == "extension" {
			cur[leaf] = []interface{}{value}
			return
		}
		cur[leaf] = value
	default:
		cur[leaf] = value
	}
}

func actionName(a PlanAction) string {
	if a.ID != "" {
		return a.ID
	}
	return a.Title
}
