package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PlaybookFields carries the playbook-specific portion of an element.
type PlaybookFields struct {
	Name      string             `json:"name"`
	Steps     []PlaybookStep     `json:"steps"`
	Variables []PlaybookVariable `json:"variables,omitempty"`
}

// PlaybookStep is one templated task in a playbook.
type PlaybookStep struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Condition  string   `json:"condition,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	Complexity int      `json:"complexity,omitempty"`
	TaskType   TaskType `json:"taskType,omitempty"`
}

// VariableType is the declared type of a playbook variable.
type VariableType string

const (
	VarString  VariableType = "string"
	VarNumber  VariableType = "number"
	VarBoolean VariableType = "boolean"
)

// PlaybookVariable declares an input to playbook instantiation.
type PlaybookVariable struct {
	Name     string       `json:"name"`
	Type     VariableType `json:"type"`
	Required bool         `json:"required"`
	Default  any          `json:"default,omitempty"`
	Enum     []any        `json:"enum,omitempty"`
}

// Validate checks structural playbook invariants: step ids are unique and
// dependsOn references only prior step ids, which keeps the induced DAG
// acyclic by construction.
func (p *PlaybookFields) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("playbook name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook requires at least one step")
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("step %q: duplicate id", step.ID)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q: dependsOn %q must reference a prior step", step.ID, dep)
			}
		}
		seen[step.ID] = true
		if step.Priority != 0 && (step.Priority < 1 || step.Priority > 5) {
			return fmt.Errorf("step %q: priority must be 1..5", step.ID)
		}
		if step.Complexity != 0 && (step.Complexity < 1 || step.Complexity > 5) {
			return fmt.Errorf("step %q: complexity must be 1..5", step.ID)
		}
	}
	for _, v := range p.Variables {
		switch v.Type {
		case VarString, VarNumber, VarBoolean:
		default:
			return fmt.Errorf("variable %q: unknown type %q", v.Name, v.Type)
		}
	}
	return nil
}

// ResolveVariables merges provided values with declared defaults, enforcing
// required, type, and enum constraints.
func (p *PlaybookFields) ResolveVariables(provided map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(p.Variables))
	for _, decl := range p.Variables {
		value, ok := provided[decl.Name]
		if !ok {
			if decl.Default != nil {
				value = decl.Default
			} else if decl.Required {
				return nil, fmt.Errorf("variable %q is required", decl.Name)
			} else {
				continue
			}
		}
		coerced, err := coerceVariable(decl, value)
		if err != nil {
			return nil, err
		}
		if len(decl.Enum) > 0 && !enumContains(decl.Enum, coerced) {
			return nil, fmt.Errorf("variable %q: value %v not in enum", decl.Name, coerced)
		}
		resolved[decl.Name] = coerced
	}
	// Pass through undeclared extras untouched; templates may use them.
	for name, value := range provided {
		if _, ok := resolved[name]; !ok {
			resolved[name] = value
		}
	}
	return resolved, nil
}

func coerceVariable(decl PlaybookVariable, value any) (any, error) {
	switch decl.Type {
	case VarString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case VarNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case VarBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("variable %q: expected %s, got %T", decl.Name, decl.Type, value)
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if fmt.Sprint(candidate) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// RenderTemplate substitutes {{name}} placeholders with variable values.
// Unknown placeholders render as the empty string.
func RenderTemplate(template string, variables map[string]any) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok || value == nil {
			return ""
		}
		switch v := value.(type) {
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Sprint(v)
		}
	})
}

// EvalCondition renders a step condition template and evaluates the result
// for truthiness. Empty, "false", "0", "no", and "null" are falsy; an empty
// condition means the step is always included.
func EvalCondition(condition string, variables map[string]any) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}
	rendered := strings.TrimSpace(strings.ToLower(RenderTemplate(condition, variables)))
	switch rendered {
	case "", "false", "0", "no", "null", "<nil>":
		return false
	}
	return true
}
