// Package ruledef loads declarative rule definitions from JSON documents.
// A document carries a list of rules, each with an optional threshold
// condition over one variable and a list of numeric effects. Documents are
// validated against an embedded JSON Schema before compilation, so malformed
// rule files fail loudly at load time instead of misbehaving mid-run.
package ruledef

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/world"
)

//go:embed schema.json
var schemaJSON []byte

// Op is a comparison operator in a rule condition.
type Op string

// Condition operators.
const (
	OpGreater      Op = "gt"
	OpGreaterEqual Op = "gte"
	OpLess         Op = "lt"
	OpLessEqual    Op = "lte"
	OpEqual        Op = "eq"
	OpNotEqual     Op = "neq"
)

var (
	// ErrInvalidDocument reports a document that fails schema validation.
	ErrInvalidDocument = errors.New("ruledef: invalid document")

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

type (
	// Document is one rule-definition file.
	Document struct {
		// Version allows future format revisions. Defaults to 1.
		Version int `json:"version,omitempty"`
		// Rules is the rule list. Never empty in a valid document.
		Rules []Definition `json:"rules"`
	}

	// Definition is one declarative rule.
	Definition struct {
		ID          string   `json:"id"`
		Description string   `json:"description,omitempty"`
		Priority    int      `json:"priority,omitempty"`
		Tags        []string `json:"tags,omitempty"`
		// When gates the effects. A nil condition always fires.
		When    *Condition  `json:"when,omitempty"`
		Effects []EffectDef `json:"effects"`
	}

	// Condition is a threshold comparison over one variable. Absent
	// variables read as zero, matching the world state's default.
	Condition struct {
		Variable string  `json:"variable"`
		Operator Op      `json:"op"`
		Value    float64 `json:"value"`
	}

	// EffectDef is one declarative effect. Kind defaults to "variable".
	EffectDef struct {
		Kind   string  `json:"kind,omitempty"`
		Target string  `json:"target"`
		Delta  float64 `json:"delta"`
	}
)

// schema compiles the embedded schema once.
func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(schemaJSON, &doc); err != nil {
			compileErr = fmt.Errorf("ruledef: unmarshal embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("ruledef.json", doc); err != nil {
			compileErr = fmt.Errorf("ruledef: add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("ruledef.json")
	})
	return compiled, compileErr
}

// Parse validates the raw document against the schema and decodes it.
func Parse(data []byte) (Document, error) {
	s, err := schema()
	if err != nil {
		return Document{}, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := s.Validate(raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	return doc, nil
}

// ParseFile reads and parses one rule-definition file.
func ParseFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("ruledef: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Compile turns the document into registrable rules. The schema guarantees
// structure; Compile only builds the trigger closures and typed effects.
func Compile(doc Document) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(doc.Rules))
	for _, def := range doc.Rules {
		r := rules.Rule{
			ID:          def.ID,
			Description: def.Description,
			Priority:    def.Priority,
			Tags:        def.Tags,
			Source:      rules.SourceStatic,
			Effects:     make([]rules.Effect, 0, len(def.Effects)),
		}
		for _, e := range def.Effects {
			kind := rules.EffectKind(e.Kind)
			if e.Kind == "" {
				kind = rules.EffectVariable
			}
			r.Effects = append(r.Effects, rules.Effect{Kind: kind, Target: e.Target, Delta: e.Delta})
		}
		if def.When != nil {
			trigger, err := compileCondition(*def.When)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidDocument, def.ID, err)
			}
			r.Trigger = trigger
			r.Reads = []string{def.When.Variable}
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadFiles parses, compiles and registers every document in order. The
// first failure stops the load; earlier registrations stay in place.
func LoadFiles(_ context.Context, reg *rules.Registry, paths ...string) error {
	for _, path := range paths {
		doc, err := ParseFile(path)
		if err != nil {
			return err
		}
		compiledRules, err := Compile(doc)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, r := range compiledRules {
			if err := reg.Register(r); err != nil {
				return fmt.Errorf("ruledef: register %s from %s: %w", r.ID, path, err)
			}
		}
	}
	return nil
}

func compileCondition(c Condition) (rules.Trigger, error) {
	variable, threshold := c.Variable, c.Value
	switch c.Operator {
	case OpGreater:
		return func(s *world.State) bool { return s.GetVariable(variable, 0) > threshold }, nil
	case OpGreaterEqual:
		return func(s *world.State) bool { return s.GetVariable(variable, 0) >= threshold }, nil
	case OpLess:
		return func(s *world.State) bool { return s.GetVariable(variable, 0) < threshold }, nil
	case OpLessEqual:
		return func(s *world.State) bool { return s.GetVariable(variable, 0) <= threshold }, nil
	case OpEqual:
		return func(s *world.State) bool { return s.GetVariable(variable, 0) == threshold }, nil
	case OpNotEqual:
		return func(s *world.State) bool { return s.GetVariable(variable, 0) != threshold }, nil
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
}
