package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/crawl-control/internal/decode"
)

// Definition is the declarative form of a workflow graph
type Definition struct {
	Name          string                 `yaml:"name"`
	Start         string                 `yaml:"start,omitempty"`
	MaxStepVisits int                    `yaml:"max_step_visits,omitempty"`
	Context       map[string]interface{} `yaml:"context,omitempty"`
	Steps         []StepDefinition       `yaml:"steps"`
}

// StepDefinition describes one step. Which fields apply depends on Type.
type StepDefinition struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name,omitempty"`
	Type          StepType               `yaml:"type"`
	Next          string                 `yaml:"next,omitempty"`
	Action        string                 `yaml:"action,omitempty"`
	Predicate     string                 `yaml:"predicate,omitempty"`
	Params        map[string]interface{} `yaml:"params,omitempty"`
	TrueBranch    string                 `yaml:"true_branch,omitempty"`
	FalseBranch   string                 `yaml:"false_branch,omitempty"`
	Steps         []string               `yaml:"steps,omitempty"`
	WaitAll       *bool                  `yaml:"wait_all,omitempty"`
	MaxIterations int                    `yaml:"max_iterations,omitempty"`
	Duration      time.Duration          `yaml:"duration,omitempty"`
}

// UnmarshalYAML reads a bare number in duration as seconds; strings such as
// "1m30s" keep their unit
func (s *StepDefinition) UnmarshalYAML(node *yaml.Node) error {
	type plain StepDefinition
	var secs *float64
	rest := *node
	if node.Kind == yaml.MappingNode {
		rest.Content = make([]*yaml.Node, 0, len(node.Content))
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if key.Value == "duration" && value.Kind == yaml.ScalarNode &&
				(value.ShortTag() == "!!int" || value.ShortTag() == "!!float") {
				n, err := strconv.ParseFloat(value.Value, 64)
				if err != nil {
					return fmt.Errorf("duration %q: %w", value.Value, err)
				}
				secs = &n
				continue
			}
			rest.Content = append(rest.Content, key, value)
		}
	}
	if err := rest.Decode((*plain)(s)); err != nil {
		return err
	}
	if secs != nil {
		s.Duration = decode.Seconds(*secs)
	}
	return nil
}

// Validate performs structural checks that do not need a registry
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step %d: id is required", d.Name, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("workflow %s: %w: %s", d.Name, ErrDuplicateStep, s.ID)
		}
		seen[s.ID] = struct{}{}

		switch s.Type {
		case StepAction:
			if s.Action == "" {
				return fmt.Errorf("workflow %s: step %s: action is required", d.Name, s.ID)
			}
		case StepCondition:
			if s.Predicate == "" {
				return fmt.Errorf("workflow %s: step %s: predicate is required", d.Name, s.ID)
			}
			if s.Next != "" {
				return fmt.Errorf("workflow %s: step %s: condition steps use branches, not next", d.Name, s.ID)
			}
		case StepParallel, StepLoop:
			if len(s.Steps) == 0 {
				return fmt.Errorf("workflow %s: step %s: inner steps are required", d.Name, s.ID)
			}
		case StepWait:
		default:
			return fmt.Errorf("workflow %s: step %s: %w: type %q", d.Name, s.ID, ErrInvalidStep, s.Type)
		}
	}
	return nil
}

// Build turns the definition into a new Workflow instance
func (d Definition) Build() (*Workflow, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b := NewBuilder(d.Name).SetContext(d.Context).WithMaxStepVisits(d.MaxStepVisits)
	for _, s := range d.Steps {
		opts := []StepOption{WithStepID(s.ID)}
		if s.Next != "" {
			opts = append(opts, WithNext(s.Next))
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		switch s.Type {
		case StepAction:
			b.AddAction(name, s.Action, s.Params, opts...)
		case StepCondition:
			b.AddCondition(name, s.Predicate, s.Params, s.TrueBranch, s.FalseBranch, opts...)
		case StepParallel:
			waitAll := true
			if s.WaitAll != nil {
				waitAll = *s.WaitAll
			}
			b.AddParallel(name, s.Steps, waitAll, opts...)
		case StepLoop:
			b.AddLoop(name, s.Steps, s.Predicate, s.Params, s.MaxIterations, opts...)
		case StepWait:
			b.AddWait(name, s.Duration, opts...)
		}
	}
	if d.Start != "" {
		b.SetStart(d.Start)
	}
	return b.Build()
}

// ParseDefinitionYAML decodes a workflow definition from YAML bytes
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func LoadDefinitionReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

func LoadDefinitionFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(content)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return def, nil
}
