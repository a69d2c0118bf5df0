// Package phasegraph defines the static DAG of discovery phases, their
// prerequisites, and their success-criteria schemas. Graphs are pure
// configuration: a flow pins a graph version at creation and later graph
// edits never retroactively alter in-flight flows.
package phasegraph

import (
	"fmt"
	"sort"
)

// Criterion kinds.
const (
	CriterionBoolean   = "boolean"
	CriterionThreshold = "threshold"
)

// Criterion is one named check in a phase's success-criteria schema.
// Boolean criteria require the summary field to be true; threshold criteria
// require a numeric summary field >= Threshold.
type Criterion struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind"`
	Field     string  `yaml:"field,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
}

// field returns the summary key the criterion reads, defaulting to its name.
func (c Criterion) field() string {
	if c.Field != "" {
		return c.Field
	}
	return c.Name
}

// Phase is one named pipeline stage with declared prerequisites and a
// success-criteria schema.
type Phase struct {
	Name          string      `yaml:"name"`
	Ordinal       int         `yaml:"ordinal"`
	Prerequisites []string    `yaml:"prerequisites,omitempty"`
	Criteria      []Criterion `yaml:"criteria,omitempty"`
}

// Graph is one immutable version of the phase DAG. Construct with New, which
// validates the graph shape; all query methods are safe for concurrent use.
type Graph struct {
	version  string
	checksum string
	ordered  []Phase
	byName   map[string]Phase
}

// New builds and validates a Graph. It rejects duplicate names, unknown or
// forward prerequisites, and duplicate ordinals, so an ill-formed graph is a
// construction-time error rather than a runtime drift.
func New(version string, phases []Phase) (*Graph, error) {
	if version == "" {
		return nil, fmt.Errorf("phasegraph: version is required")
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("phasegraph %s: at least one phase is required", version)
	}

	ordered := make([]Phase, len(phases))
	copy(ordered, phases)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	byName := make(map[string]Phase, len(ordered))
	for i, p := range ordered {
		if p.Name == "" {
			return nil, fmt.Errorf("phasegraph %s: phase %d has no name", version, i)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("phasegraph %s: duplicate phase %q", version, p.Name)
		}
		if i > 0 && ordered[i-1].Ordinal == p.Ordinal {
			return nil, fmt.Errorf("phasegraph %s: duplicate ordinal %d", version, p.Ordinal)
		}
		for _, c := range p.Criteria {
			if c.Kind != CriterionBoolean && c.Kind != CriterionThreshold {
				return nil, fmt.Errorf("phasegraph %s: phase %q criterion %q has unknown kind %q",
					version, p.Name, c.Name, c.Kind)
			}
		}
		byName[p.Name] = p
	}

	// Prerequisites must name declared phases with a strictly lower ordinal,
	// which also guarantees the graph is acyclic.
	for _, p := range ordered {
		for _, pre := range p.Prerequisites {
			dep, ok := byName[pre]
			if !ok {
				return nil, fmt.Errorf("phasegraph %s: phase %q requires undeclared phase %q",
					version, p.Name, pre)
			}
			if dep.Ordinal >= p.Ordinal {
				return nil, fmt.Errorf("phasegraph %s: phase %q requires %q which does not precede it",
					version, p.Name, pre)
			}
		}
	}

	return &Graph{version: version, ordered: ordered, byName: byName}, nil
}

// Version returns the graph version identifier.
func (g *Graph) Version() string { return g.version }

// Checksum returns the SHA-256 of the source file, if loaded from one.
func (g *Graph) Checksum() string { return g.checksum }

// Phases returns the phases in ordinal order.
func (g *Graph) Phases() []Phase {
	out := make([]Phase, len(g.ordered))
	copy(out, g.ordered)
	return out
}

// Has reports whether name is a declared phase.
func (g *Graph) Has(name string) bool {
	_, ok := g.byName[name]
	return ok
}

// InitialPhase returns the lowest-ordinal phase.
func (g *Graph) InitialPhase() string {
	return g.ordered[0].Name
}

// TerminalPhase returns the highest-ordinal phase.
func (g *Graph) TerminalPhase() string {
	return g.ordered[len(g.ordered)-1].Name
}

// IsTerminal reports whether name is the terminal phase.
func (g *Graph) IsTerminal(name string) bool {
	return name == g.TerminalPhase()
}

// PrerequisitesOf returns the direct prerequisites of a phase.
func (g *Graph) PrerequisitesOf(name string) ([]string, error) {
	p, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("phasegraph %s: unknown phase %q", g.version, name)
	}
	out := make([]string, len(p.Prerequisites))
	copy(out, p.Prerequisites)
	return out, nil
}

// Successor returns the next phase in ordinal order. ok is false when name is
// the terminal phase.
func (g *Graph) Successor(name string) (next string, ok bool) {
	for i, p := range g.ordered {
		if p.Name == name && i+1 < len(g.ordered) {
			return g.ordered[i+1].Name, true
		}
	}
	return "", false
}

// Dependents returns every phase whose ancestor chain includes name. Used by
// recovery to cascade-unmark completions.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, p := range g.ordered {
		if p.Name == name {
			continue
		}
		if g.dependsOn(p.Name, name, map[string]bool{}) {
			out = append(out, p.Name)
		}
	}
	return out
}

// AncestorOf reports whether ancestor appears anywhere in phase's
// prerequisite chain.
func (g *Graph) AncestorOf(ancestor, phase string) bool {
	return g.dependsOn(phase, ancestor, map[string]bool{})
}

func (g *Graph) dependsOn(phase, target string, seen map[string]bool) bool {
	if seen[phase] {
		return false
	}
	seen[phase] = true
	for _, pre := range g.byName[phase].Prerequisites {
		if pre == target || g.dependsOn(pre, target, seen) {
			return true
		}
	}
	return false
}

// AncestorsComplete reports whether every phase in name's full ancestor chain
// is marked complete in completion.
func (g *Graph) AncestorsComplete(name string, completion map[string]bool) bool {
	p, ok := g.byName[name]
	if !ok {
		return false
	}
	for _, pre := range p.Prerequisites {
		if !completion[pre] || !g.AncestorsComplete(pre, completion) {
			return false
		}
	}
	return true
}

// DeepestValidPhase walks backward from the given phase along its
// prerequisite chain and returns the highest-ordinal phase in that chain
// whose full ancestor chain is marked complete. Candidates are restricted to
// from and its ancestors, so the result never jumps to an unrelated branch of
// the graph. A chain always bottoms out at a prerequisite-free phase, so
// there is always a justified position to land on.
func (g *Graph) DeepestValidPhase(from string, completion map[string]bool) string {
	if !g.Has(from) {
		return g.InitialPhase()
	}
	target := g.InitialPhase()
	for _, p := range g.ordered {
		if p.Name != from && !g.AncestorOf(p.Name, from) {
			continue
		}
		if g.AncestorsComplete(p.Name, completion) {
			target = p.Name
		}
	}
	return target
}

// NewCompletion returns a completion map with every declared phase set to
// false. Flows are constructed through this so the map's key set is always
// the closed phase set of the pinned graph.
func (g *Graph) NewCompletion() map[string]bool {
	m := make(map[string]bool, len(g.ordered))
	for _, p := range g.ordered {
		m[p.Name] = false
	}
	return m
}

// EvaluateCriteria recomputes a phase's success-criteria schema against a
// recorded output summary. It returns the names of failed criteria; a phase
// with no criteria always passes.
func (g *Graph) EvaluateCriteria(name string, summary map[string]any) (failed []string, err error) {
	p, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("phasegraph %s: unknown phase %q", g.version, name)
	}
	for _, c := range p.Criteria {
		val, present := summary[c.field()]
		switch c.Kind {
		case CriterionBoolean:
			if b, _ := val.(bool); !present || !b {
				failed = append(failed, c.Name)
			}
		case CriterionThreshold:
			n, numeric := asFloat(val)
			if !present || !numeric || n < c.Threshold {
				failed = append(failed, c.Name)
			}
		}
	}
	return failed, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
