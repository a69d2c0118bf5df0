package phasegraph

import "fmt"

// DiscoveryV1 is the compiled-in default graph version.
const DiscoveryV1 = "discovery/v1"

// Registry resolves pinned graph versions. It is populated once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	graphs         map[string]*Graph
	defaultVersion string
}

// NewRegistry builds a registry from the given graphs. The compiled-in
// discovery graph is always present; loaded graphs may override it by
// declaring the same version.
func NewRegistry(graphs ...*Graph) *Registry {
	r := &Registry{
		graphs:         map[string]*Graph{DiscoveryV1: DefaultGraph()},
		defaultVersion: DiscoveryV1,
	}
	for _, g := range graphs {
		r.graphs[g.Version()] = g
	}
	return r
}

// Get resolves a graph version.
func (r *Registry) Get(version string) (*Graph, error) {
	g, ok := r.graphs[version]
	if !ok {
		return nil, fmt.Errorf("phasegraph: unknown graph version %q", version)
	}
	return g, nil
}

// DefaultVersion returns the version new flows pin when none is requested.
func (r *Registry) DefaultVersion() string { return r.defaultVersion }

// Versions returns all registered version identifiers.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.graphs))
	for v := range r.graphs {
		out = append(out, v)
	}
	return out
}

// DefaultGraph returns the compiled-in discovery pipeline: a fixed sequence
// where each phase gates the next.
func DefaultGraph() *Graph {
	g, err := New(DiscoveryV1, []Phase{
		{
			Name:    "data_import",
			Ordinal: 0,
			Criteria: []Criterion{
				{Name: "import_complete", Kind: CriterionBoolean},
				{Name: "records_imported", Kind: CriterionThreshold, Threshold: 1},
			},
		},
		{
			Name:          "field_mapping",
			Ordinal:       1,
			Prerequisites: []string{"data_import"},
			Criteria: []Criterion{
				{Name: "mapping_coverage", Kind: CriterionThreshold, Threshold: 0.8},
			},
		},
		{
			Name:          "data_cleansing",
			Ordinal:       2,
			Prerequisites: []string{"field_mapping"},
			Criteria: []Criterion{
				{Name: "cleansing_pass_rate", Kind: CriterionThreshold, Threshold: 0.9},
			},
		},
		{
			Name:          "asset_inventory",
			Ordinal:       3,
			Prerequisites: []string{"data_cleansing"},
			Criteria: []Criterion{
				{Name: "assets_classified", Kind: CriterionBoolean},
				{Name: "asset_count", Kind: CriterionThreshold, Threshold: 1},
			},
		},
		{
			Name:          "dependency_analysis",
			Ordinal:       4,
			Prerequisites: []string{"asset_inventory"},
			Criteria: []Criterion{
				{Name: "dependencies_resolved", Kind: CriterionBoolean},
			},
		},
		{
			Name:          "tech_debt_analysis",
			Ordinal:       5,
			Prerequisites: []string{"dependency_analysis"},
			Criteria: []Criterion{
				{Name: "debt_scored", Kind: CriterionBoolean},
			},
		},
		{
			Name:          "completion",
			Ordinal:       6,
			Prerequisites: []string{"tech_debt_analysis"},
		},
	})
	if err != nil {
		// The compiled-in graph is covered by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return g
}
