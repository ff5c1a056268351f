package graph

import (
	"fmt"
	"io"
	"os"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Document is the file representation of a workflow topology.
// It uses "mapstructure" tags so YAML and JSON sources decode the same way.
type Document struct {
	Name     string        `mapstructure:"name"`
	Start    string        `mapstructure:"start"`
	Finalize string        `mapstructure:"finalize"`
	Nodes    []NodeDoc     `mapstructure:"nodes"`
	Edges    []domain.Edge `mapstructure:"edges"`
	Groups   []GroupDoc    `mapstructure:"groups"`
}

// NodeDoc declares a node and the catalog handler that implements it.
type NodeDoc struct {
	ID          string         `mapstructure:"id"`
	Kind        string         `mapstructure:"kind"`
	Description string         `mapstructure:"description"`
	Handler     string         `mapstructure:"handler"`
	Config      map[string]any `mapstructure:"config"`
}

// GroupDoc declares a conditional edge group.
type GroupDoc struct {
	From    string    `mapstructure:"from"`
	Cases   []CaseDoc `mapstructure:"cases"`
	Default string    `mapstructure:"default"`
}

// CaseDoc is one case of a group. When is a catalog predicate expression.
type CaseDoc struct {
	Name string `mapstructure:"name"`
	When string `mapstructure:"when"`
	To   string `mapstructure:"to"`
}

// Parse decodes a YAML (or JSON) document without resolving handlers.
func Parse(r io.Reader) (*Document, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty workflow document")
		}
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	var doc Document
	if err := DecodeConfig(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &doc, nil
}

// Load parses a document and builds its Definition, resolving handlers and
// predicates through the catalog. Nodes without a handler are no-ops.
func Load(r io.Reader, cat *Catalog) (*Definition, error) {
	doc, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return doc.Build(cat)
}

// LoadFile is Load for a file path.
func LoadFile(path string, cat *Catalog) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, cat)
}

// Build resolves the document against the catalog.
func (doc *Document) Build(cat *Catalog) (*Definition, error) {
	if cat == nil {
		cat = NewCatalog()
	}

	b := New(doc.Name).SetStart(doc.Start).SetFinalize(doc.Finalize)
	for _, n := range doc.Nodes {
		spec := domain.NodeSpec{
			ID:          n.ID,
			Kind:        domain.NodeKind(n.Kind),
			Description: n.Description,
		}
		if n.Handler != "" {
			h, err := cat.Handler(n.Handler, n.Config)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", n.ID, err)
			}
			spec.Handler = h
		}
		b.AddNode(spec)
	}
	for _, e := range doc.Edges {
		b.AddEdge(e.From, e.To)
	}
	for _, g := range doc.Groups {
		cases := make([]domain.Case, 0, len(g.Cases))
		for _, c := range g.Cases {
			p, err := cat.Predicate(c.When)
			if err != nil {
				return nil, fmt.Errorf("edge group from %q: %w", g.From, err)
			}
			name := c.Name
			if name == "" {
				name = c.When
			}
			cases = append(cases, domain.Case{Name: name, When: p, To: c.To})
		}
		b.AddConditionalEdgeGroup(g.From, cases, g.Default)
	}
	return b.Build()
}

// DecodeConfig decodes a loosely typed map (a node config block, a YAML
// document) into out. Strings are converted to numbers, booleans and
// durations where the target requires it.
func DecodeConfig(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
