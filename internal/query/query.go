// Package query answers read-only lineage traversals over the graph store.
// Readers never take ingestion locks; a traversal may observe a graph in the
// middle of a reconciliation.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/lineagesync/internal/graph"
)

var (
	ErrNotFound     = graph.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

var (
	DefaultGlossaryEdgeTypes = []string{"SemanticAssignment", "TermAnchor", "RelatedTerm"}
	DefaultTermTypes         = []string{"GlossaryTerm", "GlossaryCategory", "Glossary"}
)

const DefaultMaxDepth = 64

type Direction int

const (
	// Upstream follows edges from their target end to their source end.
	Upstream Direction = iota
	Downstream
	Both
)

type Options struct {
	// MaxDepth caps every traversal, including unlimited ones.
	MaxDepth          int
	GlossaryEdgeTypes []string
	// TermTypes are vertex types that glossary lineage does not report as
	// assets.
	TermTypes []string
}

type Result struct {
	Start graph.Vertex   `json:"start"`
	Nodes []graph.Vertex `json:"nodes"`
	Edges []graph.Edge   `json:"edges"`
	// Terminals are the roots, leaves or assets the traversal reached.
	Terminals []string `json:"terminals"`
	// Truncated is set when the depth limit stopped the walk before it ran
	// out of edges.
	Truncated bool `json:"truncated,omitempty"`
}

type Facade struct {
	store         graph.Store
	maxDepth      int
	glossaryEdges map[string]struct{}
	termTypes     map[string]struct{}
}

func New(store graph.Store, opts Options) *Facade {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if len(opts.GlossaryEdgeTypes) == 0 {
		opts.GlossaryEdgeTypes = DefaultGlossaryEdgeTypes
	}
	if len(opts.TermTypes) == 0 {
		opts.TermTypes = DefaultTermTypes
	}
	return &Facade{
		store:         store,
		maxDepth:      opts.MaxDepth,
		glossaryEdges: toSet(opts.GlossaryEdgeTypes),
		termTypes:     toSet(opts.TermTypes),
	}
}

// UltimateSource walks upstream to the vertices with no incoming lineage.
func (f *Facade) UltimateSource(ctx context.Context, guid string, depthLimit int) (Result, error) {
	return f.walk(ctx, guid, depthLimit, Upstream, nil)
}

// UltimateDestination walks downstream to the vertices with no outgoing
// lineage.
func (f *Facade) UltimateDestination(ctx context.Context, guid string, depthLimit int) (Result, error) {
	return f.walk(ctx, guid, depthLimit, Downstream, nil)
}

// EndToEnd is the union of the upstream and downstream walks.
func (f *Facade) EndToEnd(ctx context.Context, guid string, depthLimit int) (Result, error) {
	up, err := f.UltimateSource(ctx, guid, depthLimit)
	if err != nil {
		return Result{}, err
	}
	down, err := f.UltimateDestination(ctx, guid, depthLimit)
	if err != nil {
		return Result{}, err
	}
	return merge(up, down), nil
}

// GlossaryLineage walks glossary edges in either direction from a term and
// reports every non-term vertex reached as an asset.
func (f *Facade) GlossaryLineage(ctx context.Context, termGUID string, depthLimit int) (Result, error) {
	follow := func(e graph.Edge) bool {
		_, ok := f.glossaryEdges[e.TypeName]
		return ok
	}
	res, err := f.walk(ctx, termGUID, depthLimit, Both, follow)
	if err != nil {
		return Result{}, err
	}
	res.Terminals = res.Terminals[:0]
	for _, v := range res.Nodes {
		if v.GUID == res.Start.GUID {
			continue
		}
		if _, term := f.termTypes[v.TypeName]; term {
			continue
		}
		res.Terminals = append(res.Terminals, v.GUID)
	}
	return res, nil
}

func (f *Facade) depth(limit int) int {
	if limit <= 0 || limit > f.maxDepth {
		return f.maxDepth
	}
	return limit
}

func (f *Facade) walk(ctx context.Context, guid string, depthLimit int, dir Direction, follow func(graph.Edge) bool) (Result, error) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return Result{}, fmt.Errorf("%w: vertex id is required", ErrInvalidInput)
	}
	start, err := f.live(ctx, guid)
	if err != nil {
		return Result{}, err
	}

	maxDepth := f.depth(depthLimit)
	nodes := map[string]graph.Vertex{guid: start}
	edges := map[string]graph.Edge{}
	var terminals []string
	truncated := false

	frontier := []string{guid}
	for depth := 0; len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			incident, err := f.store.IncidentEdges(ctx, current)
			if err != nil {
				return Result{}, fmt.Errorf("list edges of %s: %w", current, err)
			}
			steps := 0
			for _, e := range incident {
				other, ok := step(e, current, dir)
				if !ok || (follow != nil && !follow(e)) {
					continue
				}
				steps++
				if depth >= maxDepth {
					truncated = true
					continue
				}
				edges[e.GUID] = e
				if _, seen := nodes[other]; seen {
					continue
				}
				v, err := f.live(ctx, other)
				if errors.Is(err, graph.ErrNotFound) {
					// endpoint deleted since the listing
					continue
				}
				if err != nil {
					return Result{}, err
				}
				nodes[other] = v
				next = append(next, other)
			}
			if steps == 0 {
				terminals = append(terminals, current)
			}
		}
		frontier = next
	}

	res := Result{Start: start, Edges: sortedEdges(edges), Truncated: truncated}
	res.Nodes = sortedVertices(nodes)
	sort.Strings(terminals)
	res.Terminals = terminals
	if res.Terminals == nil {
		res.Terminals = []string{}
	}
	return res, nil
}

func (f *Facade) live(ctx context.Context, guid string) (graph.Vertex, error) {
	v, err := f.store.Vertex(ctx, guid)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return graph.Vertex{}, fmt.Errorf("vertex %s: %w", guid, ErrNotFound)
		}
		return graph.Vertex{}, fmt.Errorf("read vertex %s: %w", guid, err)
	}
	if !v.Live() {
		return graph.Vertex{}, fmt.Errorf("vertex %s: %w", guid, ErrNotFound)
	}
	return v, nil
}

// step returns the vertex reached by crossing e from current in dir.
func step(e graph.Edge, current string, dir Direction) (string, bool) {
	switch dir {
	case Upstream:
		if e.To == current && e.From != current {
			return e.From, true
		}
	case Downstream:
		if e.From == current && e.To != current {
			return e.To, true
		}
	default:
		if e.From != e.To {
			return e.Other(current), true
		}
	}
	return "", false
}

func merge(a, b Result) Result {
	nodes := map[string]graph.Vertex{}
	for _, v := range append(a.Nodes, b.Nodes...) {
		nodes[v.GUID] = v
	}
	edges := map[string]graph.Edge{}
	for _, e := range append(a.Edges, b.Edges...) {
		edges[e.GUID] = e
	}
	terms := map[string]struct{}{}
	for _, id := range append(a.Terminals, b.Terminals...) {
		terms[id] = struct{}{}
	}
	terminals := make([]string, 0, len(terms))
	for id := range terms {
		terminals = append(terminals, id)
	}
	sort.Strings(terminals)
	return Result{
		Start:     a.Start,
		Nodes:     sortedVertices(nodes),
		Edges:     sortedEdges(edges),
		Terminals: terminals,
		Truncated: a.Truncated || b.Truncated,
	}
}

func sortedVertices(in map[string]graph.Vertex) []graph.Vertex {
	out := make([]graph.Vertex, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

func sortedEdges(in map[string]graph.Edge) []graph.Edge {
	out := make([]graph.Edge, 0, len(in))
	for _, e := range in {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
