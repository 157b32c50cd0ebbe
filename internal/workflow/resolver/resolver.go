package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

// Node captures a feature plus its dependency metadata.
type Node struct {
	ID           string
	Feature      workflow.Feature
	Dependencies []string
	Dependents   []string
}

// Graph is a validated, acyclic dependency graph over a feature set.
type Graph struct {
	nodes      map[string]*Node
	orderedIDs []string
}

// Analyze validates the features and builds the dependency graph. It never
// mutates its input.
func Analyze(features []workflow.Feature) (*Graph, error) {
	if len(features) == 0 {
		return nil, ErrEmptyInput
	}
	nodes := make(map[string]*Node, len(features))
	ordered := make([]string, 0, len(features))
	for _, feature := range features {
		id := strings.TrimSpace(feature.ID)
		if id == "" {
			return nil, fmt.Errorf("resolver: feature id is required")
		}
		if _, exists := nodes[id]; exists {
			return nil, &DuplicateFeatureError{FeatureID: id}
		}
		clone := feature.Clone()
		nodes[id] = &Node{
			ID:           id,
			Feature:      clone,
			Dependencies: dedupe(clone.DependsOn),
		}
		ordered = append(ordered, id)
	}
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			dep, ok := nodes[depID]
			if !ok {
				return nil, &UnknownDependencyError{FeatureID: node.ID, Missing: depID}
			}
			dep.Dependents = append(dep.Dependents, node.ID)
		}
	}
	for _, node := range nodes {
		if len(node.Dependents) > 1 {
			sort.Strings(node.Dependents)
		}
	}
	g := &Graph{nodes: nodes, orderedIDs: ordered}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g, nil
}

// Len returns the number of features in the graph.
func (g *Graph) Len() int {
	return len(g.orderedIDs)
}

// IDs returns feature identifiers in declaration order.
func (g *Graph) IDs() []string {
	return append([]string{}, g.orderedIDs...)
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.orderedIDs))
	for _, id := range g.orderedIDs {
		if node, ok := g.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out
}

// Node retrieves a specific feature node.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Blockers lists the dependencies of id that are not yet done.
func (g *Graph) Blockers(id string, done func(string) bool) []string {
	node, ok := g.nodes[id]
	if !ok || len(node.Dependencies) == 0 {
		return nil
	}
	var blockers []string
	for _, depID := range node.Dependencies {
		if done == nil || !done(depID) {
			blockers = append(blockers, depID)
		}
	}
	return blockers
}

// Closure returns the targets plus everything they transitively depend on.
// Dependencies are returned before the features that require them. With no
// targets every feature is returned.
func (g *Graph) Closure(targets ...string) ([]workflow.Feature, error) {
	if len(targets) == 0 {
		targets = append([]string{}, g.orderedIDs...)
	}
	visited := make(map[string]bool, len(targets))
	ordered := make([]workflow.Feature, 0, len(g.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := g.nodes[id]
		if !ok {
			return fmt.Errorf("resolver: unknown feature %s", id)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		ordered = append(ordered, node.Feature.Clone())
		return nil
	}
	for _, id := range targets {
		if err := visit(strings.TrimSpace(id)); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a colouring DFS in declaration order and returns the first
// cycle found, or nil.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string
	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies {
			switch color[dep] {
			case grey:
				start := indexOf(stack, dep)
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range g.orderedIDs {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func indexOf(values []string, target string) int {
	for i, v := range values {
		if v == target {
			return i
		}
	}
	return 0
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
