package resolver

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

func feature(id string, deps ...string) workflow.Feature {
	return workflow.Feature{ID: id, Capability: "backend-developer", DependsOn: deps}
}

func TestAnalyzeBuildsAdjacency(t *testing.T) {
	graph, err := Analyze([]workflow.Feature{
		feature("plan"),
		feature("build", "plan"),
		feature("deploy", "build"),
		feature("docs", "plan"),
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if graph.Len() != 4 {
		t.Fatalf("expected 4 nodes, got %d", graph.Len())
	}
	plan := mustNode(t, graph, "plan")
	if len(plan.Dependents) != 2 || plan.Dependents[0] != "build" || plan.Dependents[1] != "docs" {
		t.Fatalf("plan dependents = %v", plan.Dependents)
	}
	deploy := mustNode(t, graph, "deploy")
	if len(deploy.Dependencies) != 1 || deploy.Dependencies[0] != "build" {
		t.Fatalf("deploy dependencies = %v", deploy.Dependencies)
	}
	ids := graph.IDs()
	if ids[0] != "plan" || ids[3] != "docs" {
		t.Fatalf("declaration order lost: %v", ids)
	}
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	if _, err := Analyze(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestAnalyzeReportsUnknownDependency(t *testing.T) {
	_, err := Analyze([]workflow.Feature{feature("a", "ghost")})
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if unknown.FeatureID != "a" || unknown.Missing != "ghost" {
		t.Fatalf("unexpected error fields: %+v", unknown)
	}
}

func TestAnalyzeReportsDuplicateFeature(t *testing.T) {
	_, err := Analyze([]workflow.Feature{feature("a"), feature("a")})
	var dup *DuplicateFeatureError
	if !errors.As(err, &dup) || dup.FeatureID != "a" {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestAnalyzeDetectsCycle(t *testing.T) {
	_, err := Analyze([]workflow.Feature{
		feature("a", "b"),
		feature("b", "c"),
		feature("c", "a"),
	})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	want := []string{"a", "b", "c", "a"}
	if fmt.Sprint(cycle.Cycle) != fmt.Sprint(want) {
		t.Fatalf("cycle = %v, want %v", cycle.Cycle, want)
	}
}

func TestAnalyzeDetectsSelfDependency(t *testing.T) {
	_, err := Analyze([]workflow.Feature{feature("a", "a")})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if fmt.Sprint(cycle.Cycle) != "[a a]" {
		t.Fatalf("cycle = %v", cycle.Cycle)
	}
}

func TestAnalyzeDoesNotMutateInput(t *testing.T) {
	input := []workflow.Feature{feature("a"), feature("b", "a", "a")}
	graph, err := Analyze(input)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(input[1].DependsOn) != 2 {
		t.Fatalf("input mutated: %v", input[1].DependsOn)
	}
	if deps := mustNode(t, graph, "b").Dependencies; len(deps) != 1 {
		t.Fatalf("expected deduped dependencies, got %v", deps)
	}
}

func TestClosureOrdersDependencies(t *testing.T) {
	graph, err := Analyze([]workflow.Feature{
		feature("plan"),
		feature("build", "plan"),
		feature("deploy", "build"),
		feature("docs"),
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	queue, err := graph.Closure("deploy")
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued features, got %d", len(queue))
	}
	if queue[0].ID != "plan" || queue[1].ID != "build" || queue[2].ID != "deploy" {
		t.Fatalf("unexpected order: %s -> %s -> %s", queue[0].ID, queue[1].ID, queue[2].ID)
	}
	if _, err := graph.Closure("nope"); err == nil {
		t.Fatalf("expected error for unknown target")
	}
}

func TestBlockers(t *testing.T) {
	graph, err := Analyze([]workflow.Feature{feature("a"), feature("b"), feature("c", "a", "b")})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	done := map[string]bool{"a": true}
	blockers := graph.Blockers("c", func(id string) bool { return done[id] })
	if len(blockers) != 1 || blockers[0] != "b" {
		t.Fatalf("blockers = %v", blockers)
	}
	if got := graph.Blockers("a", nil); got != nil {
		t.Fatalf("root should have no blockers, got %v", got)
	}
}

// Any graph whose edges only point at earlier declarations is acyclic, and
// adding a back edge from the first node to the last always yields a cycle.
func TestAnalyzeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		features := make([]workflow.Feature, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("f%d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge-%d-%d", i, j)) {
					deps = append(deps, fmt.Sprintf("f%d", j))
				}
			}
			features[i] = feature(id, deps...)
		}
		graph, err := Analyze(features)
		if err != nil {
			t.Fatalf("acyclic input rejected: %v", err)
		}
		for _, node := range graph.Nodes() {
			for _, dep := range node.Dependencies {
				parent, ok := graph.Node(dep)
				if !ok {
					t.Fatalf("dangling dependency %s", dep)
				}
				if !contains(parent.Dependents, node.ID) {
					t.Fatalf("%s missing dependent %s", dep, node.ID)
				}
			}
		}
		if n < 2 {
			return
		}
		last := fmt.Sprintf("f%d", n-1)
		features[0].DependsOn = append(features[0].DependsOn, last)
		features[n-1].DependsOn = append(features[n-1].DependsOn, "f0")
		_, err = Analyze(features)
		var cycle *CycleError
		if !errors.As(err, &cycle) {
			t.Fatalf("expected cycle, got %v", err)
		}
		if cycle.Cycle[0] != cycle.Cycle[len(cycle.Cycle)-1] {
			t.Fatalf("cycle path not closed: %v", cycle.Cycle)
		}
	})
}

func mustNode(t *testing.T, graph *Graph, id string) *Node {
	t.Helper()
	node, ok := graph.Node(id)
	if !ok {
		t.Fatalf("node %s not found", id)
	}
	return node
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
