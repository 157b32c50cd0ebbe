package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/lattice-distributor/internal/workflow/resolver"
)

// DefaultCapability is used for features that do not name a capability.
const DefaultCapability = "general"

// Batch is an ordered group of features with no dependency edges between its
// members. Numbers start at 1.
type Batch struct {
	Number     int      `json:"number"`
	FeatureIDs []string `json:"featureIds"`
}

// Len reports how many features the batch holds.
func (b Batch) Len() int {
	return len(b.FeatureIDs)
}

// Stats summarises a plan for progress reporting and worker seeding.
type Stats struct {
	TotalBatches  int   `json:"totalBatches"`
	TotalFeatures int   `json:"totalFeatures"`
	BatchSizes    []int `json:"batchSizes"`
	MaxWidth      int   `json:"maxWidth"`
	// Utilization maps each capability to the peak number of its features
	// that share a single batch.
	Utilization map[string]int `json:"utilization"`
}

// Plan is the ordered batch list computed for one run.
type Plan struct {
	Batches []Batch `json:"batches"`
	Stats   Stats   `json:"stats"`
}

// Compute layers the graph with Kahn's algorithm. Layer 0 holds every feature
// without dependencies; layer k holds the features whose dependencies were all
// placed in earlier layers. Declaration order is preserved within a layer.
func Compute(g *resolver.Graph) (Plan, error) {
	if g == nil || g.Len() == 0 {
		return Plan{}, fmt.Errorf("scheduler: graph is empty")
	}
	nodes := g.Nodes()
	remaining := make(map[string]int, len(nodes))
	for _, node := range nodes {
		remaining[node.ID] = len(node.Dependencies)
	}
	placed := make(map[string]bool, len(nodes))
	plan := Plan{}
	for len(placed) < len(nodes) {
		var layer []string
		for _, node := range nodes {
			if placed[node.ID] || remaining[node.ID] > 0 {
				continue
			}
			layer = append(layer, node.ID)
		}
		if len(layer) == 0 {
			return Plan{}, fmt.Errorf("scheduler: layering stalled with %d unplaced features", len(nodes)-len(placed))
		}
		for _, id := range layer {
			placed[id] = true
			node, _ := g.Node(id)
			for _, dependent := range node.Dependents {
				remaining[dependent]--
			}
		}
		plan.Batches = append(plan.Batches, Batch{Number: len(plan.Batches) + 1, FeatureIDs: layer})
	}
	plan.Stats = computeStats(g, plan.Batches)
	return plan, nil
}

func computeStats(g *resolver.Graph, batches []Batch) Stats {
	stats := Stats{
		TotalBatches: len(batches),
		BatchSizes:   make([]int, len(batches)),
		Utilization:  make(map[string]int),
	}
	for i, batch := range batches {
		stats.BatchSizes[i] = batch.Len()
		stats.TotalFeatures += batch.Len()
		if batch.Len() > stats.MaxWidth {
			stats.MaxWidth = batch.Len()
		}
		perCapability := make(map[string]int)
		for _, id := range batch.FeatureIDs {
			node, ok := g.Node(id)
			if !ok {
				continue
			}
			perCapability[CapabilityOf(node)]++
		}
		for capability, count := range perCapability {
			if count > stats.Utilization[capability] {
				stats.Utilization[capability] = count
			}
		}
	}
	return stats
}

// CapabilityOf returns the node's capability, falling back to
// DefaultCapability.
func CapabilityOf(node *resolver.Node) string {
	if node == nil {
		return DefaultCapability
	}
	if capability := strings.TrimSpace(node.Feature.Capability); capability != "" {
		return capability
	}
	return DefaultCapability
}

// BatchOf returns the batch number containing id, or 0 when absent.
func (p Plan) BatchOf(id string) int {
	for _, batch := range p.Batches {
		for _, member := range batch.FeatureIDs {
			if member == id {
				return batch.Number
			}
		}
	}
	return 0
}

// WorkerIDs expands the utilization map into worker identifiers of the form
// <capability>-<n>.
func (p Plan) WorkerIDs() []string {
	var ids []string
	for _, capability := range sortedKeys(p.Stats.Utilization) {
		for i := 1; i <= p.Stats.Utilization[capability]; i++ {
			ids = append(ids, fmt.Sprintf("%s-%d", capability, i))
		}
	}
	return ids
}

// Validate checks that every feature of g appears in exactly one batch and that
// each dependency sits in a strictly earlier batch.
func (p Plan) Validate(g *resolver.Graph) error {
	if g == nil {
		return fmt.Errorf("scheduler: graph is required")
	}
	position := make(map[string]int, g.Len())
	for _, batch := range p.Batches {
		for _, id := range batch.FeatureIDs {
			if prev, exists := position[id]; exists {
				return fmt.Errorf("scheduler: feature %s appears in batches %d and %d", id, prev, batch.Number)
			}
			position[id] = batch.Number
		}
	}
	for _, node := range g.Nodes() {
		at, ok := position[node.ID]
		if !ok {
			return fmt.Errorf("scheduler: feature %s missing from plan", node.ID)
		}
		for _, dep := range node.Dependencies {
			if position[dep] >= at {
				return fmt.Errorf("scheduler: feature %s (batch %d) depends on %s (batch %d)", node.ID, at, dep, position[dep])
			}
		}
	}
	if len(position) != g.Len() {
		return fmt.Errorf("scheduler: plan holds %d features, graph has %d", len(position), g.Len())
	}
	return nil
}

func sortedKeys(values map[string]int) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
