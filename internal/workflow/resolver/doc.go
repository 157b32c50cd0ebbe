// Package resolver validates a feature set's dependency graph. It rejects
// empty sets, dangling dependency references and cycles, and returns an
// adjacency structure (dependencies plus dependents) that the scheduler
// layers into batches.
package resolver
