// Package scheduler partitions a validated dependency graph into ordered
// batches. Every feature lands in exactly one batch and all of its
// dependencies sit in strictly earlier batches, so the members of a batch can
// run concurrently.
package scheduler
