// Package progress carries the two-phase progress of a retrieval run
// (metadata resolution, then downloads) from the orchestrator to pluggable
// sinks. Events are batched on a background goroutine so reporting never
// slows the pipeline down.
package progress
