// Package sinks contains progress.Sink implementations for the console, zap
// logs and Prometheus.
package sinks
