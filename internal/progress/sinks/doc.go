// Package sinks provides progress.Sink implementations backed by zap and Prometheus.
package sinks
