// Package progress defines the events an ingestion run emits per station and
// page, and a Reporter that hands each event to pluggable sinks such as
// structured logs or Prometheus metrics.
package progress
