// Package metrics registers the Prometheus collectors exposed by the
// sync engine: client cache occupancy, in-flight pushes, server sync
// request outcomes and latency, room membership, appended-operation
// and squash counters, and sequencer leadership state. All metrics
// are registered at package init and exposed via Handler() on
// /metrics.
package metrics
