/*
Package metrics defines the Prometheus collectors for the volume and
coordinator daemons: blob store gauges, WAL/compaction histograms, Raft
leadership/applied-index gauges, and 2PC outcome counters.

HTTP exposition is deliberately not provided here — that is an external
collaborator's concern. Registry returns the default registerer so that
collaborator can mount promhttp.Handler() itself.
*/
package metrics
