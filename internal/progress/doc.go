// Package progress carries job lifecycle events from the job manager to
// pluggable sinks. Emit never blocks; events are batched on a background
// goroutine and handed to sinks such as structured logs or Prometheus.
package progress
