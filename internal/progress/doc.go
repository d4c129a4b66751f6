// Package progress provides the run events, non-blocking hub, and emitter
// interfaces that the crawler and the retrieval pipeline use to report what
// they are doing. Events are batched on a background goroutine and fanned out
// to pluggable sinks such as structured logs or Prometheus metrics.
package progress
