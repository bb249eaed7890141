// Package diagnostics implements the optional deferred-preemption counters
// per worker (spec.md §4.6), and exposes them together with the signal
// core's monotonic counters as Prometheus metrics scraped over the
// loopback diagnostics endpoint the CLI serves.
//
// Storage for the deferred-preemption totals is a process-wide array
// indexed by worker, allocated once at scheduler initialization and
// released at teardown; Print iterates worker indices in ascending order,
// matching spec.md §4.6 exactly.
//
// The per-worker value this package tracks is a cumulative total, not a
// high-water mark of *outstanding* deferrals: signalcore's underlying
// counter (internal/signalcore's w.deferred) only ever increments, and no
// yield point in this tree consumes or resets it, so there is nothing for
// a "current outstanding count" to fall back to between peaks. Whether a
// hard cap on deferred preemptions would be desirable is an open question
// spec.md declines to answer (§9); see DESIGN.md for why the consume path
// implied by spec.md §4.3b is intentionally not wired.
package diagnostics

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/sandboxrt/internal/signalcore"
)

const namespace = "sandboxrt"

// Recorder holds the per-worker deferred-preemption totals and doubles as
// a prometheus.Collector over the signal core's live counters. The
// zero-value-adjacent Recorder returned by New(false, ...) is inert:
// Record and Describe/Collect are cheap no-ops, so callers can always
// construct one and check Enabled() rather than branching on a nil
// pointer everywhere.
type Recorder struct {
	enabled       bool
	deferredTotal []uint64 // atomic access via sync/atomic functions

	// counters is bound to signalcore.WorkerCounters by default; tests
	// substitute a fake so Collect never touches signalcore's real
	// process-wide state.
	counters func(workerIndex int) signalcore.Counters

	deferredTotalDesc *prometheus.Desc
	timerDesc         *prometheus.Desc
	resumeDesc        *prometheus.Desc
}

// New allocates the per-worker deferred-preemption storage and the metric
// descriptors. Call Release at teardown.
func New(enabled bool, workerCount int) *Recorder {
	r := &Recorder{enabled: enabled, counters: signalcore.WorkerCounters}
	if !enabled {
		return r
	}
	r.deferredTotal = make([]uint64, workerCount)
	r.deferredTotalDesc = prometheus.NewDesc(
		namespace+"_deferred_preemption_total",
		"Cumulative count of deferred preemptions observed for a worker. "+
			"This is a running total, not reset when the sandbox next "+
			"becomes preemptable; no consume path is wired (see DESIGN.md).",
		[]string{"worker"}, nil,
	)
	r.timerDesc = prometheus.NewDesc(
		namespace+"_timer_signals_total",
		"Timer signals received by a worker, partitioned by origin.",
		[]string{"worker", "origin"}, nil,
	)
	r.resumeDesc = prometheus.NewDesc(
		namespace+"_resume_signals_total",
		"Resume signals received by a worker.",
		[]string{"worker"}, nil,
	)
	return r
}

// Enabled reports whether diagnostics were compiled/configured in.
func (r *Recorder) Enabled() bool { return r.enabled }

// WithCounterSource overrides the source of the three monotonic signal
// counters Collect reports alongside the deferred-preemption totals. Production
// code never calls this; tests inject a fake so Collect never depends on
// signalcore's real process-wide state having been initialized.
func (r *Recorder) WithCounterSource(f func(workerIndex int) signalcore.Counters) *Recorder {
	r.counters = f
	return r
}

// Record stores the latest cumulative deferred-preemption count observed
// for workerIndex. Called from signalcore.Hooks.OnDeferredPreemption,
// which runs on the signal-handling path (no locks, no allocation) and
// always passes the result of incrementing that worker's own counter, so
// successive calls for the same workerIndex are already non-decreasing;
// this just publishes the value for Snapshot/Collect.
func (r *Recorder) Record(workerIndex int, count uint64) {
	if !r.enabled {
		return
	}
	atomic.StoreUint64(&r.deferredTotal[workerIndex], count)
}

// Snapshot returns the current deferred-preemption total for every worker,
// indexed by worker. Returns nil when disabled or after Release.
func (r *Recorder) Snapshot() []uint64 {
	if !r.enabled || r.deferredTotal == nil {
		return nil
	}
	out := make([]uint64, len(r.deferredTotal))
	for i := range out {
		out[i] = atomic.LoadUint64(&r.deferredTotal[i])
	}
	return out
}

// Release drops the per-worker storage. The Recorder must not be used
// afterward.
func (r *Recorder) Release() {
	r.deferredTotal = nil
}

// Print writes the deferred-preemption totals to w, one worker per line,
// in ascending worker-index order.
func (r *Recorder) Print(w io.Writer) error {
	if !r.enabled {
		return nil
	}
	for i, v := range r.Snapshot() {
		if _, err := fmt.Fprintf(w, "worker %d: %d\n", i, v); err != nil {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	if !r.enabled {
		return
	}
	ch <- r.deferredTotalDesc
	ch <- r.timerDesc
	ch <- r.resumeDesc
}

// Collect implements prometheus.Collector, reading signalcore's live
// counters and this Recorder's deferred-preemption totals for every
// registered worker at scrape time.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	if !r.enabled {
		return
	}
	for i := range r.deferredTotal {
		worker := fmt.Sprintf("%d", i)
		c := r.counters(i)

		ch <- prometheus.MustNewConstMetric(r.deferredTotalDesc, prometheus.CounterValue,
			float64(atomic.LoadUint64(&r.deferredTotal[i])), worker)
		ch <- prometheus.MustNewConstMetric(r.timerDesc, prometheus.CounterValue,
			float64(c.KernelDelivered), worker, "kernel")
		ch <- prometheus.MustNewConstMetric(r.timerDesc, prometheus.CounterValue,
			float64(c.ThreadDelivered), worker, "thread")
		ch <- prometheus.MustNewConstMetric(r.resumeDesc, prometheus.CounterValue,
			float64(c.ResumeReceived), worker)
	}
}
