// Package metrics aggregates in-memory counters and gauges for the ingestion
// pipeline and renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type jobLabel struct {
	queue  string
	status string
}

type itemLabel struct {
	stage   string
	outcome string
}

type denialLabel struct {
	kind   string
	source string
}

// Recorder aggregates counters for job lifecycle events, per-stage item
// outcomes, rate-limit denials, breaker states, and enrichment steps. It
// coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for in-flight job tracking.
type Recorder struct {
	mu            sync.RWMutex
	jobEvents     map[jobLabel]uint64
	itemEvents    map[itemLabel]uint64
	denials       map[denialLabel]uint64
	breakerStates map[string]float64
	enrichSteps   map[itemLabel]uint64
	activeJobs    map[string]*atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		jobEvents:     make(map[jobLabel]uint64),
		itemEvents:    make(map[itemLabel]uint64),
		denials:       make(map[denialLabel]uint64),
		breakerStates: make(map[string]float64),
		enrichSteps:   make(map[itemLabel]uint64),
		activeJobs:    make(map[string]*atomic.Int64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveJob records a job lifecycle event (reserved, completed, failed,
// retried, dead_lettered) for the named queue.
func (r *Recorder) ObserveJob(queue, status string) {
	label := jobLabel{queue: normalizeName(queue), status: normalizeName(status)}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// ObserveItem records a per-item outcome for a stage: fetched, skipped,
// errors, created, duplicate, filtered, moderation_approved,
// moderation_review, moderation_rejected, failed.
func (r *Recorder) ObserveItem(stage, outcome string) {
	r.ObserveItems(stage, outcome, 1)
}

// ObserveItems records n occurrences of an item outcome at once, which batch
// stages use when flushing their counters.
func (r *Recorder) ObserveItems(stage, outcome string, n int) {
	if n <= 0 {
		return
	}
	label := itemLabel{stage: normalizeName(stage), outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.itemEvents[label] += uint64(n)
	r.mu.Unlock()
}

// ObserveRateLimitDenial counts an admission refusal for the given source.
func (r *Recorder) ObserveRateLimitDenial(kind, sourceID string) {
	label := denialLabel{kind: normalizeName(kind), source: normalizeName(sourceID)}
	r.mu.Lock()
	r.denials[label]++
	r.mu.Unlock()
}

// SetBreakerState stores the numeric state of a named circuit breaker
// (0 closed, 1 half-open, 2 open).
func (r *Recorder) SetBreakerState(dependency string, state float64) {
	r.mu.Lock()
	r.breakerStates[normalizeName(dependency)] = state
	r.mu.Unlock()
}

// ObserveEnrichmentStep records the outcome of one best-effort enrichment
// step (transcript or embedding).
func (r *Recorder) ObserveEnrichmentStep(step, status string) {
	label := itemLabel{stage: normalizeName(step), outcome: normalizeName(status)}
	r.mu.Lock()
	r.enrichSteps[label]++
	r.mu.Unlock()
}

// JobStarted increments the active-jobs gauge for a queue.
func (r *Recorder) JobStarted(queue string) {
	r.gauge(queue).Add(1)
}

// JobFinished decrements the active-jobs gauge for a queue, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) JobFinished(queue string) {
	gauge := r.gauge(queue)
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ActiveJobs exposes the current gauge for a queue.
func (r *Recorder) ActiveJobs(queue string) int64 {
	return r.gauge(queue).Load()
}

func (r *Recorder) gauge(queue string) *atomic.Int64 {
	name := normalizeName(queue)
	r.mu.RLock()
	gauge, ok := r.activeJobs[name]
	r.mu.RUnlock()
	if ok {
		return gauge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if gauge, ok = r.activeJobs[name]; ok {
		return gauge
	}
	gauge = &atomic.Int64{}
	r.activeJobs[name] = gauge
	return gauge
}

// ItemCounts returns a copy of the per-stage item counters, for tests and
// batch telemetry assertions.
func (r *Recorder) ItemCounts(stage string) map[string]uint64 {
	name := normalizeName(stage)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64)
	for label, count := range r.itemEvents {
		if label.stage == name {
			out[label.outcome] = count
		}
	}
	return out
}

// EnrichmentCounts returns a copy of the outcome counters for one enrichment
// step, for tests.
func (r *Recorder) EnrichmentCounts(step string) map[string]uint64 {
	name := normalizeName(step)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64)
	for label, count := range r.enrichSteps {
		if label.stage == name {
			out[label.outcome] = count
		}
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobEvents = make(map[jobLabel]uint64)
	r.itemEvents = make(map[itemLabel]uint64)
	r.denials = make(map[denialLabel]uint64)
	r.breakerStates = make(map[string]float64)
	r.enrichSteps = make(map[itemLabel]uint64)
	r.activeJobs = make(map[string]*atomic.Int64)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP driftline_jobs_total Job lifecycle events by queue and status")
	fmt.Fprintln(w, "# TYPE driftline_jobs_total counter")
	for _, label := range sortedJobLabels(r.jobEvents) {
		fmt.Fprintf(w, "driftline_jobs_total{queue=\"%s\",status=\"%s\"} %d\n", label.queue, label.status, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP driftline_items_total Item outcomes by pipeline stage")
	fmt.Fprintln(w, "# TYPE driftline_items_total counter")
	for _, label := range sortedItemLabels(r.itemEvents) {
		fmt.Fprintf(w, "driftline_items_total{stage=\"%s\",outcome=\"%s\"} %d\n", label.stage, label.outcome, r.itemEvents[label])
	}

	fmt.Fprintln(w, "# HELP driftline_rate_limit_denials_total Rate limit refusals by source kind and id")
	fmt.Fprintln(w, "# TYPE driftline_rate_limit_denials_total counter")
	for _, label := range sortedDenialLabels(r.denials) {
		fmt.Fprintf(w, "driftline_rate_limit_denials_total{kind=\"%s\",source=\"%s\"} %d\n", label.kind, label.source, r.denials[label])
	}

	fmt.Fprintln(w, "# HELP driftline_breaker_state Circuit breaker state by dependency (0=closed,1=half-open,2=open)")
	fmt.Fprintln(w, "# TYPE driftline_breaker_state gauge")
	for _, dep := range sortedKeys(r.breakerStates) {
		fmt.Fprintf(w, "driftline_breaker_state{dependency=\"%s\"} %f\n", dep, r.breakerStates[dep])
	}

	fmt.Fprintln(w, "# HELP driftline_enrichment_total Enrichment step outcomes")
	fmt.Fprintln(w, "# TYPE driftline_enrichment_total counter")
	for _, label := range sortedItemLabels(r.enrichSteps) {
		fmt.Fprintf(w, "driftline_enrichment_total{step=\"%s\",status=\"%s\"} %d\n", label.stage, label.outcome, r.enrichSteps[label])
	}

	fmt.Fprintln(w, "# HELP driftline_active_jobs Currently executing jobs by queue")
	fmt.Fprintln(w, "# TYPE driftline_active_jobs gauge")
	queues := make([]string, 0, len(r.activeJobs))
	for queue := range r.activeJobs {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	for _, queue := range queues {
		fmt.Fprintf(w, "driftline_active_jobs{queue=\"%s\"} %d\n", queue, r.activeJobs[queue].Load())
	}
}

func sortedJobLabels(m map[jobLabel]uint64) []jobLabel {
	labels := make([]jobLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].queue != labels[j].queue {
			return labels[i].queue < labels[j].queue
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedItemLabels(m map[itemLabel]uint64) []itemLabel {
	labels := make([]itemLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].stage != labels[j].stage {
			return labels[i].stage < labels[j].stage
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedDenialLabels(m map[denialLabel]uint64) []denialLabel {
	labels := make([]denialLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].kind != labels[j].kind {
			return labels[i].kind < labels[j].kind
		}
		return labels[i].source < labels[j].source
	})
	return labels
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveJob records a job event on the default recorder.
func ObserveJob(queue, status string) {
	defaultRecorder.ObserveJob(queue, status)
}

// ObserveItem records an item outcome on the default recorder.
func ObserveItem(stage, outcome string) {
	defaultRecorder.ObserveItem(stage, outcome)
}

// ObserveRateLimitDenial records a denial on the default recorder.
func ObserveRateLimitDenial(kind, sourceID string) {
	defaultRecorder.ObserveRateLimitDenial(kind, sourceID)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
