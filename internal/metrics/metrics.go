package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal       atomic.Uint64
	reqErrors      atomic.Uint64
	rateLimited    atomic.Uint64
	sessionsActive atomic.Int64
	logins         atomic.Uint64
	logouts        atomic.Uint64
	probeRuns      atomic.Uint64
	probeTimeouts  atomic.Uint64
	reproxyChecks  atomic.Uint64
	cloudJobs      atomic.Uint64
	cloudFailures  atomic.Uint64
	wsClients      atomic.Int64
	mu             sync.RWMutex
	pathCount      map[string]uint64
	latencyBuckets map[float64]uint64
	latencyInf     uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()               { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()         { r.rateLimited.Add(1) }
func (r *Registry) SetActiveSessions(v int) { r.sessionsActive.Store(int64(v)) }
func (r *Registry) IncLogin()               { r.logins.Add(1) }
func (r *Registry) IncLogout()              { r.logouts.Add(1) }
func (r *Registry) IncProbeRun()            { r.probeRuns.Add(1) }
func (r *Registry) IncProbeTimeout()        { r.probeTimeouts.Add(1) }
func (r *Registry) IncReproxyCheck()        { r.reproxyChecks.Add(1) }
func (r *Registry) IncCloudJob()            { r.cloudJobs.Add(1) }
func (r *Registry) IncCloudFailure()        { r.cloudFailures.Add(1) }
func (r *Registry) IncWSClients()           { r.wsClients.Add(1) }
func (r *Registry) DecWSClients()           { r.wsClients.Add(-1) }

// ObserveRequestDuration counts the observation in the smallest
// bucket that fits; rendering accumulates the buckets.
func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	best := -1.0
	for b := range r.latencyBuckets {
		if secs <= b && (best < 0 || b < best) {
			best = b
		}
	}
	if best < 0 {
		r.latencyInf++
		return
	}
	r.latencyBuckets[best]++
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	fmt.Fprintln(&b, "# HELP farpath_agent_requests_total Total API requests")
	fmt.Fprintln(&b, "# TYPE farpath_agent_requests_total counter")
	fmt.Fprintf(&b, "farpath_agent_requests_total %d\n", r.reqTotal.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_request_errors_total Total API request errors")
	fmt.Fprintln(&b, "# TYPE farpath_agent_request_errors_total counter")
	fmt.Fprintf(&b, "farpath_agent_request_errors_total %d\n", r.reqErrors.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_rate_limited_total Total rate-limited requests")
	fmt.Fprintln(&b, "# TYPE farpath_agent_rate_limited_total counter")
	fmt.Fprintf(&b, "farpath_agent_rate_limited_total %d\n", r.rateLimited.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_sessions_active Networks with a live session")
	fmt.Fprintln(&b, "# TYPE farpath_agent_sessions_active gauge")
	fmt.Fprintf(&b, "farpath_agent_sessions_active %d\n", r.sessionsActive.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_logins_total Total successful logins")
	fmt.Fprintln(&b, "# TYPE farpath_agent_logins_total counter")
	fmt.Fprintf(&b, "farpath_agent_logins_total %d\n", r.logins.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_logouts_total Total logouts")
	fmt.Fprintln(&b, "# TYPE farpath_agent_logouts_total counter")
	fmt.Fprintf(&b, "farpath_agent_logouts_total %d\n", r.logouts.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_probe_runs_total Port-control probe attempts")
	fmt.Fprintln(&b, "# TYPE farpath_agent_probe_runs_total counter")
	fmt.Fprintf(&b, "farpath_agent_probe_runs_total %d\n", r.probeRuns.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_probe_timeouts_total Port-control probes that hit the deadline")
	fmt.Fprintln(&b, "# TYPE farpath_agent_probe_timeouts_total counter")
	fmt.Fprintf(&b, "farpath_agent_probe_timeouts_total %d\n", r.probeTimeouts.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_reproxy_checks_total Reproxy validation attempts")
	fmt.Fprintln(&b, "# TYPE farpath_agent_reproxy_checks_total counter")
	fmt.Fprintf(&b, "farpath_agent_reproxy_checks_total %d\n", r.reproxyChecks.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_cloud_jobs_total Cloud provisioning jobs started")
	fmt.Fprintln(&b, "# TYPE farpath_agent_cloud_jobs_total counter")
	fmt.Fprintf(&b, "farpath_agent_cloud_jobs_total %d\n", r.cloudJobs.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_cloud_failures_total Cloud provisioning jobs that failed")
	fmt.Fprintln(&b, "# TYPE farpath_agent_cloud_failures_total counter")
	fmt.Fprintf(&b, "farpath_agent_cloud_failures_total %d\n", r.cloudFailures.Load())
	fmt.Fprintln(&b, "# HELP farpath_agent_ws_clients Connected update stream clients")
	fmt.Fprintln(&b, "# TYPE farpath_agent_ws_clients gauge")
	fmt.Fprintf(&b, "farpath_agent_ws_clients %d\n", r.wsClients.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)

	fmt.Fprintln(&b, "# HELP farpath_agent_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE farpath_agent_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "farpath_agent_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP farpath_agent_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE farpath_agent_request_duration_seconds histogram")
	cumulative := uint64(0)
	for _, bound := range latencyBounds {
		cumulative += r.latencyBuckets[bound]
		fmt.Fprintf(&b, "farpath_agent_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "farpath_agent_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "farpath_agent_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
