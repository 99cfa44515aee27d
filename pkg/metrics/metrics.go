package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry aggregates governance counters for one process. It is written on
// the request path, so increments take the lock briefly and snapshots copy.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	admission   map[string]int64
	policy      map[string]int64
	quality     map[string]int64
	cache       map[string]int64
	gauges      map[string]float64
	latency     map[string]*Histogram
	latencyName []string
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Admission   map[string]int64        `json:"admission_total"`
	Policy      map[string]int64        `json:"policy_total"`
	Quality     map[string]int64        `json:"quality_issue_total"`
	Cache       map[string]int64        `json:"cache_total"`
	Gauges      map[string]float64      `json:"gauges"`
	Latency     []HistogramSnapshot     `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		admission: map[string]int64{},
		policy:    map[string]int64{},
		quality:   map[string]int64{},
		cache:     map[string]int64{},
		gauges:    map[string]float64{},
		latency:   map[string]*Histogram{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)

	h, ok := r.latency[path]
	if !ok {
		h = NewHistogram(path)
		r.latency[path] = h
		r.latencyName = append(r.latencyName, path)
		sort.Strings(r.latencyName)
	}
	h.Observe(d)
}

// IncAdmission counts one admission outcome: allowed, denied or blocked.
func (r *Registry) IncAdmission(outcome string) {
	r.inc(r.admission, outcome)
}

// IncPolicy counts one policy verdict: allow or deny.
func (r *Registry) IncPolicy(verdict string) {
	r.inc(r.policy, verdict)
}

// IncQualityIssue counts one lint issue tag.
func (r *Registry) IncQualityIssue(tag string) {
	r.inc(r.quality, tag)
}

func (r *Registry) IncCacheHit()  { r.inc(r.cache, "hit") }
func (r *Registry) IncCacheMiss() { r.inc(r.cache, "miss") }

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Admission:   copyCounts(r.admission),
		Policy:      copyCounts(r.policy),
		Quality:     copyCounts(r.quality),
		Cache:       copyCounts(r.cache),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for _, name := range r.latencyName {
		out.Latency = append(out.Latency, r.latency[name].Snapshot())
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

// PrometheusHandler renders the snapshot in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		b := &strings.Builder{}
		writeCounter(b, "warden_endpoint_count", "total requests by endpoint", "endpoint", endpointCounts(snap.Endpoints))
		writeCounter(b, "warden_admission_total", "admission outcomes", "outcome", snap.Admission)
		writeCounter(b, "warden_policy_total", "policy verdicts", "verdict", snap.Policy)
		writeCounter(b, "warden_quality_issue_total", "quality lint issues", "issue", snap.Quality)
		writeCounter(b, "warden_cache_total", "memoization cache lookups", "result", snap.Cache)
		b.WriteString("# HELP warden_gauge operational gauges\n# TYPE warden_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "warden_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Latency {
			b.WriteString("# HELP warden_latency_seconds endpoint latency histogram\n")
			b.WriteString("# TYPE warden_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "warden_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "warden_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "warden_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "warden_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeCounter(b *strings.Builder, name, help, label string, counts map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, key := range sortedKeys(counts) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, key, counts[key])
	}
}

func endpointCounts(endpoints map[string]EndpointStat) map[string]int64 {
	out := make(map[string]int64, len(endpoints))
	for k, v := range endpoints {
		out[k] = v.Count
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
