package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowcore"

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	// last gauge value per name, unlabelled view for the health endpoint
	last map[string]float64
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		last:     map[string]float64{},
	}
}

// label keys are fixed by the first use of a metric name
func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, labels map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, labelKeys(labels))
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.counters[name] = vec
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return c
}

func (r *registry) gauge(name string, labels map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, labelKeys(labels))
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return g
}

func (r *registry) histogram(name string, labels map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: name, Buckets: prometheus.DefBuckets,
		}, labelKeys(labels))
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.hist[name] = vec
	}
	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return o
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if value < 0 {
		return
	}
	if c := reg.counter(name, labels); c != nil {
		c.Add(value)
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g := reg.gauge(name, labels); g != nil {
		g.Set(value)
	}
	reg.mu.Lock()
	reg.last[name] = value
	reg.mu.Unlock()
}

func Observe(name string, value float64, labels map[string]string) {
	if o := reg.histogram(name, labels); o != nil {
		o.Observe(value)
	}
}

// RecordDuration records a duration metric in seconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_seconds", duration.Seconds(), labels)
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry, used by tests and embedding processes.
func Gatherer() prometheus.Gatherer {
	return reg.prom
}

// HealthStatus is the JSON body served by HealthHandler
type HealthStatus struct {
	Status    string             `json:"status"` // "healthy", "degraded", "halted"
	Timestamp string             `json:"timestamp"`
	Uptime    string             `json:"uptime"`
	Version   string             `json:"version"`
	Gauges    map[string]float64 `json:"gauges"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// CurrentHealth derives a coarse status from the breaker and bandit gauges.
func CurrentHealth() HealthStatus {
	reg.mu.Lock()
	gauges := make(map[string]float64, len(reg.last))
	for k, v := range reg.last {
		gauges[k] = v
	}
	reg.mu.Unlock()

	status := "healthy"
	if gauges["bandit_frozen"] > 0 || gauges["cohort_degraded"] > 0 {
		status = "degraded"
	}
	if gauges["circuit_breaker_paused"] > 0 {
		status = "halted"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Version:   version,
		Gauges:    gauges,
	}
}

// HealthHandler serves CurrentHealth; halted maps to 503 so probes can alert on it.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := CurrentHealth()
		statusCode := http.StatusOK
		if health.Status == "halted" {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
