package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "instarelay"

// collectorSet is one generation of registered collectors. Reset swaps in a
// fresh set.
type collectorSet struct {
	registry            *prometheus.Registry
	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	presenceTransitions *prometheus.CounterVec
	relayEvents         *prometheus.CounterVec
	sendFailures        *prometheus.CounterVec
	commentRecomputes   *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	evictions           prometheus.Counter
}

// Recorder aggregates counters and gauges for HTTP traffic and the relay:
// live connections, presence transitions, fan-out events, send failures,
// comment recomputes, and notification delivery. Each Recorder owns a private
// Prometheus registry.
type Recorder struct {
	mu      sync.RWMutex
	set     *collectorSet
	runtime bool

	liveConnections atomic.Int64
	onlineUsers     atomic.Int64
}

var defaultRecorder = newRecorder(true)

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return newRecorder(false)
}

func newRecorder(runtime bool) *Recorder {
	r := &Recorder{runtime: runtime}
	r.set = r.newCollectorSet()
	return r
}

// Default returns the process-wide Recorder. It also exports Go runtime and
// process collectors.
func Default() *Recorder {
	return defaultRecorder
}

func (r *Recorder) newCollectorSet() *collectorSet {
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
	}
	set := &collectorSet{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		presenceTransitions: counterVec("presence_transitions_total", "Presence transitions by resulting state", "state"),
		relayEvents:         counterVec("relay_events_total", "Outbound relay events by type", "event"),
		sendFailures:        counterVec("send_failures_total", "Messages that could not be relayed by reason", "reason"),
		commentRecomputes:   counterVec("comment_recomputes_total", "Canonical comment recomputes by mutation kind", "kind"),
		notifications:       counterVec("notifications_total", "Notifications by outcome", "outcome"),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_evictions_total",
			Help:      "Connections closed because their outbound buffer filled",
		}),
	}
	set.registry.MustRegister(
		set.requests,
		set.requestDuration,
		set.presenceTransitions,
		set.relayEvents,
		set.sendFailures,
		set.commentRecomputes,
		set.notifications,
		set.evictions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Current number of open websocket connections",
		}, func() float64 { return float64(r.liveConnections.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Current number of users with at least one connection",
		}, func() float64 { return float64(r.onlineUsers.Load()) }),
	)
	if r.runtime {
		set.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return set
}

func (r *Recorder) current() *collectorSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.set
}

// ObserveRequest records request count and duration by HTTP method,
// normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	labels := []string{strings.ToUpper(method), normalizePath(path), fmt.Sprintf("%d", status)}
	set := r.current()
	set.requests.WithLabelValues(labels...).Inc()
	set.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
}

// ConnectionOpened increments the live connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.liveConnections.Add(1)
}

// ConnectionClosed decrements the live connection gauge without going negative.
func (r *Recorder) ConnectionClosed() {
	decrementGauge(&r.liveConnections)
}

// ObservePresence records an online or offline transition and moves the
// online-users gauge accordingly.
func (r *Recorder) ObservePresence(online bool) {
	state := "offline"
	if online {
		state = "online"
		r.onlineUsers.Add(1)
	} else {
		decrementGauge(&r.onlineUsers)
	}
	r.current().presenceTransitions.WithLabelValues(state).Inc()
}

// ObserveRelayEvent counts one outbound event of the given type, regardless of
// how many connections it fanned out to.
func (r *Recorder) ObserveRelayEvent(event string) {
	r.current().relayEvents.WithLabelValues(normalizeName(event)).Inc()
}

// ObserveSendFailure counts a message that could not be relayed.
func (r *Recorder) ObserveSendFailure(reason string) {
	r.current().sendFailures.WithLabelValues(normalizeName(reason)).Inc()
}

// ObserveCommentRecompute counts a canonical comment recompute by mutation kind.
func (r *Recorder) ObserveCommentRecompute(kind string) {
	r.current().commentRecomputes.WithLabelValues(normalizeName(kind)).Inc()
}

// ObserveNotification counts a notification by outcome (delivered, stored, dropped, failed).
func (r *Recorder) ObserveNotification(outcome string) {
	r.current().notifications.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveEviction counts a connection closed because its outbound buffer filled.
func (r *Recorder) ObserveEviction() {
	r.current().evictions.Inc()
}

// LiveConnections exposes the current live connection gauge.
func (r *Recorder) LiveConnections() int64 {
	return r.liveConnections.Load()
}

// OnlineUsers exposes the current online-users gauge.
func (r *Recorder) OnlineUsers() int64 {
	return r.onlineUsers.Load()
}

// Evictions returns the number of slow-consumer evictions.
func (r *Recorder) Evictions() uint64 {
	return uint64(r.counterValue("slow_consumer_evictions_total", "", ""))
}

// RelayEventCount returns the counter value for a relay event type.
func (r *Recorder) RelayEventCount(event string) uint64 {
	return uint64(r.counterValue("relay_events_total", "event", normalizeName(event)))
}

// NotificationCount returns the counter value for a notification outcome.
func (r *Recorder) NotificationCount(outcome string) uint64 {
	return uint64(r.counterValue("notifications_total", "outcome", normalizeName(outcome)))
}

// PresenceTransitions returns the presence transition counters by state.
func (r *Recorder) PresenceTransitions() map[string]uint64 {
	out := make(map[string]uint64)
	for _, state := range []string{"online", "offline"} {
		if v := r.counterValue("presence_transitions_total", "state", state); v > 0 {
			out[state] = uint64(v)
		}
	}
	return out
}

// counterValue reads one series from the registry without creating it. An
// empty label name selects the unlabelled series.
func (r *Recorder) counterValue(name, label, value string) float64 {
	families, err := r.current().registry.Gather()
	if err != nil {
		return 0
	}
	fqName := namespace + "_" + name
	for _, family := range families {
		if family.GetName() != fqName {
			continue
		}
		for _, metric := range family.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	set := r.newCollectorSet()
	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
	r.liveConnections.Store(0)
	r.onlineUsers.Store(0)
}

// Handler serves the Recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		registry := r.current().registry
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(w, req)
	})
}

// Write renders the Recorder's metrics in Prometheus text format.
func (r *Recorder) Write(w io.Writer) error {
	families, err := r.current().registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return err
		}
	}
	return nil
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.Contains(path, "{") {
		// already a route pattern
		return strings.TrimSuffix(path, "/")
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func decrementGauge(gauge *atomic.Int64) {
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

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
