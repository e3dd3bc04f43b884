package bridge

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects bridge performance metrics for Prometheus exposition.
type Metrics struct {
	// Message counters
	maxMessagesBridged    atomic.Int64
	matrixMessagesBridged atomic.Int64
	messagesFailed        atomic.Int64

	// Media counters
	mediaUploaded   atomic.Int64
	mediaDownloaded atomic.Int64

	// Lifecycle counters
	loginAttempts  atomic.Int64
	loginSuccesses atomic.Int64
	loginFailures  atomic.Int64
	puppetsCreated atomic.Int64
	roomsCreated   atomic.Int64

	// Reconnect counters
	reconnectAttempts  atomic.Int64
	reconnectSuccesses atomic.Int64

	// Gauges
	activeUsers    atomic.Int64
	connectedState atomic.Int64 // 1=connected, 0=disconnected

	// Latency histograms (manual implementation, no external deps)
	maxToMatrixLatency *histogram
	matrixToMaxLatency *histogram

	// Per-type message counters
	messagesByType sync.Map // map[string]*atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:          time.Now(),
		maxToMatrixLatency: newHistogram(defaultBuckets),
		matrixToMaxLatency: newHistogram(defaultBuckets),
	}
}

// --- Counter increments ---

func (m *Metrics) IncrMaxMessagesBridged()    { m.maxMessagesBridged.Add(1) }
func (m *Metrics) IncrMatrixMessagesBridged() { m.matrixMessagesBridged.Add(1) }
func (m *Metrics) IncrMessagesFailed()        { m.messagesFailed.Add(1) }
func (m *Metrics) IncrMediaUploaded()         { m.mediaUploaded.Add(1) }
func (m *Metrics) IncrMediaDownloaded()       { m.mediaDownloaded.Add(1) }
func (m *Metrics) IncrReconnectAttempts()     { m.reconnectAttempts.Add(1) }
func (m *Metrics) IncrReconnectSuccesses()    { m.reconnectSuccesses.Add(1) }
func (m *Metrics) IncrLoginAttempts()         { m.loginAttempts.Add(1) }
func (m *Metrics) IncrLoginSuccesses()        { m.loginSuccesses.Add(1) }
func (m *Metrics) IncrLoginFailures()         { m.loginFailures.Add(1) }
func (m *Metrics) IncrPuppetsCreated()        { m.puppetsCreated.Add(1) }
func (m *Metrics) IncrRoomsCreated()          { m.roomsCreated.Add(1) }

// IncrMessagesByType increments the counter for a specific message type label.
func (m *Metrics) IncrMessagesByType(direction, msgType string) {
	key := direction + ":" + msgType
	val, _ := m.messagesByType.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

// --- Gauge setters ---

func (m *Metrics) SetActiveUsers(n int) { m.activeUsers.Store(int64(n)) }
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connectedState.Store(1)
	} else {
		m.connectedState.Store(0)
	}
}

// --- Latency observations ---

// ObserveMaxToMatrixLatency records the time taken to bridge a message from Max to Matrix.
func (m *Metrics) ObserveMaxToMatrixLatency(d time.Duration) {
	m.maxToMatrixLatency.observe(d.Seconds())
}

// ObserveMatrixToMaxLatency records the time taken to bridge a message from Matrix to Max.
func (m *Metrics) ObserveMatrixToMaxLatency(d time.Duration) {
	m.matrixToMaxLatency.observe(d.Seconds())
}

// --- Health ---

// HealthStatus returns a structured health status.
func (m *Metrics) HealthStatus() map[string]interface{} {
	return map[string]interface{}{
		"connected":    m.connectedState.Load() == 1,
		"active_users": m.activeUsers.Load(),
		"uptime_secs":  time.Since(m.startTime).Seconds(),
		"messages": map[string]int64{
			"from_max":    m.maxMessagesBridged.Load(),
			"from_matrix": m.matrixMessagesBridged.Load(),
			"failed":      m.messagesFailed.Load(),
		},
		"reconnects": map[string]int64{
			"attempts":  m.reconnectAttempts.Load(),
			"successes": m.reconnectSuccesses.Load(),
		},
	}
}

// --- Prometheus exposition ---

// Handler returns an HTTP handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writeMetrics(w)
	})
}

func (m *Metrics) writeMetrics(w http.ResponseWriter) {
	uptime := time.Since(m.startTime).Seconds()

	// Uptime
	writeGauge(w, "mautrix_max_uptime_seconds", "Bridge uptime in seconds", uptime)

	// Connection state
	writeGauge(w, "mautrix_max_connected", "Whether the bridge is connected to Max (1=yes, 0=no)", float64(m.connectedState.Load()))

	// Message counters
	writeCounter(w, "mautrix_max_messages_from_max_total", "Total messages bridged from Max to Matrix", float64(m.maxMessagesBridged.Load()))
	writeCounter(w, "mautrix_max_messages_from_matrix_total", "Total messages bridged from Matrix to Max", float64(m.matrixMessagesBridged.Load()))
	writeCounter(w, "mautrix_max_messages_failed_total", "Total failed message deliveries", float64(m.messagesFailed.Load()))

	// Media counters
	writeCounter(w, "mautrix_max_media_uploaded_total", "Total media files uploaded to Max", float64(m.mediaUploaded.Load()))
	writeCounter(w, "mautrix_max_media_downloaded_total", "Total media files downloaded from Max", float64(m.mediaDownloaded.Load()))

	// Lifecycle counters
	writeCounter(w, "mautrix_max_login_attempts_total", "Total login attempts", float64(m.loginAttempts.Load()))
	writeCounter(w, "mautrix_max_login_successes_total", "Total successful logins", float64(m.loginSuccesses.Load()))
	writeCounter(w, "mautrix_max_login_failures_total", "Total failed logins", float64(m.loginFailures.Load()))
	writeGauge(w, "mautrix_max_active_users", "Number of active bridge users", float64(m.activeUsers.Load()))
	writeCounter(w, "mautrix_max_puppets_created_total", "Total puppet users created", float64(m.puppetsCreated.Load()))
	writeCounter(w, "mautrix_max_rooms_created_total", "Total Matrix rooms created", float64(m.roomsCreated.Load()))

	// Reconnect counters
	writeCounter(w, "mautrix_max_reconnect_attempts_total", "Total reconnection attempts", float64(m.reconnectAttempts.Load()))
	writeCounter(w, "mautrix_max_reconnect_successes_total", "Total successful reconnections", float64(m.reconnectSuccesses.Load()))

	// Latency histograms
	m.maxToMatrixLatency.writePrometheus(w, "mautrix_max_max_to_matrix_latency_seconds", "Message bridging latency from Max to Matrix")
	m.matrixToMaxLatency.writePrometheus(w, "mautrix_max_matrix_to_max_latency_seconds", "Message bridging latency from Matrix to Max")

	// Per-type message counters
	var typeKeys []string
	m.messagesByType.Range(func(key, _ interface{}) bool {
		typeKeys = append(typeKeys, key.(string))
		return true
	})
	sort.Strings(typeKeys)

	if len(typeKeys) > 0 {
		fmt.Fprintf(w, "# HELP mautrix_max_messages_by_type_total Messages by direction and type\n")
		fmt.Fprintf(w, "# TYPE mautrix_max_messages_by_type_total counter\n")
		for _, key := range typeKeys {
			val, _ := m.messagesByType.Load(key)
			count := val.(*atomic.Int64).Load()
			// key format: "direction:msgType"
			direction, msgType := splitTypeKey(key)
			fmt.Fprintf(w, "mautrix_max_messages_by_type_total{direction=%q,msg_type=%q} %d\n", direction, msgType, count)
		}
		fmt.Fprintln(w)
	}
}

// --- Helpers ---

func writeCounter(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func splitTypeKey(key string) (string, string) {
	for i, c := range key {
		if c == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, "unknown"
}

// --- Histogram (lightweight, no external deps) ---

// Default latency buckets in seconds: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
var defaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // counts[i] = observations <= buckets[i]
	total   uint64
	sum     float64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.sum += value

	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
		}
	}
}

func (h *histogram) writePrometheus(w http.ResponseWriter, name, help string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)

	for i, b := range h.buckets {
		label := fmt.Sprintf("%g", b)
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, label, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.total)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n\n", name, h.total)
}

func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
