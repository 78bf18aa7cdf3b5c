package collab

import (
	"sync"

	"flowboard/internal/models"
)

// Composite score weights. Latency dominates because collaboration cues are
// only useful if they show up within roughly one interaction cycle.
const (
	latencyWeight   = 0.4
	reconnectWeight = 0.3
	deliveryWeight  = 0.3
)

// LatencyScore maps a rolling average round-trip time (milliseconds) onto a
// 0-100 step scale. Anything above one second is treated as near-useless for
// live collaboration rather than scored linearly.
func LatencyScore(avgMillis float64) float64 {
	switch {
	case avgMillis == 0: // unmeasured
		return 100
	case avgMillis < 50:
		return 100
	case avgMillis < 100:
		return 90
	case avgMillis < 200:
		return 75
	case avgMillis < 500:
		return 50
	case avgMillis < 1000:
		return 25
	default:
		return 10
	}
}

// ReconnectionScore maps the cumulative reconnection count onto a 0-100 step
// scale. A single blip is tolerable; repeated churn signals an unreliable link.
func ReconnectionScore(count int) float64 {
	switch {
	case count == 0:
		return 100
	case count == 1:
		return 80
	case count == 2:
		return 60
	case count <= 5:
		return 40
	case count <= 10:
		return 20
	default:
		return 5
	}
}

// QualityScore combines the three indicators into a single 0-100 composite.
// deliveryRate is the clean [0,1] ratio and is scored linearly.
func QualityScore(avgLatencyMillis float64, reconnections int, deliveryRate float64) float64 {
	return latencyWeight*LatencyScore(avgLatencyMillis) +
		reconnectWeight*ReconnectionScore(reconnections) +
		deliveryWeight*(deliveryRate*100)
}

// StatusForScore classifies a quality score.
func StatusForScore(score float64) models.HealthStatus {
	switch {
	case score >= 80:
		return models.HealthStatusHealthy
	case score >= 50:
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusUnhealthy
	}
}

// healthMonitor accumulates the raw counters behind ConnectionHealth: a
// bounded ring of latency samples, the cumulative reconnection count and the
// session-wide delivery counters.
type healthMonitor struct {
	mu sync.Mutex

	samples []float64 // latency ring buffer, millis
	next    int       // ring write position
	window  int

	reconnections int
	delivered     int
	failed        int
	connected     bool
}

func newHealthMonitor(window int) *healthMonitor {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &healthMonitor{
		samples: make([]float64, 0, window),
		window:  window,
	}
}

// recordLatency pushes a round-trip sample (millis), dropping the oldest once
// the window is full.
func (h *healthMonitor) recordLatency(millis float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) < h.window {
		h.samples = append(h.samples, millis)
	} else {
		h.samples[h.next] = millis
	}
	h.next = (h.next + 1) % h.window
}

func (h *healthMonitor) recordReconnection() {
	h.mu.Lock()
	h.reconnections++
	h.mu.Unlock()
}

func (h *healthMonitor) recordDelivery(ok bool) {
	h.mu.Lock()
	if ok {
		h.delivered++
	} else {
		h.failed++
	}
	h.mu.Unlock()
}

func (h *healthMonitor) setConnected(connected bool) {
	h.mu.Lock()
	h.connected = connected
	h.mu.Unlock()
}

// reset clears per-session counters for a fresh Connect.
func (h *healthMonitor) reset() {
	h.mu.Lock()
	h.samples = h.samples[:0]
	h.next = 0
	h.reconnections = 0
	h.delivered = 0
	h.failed = 0
	h.connected = false
	h.mu.Unlock()
}

// snapshot recomputes and returns the current ConnectionHealth.
func (h *healthMonitor) snapshot() models.ConnectionHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	var avg float64
	if len(h.samples) > 0 {
		var sum float64
		for _, s := range h.samples {
			sum += s
		}
		avg = sum / float64(len(h.samples))
	}

	rate := 1.0 // optimistic before any attempt
	if total := h.delivered + h.failed; total > 0 {
		rate = float64(h.delivered) / float64(total)
	}

	score := QualityScore(avg, h.reconnections, rate)

	return models.ConnectionHealth{
		Latency:             avg,
		ReconnectionCount:   h.reconnections,
		MessageDeliveryRate: rate,
		IsHealthy:           h.connected,
		QualityScore:        score,
		HealthStatus:        StatusForScore(score),
	}
}
