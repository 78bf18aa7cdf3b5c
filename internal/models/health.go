package models

// ConnectionState is the lifecycle state of the engine's session.
//
// DISCONNECTED -> CONNECTING -> CONNECTED <-> RECONNECTING -> FALLBACK_POLLING
//
// FALLBACK_POLLING is terminal for a session: there is no path back to
// CONNECTED short of a fresh Connect call.
type ConnectionState string

const (
	StateDisconnected    ConnectionState = "DISCONNECTED"
	StateConnecting      ConnectionState = "CONNECTING"
	StateConnected       ConnectionState = "CONNECTED"
	StateReconnecting    ConnectionState = "RECONNECTING"
	StateFallbackPolling ConnectionState = "FALLBACK_POLLING"
)

// HealthStatus is the tri-state classification derived from the quality score.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ConnectionHealth is the derived quality snapshot recomputed on every
// state-changing event. Only the latest value is retained.
type ConnectionHealth struct {
	// Latency is the rolling average round-trip time in milliseconds over
	// the bounded sample window; 0 until the first measurement.
	Latency float64 `json:"latency"`

	// ReconnectionCount is the cumulative transport failure count since the
	// session started. It is never reset within a session.
	ReconnectionCount int `json:"reconnectionCount"`

	// MessageDeliveryRate is successes / (successes + failures) across the
	// whole session, in [0,1]. Initialized to 1.0 before any attempt.
	MessageDeliveryRate float64 `json:"messageDeliveryRate"`

	// IsHealthy is true iff the push transport is currently connected.
	IsHealthy bool `json:"isHealthy"`

	// QualityScore is the weighted composite in [0,100].
	QualityScore float64 `json:"qualityScore"`

	// HealthStatus is derived solely from QualityScore.
	HealthStatus HealthStatus `json:"healthStatus"`
}

// PresenceState is the always-current presence snapshot: who is in the
// session and where their attention is.
type PresenceState struct {
	ActiveUsers []string          `json:"activeUsers"`
	Cursors     map[string]string `json:"cursors"`
}
