package registry

import (
	"sync/atomic"
	"time"
)

// Metrics tracks sync statistics using atomic operations for thread-safety
type Metrics struct {
	EventsSent        atomic.Int64
	IntentsReceived   atomic.Int64
	AcksSent          atomic.Int64
	Rejections        atomic.Int64
	Evictions         atomic.Int64
	Reconnections     atomic.Int64
	NotificationsSent atomic.Int64
	ConnectedClients  atomic.Int32
	ActiveRooms       atomic.Int32
	StartTime         time.Time
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// IncEventsSent increments the broadcast deliveries counter
func (m *Metrics) IncEventsSent() {
	m.EventsSent.Add(1)
}

// IncIntentsReceived increments the intents received counter
func (m *Metrics) IncIntentsReceived() {
	m.IntentsReceived.Add(1)
}

// IncAcksSent increments the acknowledgements counter
func (m *Metrics) IncAcksSent() {
	m.AcksSent.Add(1)
}

// IncRejections increments the rejected intents counter
func (m *Metrics) IncRejections() {
	m.Rejections.Add(1)
}

// IncEvictions increments the slow-consumer evictions counter
func (m *Metrics) IncEvictions() {
	m.Evictions.Add(1)
}

// IncReconnections increments the resumed joins counter
func (m *Metrics) IncReconnections() {
	m.Reconnections.Add(1)
}

// IncNotificationsSent increments the pushed notifications counter
func (m *Metrics) IncNotificationsSent() {
	m.NotificationsSent.Add(1)
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	EventsSent        int64     `json:"events_sent"`
	IntentsReceived   int64     `json:"intents_received"`
	AcksSent          int64     `json:"acks_sent"`
	Rejections        int64     `json:"rejections"`
	Evictions         int64     `json:"evictions"`
	Reconnections     int64     `json:"reconnections"`
	NotificationsSent int64     `json:"notifications_sent"`
	ConnectedClients  int32     `json:"connected_clients"`
	ActiveRooms       int32     `json:"active_rooms"`
	StartTime         time.Time `json:"start_time"`
	Uptime            string    `json:"uptime"`
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		EventsSent:        m.EventsSent.Load(),
		IntentsReceived:   m.IntentsReceived.Load(),
		AcksSent:          m.AcksSent.Load(),
		Rejections:        m.Rejections.Load(),
		Evictions:         m.Evictions.Load(),
		Reconnections:     m.Reconnections.Load(),
		NotificationsSent: m.NotificationsSent.Load(),
		ConnectedClients:  m.ConnectedClients.Load(),
		ActiveRooms:       m.ActiveRooms.Load(),
		StartTime:         m.StartTime,
		Uptime:            time.Since(m.StartTime).Round(time.Second).String(),
	}
}
