package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics are process-local counters reported by /healthz.
type Metrics struct {
	startedAt time.Time

	detections      atomic.Int64
	entries         atomic.Int64
	exits           atomic.Int64
	detectionErrors atomic.Int64
	payments        atomic.Int64
	framesPublished atomic.Int64
	framesRejected  atomic.Int64
	streamViewers   atomic.Int64
	wsConnections   atomic.Int64
	wsMessages      atomic.Int64
	lastDetectionAt atomic.Int64
}

func New() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) IncrementDetections(entry bool) {
	m.detections.Add(1)
	if entry {
		m.entries.Add(1)
	} else {
		m.exits.Add(1)
	}
	m.lastDetectionAt.Store(time.Now().Unix())
}

func (m *Metrics) IncrementDetectionErrors() { m.detectionErrors.Add(1) }
func (m *Metrics) IncrementPayments()        { m.payments.Add(1) }
func (m *Metrics) IncrementFramesPublished() { m.framesPublished.Add(1) }
func (m *Metrics) IncrementFramesRejected()  { m.framesRejected.Add(1) }

// ViewerConnected tracks an open MJPEG stream; call the returned func when
// it ends.
func (m *Metrics) ViewerConnected() func() {
	m.streamViewers.Add(1)
	return func() { m.streamViewers.Add(-1) }
}

func (m *Metrics) WebSocketConnected() func() {
	m.wsConnections.Add(1)
	return func() { m.wsConnections.Add(-1) }
}

func (m *Metrics) IncrementWebSocketMessages() { m.wsMessages.Add(1) }

func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":    int64(time.Since(m.startedAt).Seconds()),
		"detections":        m.detections.Load(),
		"entries":           m.entries.Load(),
		"exits":             m.exits.Load(),
		"detection_errors":  m.detectionErrors.Load(),
		"payments":          m.payments.Load(),
		"frames_published":  m.framesPublished.Load(),
		"frames_rejected":   m.framesRejected.Load(),
		"stream_viewers":    m.streamViewers.Load(),
		"ws_connections":    m.wsConnections.Load(),
		"ws_messages":       m.wsMessages.Load(),
		"last_detection_at": m.lastDetectionAt.Load(),
	}
}
