package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beepmux",
			Subsystem: "frame",
			Name:      "frames_total",
			Help:      "Frames sent and received by frame type.",
		},
		[]string{"direction", "type"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beepmux",
			Subsystem: "frame",
			Name:      "payload_bytes_total",
			Help:      "Frame payload bytes sent and received by frame type.",
		},
		[]string{"direction", "type"},
	)
	windowUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beepmux",
			Subsystem: "frame",
			Name:      "window_updates_total",
			Help:      "SEQ window updates sent and received.",
		},
		[]string{"direction"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beepmux",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Channel lifecycle events by profile.",
		},
		[]string{"profile", "event"},
	)
	sessionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beepmux",
			Subsystem: "session",
			Name:      "outcomes_total",
			Help:      "Sessions by role and final state.",
		},
		[]string{"role", "state"},
	)
	callbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beepmux",
			Subsystem: "dispatch",
			Name:      "callback_duration_seconds",
			Help:      "Application callback duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "failed"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, payloadBytes, windowUpdates, channelEvents, sessionOutcomes, callbackDuration)
	})
}

// RecordFrame counts one frame. direction is "in" or "out".
func RecordFrame(direction, frameType string, size int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, frameType).Inc()
	if size > 0 {
		payloadBytes.WithLabelValues(direction, frameType).Add(float64(size))
	}
}

func RecordWindowUpdate(direction string) {
	RegisterMetrics()
	windowUpdates.WithLabelValues(direction).Inc()
}

// RecordChannel counts a lifecycle event such as "started", "refused",
// "closed" or "aborted".
func RecordChannel(profile, event string) {
	RegisterMetrics()
	channelEvents.WithLabelValues(profile, event).Inc()
}

func RecordSession(role, state string) {
	RegisterMetrics()
	sessionOutcomes.WithLabelValues(role, state).Inc()
}

func RecordCallback(kind string, duration time.Duration, failed bool) {
	RegisterMetrics()
	callbackDuration.WithLabelValues(kind, strconv.FormatBool(failed)).Observe(duration.Seconds())
}
