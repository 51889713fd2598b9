// Package instrument exposes prometheus counters for relationships and their
// transports.
package instrument

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheusHen/AKM/akm/protocol"
)

const namespace = "akm"

var (
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of authority commands executed",
		},
		[]string{"relationship", "opcode"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of events fed to the decision authority",
		},
		[]string{"relationship", "event"},
	)
	decryptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Number of frames that failed decryption or hash validation",
		},
		[]string{"relationship"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Number of frames read from the wire",
		},
		[]string{"relationship"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Number of frames written to the wire",
		},
		[]string{"relationship"},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Number of frames for unknown relationships",
		},
	)
	timerExpirations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_expirations_total",
			Help:      "Number of relationship timer expirations",
		},
		[]string{"relationship"},
	)
	snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Number of persisted configuration snapshots",
		},
		[]string{"relationship"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open connections",
		},
		[]string{"direction"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commands, events, decryptFailures, framesReceived,
			framesSent, framesDropped, timerExpirations, snapshots, connections)
	})
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func rel(id uint16) string { return strconv.Itoa(int(id)) }

func Command(id uint16, op protocol.Opcode) {
	commands.With(prometheus.Labels{"relationship": rel(id), "opcode": op.String()}).Inc()
}

func Event(id uint16, e protocol.Event) {
	events.With(prometheus.Labels{"relationship": rel(id), "event": e.String()}).Inc()
}

func DecryptFailure(id uint16) { decryptFailures.WithLabelValues(rel(id)).Inc() }

func FrameReceived(id uint16) { framesReceived.WithLabelValues(rel(id)).Inc() }

func FrameSent(id uint16) { framesSent.WithLabelValues(rel(id)).Inc() }

func FrameDropped() { framesDropped.Inc() }

func TimerExpired(id uint16) { timerExpirations.WithLabelValues(rel(id)).Inc() }

func Snapshot(id uint16) { snapshots.WithLabelValues(rel(id)).Inc() }

func ConnOpened(direction string) { connections.WithLabelValues(direction).Inc() }

func ConnClosed(direction string) { connections.WithLabelValues(direction).Dec() }
