package conn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats tracks per-connection traffic. Totals accumulate for the life of
// the connection; the per-second fields rotate once a second so callers
// can show a live rate.
type Stats struct {
	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	resends         uint64

	curPacketsSent     uint64
	curPacketsReceived uint64
	curBytesSent       uint64
	curBytesReceived   uint64

	lastPacketsSent     uint64
	lastPacketsReceived uint64
	lastBytesSent       uint64
	lastBytesReceived   uint64

	lastRotate time.Time
}

// StatsSnapshot is a copy of the counters at one point in time.
type StatsSnapshot struct {
	// Lifetime totals.
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Resends         uint64

	// Counts from the most recently completed one-second window.
	PacketsSentPerSec     uint64
	PacketsReceivedPerSec uint64
	BytesSentPerSec       uint64
	BytesReceivedPerSec   uint64
}

func (s *Stats) countSend(n int) {
	s.packetsSent++
	s.bytesSent += uint64(n)
	s.curPacketsSent++
	s.curBytesSent += uint64(n)
}

func (s *Stats) countRecv(n int) {
	s.packetsReceived++
	s.bytesReceived += uint64(n)
	s.curPacketsReceived++
	s.curBytesReceived += uint64(n)
}

func (s *Stats) rotate(now time.Time) {
	s.lastPacketsSent = s.curPacketsSent
	s.lastPacketsReceived = s.curPacketsReceived
	s.lastBytesSent = s.curBytesSent
	s.lastBytesReceived = s.curBytesReceived
	s.curPacketsSent = 0
	s.curPacketsReceived = 0
	s.curBytesSent = 0
	s.curBytesReceived = 0
	s.lastRotate = now
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:           s.packetsSent,
		PacketsReceived:       s.packetsReceived,
		BytesSent:             s.bytesSent,
		BytesReceived:         s.bytesReceived,
		Resends:               s.resends,
		PacketsSentPerSec:     s.lastPacketsSent,
		PacketsReceivedPerSec: s.lastPacketsReceived,
		BytesSentPerSec:       s.lastBytesSent,
		BytesReceivedPerSec:   s.lastBytesReceived,
	}
}

// metrics exports traffic counters to Prometheus when a Registerer is
// configured. Connections sharing a registry must use distinct
// MetricsLabels.
type metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	resends         prometheus.Counter
	rtt             prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, labels prometheus.Labels) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "netplay",
			Subsystem:   "conn",
			Name:        "packets_sent_total",
			Help:        "Packets sent to the peer.",
			ConstLabels: labels,
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "netplay",
			Subsystem:   "conn",
			Name:        "packets_received_total",
			Help:        "Packets received from the peer.",
			ConstLabels: labels,
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "netplay",
			Subsystem:   "conn",
			Name:        "bytes_sent_total",
			Help:        "Compressed bytes sent to the peer.",
			ConstLabels: labels,
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "netplay",
			Subsystem:   "conn",
			Name:        "bytes_received_total",
			Help:        "Compressed bytes received from the peer.",
			ConstLabels: labels,
		}),
		resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "netplay",
			Subsystem:   "conn",
			Name:        "resends_total",
			Help:        "Reliable message retransmissions.",
			ConstLabels: labels,
		}),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "netplay",
			Subsystem:   "conn",
			Name:        "rtt_seconds",
			Help:        "Round-trip samples taken from acknowledgements.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) countSend(n int) {
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *metrics) countRecv(n int) {
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *metrics) countResend() { m.resends.Inc() }

func (m *metrics) observeRTT(rtt time.Duration) { m.rtt.Observe(rtt.Seconds()) }
