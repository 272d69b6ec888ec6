// Package metrics exposes client pipeline statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teslashibe/go-voicestream/pkg/stream"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

const namespace = "voicestream"

// StatsFunc returns a snapshot of the pipeline.
type StatsFunc func() stream.Stats

// Metrics holds the registered collectors.
type Metrics struct {
	// Transcript lines by speaker
	Transcripts *prometheus.CounterVec

	// Session state transitions by target state
	StateChanges *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all metrics with reg. Pipeline counters are read from
// stats at scrape time; nothing is updated from the audio path.
func New(reg prometheus.Registerer, stats StatsFunc) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		Transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript lines received, by speaker",
		}, []string{"speaker"}),
		StateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_changes_total",
			Help:      "Session state transitions, by target state",
		}, []string{"state"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Monitor HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Monitor HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if stats != nil {
		reg.MustRegister(newPipelineCollector(stats))
	}
	return m
}

// Deliver counts a transcript line. Metrics is a transcript.Sink.
func (m *Metrics) Deliver(e transcript.Event) {
	m.Transcripts.WithLabelValues(e.Speaker).Inc()
}

// ObserveState counts a session state transition. Its signature matches
// the session state hook.
func (m *Metrics) ObserveState(_, to transport.State) {
	m.StateChanges.WithLabelValues(to.String()).Inc()
}

// RecordHTTPRequest records one monitor HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// pipelineCollector turns one stream.Stats snapshot into const metrics.
type pipelineCollector struct {
	stats StatsFunc

	framesSent     *prometheus.Desc
	bytesSent      *prometheus.Desc
	framesReceived *prometheus.Desc
	bytesReceived  *prometheus.Desc
	decodeErrors   *prometheus.Desc
	ignored        *prometheus.Desc
	queueLen       *prometheus.Desc
	queueDropped   *prometheus.Desc
	callbacks      *prometheus.Desc
	silentBlocks   *prometheus.Desc
	underruns      *prometheus.Desc
	state          *prometheus.Desc
	uptime         *prometheus.Desc
}

func newPipelineCollector(stats StatsFunc) *pipelineCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &pipelineCollector{
		stats:          stats,
		framesSent:     desc("audio_frames_sent_total", "Audio envelopes sent to the endpoint"),
		bytesSent:      desc("audio_bytes_sent_total", "PCM bytes sent to the endpoint"),
		framesReceived: desc("audio_frames_received_total", "Audio envelopes received from the endpoint"),
		bytesReceived:  desc("audio_bytes_received_total", "PCM bytes received from the endpoint"),
		decodeErrors:   desc("audio_decode_errors_total", "Inbound audio payloads that failed to decode"),
		ignored:        desc("messages_ignored_total", "Inbound messages of unknown type"),
		queueLen:       desc("queue_length", "Chunks currently queued", "queue"),
		queueDropped:   desc("queue_dropped_total", "Chunks evicted by drop-oldest overflow", "queue"),
		callbacks:      desc("device_callbacks_total", "Hardware callbacks served", "direction"),
		silentBlocks:   desc("playback_silent_blocks_total", "Playback blocks filled entirely with silence"),
		underruns:      desc("playback_underruns_total", "Playback blocks only partly filled with audio"),
		state:          desc("session_state", "1 for the current session state", "state"),
		uptime:         desc("uptime_seconds", "Seconds since the stream started"),
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.framesSent, c.bytesSent, c.framesReceived, c.bytesReceived,
		c.decodeErrors, c.ignored, c.queueLen, c.queueDropped,
		c.callbacks, c.silentBlocks, c.underruns, c.state, c.uptime,
	} {
		ch <- d
	}
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.framesSent, st.Session.FramesSent)
	counter(c.bytesSent, st.Session.BytesSent)
	counter(c.framesReceived, st.Session.FramesReceived)
	counter(c.bytesReceived, st.Session.BytesReceived)
	counter(c.decodeErrors, st.Session.DecodeErrors)
	counter(c.ignored, st.Session.Ignored)

	gauge(c.queueLen, float64(st.Input.Len), "input")
	gauge(c.queueLen, float64(st.Output.Len), "output")
	counter(c.queueDropped, st.Input.Dropped, "input")
	counter(c.queueDropped, st.Output.Dropped, "output")

	counter(c.callbacks, st.CaptureBlocks, "capture")
	counter(c.callbacks, st.PlaybackBlocks, "playback")
	counter(c.silentBlocks, st.SilentBlocks)
	counter(c.underruns, st.Underruns)

	for _, s := range transport.States() {
		v := 0.0
		if s == st.Session.State {
			v = 1
		}
		gauge(c.state, v, s.String())
	}
	gauge(c.uptime, st.UptimeSeconds)
}
