package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Call outcomes recorded by CallEnded
const (
	OutcomeCompleted     = "completed"
	OutcomeUpstreamError = "upstream_error"
	OutcomeSocketError   = "socket_error"
	OutcomeSetupFailed   = "setup_failed"
)

// Collector owns the service metrics on a private registry.
// All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsClosed    prometheus.Counter
	callsActive       prometheus.Gauge
	callsTotal        *prometheus.CounterVec
	framesSent        prometheus.Counter
	interruptions     prometheus.Counter
	packetsReceived   *prometheus.CounterVec
	upstreamFailures  prometheus.Counter
	originateFailures prometheus.Counter
}

// New creates a collector with the Go and process collectors registered
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered control-plane sessions",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of control-plane sessions closed",
		}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently bridged",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of bridged calls by outcome",
		}, []string{"outcome"}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of audio frames written to the PBX",
		}),
		interruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of playback interruptions",
		}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total number of audio socket packets received by kind",
		}, []string{"kind"}),
		upstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Total number of failed upstream voice session setups",
		}),
		originateFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "originate_failures_total",
			Help:      "Total number of failed PBX originate requests",
		}),
	}
}

// RegisterPortGauge exposes the allocated port count through fn
func (c *Collector) RegisterPortGauge(fn func() float64) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ports_allocated",
		Help:      "Number of audio socket ports in use",
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SessionOpened counts a registered control session
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionClosed counts a session removed from the registry
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsClosed.Inc()
}

// CallStarted counts a call entering the relay phase
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.callsActive.Inc()
}

// CallEnded records the end of a call that was counted by CallStarted
func (c *Collector) CallEnded(outcome string) {
	if c == nil {
		return
	}
	c.callsActive.Dec()
	c.callsTotal.WithLabelValues(outcome).Inc()
}

// CallFailed records a call that never reached the relay phase
func (c *Collector) CallFailed(outcome string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(outcome).Inc()
}

// FramesSent adds n audio frames written to the PBX
func (c *Collector) FramesSent(n int) {
	if c == nil {
		return
	}
	c.framesSent.Add(float64(n))
}

// Interruption counts a playback queue cleared by the voice service
func (c *Collector) Interruption() {
	if c == nil {
		return
	}
	c.interruptions.Inc()
}

// PacketReceived counts an audio socket packet by kind
func (c *Collector) PacketReceived(kind string) {
	if c == nil {
		return
	}
	c.packetsReceived.WithLabelValues(kind).Inc()
}

// UpstreamFailure counts a voice session that could not be opened
func (c *Collector) UpstreamFailure() {
	if c == nil {
		return
	}
	c.upstreamFailures.Inc()
}

// OriginateFailure counts a call the PBX refused to place
func (c *Collector) OriginateFailure() {
	if c == nil {
		return
	}
	c.originateFailures.Inc()
}
