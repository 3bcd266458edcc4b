package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// SIP metrics
	SIPRequestsTotal   *prometheus.CounterVec
	SIPResponsesTotal  *prometheus.CounterVec
	SIPDecodeErrors    *prometheus.CounterVec
	TCPConnections     prometheus.Gauge
	TCPConnectionTotal prometheus.Counter
	InvitesRejected    *prometheus.CounterVec

	// Dialog metrics
	DialogsActive     prometheus.Gauge
	DialogDuration    *prometheus.HistogramVec
	DialogTerminated  *prometheus.CounterVec
	CallSetupDuration *prometheus.HistogramVec
	MediaDirection    *prometheus.CounterVec

	// Resource metrics
	RTPPortsInUse prometheus.Gauge

	// Event delivery metrics
	EventsPublished *prometheus.CounterVec
)

// Init initializes all metrics and registers them with a dedicated registry
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_sip_requests_total",
				Help: "Total number of SIP requests handled",
			},
			[]string{"method", "status"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_sip_responses_total",
				Help: "Total number of SIP responses sent",
			},
			[]string{"status_code", "status_class"},
		)

		SIPDecodeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_sip_decode_errors_total",
				Help: "Messages that closed their connection because they could not be decoded",
			},
			[]string{"reason"},
		)

		TCPConnections = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aivc_tcp_connections_active",
				Help: "Number of open SIP TCP connections",
			},
		)

		TCPConnectionTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aivc_tcp_connections_total",
				Help: "Total number of accepted SIP TCP connections",
			},
		)

		DialogsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aivc_dialogs_active",
				Help: "Number of dialogs in the registry",
			},
		)

		DialogDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aivc_dialog_duration_seconds",
				Help:    "Lifetime of dialogs from INVITE to termination",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~9 hours
			},
			[]string{"profile"},
		)

		DialogTerminated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_dialogs_terminated_total",
				Help: "Dialogs removed from the registry by reason",
			},
			[]string{"reason"},
		)

		CallSetupDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aivc_call_setup_seconds",
				Help:    "Time spent creating the media call for an INVITE",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"profile", "result"},
		)

		MediaDirection = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_media_direction_changes_total",
				Help: "Pause and resume operations triggered by re-INVITEs",
			},
			[]string{"action"},
		)

		InvitesRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_sip_invites_rejected_total",
				Help: "Initial INVITEs refused by the admission limiter",
			},
			[]string{"reason"},
		)

		RTPPortsInUse = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aivc_rtp_ports_in_use",
				Help: "RTP ports currently allocated to calls",
			},
		)

		EventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivc_events_published_total",
				Help: "Dialog events delivered to sinks",
			},
			[]string{"sink", "status"},
		)

		registry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			SIPDecodeErrors,
			TCPConnections,
			TCPConnectionTotal,
			InvitesRejected,
			DialogsActive,
			DialogDuration,
			DialogTerminated,
			CallSetupDuration,
			MediaDirection,
			RTPPortsInUse,
			EventsPublished,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		if logger != nil {
			logger.Debug("Prometheus metrics registered")
		}
	})
}

// GetRegistry returns the metrics registry, nil before Init
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled reports whether metrics are being collected
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !IsMetricsEnabled() {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
	mux.Handle(defaultMetricsPath, handler)
}

// StatusClass returns "2xx" style class labels
func StatusClass(code int) string {
	if code < 100 || code > 699 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// RecordSIPRequest counts a handled request and the status it was answered with
func RecordSIPRequest(method string, status int) {
	if IsMetricsEnabled() {
		label := "none"
		if status > 0 {
			label = strconv.Itoa(status)
		}
		SIPRequestsTotal.WithLabelValues(method, label).Inc()
	}
}

// RecordSIPResponse counts a response written to the wire
func RecordSIPResponse(statusCode int) {
	if IsMetricsEnabled() {
		SIPResponsesTotal.WithLabelValues(strconv.Itoa(statusCode), StatusClass(statusCode)).Inc()
	}
}

// RecordDecodeError counts a message that closed its connection
func RecordDecodeError(reason string) {
	if IsMetricsEnabled() {
		SIPDecodeErrors.WithLabelValues(reason).Inc()
	}
}

// TrackConnection marks a connection open and returns the matching close func
func TrackConnection() func() {
	if !IsMetricsEnabled() {
		return func() {}
	}
	TCPConnections.Inc()
	TCPConnectionTotal.Inc()
	return func() {
		TCPConnections.Dec()
	}
}

// RecordInviteRejected counts an INVITE refused before a dialog was created
func RecordInviteRejected(reason string) {
	if IsMetricsEnabled() {
		InvitesRejected.WithLabelValues(reason).Inc()
	}
}

// SetDialogsActive publishes the registry size
func SetDialogsActive(n int) {
	if IsMetricsEnabled() {
		DialogsActive.Set(float64(n))
	}
}

// RecordDialogTerminated observes a removed dialog's lifetime
func RecordDialogTerminated(profile, reason string, lifetime time.Duration) {
	if IsMetricsEnabled() {
		DialogTerminated.WithLabelValues(reason).Inc()
		DialogDuration.WithLabelValues(profile).Observe(lifetime.Seconds())
	}
}

// ObserveCallSetup returns a function that records the call setup latency with its result
func ObserveCallSetup(profile string) func(result string) {
	if !IsMetricsEnabled() {
		return func(string) {}
	}
	start := time.Now()
	return func(result string) {
		CallSetupDuration.WithLabelValues(profile, result).Observe(time.Since(start).Seconds())
	}
}

// RecordMediaDirection counts a pause or resume
func RecordMediaDirection(action string) {
	if IsMetricsEnabled() {
		MediaDirection.WithLabelValues(action).Inc()
	}
}

// SetRTPPortsInUse publishes the allocated RTP port count
func SetRTPPortsInUse(n int) {
	if IsMetricsEnabled() {
		RTPPortsInUse.Set(float64(n))
	}
}

// RecordEventPublished counts an event delivery attempt for a sink
func RecordEventPublished(sink, status string) {
	if IsMetricsEnabled() {
		EventsPublished.WithLabelValues(sink, status).Inc()
	}
}
