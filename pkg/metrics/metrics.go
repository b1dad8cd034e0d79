package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowsStarted tracks authorize redirects by result
	FlowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_flows_started_total",
			Help: "Total number of PKCE flows started by result (success/failure)",
		},
		[]string{"result", "reason"},
	)

	// Transitions tracks session state transitions by target state
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_state_transitions_total",
			Help: "Total number of session state transitions by target state",
		},
		[]string{"state"},
	)

	// Validations tracks validation runs by outcome state
	Validations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_validations_total",
			Help: "Total number of token validation runs by outcome",
		},
		[]string{"outcome"},
	)

	// CallbacksReceived tracks OAuth callbacks received
	CallbacksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_callbacks_received_total",
			Help: "Total number of OAuth callbacks received by result",
		},
		[]string{"result"},
	)

	// ProviderRequests tracks requests to the token and identity endpoints
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_provider_requests_total",
			Help: "Total number of requests to the authorization server by operation and result",
		},
		[]string{"operation", "result"},
	)

	// ProviderDuration tracks authorization server request duration
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incidentauth_provider_duration_seconds",
			Help:    "Duration of authorization server requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// IncidentRequests tracks incident API requests by result
	IncidentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_incident_requests_total",
			Help: "Total number of incident API requests by mode and result",
		},
		[]string{"mode", "result"},
	)

	// Broadcasts tracks cross-instance notifications sent
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentauth_broadcasts_total",
			Help: "Total number of cross-instance auth events sent by event and transport",
		},
		[]string{"event", "transport"},
	)

	// HTTPRequestDuration tracks HTTP request duration by endpoint
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incidentauth_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by endpoint and status",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method", "status"},
	)

	// HTTPRequestsInFlight tracks current in-flight HTTP requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "incidentauth_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// RecordFlowStarted records a successful authorize redirect
func RecordFlowStarted() {
	FlowsStarted.WithLabelValues("success", "").Inc()
}

// RecordFlowFailure records a flow that could not be started
func RecordFlowFailure(reason string) {
	FlowsStarted.WithLabelValues("failure", reason).Inc()
}

// RecordTransition records a transition into state
func RecordTransition(state string) {
	Transitions.WithLabelValues(state).Inc()
}

// RecordValidation records the outcome of a validation run
func RecordValidation(outcome string) {
	Validations.WithLabelValues(outcome).Inc()
}

// RecordCallback records a callback by result (success/forged/rejected)
func RecordCallback(result string) {
	CallbacksReceived.WithLabelValues(result).Inc()
}

// RecordProviderRequest records an authorization server request
func RecordProviderRequest(operation, result string, d time.Duration) {
	ProviderRequests.WithLabelValues(operation, result).Inc()
	ProviderDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordIncidentRequest records an incident API request
func RecordIncidentRequest(mode, result string) {
	IncidentRequests.WithLabelValues(mode, result).Inc()
}

// RecordBroadcast records a cross-instance notification
func RecordBroadcast(event, transport string) {
	Broadcasts.WithLabelValues(event, transport).Inc()
}
