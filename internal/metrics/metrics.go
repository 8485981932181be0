package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the protocol core reports into
type Recorder interface {
	RecordClientAuth(endpoint string, success bool)
	RecordRateLimitDelay(wait time.Duration)
	RecordTokenIssued(tokenType, grantType string)
	RecordTokenRevoked(tokenType string, cascaded int)
	RecordIntrospection(result string)
	RecordAppCredentialCreated(kind string)
	RecordAppCredentialDeleted(kind string, count int)
	RecordConsent(result string)
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	RecordSweep(store string, removed int, err error)
}

var _ Recorder = (*Metrics)(nil)

// Metrics is the Prometheus-backed Recorder
type Metrics struct {
	registry *prometheus.Registry

	ClientAuthTotal            *prometheus.CounterVec
	RateLimitDelaySeconds      prometheus.Histogram
	TokensIssuedTotal          *prometheus.CounterVec
	TokensRevokedTotal         *prometheus.CounterVec
	IntrospectionsTotal        *prometheus.CounterVec
	AppCredentialsCreatedTotal *prometheus.CounterVec
	AppCredentialsDeletedTotal *prometheus.CounterVec
	ConsentDecisionsTotal      *prometheus.CounterVec
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDuration        *prometheus.HistogramVec
	SweptEntriesTotal          *prometheus.CounterVec
	SweepFailuresTotal         *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so several instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ClientAuthTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_client_auth_total",
			Help: "Client authentication attempts",
		}, []string{"endpoint", "result"}),
		RateLimitDelaySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "oauth_rate_limit_delay_seconds",
			Help:    "Delay applied after failed authentication",
			Buckets: []float64{0, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		TokensIssuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_tokens_issued_total",
			Help: "Tokens issued",
		}, []string{"token_type", "grant_type"}),
		TokensRevokedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_tokens_revoked_total",
			Help: "Tokens removed by revocation, including cascades",
		}, []string{"token_type"}),
		IntrospectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_introspections_total",
			Help: "Introspection requests by outcome",
		}, []string{"result"}),
		AppCredentialsCreatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_app_credentials_created_total",
			Help: "App-passwords and app-tokens created",
		}, []string{"kind"}),
		AppCredentialsDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_app_credentials_deleted_total",
			Help: "App-passwords and app-tokens deleted",
		}, []string{"kind"}),
		ConsentDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_consent_decisions_total",
			Help: "Consent evaluations by outcome",
		}, []string{"result"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SweptEntriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_swept_entries_total",
			Help: "Expired entries removed by the cleanup loop",
		}, []string{"store"}),
		SweepFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_sweep_failures_total",
			Help: "Cleanup passes that failed",
		}, []string{"store"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordClientAuth(endpoint string, success bool) {
	m.ClientAuthTotal.WithLabelValues(endpoint, resultLabel(success)).Inc()
}

func (m *Metrics) RecordRateLimitDelay(wait time.Duration) {
	m.RateLimitDelaySeconds.Observe(wait.Seconds())
}

func (m *Metrics) RecordTokenIssued(tokenType, grantType string) {
	m.TokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

func (m *Metrics) RecordTokenRevoked(tokenType string, cascaded int) {
	m.TokensRevokedTotal.WithLabelValues(tokenType).Inc()
	if cascaded > 0 {
		m.TokensRevokedTotal.WithLabelValues("access_token").Add(float64(cascaded))
	}
}

func (m *Metrics) RecordIntrospection(result string) {
	m.IntrospectionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAppCredentialCreated(kind string) {
	m.AppCredentialsCreatedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAppCredentialDeleted(kind string, count int) {
	m.AppCredentialsDeletedTotal.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) RecordConsent(result string) {
	m.ConsentDecisionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordSweep(store string, removed int, err error) {
	if err != nil {
		m.SweepFailuresTotal.WithLabelValues(store).Inc()
		return
	}
	m.SweptEntriesTotal.WithLabelValues(store).Add(float64(removed))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
