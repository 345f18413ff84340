// Package metrics exposes Prometheus collectors for the CORE's hot paths:
// ring claim/commit/purge, dispatch counts, session lifecycle, and
// rate-limiter rejections. Registration happens once via init, mirroring
// the teacher's package-level prometheus.NewCounter vars.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RingClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_ring_claims_total",
		Help: "Total claim calls made on a ring buffer.",
	}, []string{"ring"})

	RingFull = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_ring_full_total",
		Help: "Total tryClaim calls that failed because the ring could not admit the request.",
	}, []string{"ring"})

	ConsumersPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_consumers_purged_total",
		Help: "Total consumer slots marked dead by the stuck-consumer purger.",
	}, []string{"ring"})

	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_dispatch_total",
		Help: "Total envelopes dispatched, by outcome.",
	}, []string{"outcome"}) // only "matched" is emitted, once per envelope handed to a Dispatcher, whether or not a handler claimed it

	SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tips_sessions_active",
		Help: "Current number of established peer TCP sessions.",
	}, []string{"domain"})

	SessionDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_session_drops_total",
		Help: "Total peer sessions dropped, by reason.",
	}, []string{"reason"})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_rate_limit_rejections_total",
		Help: "Total sends rejected or delayed by a token-bucket rate limiter.",
	}, []string{"bucket"})

	AttachmentBytesInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tips_attachment_bytes_in_flight",
		Help: "Bytes held by attachments that have not yet been released.",
	}, []string{"pool"})
)

func init() {
	prometheus.MustRegister(
		RingClaims, RingFull, ConsumersPurged,
		DispatchTotal, SessionsActive, SessionDrops,
		RateLimitRejections, AttachmentBytesInFlight,
	)
}

// Handler returns the Prometheus scrape endpoint. The CORE does not open a
// listener itself (out of scope per spec.md §1); callers mount this handler
// on whatever HTTP server they already run.
func Handler() http.Handler {
	return promhttp.Handler()
}
