package metrics

import "time"

// Request outcomes.
const (
	OutcomeReplied   = "replied"
	OutcomeNoReply   = "no_reply"
	OutcomeHandshake = "handshake"
	OutcomeTicket    = "ticket"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Gateway holds the metrics the webhook pipeline reports.
type Gateway struct {
	*Collector

	SignatureFailures *Counter
	DecryptFailures   *Counter
	DispatchMisses    *Counter
	TokenRefreshes    *Counter
	Latency           *Histogram
}

// NewGateway creates a collector with the gateway metrics registered.
func NewGateway() *Gateway {
	c := NewCollector("wxgate")
	return &Gateway{
		Collector:         c,
		SignatureFailures: c.Counter("wxgate_signature_failures_total", "Requests rejected for a bad signature", ""),
		DecryptFailures:   c.Counter("wxgate_decrypt_failures_total", "Encrypted messages that failed to decrypt", ""),
		DispatchMisses:    c.Counter("wxgate_dispatch_misses_total", "Events no handler replied to", ""),
		TokenRefreshes:    c.Counter("wxgate_token_refreshes_total", "Access tokens fetched upstream", ""),
		Latency: c.Histogram("wxgate_request_duration_seconds", "Webhook request latency in seconds", "",
			latencyBuckets),
	}
}

// Request counts one webhook request by outcome and records its latency.
func (g *Gateway) Request(outcome string, elapsed time.Duration) {
	g.Counter("wxgate_requests_total", "Webhook requests by outcome", `outcome="`+outcome+`"`).Inc()
	g.Latency.Observe(elapsed.Seconds())
}

// Requests returns the request count for outcome.
func (g *Gateway) Requests(outcome string) int64 {
	return g.Counter("wxgate_requests_total", "Webhook requests by outcome", `outcome="`+outcome+`"`).Value()
}
