package bridge

import (
	"time"

	"github.com/relayguard/scanmilter/bridge/metrics"
)

type options struct {
	spamHeader      string
	noActionHeader  string
	discardOnReject bool
	noAction        bool
	scannerBaseURL  string
	scanTimeout     time.Duration
	metrics         *metrics.Metrics
}

func defaultOptions() options {
	return options{
		spamHeader:     "X-Spam",
		noActionHeader: "X-Would-Action",
		scanTimeout:    30 * time.Second,
	}
}

// Option configures a [Bridge] built by [New].
type Option func(*options)

// WithScanner sets the scanner's base URL and the per-scan request timeout.
// This option is required.
func WithScanner(baseURL string, timeout time.Duration) Option {
	return func(o *options) {
		o.scannerBaseURL = baseURL
		o.scanTimeout = timeout
	}
}

// WithSpamHeader sets the header name the "add_header" verdict action
// marks messages with. Defaults to "X-Spam".
func WithSpamHeader(name string) Option {
	return func(o *options) {
		o.spamHeader = name
	}
}

// WithNoActionHeader sets the header name the no-action probe mode uses to
// record what action it would have taken. Defaults to "X-Would-Action".
func WithNoActionHeader(name string) Option {
	return func(o *options) {
		o.noActionHeader = name
	}
}

// WithDiscardOnReject sets the default policy for the "reject" verdict
// action: discard silently instead of replying with a 5xx code. A verdict's
// own `milter.reject` directive can still override this per message.
func WithDiscardOnReject(discard bool) Option {
	return func(o *options) {
		o.discardOnReject = discard
	}
}

// WithNoAction puts the bridge into probe mode by default: every verdict
// that names an action emits that action as a header and accepts instead of
// rejecting, discarding or tempfailing. A failed scan or a verdict without
// an action still tempfails. A verdict's own `milter.no_action` directive
// can still override this per message.
func WithNoAction(noAction bool) Option {
	return func(o *options) {
		o.noAction = noAction
	}
}

// WithMetrics attaches a [metrics.Metrics] to record verdict actions, scan
// latency and protocol errors. Without this option no metrics are recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
