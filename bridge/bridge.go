// Package bridge wires the session accumulator, the scanner HTTP adapter
// and the verdict applier into a single [milter.Milter] implementation: one
// per milter connection, constructed by [Bridge.NewConnectionMilter] for use
// with [milter.WithDynamicMilter].
package bridge

import (
	"context"
	"errors"
	"time"

	milter "github.com/relayguard/scanmilter"
	"github.com/relayguard/scanmilter/bridge/scanhttp"
	"github.com/relayguard/scanmilter/bridge/session"
	"github.com/relayguard/scanmilter/bridge/verdict"
)

// ErrMissingScanner is returned by New when no WithScanner option was given.
var ErrMissingScanner = errors.New("bridge: WithScanner is required")

// Bridge holds the process-wide, read-only configuration and the scanner
// client shared by every connection. Build it once with New.
type Bridge struct {
	opts    options
	scanner *scanhttp.Client
}

// New builds a Bridge from opts. WithScanner is required.
func New(opts ...Option) (*Bridge, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.scannerBaseURL == "" {
		return nil, ErrMissingScanner
	}
	return &Bridge{
		opts:    o,
		scanner: scanhttp.NewClient(o.scannerBaseURL, o.scanTimeout),
	}, nil
}

// NewConnectionMilter is shaped as [milter.NewMilterFunc]: pass the method
// value to [milter.WithDynamicMilter] to wire this Bridge into a
// [milter.Server].
func (b *Bridge) NewConnectionMilter(_ uint32, _ milter.OptAction, _ milter.OptProtocol, _ milter.DataSize) milter.Milter {
	return &connectionMilter{bridge: b, sess: session.New()}
}

// connectionMilter is the [milter.Milter] for one milter connection. It is
// only ever touched by the goroutine the kept engine runs that connection
// on, so its Session needs no locking.
type connectionMilter struct {
	milter.NoOpMilter

	bridge *Bridge
	sess   *session.Session
}

func (c *connectionMilter) NewConnection(_ milter.Modifier) error {
	c.sess.QuitNCReset()
	return nil
}

func (c *connectionMilter) Connect(host string, family string, port uint16, addr string, _ milter.Modifier) (*milter.Response, error) {
	c.sess.OnConnect(host, family, port, addr)
	return milter.RespContinue, nil
}

func (c *connectionMilter) Helo(name string, _ milter.Modifier) (*milter.Response, error) {
	c.sess.OnHelo(name)
	return milter.RespContinue, nil
}

func (c *connectionMilter) MailFrom(from string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	c.sess.OnMailFrom(from, esmtpArgs)
	if mailHost, ok := m.GetEx(milter.MacroMailHost); ok && mailHost != "" {
		c.sess.Hostname = mailHost
	}
	return milter.RespContinue, nil
}

func (c *connectionMilter) RcptTo(rcptTo string, esmtpArgs string, _ milter.Modifier) (*milter.Response, error) {
	c.sess.OnRcptTo(rcptTo, esmtpArgs)
	return milter.RespContinue, nil
}

func (c *connectionMilter) Header(name string, value string, _ milter.Modifier) (*milter.Response, error) {
	c.sess.OnHeader(name, value)
	return milter.RespContinue, nil
}

func (c *connectionMilter) Headers(_ milter.Modifier) (*milter.Response, error) {
	c.sess.OnEOH()
	return milter.RespContinue, nil
}

func (c *connectionMilter) BodyChunk(chunk []byte, _ milter.Modifier) (*milter.Response, error) {
	c.sess.OnBody(chunk)
	return milter.RespContinue, nil
}

func (c *connectionMilter) EndOfMessage(m milter.Modifier) (*milter.Response, error) {
	start := time.Now()
	v, err := c.bridge.scanner.Scan(context.Background(), c.sess, m)
	if err != nil {
		c.observeScan(time.Since(start), "error")
		milter.LogWarning("bridge: %v", ClassifyScanError(err))
		return milter.RespTempFail, nil
	}
	c.observeScan(time.Since(start), "ok")

	cfg := verdict.Config{
		SpamHeader:      c.bridge.opts.spamHeader,
		NoActionHeader:  c.bridge.opts.noActionHeader,
		DiscardOnReject: c.bridge.opts.discardOnReject,
		NoAction:        c.bridge.opts.noAction,
	}
	resp, err := verdict.Apply(v, cfg, c.sess, m)
	if err != nil {
		return nil, err
	}
	if c.bridge.opts.metrics != nil {
		c.bridge.opts.metrics.ObserveVerdict(v.Action)
	}
	return resp, nil
}

func (c *connectionMilter) Abort(_ milter.Modifier) error {
	c.sess.AbortReset()
	return nil
}

func (c *connectionMilter) observeScan(d time.Duration, outcome string) {
	if c.bridge.opts.metrics != nil {
		c.bridge.opts.metrics.ObserveScan(d, outcome)
	}
}

var _ milter.Milter = (*connectionMilter)(nil)
