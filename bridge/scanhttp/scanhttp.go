// Package scanhttp renders a finished milter session into an HTTP scan
// request and decodes the scanner's structured verdict.
package scanhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	milter "github.com/relayguard/scanmilter"
	"github.com/relayguard/scanmilter/bridge/session"
	"github.com/relayguard/scanmilter/bridge/verdict"
)

// ScanError wraps a failure talking to the scanner. Tempfail is true for
// every failure mode spec.md's Verdict Applier treats the same as a missing
// action field: connection failures, non-2xx responses, and undecodable
// bodies all degrade to a temporary failure rather than a hard reject.
type ScanError struct {
	Tempfail bool
	Err      error
}

func (e *ScanError) Error() string { return e.Err.Error() }
func (e *ScanError) Unwrap() error { return e.Err }

// Client POSTs a session's reconstructed message to a scanner's /checkv2
// endpoint and decodes its verdict.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a Client that talks to baseURL with the given per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Scan submits sess's accumulated message for scanning. It drains
// sess.Message as the request body, leaving the session with an empty
// buffer, per spec.md's Session→HTTP Adapter.
func (c *Client) Scan(ctx context.Context, sess *session.Session, m milter.Macros) (*verdict.Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/checkv2", &sess.Message)
	if err != nil {
		return nil, &ScanError{Tempfail: true, Err: err}
	}
	setHeaders(req.Header, sess, m)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &ScanError{Tempfail: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ScanError{Tempfail: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ScanError{Tempfail: true, Err: fmt.Errorf("scanhttp: unexpected status %d", resp.StatusCode)}
	}

	v, err := verdict.Decode(body)
	if err != nil {
		return nil, &ScanError{Tempfail: true, Err: err}
	}
	return v, nil
}

// firstMacro returns the value of the first of names that m has, in order.
func firstMacro(m milter.Macros, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := m.GetEx(n); ok {
			return v, true
		}
	}
	return "", false
}

func setHeaders(h http.Header, sess *session.Session, m milter.Macros) {
	h.Set("Milter", "Yes")
	if sess.Helo != "" {
		h.Set("Helo", sess.Helo)
	}
	if sess.From != nil {
		h.Set("From", sess.From.Raw)
	}
	for _, r := range sess.Rcpts {
		h.Add("Rcpt", r.Raw)
	}
	if sess.PeerAddr != nil {
		h.Set("IP", sess.PeerAddr.String())
	}

	if v, ok := firstMacro(m, "{i}", milter.MacroQueueId); ok {
		h.Set("Queue-Id", v)
	}

	daemonName, hasDaemonName := m.GetEx(milter.MacroDaemonName)
	if hasDaemonName {
		h.Set("MTA-Tag", daemonName)
		h.Set("MTA-Name", daemonName)
	}

	if v, ok := firstMacro(m, "{v}", milter.MacroMTAVersion); ok {
		h.Set("User-Agent", v)
	}
	if v, ok := m.GetEx(milter.MacroCipher); ok {
		h.Set("TLS-Cipher", v)
	}
	if v, ok := m.GetEx(milter.MacroTlsVersion); ok {
		h.Set("TLS-Version", v)
	}
	if v, ok := m.GetEx(milter.MacroAuthAuthen); ok {
		h.Set("User", v)
	}
	if sess.Hostname == "" {
		if v, ok := m.GetEx(milter.MacroClientName); ok {
			h.Set("Hostname", v)
		}
	} else {
		h.Set("Hostname", sess.Hostname)
	}
	if !hasDaemonName {
		if v, ok := firstMacro(m, "{j}", milter.MacroMTAFullyQualifiedDomainName); ok {
			h.Set("MTA-Name", v)
		}
	}
}
