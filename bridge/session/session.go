// Package session holds the per-connection state the bridge accumulates
// while an MTA drives it through a milter transaction: the envelope, the
// reconstructed message, and the header-occurrence counts the verdict
// applier needs to address CHGHEADER/INSHEADER edits.
package session

import (
	"bytes"
	"net"
	"net/textproto"

	"github.com/relayguard/scanmilter/bridge/addr"
)

// Session is the accumulating state of one SMTP transaction as seen over
// the milter wire. A Session is owned by exactly one connection's goroutine
// and is never touched concurrently.
type Session struct {
	// PeerAddr is the connecting client's address, or nil if the MTA
	// reported an unknown CONNECT family.
	PeerAddr net.Addr

	// Hostname is the MTA-reported client hostname from CONNECT, possibly
	// later overridden by the {mail_host} macro.
	Hostname string

	// Helo is the SMTP HELO/EHLO argument.
	Helo string

	// From is the parsed MAIL FROM address, nil until MAIL is seen.
	From *addr.Address

	// Rcpts are the parsed RCPT TO addresses, in the order received.
	Rcpts []addr.Address

	// Message accumulates the reconstructed headers, the blank-line
	// separator, and the body, in wire order.
	Message bytes.Buffer

	// HeadersSeen maps the canonical header name to how many times it has
	// been seen in the current message epoch.
	HeadersSeen map[string]int
}

// New returns an empty Session ready to receive CONNECT/HELO/MAIL/... events.
func New() *Session {
	return &Session{HeadersSeen: make(map[string]int)}
}

// OnConnect records the MTA-reported peer for the connection. family follows
// the convention used by [milter.Milter.Connect]: "tcp4", "tcp6", "unix" or
// "unknown". An unknown family leaves PeerAddr nil without error.
func (s *Session) OnConnect(hostname string, family string, port uint16, address string) {
	s.Hostname = hostname
	switch family {
	case "tcp4", "tcp6":
		s.PeerAddr = &net.TCPAddr{IP: net.ParseIP(address), Port: int(port)}
	case "unix":
		s.PeerAddr = &net.UnixAddr{Name: address, Net: "unix"}
	default:
		s.PeerAddr = nil
	}
}

// OnHelo records the HELO/EHLO argument.
func (s *Session) OnHelo(name string) {
	s.Helo = name
}

// OnMailFrom records the envelope sender.
func (s *Session) OnMailFrom(from, esmtpArgs string) {
	a := addr.Parse(from, esmtpArgs)
	s.From = &a
}

// OnRcptTo appends an envelope recipient.
func (s *Session) OnRcptTo(to, esmtpArgs string) {
	s.Rcpts = append(s.Rcpts, addr.Parse(to, esmtpArgs))
}

// OnHeader increments the occurrence count for name and appends the header
// line to Message.
func (s *Session) OnHeader(name, value string) {
	s.HeadersSeen[textproto.CanonicalMIMEHeaderKey(name)]++
	s.Message.WriteString(name)
	s.Message.WriteString(": ")
	s.Message.WriteString(value)
	s.Message.WriteString("\r\n")
}

// OnEOH appends the blank line terminating the header block.
func (s *Session) OnEOH() {
	s.Message.WriteString("\r\n")
}

// OnBody appends a chunk of the message body.
func (s *Session) OnBody(chunk []byte) {
	s.Message.Write(chunk)
}

// HeaderCount returns how many times name has been seen so far, case-insensitively.
func (s *Session) HeaderCount(name string) int {
	return s.HeadersSeen[textproto.CanonicalMIMEHeaderKey(name)]
}

// AbortReset clears everything tied to the in-progress message: message,
// rcpts, from, helo, hostname and headers_seen. PeerAddr is preserved.
func (s *Session) AbortReset() {
	s.Message.Reset()
	s.Rcpts = nil
	s.From = nil
	s.Helo = ""
	s.Hostname = ""
	clear(s.HeadersSeen)
}

// QuitNCReset applies an AbortReset and additionally drops PeerAddr, for a
// new envelope arriving on a re-used connection.
func (s *Session) QuitNCReset() {
	s.AbortReset()
	s.PeerAddr = nil
}
