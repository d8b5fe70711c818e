// Package addr parses the bare addresses the milter wire protocol hands us
// (MAIL FROM / RCPT TO, already stripped of the angle brackets) and exposes
// their domain part in both its ASCII and Unicode forms.
package addr

import (
	"strings"

	"golang.org/x/net/idna"
)

// IDNAProfile is the [*idna.Profile] used to convert domain parts between
// their ASCII and Unicode representations. Defaults to [idna.Lookup].
var IDNAProfile = idna.Lookup

// Address is a parsed SMTP envelope address plus whatever ESMTP parameters
// came with it on the wire.
type Address struct {
	Raw  string
	Args string

	local  string
	domain string
}

// Parse splits raw (without angle brackets) into local and domain parts.
// It never fails: an address without an "@" is returned with an empty domain.
func Parse(raw, esmtpArgs string) Address {
	local, domain := raw, ""
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		local, domain = raw[:at], raw[at+1:]
	}
	return Address{Raw: raw, Args: esmtpArgs, local: local, domain: domain}
}

// Local returns the part of the address in front of the "@".
func (a Address) Local() string {
	return a.local
}

// Domain returns the part of the address after the "@", exactly as received.
func (a Address) Domain() string {
	return a.domain
}

// ASCIIDomain converts Domain to its ASCII (punycode) form.
// If the domain cannot be converted it is returned unchanged.
func (a Address) ASCIIDomain() string {
	if a.domain == "" {
		return ""
	}
	ascii, err := IDNAProfile.ToASCII(a.domain)
	if err != nil {
		return a.domain
	}
	return ascii
}
