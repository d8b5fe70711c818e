// Package verdict decodes a mail scanner's structured result and drives a
// [milter.Modifier] through the ordered sequence of header edits and the
// terminal accept/reject/discard/tempfail reply it describes.
package verdict

import (
	"encoding/json"
	"fmt"

	milter "github.com/relayguard/scanmilter"
	"github.com/relayguard/scanmilter/bridge/session"
)

// Reply codes and default texts for the reject/soft_reject actions.
const (
	rcodeReject     = 554
	xcodeReject     = "5.7.1"
	defaultReject   = "Spam message rejected"
	rcodeTempfail   = 451
	xcodeTempfail   = "4.7.1"
	defaultTempfail = "Try again later"
)

// AddHeaderEntry is one value under an add_headers key: either a bare
// string or an object carrying an explicit insertion order.
type AddHeaderEntry struct {
	Value string
	// Order is the 0-based INSHEADER index to insert at. nil means ADDHEADER
	// (append) instead of an indexed insert.
	Order *int
}

// Directives is the optional `milter` sub-object of a [Verdict].
type Directives struct {
	RemoveHeaders map[string]int             `json:"remove_headers"`
	AddHeaders    map[string]json.RawMessage `json:"add_headers"`
	ChangeFrom    string                     `json:"change_from"`
	Reject        string                     `json:"reject"`
	NoAction      *bool                      `json:"no_action"`
}

// Verdict is the scanner's structured result, see spec §6.
type Verdict struct {
	Action   string `json:"action"`
	Messages struct {
		SMTPMessage string `json:"smtp_message"`
	} `json:"messages"`
	Subject       string      `json:"subject"`
	DKIMSignature string      `json:"dkim-signature"`
	Milter        *Directives `json:"milter"`
}

// Decode parses a scanner response body into a Verdict.
func Decode(data []byte) (*Verdict, error) {
	v := &Verdict{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("verdict: decode: %w", err)
	}
	return v, nil
}

// entries decodes the add_headers raw value for one key into one or more
// entries, in the order they were written: a plain string, a single
// {value, order} object (order aliased by index), or an array of either.
func entries(raw json.RawMessage) ([]AddHeaderEntry, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		result := make([]AddHeaderEntry, 0, len(arr))
		for _, el := range arr {
			e, err := entry(el)
			if err != nil {
				return nil, err
			}
			result = append(result, e)
		}
		return result, nil
	}
	e, err := entry(raw)
	if err != nil {
		return nil, err
	}
	return []AddHeaderEntry{e}, nil
}

func entry(raw json.RawMessage) (AddHeaderEntry, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return AddHeaderEntry{Value: s}, nil
	}
	var obj struct {
		Value string `json:"value"`
		Order *int   `json:"order"`
		Index *int   `json:"index"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return AddHeaderEntry{}, fmt.Errorf("verdict: add_headers entry: %w", err)
	}
	order := obj.Order
	if order == nil {
		order = obj.Index
	}
	return AddHeaderEntry{Value: obj.Value, Order: order}, nil
}

// Config carries the process-wide defaults the Verdict Applier needs: the
// configured spam header name, and the default discard-on-reject/no-action
// policy, each of which a single verdict's `milter` sub-object may override
// for the duration of applying that one verdict.
type Config struct {
	SpamHeader      string
	NoActionHeader  string
	DiscardOnReject bool
	NoAction        bool
}

// Apply drives m through the header edits and terminal reply described by v,
// consulting sess only for headers_seen occurrence counts (never for
// addressing post-edit indices, which it never tracks, per spec).
func Apply(v *Verdict, cfg Config, sess *session.Session, m milter.Modifier) (*milter.Response, error) {
	if v.Action == "" {
		return milter.RespTempFail, nil
	}

	discardOnReject := cfg.DiscardOnReject
	noAction := cfg.NoAction

	if v.Milter != nil {
		if err := removeHeaders(m, sess, v.Milter.RemoveHeaders); err != nil {
			return nil, err
		}
		if err := addHeaders(m, v.Milter.AddHeaders); err != nil {
			return nil, err
		}
		if v.Milter.ChangeFrom != "" {
			if err := m.ChangeFrom(v.Milter.ChangeFrom, ""); err != nil {
				return nil, err
			}
		}
		if v.Milter.Reject != "" {
			discardOnReject = v.Milter.Reject == "discard"
		}
		if v.Milter.NoAction != nil {
			noAction = *v.Milter.NoAction
		}
	}

	if v.DKIMSignature != "" {
		if err := m.InsertHeader(1, "DKIM-Signature", v.DKIMSignature); err != nil {
			return nil, err
		}
	}

	if noAction {
		if err := m.AddHeader(cfg.NoActionHeader, v.Action); err != nil {
			return nil, err
		}
		return milter.RespAccept, nil
	}

	switch v.Action {
	case "reject":
		if discardOnReject {
			return milter.RespDiscard, nil
		}
		return rejectResponse(m, milter.RespReject, rcodeReject, xcodeReject, defaultReject, v.Messages.SMTPMessage)
	case "soft_reject":
		return rejectResponse(m, milter.RespTempFail, rcodeTempfail, xcodeTempfail, defaultTempfail, v.Messages.SMTPMessage)
	case "rewrite_subject":
		if v.Subject != "" {
			if err := m.ChangeHeader(1, "Subject", v.Subject); err != nil {
				return nil, err
			}
		}
		return milter.RespAccept, nil
	case "add_header":
		if err := removeAll(m, sess, cfg.SpamHeader); err != nil {
			return nil, err
		}
		if err := m.ChangeHeader(1, cfg.SpamHeader, "Yes"); err != nil {
			return nil, err
		}
		return milter.RespAccept, nil
	default:
		// greylist, no_action (the action value), and anything unrecognized
		// degrade to plain accept.
		return milter.RespAccept, nil
	}
}

// rejectResponse sends the enhanced-status-code REPLYCODE frame immediately,
// then hands back the terminal Response the caller should return: the MTA
// sees the two as separate frames, REPLYCODE followed by REJECT/TEMPFAIL,
// exactly as libmilter callers send them.
func rejectResponse(m milter.Modifier, terminal *milter.Response, code uint16, xcode, def, custom string) (*milter.Response, error) {
	text := custom
	if text == "" {
		text = def
	}
	if err := m.ReplyCode(code, fmt.Sprintf("%s %s", xcode, text)); err != nil {
		return nil, err
	}
	return terminal, nil
}

// removeAll removes every occurrence of name, highest index first so that an
// MTA which compacts the header list on deletion (Postfix) does not shift
// the indices of occurrences still to be removed.
func removeAll(m milter.Modifier, sess *session.Session, name string) error {
	n := sess.HeaderCount(name)
	for i := n; i >= 1; i-- {
		if err := m.ChangeHeader(i, name, ""); err != nil {
			return err
		}
	}
	return nil
}

func removeHeaders(m milter.Modifier, sess *session.Session, spec map[string]int) error {
	for name, n := range spec {
		seen := sess.HeaderCount(name)
		switch {
		case n >= 1:
			if err := m.ChangeHeader(n, name, ""); err != nil {
				return err
			}
		case n == 0:
			if err := removeAll(m, sess, name); err != nil {
				return err
			}
		default: // n < 0
			if -n > seen {
				continue
			}
			idx := seen + n + 1
			if err := m.ChangeHeader(idx, name, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func addHeaders(m milter.Modifier, spec map[string]json.RawMessage) error {
	for name, raw := range spec {
		vals, err := entries(raw)
		if err != nil {
			return err
		}
		for _, e := range vals {
			if e.Order != nil {
				if err := m.InsertHeader(*e.Order, name, e.Value); err != nil {
					return err
				}
			} else {
				if err := m.AddHeader(name, e.Value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
