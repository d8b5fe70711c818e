package milter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/textproto"
	"strings"
)

// replyKind tags the variant of a [Response]: which one of the protocol's
// fixed set of terminal-or-continuing replies it encodes to.
type replyKind int

const (
	replyAccept replyKind = iota
	replyContinue
	replyDiscard
	replyReject
	replyTempFail
	replySkip
	replyCode
)

// Response is a tagged variant: every reply a [Milter] callback can return
// is one of a handful of kinds, each encoding to exactly one wire frame.
// Build one with the Resp* values, or [ReplyCodeResponse] for a custom SMTP
// code and text.
type Response struct {
	kind replyKind
	code uint16
	text string
}

// frame renders the reply's one wire frame.
func (c *Response) frame() *frame {
	switch c.kind {
	case replyAccept:
		return &frame{code: ActAccept}
	case replyDiscard:
		return &frame{code: ActDiscard}
	case replyReject:
		return &frame{code: ActReject}
	case replyTempFail:
		return &frame{code: ActTempFail}
	case replySkip:
		return &frame{code: ActSkip}
	case replyCode:
		return &frame{code: ActReplyCode, data: []byte(c.text + "\x00")}
	default:
		return &frame{code: ActContinue}
	}
}

// Continue returns false if the MTA should stop sending events for this
// transaction, true otherwise. A RespDiscard Response returns false because
// the MTA should end the current SMTP transaction for this milter.
func (c *Response) Continue() bool {
	switch c.kind {
	case replyAccept, replyDiscard, replyReject, replyTempFail, replyCode:
		return false
	default:
		return true
	}
}

// maxSMTPTextLen bounds a REPLYCODE body: [DataSize64K] minus the NUL
// terminator and the "xxx " status-code prefix libmilter itself strips.
const maxSMTPTextLen = int(DataSize64K) - 5

// ReplyCodeResponse builds a reply that tells the MTA to use a specific SMTP
// reply code and text for the current command, terminating the transaction.
//
// smtpCode must be between 400 and 599. text must be a single SMTP reply
// line (no embedded CR or LF) and must not contain NUL bytes.
func ReplyCodeResponse(smtpCode uint16, text string) (*Response, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("milter: invalid SMTP code %d", smtpCode)
	}
	if strings.ContainsAny(text, "\r\n") {
		return nil, fmt.Errorf("milter: reply text cannot contain CR or LF")
	}
	if strings.ContainsRune(text, 0) {
		return nil, fmt.Errorf("milter: reply text cannot contain NUL bytes")
	}
	full := fmt.Sprintf("%d %s", smtpCode, text)
	if len(full) > maxSMTPTextLen {
		return nil, fmt.Errorf("milter: reply text too long: %d > %d", len(full), maxSMTPTextLen)
	}
	checker := textproto.NewReader(bufio.NewReader(bytes.NewReader([]byte(full))))
	if _, _, err := checker.ReadResponse(0); err != nil {
		return nil, fmt.Errorf("milter: malformed SMTP response: %q", full)
	}
	return &Response{kind: replyCode, code: smtpCode, text: full}, nil
}

// Define standard responses with no data
var (
	// RespAccept signals to the MTA that the current transaction should be accepted.
	// No more events get send to the milter after this response.
	RespAccept = &Response{kind: replyAccept}

	// RespContinue signals to the MTA that the current transaction should continue
	RespContinue = &Response{kind: replyContinue}

	// RespDiscard signals to the MTA that the current transaction should be silently discarded.
	// No more events get send to the milter after this response.
	RespDiscard = &Response{kind: replyDiscard}

	// RespReject signals to the MTA that the current transaction should be rejected with a hard rejection.
	// No more events get send to the milter after this response.
	RespReject = &Response{kind: replyReject}

	// RespTempFail signals to the MTA that the current transaction should be rejected with a temporary error code.
	// The sending MTA might try to deliver the same message again at a later time.
	// No more events get send to the milter after this response.
	RespTempFail = &Response{kind: replyTempFail}

	// RespSkip signals to the MTA that transaction should continue and that the MTA
	// does not need to send more events of the same type. Only valid as a return value
	// of Milter.RcptTo, Milter.Header and Milter.BodyChunk, and only in protocol version 6+.
	RespSkip = &Response{kind: replySkip}
)

func hasAngle(str string) bool {
	return len(str) > 1 && str[0] == '<' && str[len(str)-1] == '>'
}

// AddAngle adds <> to an address. If str already has <>, then str is returned unchanged.
func AddAngle(str string) string {
	if hasAngle(str) {
		return str
	}
	return fmt.Sprintf("<%s>", str)
}

// RemoveAngle removes <> from an address. If str does not have <>, then str is returned unchanged.
func RemoveAngle(str string) string {
	if hasAngle(str) {
		return str[1 : len(str)-1]
	}
	return str
}

// validName checks if the provided name is a valid header name.
func validName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range []byte(name) {
		if r <= ' ' || r >= '\x7F' || r == ':' {
			return false
		}
	}
	return true
}

var ErrModificationNotAllowed = errors.New("milter: modification not allowed via milter protocol negotiation")
var ErrVersionTooLow = errors.New("milter: action not allowed in this milter protocol version")

// Modifier provides access to [Macros] to the callback handlers. It also defines a
// number of functions that can be used by callback handlers to modify processing of the email message.
// Besides [Modifier.Progress] they can only be called in the EndOfMessage callback.
type Modifier interface {
	Macros

	// Version returns the negotiated milter protocol version.
	Version() uint32
	// Protocol returns the negotiated milter protocol flags.
	Protocol() OptProtocol
	// Actions returns the negotiated milter actions flags.
	Actions() OptAction
	// MaxDataSize returns the maximum data size that the MTA will accept.
	MaxDataSize() DataSize
	// MilterId returns an identifier of this Milter instance, unique and
	// incrementing in the realm of a single Server.
	MilterId() uint64

	// AddRecipient appends a new envelope recipient for the current message.
	AddRecipient(r string, esmtpArgs string) error
	// DeleteRecipient removes an envelope recipient address from the message.
	DeleteRecipient(r string) error
	// ReplaceBodyRawChunk sends one chunk of the body replacement as-is.
	// The chunk must not exceed MaxDataSize.
	ReplaceBodyRawChunk(chunk []byte) error
	// ReplaceBody reads r and sends its contents in as few chunks as possible.
	ReplaceBody(r io.Reader) error
	// Quarantine a message by giving a reason to hold it.
	Quarantine(reason string) error
	// AddHeader appends a new email message header to the message.
	AddHeader(name, value string) error
	// ChangeHeader replaces the header at the specified 1-based, per-name
	// position with a new one. An empty value deletes the header.
	ChangeHeader(index int, name, value string) error
	// InsertHeader inserts a header at the specified 0-based position in the
	// list of all headers. Index 0 means at the very beginning.
	InsertHeader(index int, name, value string) error
	// ChangeFrom replaces the envelope sender.
	ChangeFrom(value string, esmtpArgs string) error
	// ReplyCode immediately sends a REPLYCODE frame with a custom SMTP code
	// and text for the current command, independent of the terminal
	// [Response] the callback eventually returns. Callers that want a
	// custom-coded reject/tempfail call this first, then return RespReject
	// or RespTempFail: the two frames are written in that order.
	ReplyCode(smtpCode uint16, text string) error
	// Progress tells the client that there is progress in a long operation
	// and that the client should not time out the milter connection.
	// Only available when the negotiated protocol version is >= 6.
	Progress() error
}

type modifierState int

const (
	modifierStateReadOnly modifierState = iota
	modifierStateProgressOnly
	modifierStateReadWrite
)

type modifier struct {
	macros      Macros
	state       modifierState
	writeFrame  func(*frame) error
	version     uint32
	protocol    OptProtocol
	actions     OptAction
	maxDataSize DataSize
	milterId    uint64
}

func (m *modifier) Get(name MacroName) string {
	return m.macros.Get(name)
}

func (m *modifier) GetEx(name MacroName) (string, bool) {
	return m.macros.GetEx(name)
}

func (m *modifier) AddRecipient(r string, esmtpArgs string) error {
	if m.actions&OptAddRcpt == 0 && m.actions&OptAddRcptWithArgs == 0 {
		return ErrModificationNotAllowed
	}
	if esmtpArgs != "" && m.actions&OptAddRcptWithArgs == 0 {
		return ErrModificationNotAllowed
	}
	code := ActAddRcpt
	var buf bytes.Buffer
	buf.WriteString(AddAngle(newlineToSpace(r)))
	buf.WriteByte(0)
	if (esmtpArgs != "" && m.actions&OptAddRcptWithArgs != 0) || (esmtpArgs == "" && m.actions&OptAddRcpt == 0) {
		buf.WriteString(newlineToSpace(esmtpArgs))
		buf.WriteByte(0)
		code = ActAddRcptPar
	}
	if code == ActAddRcptPar && m.version < 6 {
		return ErrVersionTooLow
	}
	return m.write(modifierStateReadWrite, code, buf.Bytes())
}

func (m *modifier) DeleteRecipient(r string) error {
	if m.actions&OptRemoveRcpt == 0 {
		return ErrModificationNotAllowed
	}
	return m.writeCString(modifierStateReadWrite, ActDelRcpt, AddAngle(newlineToSpace(r)))
}

func (m *modifier) ReplaceBodyRawChunk(chunk []byte) error {
	if m.actions&OptChangeBody == 0 {
		return ErrModificationNotAllowed
	}
	if len(chunk) > int(m.maxDataSize) {
		return fmt.Errorf("milter: body chunk too large: %d > %d", len(chunk), m.maxDataSize)
	}
	return m.write(modifierStateReadWrite, ActReplBody, chunk)
}

func (m *modifier) ReplaceBody(r io.Reader) error {
	chunkSize := int(m.maxDataSize)
	if chunkSize <= 0 {
		chunkSize = int(DataSize64K)
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := m.ReplaceBodyRawChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (m *modifier) Quarantine(reason string) error {
	if m.actions&OptQuarantine == 0 {
		return ErrModificationNotAllowed
	}
	return m.writeCString(modifierStateReadWrite, ActQuarantine, newlineToSpace(reason))
}

func (m *modifier) AddHeader(name, value string) error {
	if m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	if !validName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(crLfToLf(value))
	buf.WriteByte(0)
	return m.write(modifierStateReadWrite, ActAddHeader, buf.Bytes())
}

func appendIndexedHeader(code Code, index int, name, value string) (Code, []byte, error) {
	if index < 0 || index > math.MaxUint32 {
		return 0, nil, fmt.Errorf("milter: invalid header index: %d", index)
	}
	if !validName(name) {
		return 0, nil, fmt.Errorf("milter: invalid header name: %q", name)
	}
	var buf bytes.Buffer
	idx := uint32(index)
	buf.Write([]byte{byte(idx >> 24), byte(idx >> 16), byte(idx >> 8), byte(idx)})
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(crLfToLf(value))
	buf.WriteByte(0)
	return code, buf.Bytes(), nil
}

func (m *modifier) ChangeHeader(index int, name, value string) error {
	if m.actions&OptChangeHeader == 0 {
		return ErrModificationNotAllowed
	}
	code, data, err := appendIndexedHeader(ActChangeHeader, index, name, value)
	if err != nil {
		return err
	}
	return m.write(modifierStateReadWrite, code, data)
}

func (m *modifier) InsertHeader(index int, name, value string) error {
	// InsertHeader shares its action flag with either AddHeader or ChangeHeader.
	if m.actions&OptChangeHeader == 0 && m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	code, data, err := appendIndexedHeader(ActInsertHeader, index, name, value)
	if err != nil {
		return err
	}
	return m.write(modifierStateReadWrite, code, data)
}

func (m *modifier) ChangeFrom(value string, esmtpArgs string) error {
	if m.version < 6 {
		return ErrVersionTooLow
	}
	if m.actions&OptChangeFrom == 0 {
		return ErrModificationNotAllowed
	}
	var buf bytes.Buffer
	buf.WriteString(AddAngle(newlineToSpace(value)))
	buf.WriteByte(0)
	if esmtpArgs != "" {
		buf.WriteString(newlineToSpace(esmtpArgs))
		buf.WriteByte(0)
	}
	return m.write(modifierStateReadWrite, ActChangeFrom, buf.Bytes())
}

func (m *modifier) ReplyCode(smtpCode uint16, text string) error {
	resp, err := ReplyCodeResponse(smtpCode, text)
	if err != nil {
		return err
	}
	f := resp.frame()
	return m.write(modifierStateReadWrite, f.code, f.data)
}

func (m *modifier) Progress() error {
	if m.version < 6 {
		return ErrVersionTooLow
	}
	return m.write(modifierStateReadOnly, ActProgress, nil)
}

func (m *modifier) Version() uint32 {
	return m.version
}

func (m *modifier) Protocol() OptProtocol {
	return m.protocol
}

func (m *modifier) Actions() OptAction {
	return m.actions
}

func (m *modifier) MaxDataSize() DataSize {
	return m.maxDataSize
}

func (m *modifier) MilterId() uint64 {
	return m.milterId
}

func (m *modifier) writeCString(requiredState modifierState, code Code, s string) error {
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("milter: invalid data: cannot contain null-bytes")
	}
	return m.write(requiredState, code, []byte(s+"\x00"))
}

func (m *modifier) write(requiredState modifierState, code Code, data []byte) error {
	if m.state < requiredState {
		return fmt.Errorf("milter: tried to send action %c in state %d", code, m.state)
	}
	if len(data) > int(DataSize64K) {
		return fmt.Errorf("milter: invalid data length: %d > %d", len(data), DataSize64K)
	}
	return m.writeFrame(&frame{code: code, data: data})
}

func (m *modifier) withState(state modifierState) *modifier {
	if m.state == state {
		return m
	}
	cpy := *m
	cpy.state = state
	return &cpy
}

var _ Modifier = (*modifier)(nil)

// newModifier creates a new [Modifier] instance from s.
func newModifier(s *session, state modifierState) *modifier {
	return &modifier{
		macros:      &macroReader{macrosStages: s.macros},
		state:       state,
		writeFrame:  s.writeFrame,
		version:     s.version,
		protocol:    s.protocol,
		actions:     s.actions,
		maxDataSize: s.maxDataSize,
		milterId:    s.backendId,
	}
}

// crLfToLf canonicalizes CR LF and bare CR line endings to LF, and replaces
// NUL bytes with a space. Header values can carry embedded line breaks for
// folded continuation lines; the milter protocol only ever carries LF.
func crLfToLf(s string) string {
	s = strings.ReplaceAll(s, "\x00", " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// newlineToSpace replaces CR LF, LF, CR and NUL in s with a space. Used for
// single-line fields (recipients, quarantine reasons) that cannot carry
// embedded line breaks at all.
func newlineToSpace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\x00", " ")
}
