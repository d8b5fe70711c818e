package milter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

var errCloseSession = errors.New("stop current milter processing")

// session owns one milter connection's protocol state: the negotiated
// version/actions/protocol, the macro bag, and the frame decoder that turns
// the connection's byte stream into frames for the command interpreter.
type session struct {
	server      *Server
	version     uint32
	actions     OptAction
	protocol    OptProtocol
	maxDataSize DataSize
	conn        net.Conn
	reader      *bufio.Reader
	decoder     frameDecoder
	pending     []*frame
	macros      *macrosStages
	backendId   uint64
	mu          sync.Mutex
	modifier    *modifier
}

// init sets up the internal state of the session
func (s *session) init(server *Server, conn net.Conn, version uint32, actions OptAction, protocol OptProtocol) {
	s.server = server
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	s.version = version
	s.actions = actions
	s.protocol = protocol
	s.macros = newMacroStages()
}

// readFrame returns the next complete frame from the connection, reading
// and feeding the decoder as many times as necessary. Frames that arrived
// in the same underlying read are queued and drained one at a time: the
// decoder does not care how the MTA chose to chunk its writes.
func (s *session) readFrame(timeout time.Duration) (*frame, error) {
	conn := s.currentConn()
	if conn == nil {
		return nil, errCloseSession
	}
	if timeout != 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	buf := make([]byte, 4096)
	for len(s.pending) == 0 {
		n, err := s.reader.Read(buf)
		if n > 0 {
			frames, ferr := s.decoder.feed(buf[:n], s.pending)
			if ferr != nil {
				return nil, ferr
			}
			s.pending = frames
		}
		if err != nil {
			if len(s.pending) > 0 {
				break
			}
			return nil, err
		}
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, nil
}

func (s *session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// writeFrame sends one milter frame to the MTA.
func (s *session) writeFrame(f *frame) error {
	conn := s.currentConn()
	if conn == nil {
		return errCloseSession
	}
	if writeTimeout := s.server.options.writeTimeout; writeTimeout != 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	buf := appendFrame(make([]byte, 0, len(f.data)+5), f.code, f.data)
	_, err := conn.Write(buf)
	return err
}

func (s *session) writeResponse(resp *Response) error {
	return s.writeFrame(resp.frame())
}

// negotiate processes the MTA's OPTNEG frame and returns the raw payload of
// the milter's OPTNEG reply.
func (s *session) negotiate(f *frame, milterVersion uint32, milterActions OptAction, milterProtocol OptProtocol, callback NegotiationCallbackFunc, macroRequests macroRequests, usedMaxData DataSize) ([]byte, error) {
	if f.code != CodeOptNeg {
		return nil, fmt.Errorf("milter: negotiate: unexpected package with code %c", f.code)
	}
	if len(f.data) < 4*3 /* version + action mask + proto mask */ {
		return nil, fmt.Errorf("milter: negotiate: unexpected data size: %d", len(f.data))
	}
	mtaVersion := binary.BigEndian.Uint32(f.data[:4])
	mtaActionMask := OptAction(binary.BigEndian.Uint32(f.data[4:]))
	mtaProtoMask := OptProtocol(binary.BigEndian.Uint32(f.data[8:]))
	offeredMaxDataSize := DataSize64K
	if uint32(mtaProtoMask)&optMds1M == optMds1M {
		offeredMaxDataSize = DataSize1M
	} else if uint32(mtaProtoMask)&optMds256K == optMds256K {
		offeredMaxDataSize = DataSize256K
	}
	mtaProtoMask = mtaProtoMask & (^OptProtocol(optInternal))

	var err error
	var maxDataSize DataSize
	if callback != nil {
		if s.version, s.actions, s.protocol, maxDataSize, err = callback(mtaVersion, milterVersion, mtaActionMask, milterActions, mtaProtoMask, milterProtocol, offeredMaxDataSize); err != nil {
			return nil, err
		}
		if s.version < 2 || s.version > MaxServerProtocolVersion {
			return nil, fmt.Errorf("milter: negotiate: unsupported protocol version: %d", s.version)
		}
	} else {
		if mtaVersion < 2 || mtaVersion > MaxServerProtocolVersion {
			return nil, fmt.Errorf("milter: negotiate: unsupported protocol version: %d", mtaVersion)
		}
		s.version = mtaVersion
		if milterActions&mtaActionMask != milterActions {
			return nil, fmt.Errorf("milter: negotiate: MTA does not offer required actions. offered: %q requested: %q", mtaActionMask, milterActions)
		}
		s.actions = milterActions & mtaActionMask
		if milterProtocol&mtaProtoMask != milterProtocol {
			return nil, fmt.Errorf("milter: negotiate: MTA does not offer required protocol options. offered: %q requested: %q", mtaProtoMask, milterProtocol)
		}
		s.protocol = milterProtocol & mtaProtoMask
		maxDataSize = offeredMaxDataSize
	}
	if maxDataSize != DataSize64K && maxDataSize != DataSize256K && maxDataSize != DataSize1M {
		maxDataSize = DataSize64K
	}
	if usedMaxData == 0 {
		usedMaxData = maxDataSize
	}
	s.maxDataSize = usedMaxData
	s.modifier = newModifier(s, modifierStateReadOnly)

	sizeMask := uint32(0)
	if maxDataSize == DataSize256K {
		sizeMask = optMds256K
	} else if maxDataSize == DataSize1M {
		sizeMask = optMds1M
	}

	var buf bytes.Buffer
	for _, value := range []uint32{s.version, uint32(s.actions), uint32(s.protocol) | sizeMask} {
		if err := binary.Write(&buf, binary.BigEndian, value); err != nil {
			return nil, fmt.Errorf("milter: negotiate: %w", err)
		}
	}
	if macroRequests != nil && mtaActionMask&OptSetMacros != 0 {
		for st := 0; st < int(StageEndMarker) && st < len(macroRequests); st++ {
			if len(macroRequests[st]) > 0 {
				if err := binary.Write(&buf, binary.BigEndian, uint32(st)); err != nil {
					return nil, fmt.Errorf("milter: negotiate: %w", err)
				}
				buf.WriteString(strings.Join(macroRequests[st], " "))
				buf.WriteByte(0)
			}
		}
	} else if macroRequests != nil {
		LogWarning("milter could not send the needed macros since MTA does not support this")
	}
	return buf.Bytes(), nil
}

// commandOrder gives each of the per-message commands their expected
// sequence number within one SMTP transaction, so the interpreter can
// detect a missing ABORT when the MTA starts a new transaction without
// sending one (Sendmail does this; Postfix always sends the ABORT).
var commandOrder = map[Code]int{
	CodeConn:   1,
	CodeHelo:   2,
	CodeMail:   3,
	CodeRcpt:   4,
	CodeData:   5,
	CodeHeader: 6,
	CodeEOH:    7,
	CodeBody:   8,
	CodeEOB:    9,
}

// interpret dispatches one decoded frame to the Milter callback it
// corresponds to (the Command Interpreter), translating its wire payload
// into the callback's Go-native arguments and folding the result back into
// a terminal or continuing [Response].
func (s *session) interpret(backend Milter, f *frame) (*Response, error) {
	switch f.code {
	case CodeOptNeg:
		return nil, fmt.Errorf("milter: negotiate: can only be called once in a connection")

	case CodeConn:
		return s.interpretConn(backend, f)

	case CodeHelo:
		if len(f.data) == 0 {
			return nil, fmt.Errorf("milter: helo: unexpected data size: %d", len(f.data))
		}
		s.macros.DelStageAndAbove(StageMail)
		name := readCString(f.data)
		return backend.Helo(name, s.modifier.withState(modifierStateProgressOnly))

	case CodeMail:
		if len(f.data) == 0 {
			return nil, fmt.Errorf("milter: mail: unexpected data size: %d", len(f.data))
		}
		s.macros.DelStageAndAbove(StageRcpt)
		from := readCString(f.data)
		var rest []byte
		if len(from) < len(f.data) {
			rest = f.data[len(from)+1:]
		}
		esmtpArgs := strings.Join(decodeCStrings(rest), " ")
		return backend.MailFrom(RemoveAngle(from), esmtpArgs, s.modifier.withState(modifierStateProgressOnly))

	case CodeRcpt:
		if len(f.data) == 0 {
			return nil, fmt.Errorf("milter: rcpt: unexpected data size: %d", len(f.data))
		}
		s.macros.DelStageAndAbove(StageData)
		to := readCString(f.data)
		var rest []byte
		if len(to) < len(f.data) {
			rest = f.data[len(to)+1:]
		}
		esmtpArgs := strings.Join(decodeCStrings(rest), " ")
		return backend.RcptTo(RemoveAngle(to), esmtpArgs, s.modifier.withState(modifierStateProgressOnly))

	case CodeData:
		s.macros.DelStageAndAbove(StageEOH)
		return backend.Data(s.modifier.withState(modifierStateProgressOnly))

	case CodeHeader:
		if len(f.data) < 2 {
			return nil, fmt.Errorf("milter: header: unexpected data size: %d", len(f.data))
		}
		fields := decodeCStrings(f.data)
		if len(fields) != 2 {
			return nil, fmt.Errorf("milter: header: unexpected number of strings: %d", len(fields))
		}
		resp, err := backend.Header(fields[0], fields[1], s.modifier.withState(modifierStateProgressOnly))
		s.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case CodeEOH:
		s.macros.DelStageAndAbove(StageEOM)
		return backend.Headers(s.modifier.withState(modifierStateProgressOnly))

	case CodeBody:
		resp, err := backend.BodyChunk(f.data, s.modifier.withState(modifierStateProgressOnly))
		s.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case CodeEOB:
		resp, err := backend.EndOfMessage(s.modifier.withState(modifierStateReadWrite))
		if err == nil && (resp == nil || resp.Continue()) {
			// no response, or a non-terminating one, is taken as acceptance
			resp = RespAccept
		}
		return resp, err

	case CodeUnknown:
		cmd := readCString(f.data)
		resp, err := backend.Unknown(cmd, s.modifier.withState(modifierStateProgressOnly))
		s.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case CodeMacro:
		return s.interpretMacro(f)

	case CodeAbort:
		err := backend.Abort(s.modifier.withState(modifierStateReadOnly))
		s.macros.DelStageAndAbove(StageHelo)
		return nil, err

	case CodeQuitNewConn:
		s.macros.DelStageAndAbove(StageConnect)
		return nil, backend.NewConnection(s.modifier.withState(modifierStateReadOnly))

	case CodeQuit:
		// handled by the connection loop
		return nil, nil

	default:
		LogWarning("Unrecognized command code: %c", f.code)
		return nil, errCloseSession
	}
}

func (s *session) interpretConn(backend Milter, f *frame) (*Response, error) {
	if len(f.data) == 0 {
		return nil, fmt.Errorf("milter: conn: unexpected data size: %d", len(f.data))
	}
	s.macros.DelStageAndAbove(StageHelo)
	data := f.data
	hostname := readCString(data)
	if len(data) < len(hostname)+2 {
		return nil, fmt.Errorf("milter: conn: missing protocol family after hostname")
	}
	data = data[len(hostname)+1:]
	family := data[0]
	data = data[1:]

	var port uint16
	var address string
	if family == 'L' || family == '4' || family == '6' {
		if len(data) < 2 {
			return nil, fmt.Errorf("milter: conn: unexpected data size: %d", len(data))
		}
		port = binary.BigEndian.Uint16(data)
		data = data[2:]
		address = readCString(data)
	}

	familyName := ""
	switch family {
	case 'U':
		familyName = "unknown"
	case 'L':
		familyName = "unix"
	case '4':
		familyName = "tcp4"
		addr := net.ParseIP(address)
		if addr == nil || addr.To4() == nil {
			return nil, fmt.Errorf("milter: conn: unexpected ip4 address: %q", address)
		}
	case '6':
		familyName = "tcp6"
		var addr net.IP
		address = strings.TrimPrefix(address, "IPv6:")
		if len(address) > 2 && address[0] == '[' && address[len(address)-1] == ']' {
			addr = net.ParseIP(address[1 : len(address)-1])
		} else {
			addr = net.ParseIP(address)
		}
		if addr == nil {
			return nil, fmt.Errorf("milter: conn: unexpected ip6 address: %q", address)
		}
		address = addr.String()
	default:
		return nil, fmt.Errorf("milter: conn: unexpected protocol family: %c", family)
	}

	return backend.Connect(hostname, familyName, port, address, s.modifier.withState(modifierStateProgressOnly))
}

func (s *session) interpretMacro(f *frame) (*Response, error) {
	if len(f.data) == 0 {
		return nil, fmt.Errorf("milter: macro: unexpected data size: %d", len(f.data))
	}
	var stage MacroStage
	switch f.macroCode() {
	case CodeConn:
		stage = StageConnect
	case CodeHelo:
		stage = StageHelo
	case CodeMail:
		stage = StageMail
	case CodeRcpt:
		stage = StageRcpt
	case CodeData:
		stage = StageData
	case CodeEOH:
		stage = StageEOH
	case CodeEOB:
		stage = StageEOM
	case CodeUnknown, CodeHeader, CodeAbort, CodeBody:
		stage = StageEndMarker // cleared again right after that command
	default:
		LogWarning("MTA sent macro for %c. we cannot handle this so we ignore it", f.macroCode())
		return nil, nil
	}
	s.macros.DelStageAndAbove(stage)
	data := decodeCStrings(f.data[1:])
	if len(data) != 0 {
		if len(data)%2 == 1 {
			data = append(data, "")
		}
		s.macros.SetStage(stage, data...)
	}
	return nil, nil
}

// ignoreError reports whether err is an expected way for a connection to end.
func ignoreError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, errCloseSession) || errors.Is(err, net.ErrClosed)
}

func (s *session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !ignoreError(err) {
			LogWarning("Error closing connection: %v", err)
		}
	}
}

// handle runs the per-connection loop: negotiate, construct the backend
// Milter, then read and dispatch frames until the MTA closes the
// connection, issues CodeQuit, or CodeQuitNewConn arrives during shutdown.
func (s *session) handle() {
	defer s.closeConn()

	f, err := s.readFrame(time.Second)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error reading milter command: %v", err)
		}
		return
	}
	negData, err := s.negotiate(f, s.server.options.maxVersion, s.server.options.actions, s.server.options.protocol, s.server.options.negotiationCallback, s.server.options.macrosByStage, 0)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error negotiating: %v", err)
		}
		return
	}
	if err := s.writeFrame(&frame{code: CodeOptNeg, data: negData}); err != nil {
		if !ignoreError(err) {
			LogWarning("Error writing packet: %v", err)
		}
		return
	}

	var backend Milter
	backend, s.backendId = s.server.newMilter(s.version, s.actions, s.protocol, s.maxDataSize)
	s.modifier.milterId = s.backendId
	defer func() { backend.Cleanup(s.modifier.withState(modifierStateReadOnly)) }()
	if err := backend.NewConnection(s.modifier.withState(modifierStateReadOnly)); err != nil {
		return
	}

	lastCode := CodeOptNeg
	lastOrder := 0
	readTimeout := s.server.options.readTimeout

	for {
		f, err = s.readFrame(readTimeout)
		if err != nil {
			if !ignoreError(err) {
				LogWarning("Error reading milter command: %v", err)
			}
			return
		}

		// Postfix always sends an Abort when an SMTP connection gets reused;
		// Sendmail does not, if we already accepted/rejected before EOB.
		// Synthesize the missing Abort so the backend only ever sees a
		// properly ordered stream of commands.
		code := f.macroCode()
		if order, ok := commandOrder[code]; ok {
			if lastOrder > order && lastCode != CodeAbort {
				if _, aerr := s.interpret(backend, &frame{code: CodeAbort}); aerr != nil {
					if !ignoreError(aerr) {
						LogWarning("Error performing milter command: %v", aerr)
					}
					return
				}
			}
			lastOrder = order
		} else if code == CodeAbort && lastCode == CodeAbort {
			// Postfix sometimes sends redundant Aborts; one is enough.
			continue
		}
		lastCode = code

		var cmdResp *Response
		cmdResp, err = s.interpret(backend, f)
		if err != nil {
			if !ignoreError(err) {
				LogWarning("Error performing milter command: %v", err)
				if cmdResp != nil && !s.skipResponse(f.code) {
					_ = s.writeResponse(cmdResp)
				}
			}
			return
		}

		hasDecision := cmdResp != nil && !cmdResp.Continue()
		if f.code == CodeRcpt && hasDecision && cmdResp != RespDiscard {
			hasDecision = false
		}
		if hasDecision {
			s.macros.DelStageAndAbove(StageMail)
		}

		if cmdResp != nil && !s.skipResponse(f.code) {
			if err = s.writeResponse(cmdResp); err != nil {
				if !ignoreError(err) {
					LogWarning("Error writing packet: %v", err)
				}
				return
			}
		}

		if f.code == CodeQuit {
			return
		}
		// Only exit after CodeQuitNewConn during shutdown: exiting mid SMTP
		// transaction would break the milter connection the MTA is relying on.
		if f.code == CodeQuitNewConn && s.server.shuttingDown() {
			return
		}
	}
}

func (s *session) skipResponse(code Code) bool {
	switch code {
	case CodeConn:
		return s.protocol&OptNoConnReply != 0
	case CodeHelo:
		return s.protocol&OptNoHeloReply != 0
	case CodeMail:
		return s.protocol&OptNoMailReply != 0
	case CodeRcpt:
		return s.protocol&OptNoRcptReply != 0
	case CodeData:
		return s.protocol&OptNoDataReply != 0
	case CodeUnknown:
		return s.protocol&OptNoUnknownReply != 0
	case CodeEOH:
		return s.protocol&OptNoEOHReply != 0
	case CodeHeader:
		return s.protocol&OptNoHeaderReply != 0
	case CodeBody:
		return s.protocol&OptNoBodyReply != 0
	default:
		return false
	}
}
