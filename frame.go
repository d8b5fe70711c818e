package milter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// frame is one decoded milter message: a command byte and its payload.
type frame struct {
	code Code
	data []byte
}

// macroCode returns the Code this CodeMacro frame is about. For any other
// frame it returns the frame's own Code.
func (f *frame) macroCode() Code {
	if f.code == CodeMacro && len(f.data) > 0 {
		return Code(f.data[0])
	}
	return f.code
}

// maxFrameLength rejects a declared frame length outright, before ever
// allocating a buffer for it. 512MB comfortably covers the 1M maximum data
// size the protocol negotiates while still catching a corrupted or
// adversarial length prefix.
const maxFrameLength = 512 * 1024 * 1024

// decoderState is one state of the frame parser. The MTA can split a frame
// across any number of reads of the underlying connection - decoderState is
// exactly the information frameDecoder needs to resume correctly wherever
// the previous read left off.
type decoderState int

const (
	stateLen1 decoderState = iota
	stateLen2
	stateLen3
	stateLen4
	stateCmd
	stateData
)

// frameDecoder incrementally reassembles frames out of a raw byte stream.
// It holds no reference to a connection: feed is pure, so the state machine
// can be driven either by real socket reads or, in tests, by splitting a
// known byte stream at arbitrary boundaries.
//
// The six states mirror the wire format directly: one state for each of the
// four bytes of big-endian length, one for the command byte, then one for
// that many bytes of payload (minus the command byte already consumed).
type frameDecoder struct {
	state   decoderState
	lenBuf  [4]byte
	lenPos  int
	length  uint32 // remaining bytes to collect: cmd byte, then payload
	cmd     Code
	data    []byte
	dataPos int
}

// feed consumes p, appends every frame it completes to dst and returns the
// extended slice. It never blocks and never retains p after it returns.
func (d *frameDecoder) feed(p []byte, dst []*frame) ([]*frame, error) {
	for len(p) > 0 {
		switch d.state {
		case stateLen1, stateLen2, stateLen3, stateLen4:
			d.lenBuf[d.lenPos] = p[0]
			d.lenPos++
			p = p[1:]
			if d.lenPos < 4 {
				d.state++
				continue
			}
			length := binary.BigEndian.Uint32(d.lenBuf[:])
			if length == 0 {
				return dst, fmt.Errorf("milter: frame: zero-length frame has no command byte")
			}
			if length > maxFrameLength {
				return dst, fmt.Errorf("milter: frame: declared length %d exceeds maximum %d", length, maxFrameLength)
			}
			d.length = length
			d.lenPos = 0
			d.state = stateCmd
		case stateCmd:
			d.cmd = Code(p[0])
			p = p[1:]
			d.length--
			if d.length == 0 {
				dst = append(dst, &frame{code: d.cmd})
				*d = frameDecoder{}
				continue
			}
			d.data = make([]byte, d.length)
			d.dataPos = 0
			d.state = stateData
		case stateData:
			n := copy(d.data[d.dataPos:], p)
			d.dataPos += n
			p = p[n:]
			if d.dataPos == len(d.data) {
				dst = append(dst, &frame{code: d.cmd, data: d.data})
				*d = frameDecoder{}
			}
		}
	}
	return dst, nil
}

// appendFrame appends the wire encoding of one (code, data) frame to dst and
// returns the extended slice, like the built-in append.
func appendFrame(dst []byte, code Code, data []byte) []byte {
	length := uint32(len(data) + 1)
	dst = append(dst, byte(length>>24), byte(length>>16), byte(length>>8), byte(length), byte(code))
	return append(dst, data...)
}

// readCString reads a NUL-terminated string from the front of data. If data
// has no NUL byte the whole slice is returned - callers that require a
// terminator (a second field follows) must check for one themselves.
func readCString(data []byte) string {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data)
	}
	return string(data[:pos])
}

// decodeCStrings splits data on NUL bytes into a string slice. A trailing
// NUL is optional and stripped if present; interior fields must be
// terminated.
func decodeCStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return strings.Split(string(data), "\x00")
}
