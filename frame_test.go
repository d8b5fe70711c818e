package milter

import (
	"reflect"
	"testing"
)

// collect feeds the whole of raw through d one byte at a time and returns
// every frame decoded. Splitting at every possible byte boundary is the
// strongest form of the boundary-robustness property spec.md §8 asks for:
// if single-byte feeds round-trip correctly, so does any larger chunking.
func collectByteAtATime(t *testing.T, raw []byte) []*frame {
	t.Helper()
	var d frameDecoder
	var out []*frame
	for i := range raw {
		var err error
		out, err = d.feed(raw[i:i+1], out)
		if err != nil {
			t.Fatalf("feed byte %d (%#x): %v", i, raw[i], err)
		}
	}
	return out
}

func TestFrameDecoder_SingleFrame(t *testing.T) {
	raw := appendFrame(nil, CodeHelo, []byte("example.com\x00"))
	got := collectByteAtATime(t, raw)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].code != CodeHelo || string(got[0].data) != "example.com\x00" {
		t.Errorf("got %+v", got[0])
	}
}

func TestFrameDecoder_ZeroLengthData(t *testing.T) {
	// A frame with only a command byte and no payload (e.g. CodeAbort).
	raw := appendFrame(nil, CodeAbort, nil)
	got := collectByteAtATime(t, raw)
	if len(got) != 1 || got[0].code != CodeAbort || len(got[0].data) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameDecoder_MultipleFramesOneFeed(t *testing.T) {
	var raw []byte
	raw = appendFrame(raw, CodeHelo, []byte("a\x00"))
	raw = appendFrame(raw, CodeMail, []byte("<a@b>\x00"))
	raw = appendFrame(raw, CodeAbort, nil)

	var d frameDecoder
	out, err := d.feed(raw, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d frames, want 3", len(out))
	}
	wantCodes := []Code{CodeHelo, CodeMail, CodeAbort}
	for i, f := range out {
		if f.code != wantCodes[i] {
			t.Errorf("frame %d: code = %c, want %c", i, f.code, wantCodes[i])
		}
	}
}

func TestFrameDecoder_SplitAtEveryBoundary(t *testing.T) {
	var raw []byte
	raw = appendFrame(raw, CodeHeader, []byte("From\x00a@b\x00"))
	raw = appendFrame(raw, CodeBody, make([]byte, 300)) // spans many reads
	raw = appendFrame(raw, CodeEOB, nil)

	for split := 0; split <= len(raw); split++ {
		var d frameDecoder
		out, err := d.feed(raw[:split], nil)
		if err != nil {
			t.Fatalf("split %d: %v", split, err)
		}
		out, err = d.feed(raw[split:], out)
		if err != nil {
			t.Fatalf("split %d (second half): %v", split, err)
		}
		if len(out) != 3 {
			t.Fatalf("split %d: got %d frames, want 3", split, len(out))
		}
		if out[0].code != CodeHeader || out[1].code != CodeBody || out[2].code != CodeEOB {
			t.Fatalf("split %d: got codes %c %c %c", split, out[0].code, out[1].code, out[2].code)
		}
		if len(out[1].data) != 300 {
			t.Fatalf("split %d: body frame length = %d, want 300", split, len(out[1].data))
		}
	}
}

func TestFrameDecoder_ZeroLengthFrameRejected(t *testing.T) {
	raw := []byte{0, 0, 0, 0}
	var d frameDecoder
	if _, err := d.feed(raw, nil); err == nil {
		t.Fatal("expected error for zero-length frame")
	}
}

func TestFrameDecoder_OversizedFrameRejected(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF} // declares ~4GB, over maxFrameLength
	var d frameDecoder
	if _, err := d.feed(raw, nil); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestFrameDecoder_ResetAfterFrame(t *testing.T) {
	// Feeding a second frame after a completed one must start clean: no
	// leftover state from the first frame's data buffer or length.
	var d frameDecoder
	first := appendFrame(nil, CodeHelo, []byte("a\x00"))
	out, err := d.feed(first, nil)
	if err != nil || len(out) != 1 {
		t.Fatalf("first feed: out=%+v err=%v", out, err)
	}
	second := appendFrame(nil, CodeMail, []byte("<b@c>\x00"))
	out, err = d.feed(second, nil)
	if err != nil || len(out) != 1 || out[0].code != CodeMail {
		t.Fatalf("second feed: out=%+v err=%v", out, err)
	}
	if !reflect.DeepEqual(d, frameDecoder{}) {
		t.Errorf("decoder not reset to zero value after completed frame: %+v", d)
	}
}

func TestAppendFrame_RoundTrip(t *testing.T) {
	raw := appendFrame([]byte("prefix"), CodeRcpt, []byte("<x@y>\x00"))
	if string(raw[:6]) != "prefix" {
		t.Fatalf("appendFrame clobbered existing prefix: %q", raw[:6])
	}
	var d frameDecoder
	out, err := d.feed(raw[6:], nil)
	if err != nil || len(out) != 1 {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	if out[0].code != CodeRcpt || string(out[0].data) != "<x@y>\x00" {
		t.Errorf("got %+v", out[0])
	}
}

func TestReadCString(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"terminated", []byte("abc\x00def"), "abc"},
		{"unterminated", []byte("abc"), "abc"},
		{"empty", []byte("\x00"), ""},
		{"nildata", nil, ""},
	}
	for _, tt := range tests {
		if got := readCString(tt.data); got != tt.want {
			t.Errorf("%s: readCString(%q) = %q, want %q", tt.name, tt.data, got, tt.want)
		}
	}
}

func TestDecodeCStrings(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{"empty", nil, nil},
		{"single trailing nul", []byte("a\x00"), []string{"a"}},
		{"two fields", []byte("From\x00value\x00"), []string{"From", "value"}},
		{"no trailing nul", []byte("a\x00b"), []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := decodeCStrings(tt.data)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: decodeCStrings(%q) = %v, want %v", tt.name, tt.data, got, tt.want)
		}
	}
}

func TestFrame_MacroCode(t *testing.T) {
	f := &frame{code: CodeMacro, data: []byte{byte(CodeHelo), 'x'}}
	if got := f.macroCode(); got != CodeHelo {
		t.Errorf("macroCode() = %c, want %c", got, CodeHelo)
	}
	plain := &frame{code: CodeHelo}
	if got := plain.macroCode(); got != CodeHelo {
		t.Errorf("macroCode() on non-macro frame = %c, want %c", got, CodeHelo)
	}
	empty := &frame{code: CodeMacro}
	if got := empty.macroCode(); got != CodeMacro {
		t.Errorf("macroCode() on empty macro frame = %c, want %c", got, CodeMacro)
	}
}
