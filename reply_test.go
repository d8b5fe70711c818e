package milter

import (
	"strings"
	"testing"
)

func TestResponse_Frame(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		code Code
	}{
		{"accept", RespAccept, ActAccept},
		{"continue", RespContinue, ActContinue},
		{"discard", RespDiscard, ActDiscard},
		{"reject", RespReject, ActReject},
		{"tempfail", RespTempFail, ActTempFail},
		{"skip", RespSkip, ActSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.frame().code; got != tt.code {
				t.Errorf("frame().code = %c, want %c", got, tt.code)
			}
		})
	}
}

func TestResponse_Continue(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want bool
	}{
		{"accept", RespAccept, false},
		{"continue", RespContinue, true},
		{"discard", RespDiscard, false},
		{"reject", RespReject, false},
		{"tempfail", RespTempFail, false},
		{"skip", RespSkip, true},
	}
	for _, tt := range tests {
		if got := tt.resp.Continue(); got != tt.want {
			t.Errorf("%s: Continue() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReplyCodeResponse_Valid(t *testing.T) {
	resp, err := ReplyCodeResponse(554, "5.7.1 rejected for policy reasons")
	if err != nil {
		t.Fatal(err)
	}
	f := resp.frame()
	if f.code != ActReplyCode {
		t.Fatalf("code = %c, want %c", f.code, ActReplyCode)
	}
	want := "554 5.7.1 rejected for policy reasons\x00"
	if string(f.data) != want {
		t.Errorf("data = %q, want %q", f.data, want)
	}
	if resp.Continue() {
		t.Error("ReplyCodeResponse must not continue")
	}
}

func TestReplyCodeResponse_InvalidCode(t *testing.T) {
	tests := []uint16{0, 200, 399, 600, 999}
	for _, code := range tests {
		if _, err := ReplyCodeResponse(code, "text"); err == nil {
			t.Errorf("code %d: expected error", code)
		}
	}
}

func TestReplyCodeResponse_BoundaryCodes(t *testing.T) {
	for _, code := range []uint16{400, 599} {
		if _, err := ReplyCodeResponse(code, "ok"); err != nil {
			t.Errorf("code %d: unexpected error: %v", code, err)
		}
	}
}

func TestReplyCodeResponse_RejectsEmbeddedNewlines(t *testing.T) {
	tests := []string{"line1\r\nline2", "line1\nline2", "line1\rline2"}
	for _, text := range tests {
		if _, err := ReplyCodeResponse(550, text); err == nil {
			t.Errorf("text %q: expected error", text)
		}
	}
}

func TestReplyCodeResponse_RejectsNUL(t *testing.T) {
	if _, err := ReplyCodeResponse(550, "bad\x00text"); err == nil {
		t.Error("expected error for embedded NUL")
	}
}

func TestReplyCodeResponse_TooLong(t *testing.T) {
	text := strings.Repeat("x", maxSMTPTextLen)
	if _, err := ReplyCodeResponse(550, text); err == nil {
		t.Error("expected error for text exceeding maxSMTPTextLen")
	}
}

func TestReplyCodeResponse_EmptyTextAccepted(t *testing.T) {
	// An empty reply text still yields a "code space" line that textproto
	// parses as a valid SMTP response, so it is accepted.
	if _, err := ReplyCodeResponse(550, ""); err != nil {
		t.Fatalf("empty text should still form a valid '550 ' response line: %v", err)
	}
}

func TestAddAngleRemoveAngle(t *testing.T) {
	if got := AddAngle("a@b"); got != "<a@b>" {
		t.Errorf("AddAngle() = %q", got)
	}
	if got := AddAngle("<a@b>"); got != "<a@b>" {
		t.Errorf("AddAngle() on already-angled address changed it: %q", got)
	}
	if got := RemoveAngle("<a@b>"); got != "a@b" {
		t.Errorf("RemoveAngle() = %q", got)
	}
	if got := RemoveAngle("a@b"); got != "a@b" {
		t.Errorf("RemoveAngle() on bare address changed it: %q", got)
	}
	if got := RemoveAngle("<"); got != "<" {
		t.Errorf("RemoveAngle() on a lone angle bracket changed it: %q", got)
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Subject", true},
		{"X-Spam-Score", true},
		{"", false},
		{"bad:name", false},
		{"bad name", false},
		{"bad\x7fname", false},
	}
	for _, tt := range tests {
		if got := validName(tt.name); got != tt.want {
			t.Errorf("validName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCrLfToLf(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a\r\nb", "a\nb"},
		{"a\rb", "a\nb"},
		{"a\x00b", "a b"},
		{"a\nb", "a\nb"},
	}
	for _, tt := range tests {
		if got := crLfToLf(tt.in); got != tt.want {
			t.Errorf("crLfToLf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewlineToSpace(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a\r\nb", "a b"},
		{"a\nb", "a b"},
		{"a\rb", "a b"},
		{"a\x00b", "a b"},
	}
	for _, tt := range tests {
		if got := newlineToSpace(tt.in); got != tt.want {
			t.Errorf("newlineToSpace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeMacrosForModifier is a minimal Macros implementation for exercising
// modifier directly without a full session.
type fakeMacrosForModifier map[MacroName]string

func (f fakeMacrosForModifier) Get(name MacroName) string {
	return f[name]
}

func (f fakeMacrosForModifier) GetEx(name MacroName) (string, bool) {
	v, ok := f[name]
	return v, ok
}

func newTestModifier(state modifierState, actions OptAction, version uint32) (*modifier, *[]*frame) {
	var written []*frame
	m := &modifier{
		macros:      fakeMacrosForModifier{},
		state:       state,
		version:     version,
		actions:     actions,
		maxDataSize: DataSize64K,
		writeFrame: func(f *frame) error {
			written = append(written, f)
			return nil
		},
	}
	return m, &written
}

func TestModifier_AddHeader_RequiresAction(t *testing.T) {
	m, _ := newTestModifier(modifierStateReadWrite, 0, 6)
	if err := m.AddHeader("X-Test", "value"); err != ErrModificationNotAllowed {
		t.Errorf("err = %v, want ErrModificationNotAllowed", err)
	}
}

func TestModifier_AddHeader_Writes(t *testing.T) {
	m, written := newTestModifier(modifierStateReadWrite, OptAddHeader, 6)
	if err := m.AddHeader("X-Test", "va\r\nlue"); err != nil {
		t.Fatal(err)
	}
	if len(*written) != 1 {
		t.Fatalf("got %d frames, want 1", len(*written))
	}
	f := (*written)[0]
	if f.code != ActAddHeader {
		t.Errorf("code = %c, want %c", f.code, ActAddHeader)
	}
	if string(f.data) != "X-Test\x00va\nlue\x00" {
		t.Errorf("data = %q", f.data)
	}
}

func TestModifier_AddHeader_RejectsBadName(t *testing.T) {
	m, _ := newTestModifier(modifierStateReadWrite, OptAddHeader, 6)
	if err := m.AddHeader("X Test", "value"); err == nil {
		t.Error("expected error for header name with a space")
	}
}

func TestModifier_ReplyCode_WritesReplyCodeFrame(t *testing.T) {
	m, written := newTestModifier(modifierStateReadWrite, 0, 6)
	if err := m.ReplyCode(550, "5.7.1 no"); err != nil {
		t.Fatal(err)
	}
	if len(*written) != 1 {
		t.Fatalf("got %d frames, want 1", len(*written))
	}
	f := (*written)[0]
	if f.code != ActReplyCode {
		t.Errorf("code = %c, want %c", f.code, ActReplyCode)
	}
	if string(f.data) != "550 5.7.1 no\x00" {
		t.Errorf("data = %q", f.data)
	}
}

func TestModifier_ReplyCode_RejectsInvalidCode(t *testing.T) {
	m, written := newTestModifier(modifierStateReadWrite, 0, 6)
	if err := m.ReplyCode(200, "ok"); err == nil {
		t.Fatal("expected error for non-4xx/5xx code")
	}
	if len(*written) != 0 {
		t.Errorf("should not have written a frame on validation failure")
	}
}

func TestModifier_Progress_RequiresV6(t *testing.T) {
	m, _ := newTestModifier(modifierStateReadOnly, 0, 2)
	if err := m.Progress(); err != ErrVersionTooLow {
		t.Errorf("err = %v, want ErrVersionTooLow", err)
	}
}

func TestModifier_WithState_Immutable(t *testing.T) {
	m, _ := newTestModifier(modifierStateReadOnly, OptAddHeader, 6)
	rw := m.withState(modifierStateReadWrite)
	if m.state != modifierStateReadOnly {
		t.Errorf("withState mutated the receiver's state")
	}
	if rw.state != modifierStateReadWrite {
		t.Errorf("withState did not set the new state")
	}
	if same := m.withState(modifierStateReadOnly); same != m {
		t.Errorf("withState should return the receiver unchanged when the state already matches")
	}
}

func TestModifier_Write_RequiresState(t *testing.T) {
	m, _ := newTestModifier(modifierStateReadOnly, OptAddHeader, 6)
	if err := m.AddHeader("X-Test", "v"); err == nil {
		t.Error("expected error: AddHeader requires read-write state")
	}
}

func TestModifier_ChangeHeader_NegativeIndexRejected(t *testing.T) {
	m, _ := newTestModifier(modifierStateReadWrite, OptChangeHeader, 6)
	if err := m.ChangeHeader(-1, "X-Test", "v"); err == nil {
		t.Error("expected error for negative index")
	}
}
