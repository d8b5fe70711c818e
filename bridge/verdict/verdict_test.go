package verdict

import (
	"io"
	"testing"

	milter "github.com/relayguard/scanmilter"
	"github.com/relayguard/scanmilter/bridge/session"
)

// call records one invocation of a header/recipient/from mutating method.
type call struct {
	method string
	index  int
	name   string
	value  string
	code   uint16
}

// recordingModifier is a [milter.Modifier] that records every modification
// call instead of writing wire packets.
type recordingModifier struct {
	calls []call
}

func (m *recordingModifier) Get(name milter.MacroName) string { return "" }
func (m *recordingModifier) GetEx(name milter.MacroName) (string, bool) {
	return "", false
}
func (m *recordingModifier) Version() uint32            { return 6 }
func (m *recordingModifier) Protocol() milter.OptProtocol { return 0 }
func (m *recordingModifier) Actions() milter.OptAction    { return milter.AllActionMasks }
func (m *recordingModifier) MaxDataSize() milter.DataSize { return milter.DataSize64K }
func (m *recordingModifier) MilterId() uint64             { return 0 }

func (m *recordingModifier) AddRecipient(r string, esmtpArgs string) error {
	m.calls = append(m.calls, call{method: "AddRecipient", value: r})
	return nil
}
func (m *recordingModifier) DeleteRecipient(r string) error {
	m.calls = append(m.calls, call{method: "DeleteRecipient", value: r})
	return nil
}
func (m *recordingModifier) ReplaceBodyRawChunk(chunk []byte) error { return nil }
func (m *recordingModifier) ReplaceBody(r io.Reader) error          { return nil }
func (m *recordingModifier) Quarantine(reason string) error         { return nil }

func (m *recordingModifier) AddHeader(name, value string) error {
	m.calls = append(m.calls, call{method: "AddHeader", name: name, value: value})
	return nil
}
func (m *recordingModifier) ChangeHeader(index int, name, value string) error {
	m.calls = append(m.calls, call{method: "ChangeHeader", index: index, name: name, value: value})
	return nil
}
func (m *recordingModifier) InsertHeader(index int, name, value string) error {
	m.calls = append(m.calls, call{method: "InsertHeader", index: index, name: name, value: value})
	return nil
}
func (m *recordingModifier) ChangeFrom(value string, esmtpArgs string) error {
	m.calls = append(m.calls, call{method: "ChangeFrom", value: value})
	return nil
}
func (m *recordingModifier) ReplyCode(code uint16, text string) error {
	m.calls = append(m.calls, call{method: "ReplyCode", code: code, value: text})
	return nil
}
func (m *recordingModifier) Progress() error { return nil }

var _ milter.Modifier = (*recordingModifier)(nil)

func defaultConfig() Config {
	return Config{SpamHeader: "X-Spam", NoActionHeader: "X-Would-Action"}
}

func TestApply_MissingAction(t *testing.T) {
	v, err := Decode([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	resp, err := Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	if resp != milter.RespTempFail {
		t.Errorf("resp = %v, want RespTempFail", resp)
	}
}

func TestApply_Reject(t *testing.T) {
	v, err := Decode([]byte(`{"action":"reject","messages":{"smtp_message":"blocked"}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	resp, err := Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	// The REPLYCODE frame is written first, as a distinct call, then the
	// terminal Response carries the plain REJECT: the MTA sees two frames.
	if len(m.calls) != 1 || m.calls[0].method != "ReplyCode" || m.calls[0].code != 554 {
		t.Fatalf("calls = %v, want one ReplyCode(554, ...)", m.calls)
	}
	if m.calls[0].value != "5.7.1 blocked" {
		t.Errorf("ReplyCode text = %q, want %q", m.calls[0].value, "5.7.1 blocked")
	}
	if resp != milter.RespReject {
		t.Errorf("resp = %v, want RespReject", resp)
	}
}

func TestApply_SoftReject(t *testing.T) {
	v, err := Decode([]byte(`{"action":"soft_reject"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	resp, err := Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.calls) != 1 || m.calls[0].method != "ReplyCode" || m.calls[0].code != 451 {
		t.Fatalf("calls = %v, want one ReplyCode(451, ...)", m.calls)
	}
	if m.calls[0].value != "4.7.1 Try again later" {
		t.Errorf("ReplyCode text = %q, want %q", m.calls[0].value, "4.7.1 Try again later")
	}
	if resp != milter.RespTempFail {
		t.Errorf("resp = %v, want RespTempFail", resp)
	}
}

func TestApply_RejectDiscard(t *testing.T) {
	v, err := Decode([]byte(`{"action":"reject","milter":{"reject":"discard"}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	resp, err := Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	if resp != milter.RespDiscard {
		t.Errorf("resp = %v, want RespDiscard", resp)
	}
}

func TestApply_NoActionProbe(t *testing.T) {
	for _, action := range []string{"reject", "soft_reject", "add_header", "greylist"} {
		v, err := Decode([]byte(`{"action":"` + action + `","milter":{"no_action":true}}`))
		if err != nil {
			t.Fatal(err)
		}
		m := &recordingModifier{}
		resp, err := Apply(v, defaultConfig(), session.New(), m)
		if err != nil {
			t.Fatal(err)
		}
		if resp != milter.RespAccept {
			t.Errorf("%s: resp = %v, want RespAccept", action, resp)
		}
		if len(m.calls) != 1 || m.calls[0].method != "AddHeader" || m.calls[0].value != action {
			t.Errorf("%s: calls = %v, want one AddHeader(%q)", action, m.calls, action)
		}
	}
}

func TestApply_RemoveHeadersAllCount(t *testing.T) {
	sess := session.New()
	sess.OnHeader("X-Spam", "No")
	sess.OnHeader("X-Spam", "No")
	sess.OnHeader("X-Spam", "No")

	v, err := Decode([]byte(`{"action":"add_header","milter":{"remove_headers":{"X-Spam":0}}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	_, err = Apply(v, defaultConfig(), sess, m)
	if err != nil {
		t.Fatal(err)
	}
	var removed []int
	for _, c := range m.calls {
		if c.method == "ChangeHeader" && c.name == "X-Spam" && c.value == "" {
			removed = append(removed, c.index)
		}
	}
	if len(removed) != 3 {
		t.Fatalf("removed = %v, want 3 entries", removed)
	}
}

func TestApply_RemoveHeadersNegativeIndex(t *testing.T) {
	sess := session.New()
	sess.OnHeader("Received", "a")
	sess.OnHeader("Received", "b")
	sess.OnHeader("Received", "c")

	v, err := Decode([]byte(`{"action":"greylist","milter":{"remove_headers":{"Received":-1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	_, err = Apply(v, defaultConfig(), sess, m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.calls) != 1 || m.calls[0].index != 3 {
		t.Fatalf("calls = %v, want one ChangeHeader at index 3", m.calls)
	}
}

func TestApply_RemoveHeadersNegativeIndexOutOfBounds(t *testing.T) {
	sess := session.New()
	sess.OnHeader("Received", "a")

	v, err := Decode([]byte(`{"action":"greylist","milter":{"remove_headers":{"Received":-5}}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	_, err = Apply(v, defaultConfig(), sess, m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.calls) != 0 {
		t.Fatalf("calls = %v, want none", m.calls)
	}
}

func TestApply_AddHeadersWithOrder(t *testing.T) {
	v, err := Decode([]byte(`{"action":"greylist","milter":{"add_headers":{"X-Spam":{"value":"yes","order":2}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	_, err = Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.calls) != 1 || m.calls[0].method != "InsertHeader" || m.calls[0].index != 2 {
		t.Fatalf("calls = %v, want one InsertHeader at index 2", m.calls)
	}
}

func TestApply_RewriteSubject(t *testing.T) {
	v, err := Decode([]byte(`{"action":"rewrite_subject","subject":"[SPAM] hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	resp, err := Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	if resp != milter.RespAccept {
		t.Errorf("resp = %v, want RespAccept", resp)
	}
	if len(m.calls) != 1 || m.calls[0].method != "ChangeHeader" || m.calls[0].value != "[SPAM] hi" {
		t.Fatalf("calls = %v, want one ChangeHeader with the new subject", m.calls)
	}
}

func TestApply_DKIMSignature(t *testing.T) {
	v, err := Decode([]byte(`{"action":"greylist","dkim-signature":"v=1; ..."}`))
	if err != nil {
		t.Fatal(err)
	}
	m := &recordingModifier{}
	_, err = Apply(v, defaultConfig(), session.New(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.calls) != 1 || m.calls[0].method != "InsertHeader" || m.calls[0].index != 1 || m.calls[0].name != "DKIM-Signature" {
		t.Fatalf("calls = %v, want one InsertHeader at index 1 named DKIM-Signature", m.calls)
	}
}
