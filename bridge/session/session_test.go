package session

import (
	"testing"
)

func TestSession_OnHeader(t *testing.T) {
	s := New()
	s.OnHeader("From", "a@example.com")
	s.OnHeader("From", "b@example.com")
	s.OnHeader("from", "c@example.com")
	s.OnHeader("Subject", "hi")
	s.OnEOH()
	s.OnBody([]byte("body"))

	if got := s.HeaderCount("FROM"); got != 3 {
		t.Errorf("HeaderCount(FROM) = %d, want 3", got)
	}
	if got := s.HeaderCount("Subject"); got != 1 {
		t.Errorf("HeaderCount(Subject) = %d, want 1", got)
	}

	want := "From: a@example.com\r\nFrom: b@example.com\r\nfrom: c@example.com\r\nSubject: hi\r\n\r\nbody"
	if got := s.Message.String(); got != want {
		t.Errorf("Message = %q, want %q", got, want)
	}
}

func TestSession_OnConnect(t *testing.T) {
	tests := []struct {
		name       string
		family     string
		address    string
		port       uint16
		wantNilPtr bool
	}{
		{"inet4", "tcp4", "192.0.2.1", 25, false},
		{"inet6", "tcp6", "2001:db8::1", 25, false},
		{"unix", "unix", "/var/run/milter.sock", 0, false},
		{"unknown", "unknown", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.OnConnect("client.example", tt.family, tt.port, tt.address)
			if (s.PeerAddr == nil) != tt.wantNilPtr {
				t.Errorf("PeerAddr = %v, want nil: %v", s.PeerAddr, tt.wantNilPtr)
			}
			if s.Hostname != "client.example" {
				t.Errorf("Hostname = %q, want %q", s.Hostname, "client.example")
			}
		})
	}
}

func TestSession_AbortReset(t *testing.T) {
	s := New()
	s.OnConnect("client.example", "tcp4", 25, "192.0.2.1")
	s.OnHelo("client.example")
	s.OnMailFrom("a@example.com", "")
	s.OnRcptTo("b@example.com", "")
	s.OnHeader("Subject", "hi")
	s.OnEOH()
	s.OnBody([]byte("body"))

	s.AbortReset()

	if s.Message.Len() != 0 {
		t.Errorf("Message.Len() = %d, want 0", s.Message.Len())
	}
	if s.Rcpts != nil {
		t.Errorf("Rcpts = %v, want nil", s.Rcpts)
	}
	if s.From != nil {
		t.Errorf("From = %v, want nil", s.From)
	}
	if s.Helo != "" {
		t.Errorf("Helo = %q, want empty", s.Helo)
	}
	if s.Hostname != "" {
		t.Errorf("Hostname = %q, want empty", s.Hostname)
	}
	if len(s.HeadersSeen) != 0 {
		t.Errorf("HeadersSeen = %v, want empty", s.HeadersSeen)
	}
	if s.PeerAddr == nil {
		t.Error("PeerAddr should be preserved across AbortReset")
	}
}

func TestSession_QuitNCReset(t *testing.T) {
	s := New()
	s.OnConnect("client.example", "tcp4", 25, "192.0.2.1")
	s.OnMailFrom("a@example.com", "")

	s.QuitNCReset()

	if s.PeerAddr != nil {
		t.Errorf("PeerAddr = %v, want nil", s.PeerAddr)
	}
	if s.From != nil {
		t.Errorf("From = %v, want nil", s.From)
	}
}
