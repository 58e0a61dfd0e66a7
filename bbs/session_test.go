package bbs

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"packetmap/bbs/bbstest"
)

func testOptions() Options {
	return Options{
		ConnectTimeout:     time.Second,
		PromptTimeout:      300 * time.Millisecond,
		BannerTimeout:      300 * time.Millisecond,
		NodeConnectTimeout: 300 * time.Millisecond,
	}
}

func startServer(t *testing.T, responses map[string]string) *bbstest.Server {
	t.Helper()
	srv, err := bbstest.NewServer("n0call", "secret", responses)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	_, err = Open("127.0.0.1", addr.Port, Credentials{}, testOptions())
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", err)
	}
}

func TestLoginAndRunCommand(t *testing.T) {
	srv := startServer(t, map[string]string{
		"p": "KD5LPB} Ports\r\n 1 145.050 MHz\r\n***\r\n",
	})
	var transcript bytes.Buffer
	opts := testOptions()
	opts.Transcript = &transcript
	err := Run(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, opts, func(s *Session) error {
		out, err := s.RunCommand("p", "***", time.Second)
		if err != nil {
			return err
		}
		if !strings.Contains(string(out), "145.050 MHz") {
			t.Fatalf("unexpected output %q", out)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !srv.WaitFor("bye", time.Second) {
		t.Fatalf("expected logout, server saw %v", srv.Received())
	}
	if !strings.Contains(transcript.String(), "Telnet Server") {
		t.Fatalf("transcript missing banner: %q", transcript.String())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := startServer(t, nil)
	err := Run(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "nope"}, testOptions(), func(*Session) error {
		t.Fatalf("callback must not run")
		return nil
	})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestLoginMissingPrompt(t *testing.T) {
	srv := startServer(t, nil)
	srv.MuteAfterUser = true
	s, err := Open(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Login(); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestConnectToSuccess(t *testing.T) {
	srv := startServer(t, map[string]string{
		"c KE0GB": "KD5LPB} Connected to COSCO:KE0GB-7\r\n",
	})
	s, err := Open(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.ConnectTo("ke0gb"); err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	if s.Node() != "KE0GB" {
		t.Fatalf("Node = %q", s.Node())
	}
}

func TestConnectToFailureMarkerAborts(t *testing.T) {
	srv := startServer(t, map[string]string{
		"c NOWHERE": "KD5LPB} Downlink connect needs port number\r\n",
	})
	s, err := Open(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	err = s.ConnectTo("NOWHERE")
	if !errors.Is(err, ErrTargetUnreachable) {
		t.Fatalf("expected ErrTargetUnreachable, got %v", err)
	}
	if !srv.WaitFor("b", time.Second) {
		t.Fatalf("expected abort keystroke, server saw %v", srv.Received())
	}
}

func TestConnectToSilentNode(t *testing.T) {
	srv := startServer(t, nil)
	s, err := Open(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.ConnectTo("SILENT"); !errors.Is(err, ErrTargetUnreachable) {
		t.Fatalf("expected ErrTargetUnreachable, got %v", err)
	}
}

func TestRunCommandTimeoutKeepsPartial(t *testing.T) {
	srv := startServer(t, map[string]string{
		"mh 1": "Heard List for Port 1\r\nKE0GB-7 0:00:01:00\r\n",
	})
	s, err := Open(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Login(); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = s.RunCommand("mh 1", "***", 200*time.Millisecond)
	var pte *ProtocolTimeoutError
	if !errors.As(err, &pte) || !errors.Is(err, ErrProtocolTimeout) {
		t.Fatalf("expected ProtocolTimeoutError, got %v", err)
	}
	if !strings.Contains(string(pte.Partial), "KE0GB-7") {
		t.Fatalf("partial buffer lost: %q", pte.Partial)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := startServer(t, nil)
	s, err := Open(srv.Host, srv.Port, Credentials{Username: "n0call", Password: "secret"}, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
