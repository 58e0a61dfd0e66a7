// Package bbs drives the line-oriented terminal interface of a BPQ-style
// packet node: login, onward connect, and menu commands read up to a marker.
package bbs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"packetmap/strutil"

	"github.com/ziutek/telnet"
)

const (
	connectedMarker = "Connected to"
	abortCommand    = "b"
	logoutCommand   = "bye"
)

// Credentials are the fixed username/password pair of the login node.
type Credentials struct {
	Username string
	Password string
}

// Options bound every exchange of a session. Zero values take the defaults.
type Options struct {
	ConnectTimeout     time.Duration
	PromptTimeout      time.Duration
	BannerTimeout      time.Duration
	NodeConnectTimeout time.Duration
	WriteTimeout       time.Duration
	UserPrompt         string
	PasswordPrompt     string
	Banner             string
	FailureMarkers     []string
	// Transcript, when set, receives every byte read from the node.
	Transcript io.Writer
}

// DefaultOptions returns the timeouts and markers used by BPQ32 nodes.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:     5 * time.Second,
		PromptTimeout:      2 * time.Second,
		BannerTimeout:      20 * time.Second,
		NodeConnectTimeout: 30 * time.Second,
		WriteTimeout:       5 * time.Second,
		UserPrompt:         "user:",
		PasswordPrompt:     "password:",
		Banner:             "Telnet Server",
		FailureMarkers:     []string{"needs port number", "Failure with", "Busy from"},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = d.PromptTimeout
	}
	if o.BannerTimeout <= 0 {
		o.BannerTimeout = d.BannerTimeout
	}
	if o.NodeConnectTimeout <= 0 {
		o.NodeConnectTimeout = d.NodeConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.UserPrompt == "" {
		o.UserPrompt = d.UserPrompt
	}
	if o.PasswordPrompt == "" {
		o.PasswordPrompt = d.PasswordPrompt
	}
	if o.Banner == "" {
		o.Banner = d.Banner
	}
	if o.FailureMarkers == nil {
		o.FailureMarkers = d.FailureMarkers
	}
	return o
}

// Session is one terminal connection to the login node. It is not safe for
// concurrent use; the protocol is strictly request/response.
type Session struct {
	conn   *telnet.Conn
	addr   string
	creds  Credentials
	opts   Options
	node   string
	closed bool
}

// Open dials the login node. The caller must Close the session.
func Open(host string, port int, creds Credentials, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log.Printf("bbs: connecting to %s...", addr)
	conn, err := telnet.DialTimeout("tcp", addr, opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrSessionUnavailable, addr, err)
	}
	return &Session{conn: conn, addr: addr, creds: creds, opts: opts}, nil
}

// Run opens a session, logs in, and hands it to fn. The session is closed on
// every exit path.
func Run(host string, port int, creds Credentials, opts Options, fn func(*Session) error) error {
	s, err := Open(host, port, creds, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			log.Printf("bbs: %s: close: %v", s.addr, cerr)
		}
	}()
	if err := s.Login(); err != nil {
		return err
	}
	return fn(s)
}

// Addr is the host:port of the login node.
func (s *Session) Addr() string { return s.addr }

// Node is the node reached by the last successful ConnectTo, or "".
func (s *Session) Node() string { return s.node }

// Login runs the user / password / banner handshake.
func (s *Session) Login() error {
	steps := []struct {
		what    string
		marker  string
		reply   string
		send    bool
		timeout time.Duration
	}{
		{what: "user prompt", marker: s.opts.UserPrompt, reply: s.creds.Username, send: true, timeout: s.opts.PromptTimeout},
		{what: "password prompt", marker: s.opts.PasswordPrompt, reply: s.creds.Password, send: true, timeout: s.opts.PromptTimeout},
		{what: "banner", marker: s.opts.Banner, timeout: s.opts.BannerTimeout},
	}
	for _, step := range steps {
		if _, err := s.readUntil(step.timeout, step.marker); err != nil {
			return fmt.Errorf("%w: %s: waiting for %s: %v", ErrAuthentication, s.addr, step.what, err)
		}
		if !step.send {
			continue
		}
		if err := s.writeLine(step.reply); err != nil {
			return fmt.Errorf("%w: %s: sending %s reply: %v", ErrAuthentication, s.addr, step.what, err)
		}
	}
	log.Printf("bbs: logged in to %s as %s", s.addr, s.creds.Username)
	return nil
}

// ConnectTo asks the login node to connect onward to nodeID. Failure leaves
// the session on the login node's menu and wraps ErrTargetUnreachable.
func (s *Session) ConnectTo(nodeID string) error {
	nodeID = strutil.NormalizeUpper(nodeID)
	if nodeID == "" {
		return fmt.Errorf("%w: empty node id", ErrTargetUnreachable)
	}
	log.Printf("bbs: connecting to node %s via %s", nodeID, s.addr)
	if err := s.writeLine("c " + nodeID); err != nil {
		return err
	}
	markers := append([]string{connectedMarker}, s.opts.FailureMarkers...)
	data, err := s.readUntil(s.opts.NodeConnectTimeout, markers...)
	if err == nil && bytes.HasSuffix(data, []byte(connectedMarker)) {
		s.node = nodeID
		// Swallow the rest of the "Connected to NODE" line.
		if _, err := s.readUntil(s.opts.PromptTimeout, "\n"); err != nil && !isTimeout(err) {
			return s.dropped(err)
		}
		log.Printf("bbs: connected to node %s", nodeID)
		return nil
	}
	if err != nil && !isTimeout(err) {
		return s.dropped(err)
	}
	reason := "no response"
	switch {
	case err == nil:
		reason = "node reported " + strconv.Quote(matchedMarker(data, markers))
	case len(bytes.TrimSpace(data)) > 0:
		reason = "timed out after " + strconv.Quote(lastLine(data))
	}
	if werr := s.writeLine(abortCommand); werr != nil {
		log.Printf("bbs: %s: abort after failed connect: %v", s.addr, werr)
	}
	return fmt.Errorf("%w: %s: %s", ErrTargetUnreachable, nodeID, reason)
}

// RunCommand writes cmd and reads until the marker. On timeout the partial
// buffer is returned inside a *ProtocolTimeoutError.
func (s *Session) RunCommand(cmd, until string, timeout time.Duration) ([]byte, error) {
	if err := s.writeLine(cmd); err != nil {
		return nil, err
	}
	data, err := s.readUntil(timeout, until)
	if err != nil {
		if isTimeout(err) {
			return data, &ProtocolTimeoutError{Command: cmd, Marker: until, Partial: data}
		}
		return data, s.dropped(err)
	}
	return data, nil
}

// Close sends the logout command and releases the socket. It is safe to call
// more than once.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if err := s.writeLine(logoutCommand); err != nil {
		log.Printf("bbs: %s: logout: %v", s.addr, err)
	}
	return s.conn.Close()
}

func (s *Session) readUntil(timeout time.Duration, markers ...string) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var data []byte
	defer func() {
		if s.opts.Transcript != nil && len(data) > 0 {
			_, _ = s.opts.Transcript.Write(data)
		}
	}()
	for {
		b, err := s.conn.ReadByte()
		if err != nil {
			// Partial data is kept for the timeout diagnostics.
			return data, err
		}
		data = append(data, b)
		for _, m := range markers {
			if m != "" && bytes.HasSuffix(data, []byte(m)) {
				return data, nil
			}
		}
	}
}

func (s *Session) writeLine(line string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return s.dropped(err)
	}
	if _, err := s.conn.Write([]byte(line + "\r")); err != nil {
		return s.dropped(err)
	}
	return nil
}

func (s *Session) dropped(err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSessionUnavailable, s.addr, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func matchedMarker(data []byte, markers []string) string {
	for _, m := range markers {
		if bytes.HasSuffix(data, []byte(m)) {
			return m
		}
	}
	return ""
}

func lastLine(data []byte) string {
	text := strings.TrimSpace(string(data))
	if idx := strings.LastIndexAny(text, "\r\n"); idx >= 0 {
		text = text[idx+1:]
	}
	return text
}
