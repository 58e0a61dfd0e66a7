// Package bbstest provides a scripted stand-in for a BPQ login node, for use
// in tests of code that drives bbs sessions.
package bbstest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server answers one scripted conversation per accepted connection.
type Server struct {
	Host     string
	Port     int
	Username string
	Password string
	// Banner is sent after a correct password.
	Banner string
	// Responses maps a received command line to the text written back.
	// Commands with no entry get no reply.
	Responses map[string]string
	// MuteAfterUser stops the script after the username is received.
	MuteAfterUser bool

	ln       net.Listener
	mu       sync.Mutex
	received []string
	wg       sync.WaitGroup
}

// NewServer listens on an ephemeral loopback port and starts serving.
func NewServer(username, password string, responses map[string]string) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	s := &Server{
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		Banner:    "Welcome to TEST Telnet Server\r\n Enter ? for list of commands\r\n",
		Responses: responses,
		ln:        ln,
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Close stops accepting and waits for open conversations to finish.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

// Received returns the command lines seen so far, login lines included.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// WaitFor polls until line has been received or timeout passes.
func (s *Server) WaitFor(line string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, got := range s.Received() {
			if got == line {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	write := func(text string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, err := conn.Write([]byte(text))
		return err == nil
	}
	if !write("user: ") {
		return
	}
	user, ok := s.readLine(conn, r)
	if !ok || s.MuteAfterUser {
		return
	}
	if !write("password:") {
		return
	}
	pass, ok := s.readLine(conn, r)
	if !ok {
		return
	}
	if user != s.Username || pass != s.Password {
		write("Password incorrect\r\n")
		return
	}
	if !write(s.Banner) {
		return
	}
	for {
		cmd, ok := s.readLine(conn, r)
		if !ok {
			return
		}
		if cmd == "bye" {
			return
		}
		if reply, found := s.Responses[cmd]; found && !write(reply) {
			return
		}
	}
}

// readLine reads one CR-terminated line and records it.
func (s *Server) readLine(conn net.Conn, r *bufio.Reader) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadString('\r')
	if err != nil {
		return "", false
	}
	line = strings.TrimSpace(line)
	s.mu.Lock()
	s.received = append(s.received, line)
	s.mu.Unlock()
	return line, true
}
