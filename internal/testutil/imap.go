package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server.
// The memory backend has a single user "username" with password "password".
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
}

// TestMail is a message to deliver into the test mailbox.
type TestMail struct {
	MessageID  string
	InReplyTo  string
	References string
	From       string
	To         string
	Subject    string
	Body       string
	Date       time.Time
	Headers    map[string]string
}

// NewTestIMAPServer starts the server on a random port and stops it when the test ends.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	t.Cleanup(func() {
		_ = s.Close()
	})

	srv := &TestIMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
	}
	srv.clearInbox(t)
	return srv
}

// clearInbox removes the sample message the memory backend seeds INBOX with.
func (s *TestIMAPServer) clearInbox(t *testing.T) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select("INBOX", false); err != nil {
		t.Fatalf("Failed to select INBOX: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge INBOX: %v", err)
	}
}

func (s *TestIMAPServer) Username() string { return "username" }

func (s *TestIMAPServer) Password() string { return "password" }

// Connect opens a logged-in client connection.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.Username(), s.Password()); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// Deliver appends a message to INBOX with m.Date as its internal date.
// An empty MessageID leaves the header out.
func (s *TestIMAPServer) Deliver(t *testing.T, m TestMail) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	var b strings.Builder
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", m.MessageID)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", m.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	for name, value := range m.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")

	if err := client.Append("INBOX", []string{imap.SeenFlag}, m.Date, strings.NewReader(b.String())); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}
