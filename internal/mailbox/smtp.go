package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPSender delivers outgoing messages through an SMTP submission server.
type SMTPSender struct {
	Addr string
	// StartTLS upgrades the connection before AUTH. Leave it off only for local test servers.
	StartTLS bool
	// TLSConfig overrides the default config used for STARTTLS.
	TLSConfig *tls.Config
	// Auth is used when the server advertises AUTH. Nil sends unauthenticated.
	Auth sasl.Client
}

// NewOAuthBearerSMTP returns a sender that authenticates with an OAuth access token.
func NewOAuthBearerSMTP(addr, username, accessToken string) *SMTPSender {
	return &SMTPSender{
		Addr:     addr,
		StartTLS: true,
		Auth: sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: username,
			Token:    accessToken,
		}),
	}
}

func (s *SMTPSender) Send(ctx context.Context, out Outgoing) (*SendResult, error) {
	from, err := mail.ParseAddress(out.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", out.From, err)
	}
	to, err := mail.ParseAddressList(out.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to address %q: %w", out.To, err)
	}

	raw, err := buildMIME(out)
	if err != nil {
		return nil, err
	}
	if out.ThreadID != "" {
		ref := "<" + out.ThreadID + ">"
		raw = append([]byte("In-Reply-To: "+ref+"\r\nReferences: "+ref+"\r\n"), raw...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := s.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("AUTH"); ok && s.Auth != nil {
		if err := c.Auth(s.Auth); err != nil {
			return nil, fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	rcpts := make([]string, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, addr.Address)
	}

	if err := c.SendMail(from.Address, rcpts, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if err := c.Quit(); err != nil {
		return nil, fmt.Errorf("SMTP quit failed: %w", err)
	}

	return &SendResult{ThreadID: out.ThreadID, Threaded: out.ThreadID != ""}, nil
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	if !s.StartTLS {
		c, err := smtp.Dial(s.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial SMTP server: %w", err)
		}
		return c, nil
	}

	tlsConfig := s.TLSConfig
	if tlsConfig == nil {
		host, _, _ := net.SplitHostPort(s.Addr)
		tlsConfig = &tls.Config{ServerName: host}
	}
	c, err := smtp.DialStartTLS(s.Addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("SMTP STARTTLS failed: %w", err)
	}
	return c, nil
}
