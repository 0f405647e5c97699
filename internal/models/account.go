package models

import (
	"strings"
	"time"
)

// OAuth scopes checked on account credentials.
const (
	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeGmailSend     = "https://www.googleapis.com/auth/gmail.send"
)

// AccountCredential is a connected mailbox account with its decrypted refresh credential.
type AccountCredential struct {
	Email        string    `json:"email"`
	RefreshToken string    `json:"-"`
	Scope        string    `json:"scope"`
	IssuedAt     time.Time `json:"issued_at"`
}

// HasScope reports whether the space-delimited scope string grants the given scope.
func HasScope(scope, required string) bool {
	for _, s := range strings.Fields(scope) {
		if s == required {
			return true
		}
	}
	return false
}

// CanRead reports whether the account may be scanned for new conversations.
func (c AccountCredential) CanRead() bool {
	return c.RefreshToken != "" && HasScope(c.Scope, ScopeGmailReadonly)
}

// CanSend reports whether the account may send outbound mail.
func (c AccountCredential) CanSend() bool {
	return c.RefreshToken != "" && HasScope(c.Scope, ScopeGmailSend)
}
