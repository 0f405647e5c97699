package ingest

import (
	"strings"

	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/models"
)

// Filter decides whether the last message of a fetched conversation may become a ticket.
// The known-thread check runs on the listed id, before the conversation is fetched.
type Filter struct {
	orgDomain string
	rules     *config.Rules
	blocked   map[string]struct{}
}

func NewFilter(orgDomain string, rules *config.Rules, blocked []string) *Filter {
	f := &Filter{
		orgDomain: strings.ToLower(orgDomain),
		rules:     rules,
		blocked:   make(map[string]struct{}, len(blocked)),
	}
	for _, email := range blocked {
		f.blocked[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}
	return f
}

// Check returns the skip reason for msg, or "" when it passes every filter.
func (f *Filter) Check(msg *mailbox.Message) string {
	from := msg.Header("From")
	sender := mailbox.SenderAddress(from)

	switch {
	case sender == "":
		return models.SkipMissingSender
	case f.isInternal(from):
		return models.SkipInternalSender
	case f.isBlocked(sender):
		return models.SkipBlockedSender
	case IsNewsletter(msg, f.rules):
		return models.SkipNewsletter
	}
	return ""
}

func (f *Filter) isInternal(from string) bool {
	suffix := "@" + f.orgDomain
	for _, addr := range mailbox.ExtractAddresses(from) {
		if strings.HasSuffix(addr, suffix) {
			return true
		}
	}
	return false
}

func (f *Filter) isBlocked(sender string) bool {
	_, ok := f.blocked[sender]
	return ok
}

// IsNewsletter reports bulk traffic: list headers, or a bulk-looking sender together with
// marketing wording in the subject or body.
func IsNewsletter(msg *mailbox.Message, rules *config.Rules) bool {
	precedence := strings.ToLower(strings.TrimSpace(msg.Header("Precedence")))
	autoSubmitted := strings.ToLower(strings.TrimSpace(msg.Header("Auto-Submitted")))

	if msg.Header("List-Unsubscribe") != "" || msg.Header("List-Id") != "" {
		return true
	}
	if precedence == "bulk" || precedence == "list" || precedence == "junk" {
		return true
	}
	if autoSubmitted == "auto-generated" {
		return true
	}

	if !rules.IsBulkSender(msg.Header("From")) {
		return false
	}

	subject := strings.ToLower(msg.Header("Subject"))
	body := strings.ToLower(msg.Body)
	for _, term := range rules.NewsletterTerms {
		if strings.Contains(subject, term) || strings.Contains(body, term) {
			return true
		}
	}
	return false
}
