package testutil

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/models"
)

// Mail builds a mailbox message with the usual headers. Extra headers are appended.
func Mail(id, from, to, subject, body string, at time.Time, extra ...mailbox.Header) mailbox.Message {
	headers := []mailbox.Header{
		{Name: "From", Value: from},
		{Name: "To", Value: to},
		{Name: "Subject", Value: subject},
		{Name: "Message-ID", Value: "<" + id + "@mail.example.com>"},
	}
	return mailbox.Message{
		ID:           id,
		InternalDate: at.UTC(),
		Headers:      append(headers, extra...),
		Body:         body,
	}
}

// FakeMailbox is a scripted mailbox.Client. Conversations are listed in insertion order.
type FakeMailbox struct {
	mu            sync.Mutex
	order         []string
	conversations map[string]*mailbox.Conversation
	pageSize      int

	ListErr  error
	FetchErr map[string]error
	Sent     []mailbox.Outgoing

	Queries   []mailbox.Query
	Fetches   int
	ListCalls int
}

func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{
		conversations: make(map[string]*mailbox.Conversation),
		FetchErr:      make(map[string]error),
		pageSize:      mailbox.PageSize,
	}
}

// SetPageSize overrides the page size used by ListConversations.
func (f *FakeMailbox) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// Add registers a conversation whose messages carry the conversation id as thread id.
func (f *FakeMailbox) Add(id string, messages ...mailbox.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range messages {
		messages[i].ThreadID = id
	}
	if _, ok := f.conversations[id]; !ok {
		f.order = append(f.order, id)
	}
	f.conversations[id] = &mailbox.Conversation{ID: id, Messages: messages}
}

func (f *FakeMailbox) ListConversations(_ context.Context, query mailbox.Query, cursor string) (mailbox.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ListCalls++
	f.Queries = append(f.Queries, query)
	if f.ListErr != nil {
		return mailbox.Page{}, f.ListErr
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return mailbox.Page{}, fmt.Errorf("bad cursor %q", cursor)
		}
		offset = n
	}

	end := offset + f.pageSize
	if end > len(f.order) {
		end = len(f.order)
	}
	page := mailbox.Page{ConversationIDs: append([]string(nil), f.order[offset:end]...)}
	if end < len(f.order) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeMailbox) GetConversation(_ context.Context, id string) (*mailbox.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Fetches++
	if err := f.FetchErr[id]; err != nil {
		return nil, err
	}
	conv, ok := f.conversations[id]
	if !ok {
		return nil, mailbox.ErrConversationNotFound
	}
	copied := *conv
	copied.Messages = append([]mailbox.Message(nil), conv.Messages...)
	return &copied, nil
}

func (f *FakeMailbox) Send(_ context.Context, out mailbox.Outgoing) (*mailbox.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Sent = append(f.Sent, out)
	return &mailbox.SendResult{MessageID: fmt.Sprintf("sent-%d", len(f.Sent)), ThreadID: out.ThreadID, Threaded: out.ThreadID != ""}, nil
}

// FakeFactory hands out FakeMailbox clients by account email.
type FakeFactory struct {
	Mailboxes map[string]*FakeMailbox
}

func (f *FakeFactory) ForAccount(_ context.Context, cred models.AccountCredential) (mailbox.Client, error) {
	mb, ok := f.Mailboxes[cred.Email]
	if !ok {
		return nil, errors.New("no mailbox scripted for " + cred.Email)
	}
	return mb, nil
}
