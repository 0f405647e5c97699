// Package mailbox wraps the upstream mail providers behind one conversation-oriented client.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PageSize is the number of conversations requested per listing page.
const PageSize = 100

var (
	// ErrNotEligible is returned when an account cannot be read with the configured credentials.
	ErrNotEligible = errors.New("account not eligible for mailbox access")
	// ErrThreadRejected is returned when the provider refuses to thread an outgoing message.
	ErrThreadRejected = errors.New("provider rejected the thread id")
	// ErrConversationNotFound is returned when a conversation id is unknown to the provider.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Query selects the conversations to list. Only the UTC calendar date of After is used.
type Query struct {
	After time.Time
}

// BuildQuery returns the listing query for a scan starting at start.
func BuildQuery(start time.Time) Query {
	return Query{After: start.UTC()}
}

// String renders the query in Gmail search syntax.
func (q Query) String() string {
	return fmt.Sprintf("after:%s -in:chats -in:drafts -in:trash", q.After.UTC().Format("2006/01/02"))
}

// Since returns midnight UTC of the query date.
func (q Query) Since() time.Time {
	y, m, d := q.After.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Page is one page of conversation ids. An empty NextCursor means the listing is complete.
type Page struct {
	ConversationIDs []string
	NextCursor      string
}

type Header struct {
	Name  string
	Value string
}

type Message struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Headers      []Header
	Body         string
}

// Header returns the first value of the named header, matched case-insensitively.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Conversation is a provider thread with its messages in delivery order.
type Conversation struct {
	ID       string
	Messages []Message
}

// Last returns the newest message, or nil for an empty conversation.
func (c *Conversation) Last() *Message {
	if c == nil || len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Outgoing is a plain-text message to send. ThreadID is optional.
type Outgoing struct {
	From     string
	To       string
	Subject  string
	Body     string
	ThreadID string
}

type SendResult struct {
	MessageID string
	ThreadID  string
	Threaded  bool
}

// Client is a mailbox account as seen by the ingestion engine.
type Client interface {
	ListConversations(ctx context.Context, query Query, cursor string) (Page, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	Send(ctx context.Context, out Outgoing) (*SendResult, error)
}

// sendFunc performs a single send attempt.
type sendFunc func(ctx context.Context, out Outgoing) (*SendResult, error)

// sendWithThreadFallback sends threaded when a thread id is given and re-sends unthreaded
// if the provider rejects that thread.
func sendWithThreadFallback(ctx context.Context, send sendFunc, out Outgoing) (*SendResult, error) {
	res, err := send(ctx, out)
	if err == nil {
		res.Threaded = out.ThreadID != ""
		return res, nil
	}
	if out.ThreadID == "" || !errors.Is(err, ErrThreadRejected) {
		return nil, err
	}

	out.ThreadID = ""
	res, err = send(ctx, out)
	if err != nil {
		return nil, err
	}
	res.Threaded = false
	return res, nil
}
