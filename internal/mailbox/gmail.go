package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const gmailUser = "me"

// GmailClient reads and sends through the Gmail REST API for one account.
// Every call waits on the account's rate limiter and runs through its circuit breaker.
type GmailClient struct {
	svc     *gmail.Service
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGmailClient wraps an authenticated Gmail service.
func NewGmailClient(svc *gmail.Service, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker) *GmailClient {
	return &GmailClient{svc: svc, limiter: limiter, breaker: breaker}
}

// NewGmailBreaker returns the circuit breaker guarding one account's Gmail calls.
// Client-side errors other than 429 do not count as failures.
func NewGmailBreaker(account string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail:" + account,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				return apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (c *GmailClient) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.breaker.Execute(fn)
}

func (c *GmailClient) ListConversations(ctx context.Context, query Query, cursor string) (Page, error) {
	res, err := c.call(ctx, func() (any, error) {
		req := c.svc.Users.Threads.List(gmailUser).
			Q(query.String()).
			MaxResults(PageSize).
			Context(ctx)
		if cursor != "" {
			req = req.PageToken(cursor)
		}
		return req.Do()
	})
	if err != nil {
		return Page{}, fmt.Errorf("failed to list threads: %w", describeGmailError(err))
	}

	resp := res.(*gmail.ListThreadsResponse)
	page := Page{NextCursor: resp.NextPageToken}
	for _, t := range resp.Threads {
		page.ConversationIDs = append(page.ConversationIDs, t.Id)
	}
	return page, nil
}

func (c *GmailClient) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	res, err := c.call(ctx, func() (any, error) {
		return c.svc.Users.Threads.Get(gmailUser, id).Format("full").Context(ctx).Do()
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("thread %s: %w", id, ErrConversationNotFound)
		}
		return nil, fmt.Errorf("failed to get thread %s: %w", id, describeGmailError(err))
	}

	return conversationFromThread(res.(*gmail.Thread)), nil
}

// Send sends a plain-text message. When the thread id is rejected the message is re-sent unthreaded.
func (c *GmailClient) Send(ctx context.Context, out Outgoing) (*SendResult, error) {
	return sendWithThreadFallback(ctx, c.sendOnce, out)
}

func (c *GmailClient) sendOnce(ctx context.Context, out Outgoing) (*SendResult, error) {
	raw, err := buildMIME(out)
	if err != nil {
		return nil, err
	}

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: out.ThreadID,
	}

	res, err := c.call(ctx, func() (any, error) {
		return c.svc.Users.Messages.Send(gmailUser, msg).Context(ctx).Do()
	})
	if err != nil {
		if out.ThreadID != "" && isThreadRejection(err) {
			return nil, fmt.Errorf("%w: %v", ErrThreadRejected, err)
		}
		return nil, fmt.Errorf("failed to send message: %w", describeGmailError(err))
	}

	sent := res.(*gmail.Message)
	return &SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

func isThreadRejection(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || strings.Contains(strings.ToLower(apiErr.Message), "thread")
}

// describeGmailError keeps the API's own message when there is one.
func describeGmailError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return fmt.Errorf("gmail api %d: %s", apiErr.Code, apiErr.Message)
	}
	return err
}
