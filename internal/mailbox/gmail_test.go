package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
)

type fakeGmail struct {
	mu      sync.Mutex
	queries []string
	tokens  []string
	sent    []gmail.Message
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/threads":
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		f.tokens = append(f.tokens, r.URL.Query().Get("pageToken"))
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"threads":[{"id":"t1"},{"id":"t2"}],"nextPageToken":"page-2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"threads":[{"id":"t3"}]}`))

	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/threads/t1":
		body := base64.URLEncoding.EncodeToString([]byte("Hej, my order never arrived."))
		_, _ = w.Write([]byte(`{"id":"t1","messages":[{"id":"m1","threadId":"t1","internalDate":"1760000000000",
			"payload":{"mimeType":"multipart/alternative",
				"headers":[{"name":"From","value":"Kund <kund@example.com>"},{"name":"Subject","value":"Order"}],
				"parts":[{"mimeType":"text/html","body":{"data":"PGI+aGk8L2I+"}},
					{"mimeType":"text/plain","body":{"data":"` + body + `"}}]}}]}`))

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/threads/"):
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))

	case r.Method == http.MethodPost && r.URL.Path == "/gmail/v1/users/me/messages/send":
		var msg gmail.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		f.sent = append(f.sent, msg)
		if msg.ThreadId == "gone" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
			return
		}
		threadID := msg.ThreadId
		if threadID == "" {
			threadID = "new-thread"
		}
		_, _ = w.Write([]byte(`{"id":"sent-1","threadId":"` + threadID + `"}`))

	default:
		http.NotFound(w, r)
	}
}

func newGmailTestClient(t *testing.T) (Client, *fakeGmail) {
	t.Helper()

	fake := &fakeGmail{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	factory := NewProviderFactory(&config.Config{GmailQPS: 100}, zap.NewNop())
	factory.GmailEndpoint = srv.URL
	factory.HTTPClient = srv.Client()

	client, err := factory.ForAccount(context.Background(), models.AccountCredential{
		Email:        "support@vendora.se",
		RefreshToken: "refresh",
		Scope:        models.ScopeGmailReadonly,
	})
	require.NoError(t, err)
	return client, fake
}

func TestGmailListConversations(t *testing.T) {
	client, fake := newGmailTestClient(t)
	ctx := context.Background()
	query := BuildQuery(time.Date(2026, 2, 11, 20, 0, 0, 0, time.UTC))

	page, err := client.ListConversations(ctx, query, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, page.ConversationIDs)
	assert.Equal(t, "page-2", page.NextCursor)

	page, err = client.ListConversations(ctx, query, page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, page.ConversationIDs)
	assert.Empty(t, page.NextCursor)

	assert.Equal(t, []string{"after:2026/02/11 -in:chats -in:drafts -in:trash"}, fake.queries[:1])
	assert.Equal(t, []string{"", "page-2"}, fake.tokens)
}

func TestGmailGetConversation(t *testing.T) {
	client, _ := newGmailTestClient(t)
	ctx := context.Background()

	conv, err := client.GetConversation(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)

	msg := conv.Last()
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, "Kund <kund@example.com>", msg.Header("from"))
	assert.Equal(t, "Hej, my order never arrived.", msg.Body)
	assert.Equal(t, time.UnixMilli(1760000000000).UTC(), msg.InternalDate)

	_, err = client.GetConversation(ctx, "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGmailSend(t *testing.T) {
	client, fake := newGmailTestClient(t)
	ctx := context.Background()

	t.Run("threaded", func(t *testing.T) {
		res, err := client.Send(ctx, Outgoing{
			From:     "support@vendora.se",
			To:       "kund@example.com",
			Subject:  "Re: Order",
			Body:     "We are on it.",
			ThreadID: "t1",
		})
		require.NoError(t, err)
		assert.True(t, res.Threaded)
		assert.Equal(t, "t1", res.ThreadID)

		raw, err := base64.URLEncoding.DecodeString(fake.sent[len(fake.sent)-1].Raw)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "Subject: Re: Order")
		assert.Contains(t, string(raw), "We are on it.")
	})

	t.Run("rejected thread falls back to a new conversation", func(t *testing.T) {
		before := len(fake.sent)
		res, err := client.Send(ctx, Outgoing{
			From:     "support@vendora.se",
			To:       "kund@example.com",
			Subject:  "Re: Order",
			Body:     "Following up.",
			ThreadID: "gone",
		})
		require.NoError(t, err)
		assert.False(t, res.Threaded)
		assert.Equal(t, "new-thread", res.ThreadID)
		require.Len(t, fake.sent, before+2)
		assert.Empty(t, fake.sent[before+1].ThreadId)
	})

	t.Run("invalid address", func(t *testing.T) {
		_, err := client.Send(ctx, Outgoing{From: "not an address", To: "kund@example.com"})
		require.Error(t, err)
	})
}

func TestFactoryEligibility(t *testing.T) {
	factory := NewProviderFactory(&config.Config{GmailQPS: 1}, zap.NewNop())

	_, err := factory.ForAccount(context.Background(), models.AccountCredential{Email: "a@vendora.se"})
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = factory.ForAccount(context.Background(), models.AccountCredential{Email: "a@vendora.se", RefreshToken: "r"})
	require.ErrorIs(t, err, ErrNotEligible, "missing OAuth client id")
}
