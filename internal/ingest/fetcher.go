package ingest

import (
	"context"

	"github.com/vdavid/ticketdesk/internal/mailbox"
)

// MaxConversationsPerAccount bounds how many conversations one account contributes to a run.
const MaxConversationsPerAccount = 250

// ListAccountConversations pages through the listing until it ends or the per-account cap
// is reached.
func ListAccountConversations(ctx context.Context, client mailbox.Client, query mailbox.Query) ([]string, error) {
	var (
		ids    []string
		cursor string
	)
	for {
		page, err := client.ListConversations(ctx, query, cursor)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page.ConversationIDs...)
		cursor = page.NextCursor
		if cursor == "" || len(ids) >= MaxConversationsPerAccount {
			break
		}
	}

	if len(ids) > MaxConversationsPerAccount {
		ids = ids[:MaxConversationsPerAccount]
	}
	return ids, nil
}
