package mailbox

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/ticketdesk/internal/metrics"
	"go.uber.org/zap"
)

// IMAPConfig describes how to reach and authenticate against an IMAP mailbox.
type IMAPConfig struct {
	Addr    string
	TLS     bool
	Folder  string
	Timeout time.Duration
	// Account scopes ids synthesized for messages without a Message-ID.
	Account string
	// Auth authenticates a freshly dialed connection.
	Auth   func(c *client.Client) error
	Logger *zap.Logger
}

// OAuthBearerAuth authenticates with SASL OAUTHBEARER using an access token.
func OAuthBearerAuth(username, accessToken string) func(c *client.Client) error {
	return func(c *client.Client) error {
		return c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: username,
			Token:    accessToken,
		}))
	}
}

// PasswordAuth authenticates with LOGIN.
func PasswordAuth(username, password string) func(c *client.Client) error {
	return func(c *client.Client) error {
		return c.Login(username, password)
	}
}

// IMAPClient serves conversations from one IMAP folder. Messages are grouped into
// conversations with THREAD REFERENCES when the server supports it, otherwise by the
// root Message-ID found in References or In-Reply-To.
//
// A listing fetches every matching message once; later pages and GetConversation are
// served from that snapshot.
type IMAPClient struct {
	cfg    IMAPConfig
	sender *SMTPSender

	mu       sync.Mutex
	snapshot *imapSnapshot
}

type imapSnapshot struct {
	query         Query
	order         []string
	conversations map[string]*Conversation
}

func NewIMAPClient(cfg IMAPConfig, sender *SMTPSender) *IMAPClient {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Account == "" {
		cfg.Account = cfg.Addr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &IMAPClient{cfg: cfg, sender: sender}
}

func (c *IMAPClient) ListConversations(ctx context.Context, query Query, cursor string) (Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cursor == "" || c.snapshot == nil || !c.snapshot.query.Since().Equal(query.Since()) {
		snap, err := c.load(ctx, query)
		if err != nil {
			return Page{}, err
		}
		c.snapshot = snap
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}

	order := c.snapshot.order
	if offset > len(order) {
		offset = len(order)
	}
	end := offset + PageSize
	if end > len(order) {
		end = len(order)
	}

	page := Page{ConversationIDs: append([]string(nil), order[offset:end]...)}
	if end < len(order) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (c *IMAPClient) GetConversation(_ context.Context, id string) (*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil {
		if conv, ok := c.snapshot.conversations[id]; ok {
			return conv, nil
		}
	}
	return nil, fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
}

// Send delivers through SMTP. Threading is expressed with In-Reply-To and References,
// which servers never reject, so there is no unthreaded retry.
func (c *IMAPClient) Send(ctx context.Context, out Outgoing) (*SendResult, error) {
	if c.sender == nil {
		return nil, fmt.Errorf("no SMTP server configured")
	}
	return c.sender.Send(ctx, out)
}

func (c *IMAPClient) dial(ctx context.Context) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var (
		conn *client.Client
		err  error
	)
	if c.cfg.TLS {
		conn, err = client.DialWithDialerTLS(dialer, c.cfg.Addr, nil)
	} else {
		conn, err = client.DialWithDialer(dialer, c.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial IMAP server: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.Timeout = time.Until(deadline)
	}

	if c.cfg.Auth != nil {
		if err := c.cfg.Auth(conn); err != nil {
			_ = conn.Logout()
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	return conn, nil
}

func (c *IMAPClient) load(ctx context.Context, query Query) (*imapSnapshot, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Logout() }()

	status, err := conn.Select(c.cfg.Folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", c.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = query.Since()

	uids, err := conn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	snap := &imapSnapshot{query: query, conversations: make(map[string]*Conversation)}
	if len(uids) == 0 {
		return snap, nil
	}

	scope := uidScope{account: c.cfg.Account, validity: status.UidValidity}
	messages, err := c.fetchMessages(conn, uids, scope)
	if err != nil {
		return nil, err
	}

	threadOf := make(map[uint32]string, len(messages))
	for uid, msg := range messages {
		threadOf[uid] = rootMessageID(msg)
	}

	if ok, _ := conn.Support("THREAD=REFERENCES"); ok {
		threads, err := sortthread.NewThreadClient(conn).UidThread(sortthread.References, criteria)
		if err != nil {
			return nil, fmt.Errorf("THREAD command returned error: %w", err)
		}
		for _, tree := range threads {
			root, ok := threadOf[tree.Id]
			if !ok {
				continue
			}
			walkThread(tree, func(uid uint32) {
				if _, fetched := threadOf[uid]; fetched {
					threadOf[uid] = root
				}
			})
		}
	}

	for uid, msg := range messages {
		id := threadOf[uid]
		msg.ThreadID = id
		conv, ok := snap.conversations[id]
		if !ok {
			conv = &Conversation{ID: id}
			snap.conversations[id] = conv
		}
		conv.Messages = append(conv.Messages, *msg)
	}

	for id, conv := range snap.conversations {
		sort.SliceStable(conv.Messages, func(i, j int) bool {
			return conv.Messages[i].InternalDate.Before(conv.Messages[j].InternalDate)
		})
		snap.order = append(snap.order, id)
	}

	// Newest activity first, like the Gmail listing.
	sort.Slice(snap.order, func(i, j int) bool {
		a := snap.conversations[snap.order[i]].Last().InternalDate
		b := snap.conversations[snap.order[j]].Last().InternalDate
		if a.Equal(b) {
			return snap.order[i] < snap.order[j]
		}
		return a.After(b)
	})

	return snap, nil
}

func walkThread(t *sortthread.Thread, visit func(uid uint32)) {
	if t == nil {
		return
	}
	visit(t.Id)
	for _, child := range t.Children {
		walkThread(child, visit)
	}
}

// uidScope identifies the mailbox a UID belongs to. UIDs are only unique within one
// account's folder for one UIDVALIDITY.
type uidScope struct {
	account  string
	validity uint32
}

func (s uidScope) messageID(uid uint32) string {
	return fmt.Sprintf("uid-%s-%d-%d", s.account, s.validity, uid)
}

func (c *IMAPClient) fetchMessages(conn *client.Client, uids []uint32, scope uidScope) (map[uint32]*Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- conn.UidFetch(seqSet, items, ch)
	}()

	out := c.collectMessages(ch, section, scope)
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return out, nil
}

// collectMessages parses fetched messages. Unparseable ones are logged and left out.
func (c *IMAPClient) collectMessages(ch <-chan *imap.Message, section *imap.BodySectionName, scope uidScope) map[uint32]*Message {
	out := make(map[uint32]*Message)
	for raw := range ch {
		msg, err := parseIMAPMessage(raw, section, scope)
		if err != nil {
			metrics.RecordMailboxError("parse_message")
			c.cfg.Logger.Warn("skipping unparseable message",
				zap.String("account", scope.account),
				zap.Uint32("uid", raw.Uid),
				zap.Error(err))
			continue
		}
		out[raw.Uid] = msg
	}
	return out
}

func parseIMAPMessage(raw *imap.Message, section *imap.BodySectionName, scope uidScope) (*Message, error) {
	body := raw.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("uid %d: server returned no body", raw.Uid)
	}

	env, err := enmime.ReadEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("uid %d: failed to parse message: %w", raw.Uid, err)
	}

	msg := &Message{
		ID:           NormalizeMessageID(env.GetHeader("Message-ID")),
		InternalDate: raw.InternalDate.UTC(),
		Body:         env.Text,
	}
	if msg.ID == "" {
		msg.ID = scope.messageID(raw.Uid)
	}

	for _, key := range env.GetHeaderKeys() {
		for _, value := range env.GetHeaderValues(key) {
			msg.Headers = append(msg.Headers, Header{Name: key, Value: value})
		}
	}

	return msg, nil
}

// rootMessageID picks the conversation key of a message: the first References entry,
// else In-Reply-To, else its own Message-ID.
func rootMessageID(msg *Message) string {
	if refs := strings.Fields(msg.Header("References")); len(refs) > 0 {
		if id := NormalizeMessageID(refs[0]); id != "" {
			return id
		}
	}
	if id := NormalizeMessageID(msg.Header("In-Reply-To")); id != "" {
		return id
	}
	return msg.ID
}
