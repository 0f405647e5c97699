package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Factory opens a mailbox client for a connected account.
type Factory interface {
	ForAccount(ctx context.Context, cred models.AccountCredential) (Client, error)
}

// ProviderFactory builds Gmail or IMAP clients from the application config.
type ProviderFactory struct {
	cfg    *config.Config
	logger *zap.Logger

	// GmailEndpoint and HTTPClient override the Gmail API base URL and transport.
	GmailEndpoint string
	HTTPClient    *http.Client
}

func NewProviderFactory(cfg *config.Config, logger *zap.Logger) *ProviderFactory {
	return &ProviderFactory{cfg: cfg, logger: logger}
}

func (f *ProviderFactory) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.cfg.GoogleClientID,
		ClientSecret: f.cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{models.ScopeGmailReadonly, models.ScopeGmailSend},
	}
}

func (f *ProviderFactory) ForAccount(ctx context.Context, cred models.AccountCredential) (Client, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("%s has no refresh credential: %w", cred.Email, ErrNotEligible)
	}

	if f.HTTPClient != nil {
		return f.gmailClient(ctx, cred, option.WithHTTPClient(f.HTTPClient))
	}

	if f.cfg.GoogleClientID == "" || f.cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required: %w", ErrNotEligible)
	}

	ts := f.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})

	switch f.cfg.MailboxProvider {
	case config.ProviderIMAP:
		return f.imapClient(cred, ts)
	default:
		return f.gmailClient(ctx, cred, option.WithTokenSource(ts))
	}
}

func (f *ProviderFactory) gmailClient(ctx context.Context, cred models.AccountCredential, opts ...option.ClientOption) (Client, error) {
	if f.GmailEndpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(f.GmailEndpoint, "/")+"/"))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service for %s: %w", cred.Email, err)
	}

	burst := int(f.cfg.GmailQPS)
	if burst < 1 {
		burst = 1
	}

	return NewGmailClient(
		svc,
		rate.NewLimiter(rate.Limit(f.cfg.GmailQPS), burst),
		NewGmailBreaker(cred.Email, f.logger),
	), nil
}

func (f *ProviderFactory) imapClient(cred models.AccountCredential, ts oauth2.TokenSource) (Client, error) {
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token for %s: %w", cred.Email, err)
	}

	var sender *SMTPSender
	if f.cfg.SMTPAddr != "" {
		sender = NewOAuthBearerSMTP(f.cfg.SMTPAddr, cred.Email, token.AccessToken)
	}

	return NewIMAPClient(IMAPConfig{
		Addr:    f.cfg.IMAPAddr,
		TLS:     strings.HasSuffix(f.cfg.IMAPAddr, ":993"),
		Account: cred.Email,
		Auth:    OAuthBearerAuth(cred.Email, token.AccessToken),
		Logger:  f.logger,
	}, sender), nil
}
