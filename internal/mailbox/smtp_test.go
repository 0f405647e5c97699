package mailbox_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/testutil"
)

func TestSMTPSenderSend(t *testing.T) {
	srv := testutil.NewTestSMTPServer(t)
	sender := &mailbox.SMTPSender{Addr: srv.Address}

	res, err := sender.Send(context.Background(), mailbox.Outgoing{
		From:     "Vendora Support <support@vendora.se>",
		To:       "kund@example.com",
		Subject:  "Re: Broken charger",
		Body:     "A replacement is on its way.",
		ThreadID: "root-1@example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.Threaded)

	received := srv.Backend.Messages()
	require.Len(t, received, 1)
	assert.Equal(t, "support@vendora.se", received[0].From)
	assert.Equal(t, []string{"kund@example.com"}, received[0].To)

	env, err := enmime.ReadEnvelope(bytes.NewReader(received[0].Data))
	require.NoError(t, err)
	assert.Equal(t, "Re: Broken charger", env.GetHeader("Subject"))
	assert.Equal(t, "<root-1@example.com>", env.GetHeader("In-Reply-To"))
	assert.Contains(t, env.Text, "A replacement is on its way.")
}

func TestIMAPClientSendsThroughSMTP(t *testing.T) {
	imapSrv := testutil.NewTestIMAPServer(t)
	smtpSrv := testutil.NewTestSMTPServer(t)

	client := mailbox.NewIMAPClient(mailbox.IMAPConfig{
		Addr: imapSrv.Address,
		Auth: mailbox.PasswordAuth(imapSrv.Username(), imapSrv.Password()),
	}, &mailbox.SMTPSender{Addr: smtpSrv.Address})

	res, err := client.Send(context.Background(), mailbox.Outgoing{
		From:    "support@vendora.se",
		To:      "kund@example.com, other@example.com",
		Subject: "Hello",
		Body:    "Body",
	})
	require.NoError(t, err)
	assert.False(t, res.Threaded)

	received := smtpSrv.Backend.Messages()
	require.Len(t, received, 1)
	assert.Equal(t, []string{"kund@example.com", "other@example.com"}, received[0].To)

	_, err = mailbox.NewIMAPClient(mailbox.IMAPConfig{Addr: imapSrv.Address}, nil).
		Send(context.Background(), mailbox.Outgoing{From: "a@b.se", To: "c@d.se"})
	require.Error(t, err)
}

func TestSMTPSenderRequiresSTARTTLSWhenEnabled(t *testing.T) {
	srv := testutil.NewTestSMTPServer(t)
	sender := &mailbox.SMTPSender{Addr: srv.Address, StartTLS: true}

	_, err := sender.Send(context.Background(), mailbox.Outgoing{
		From: "support@vendora.se",
		To:   "kund@example.com",
		Body: "Body",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.Empty(t, srv.Backend.Messages())
}
