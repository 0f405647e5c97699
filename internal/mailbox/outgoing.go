package mailbox

import (
	"bytes"
	"fmt"
	"net/mail"

	"github.com/jhillyerd/enmime"
)

// buildMIME renders an outgoing message as an RFC 5322 text/plain message.
func buildMIME(out Outgoing) ([]byte, error) {
	from, err := mail.ParseAddress(out.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", out.From, err)
	}
	to, err := mail.ParseAddressList(out.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to address %q: %w", out.To, err)
	}

	builder := enmime.Builder().
		From(from.Name, from.Address).
		Subject(out.Subject).
		Text([]byte(out.Body))
	for _, addr := range to {
		builder = builder.To(addr.Name, addr.Address)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
