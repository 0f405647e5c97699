package mailbox

import (
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

func conversationFromThread(thread *gmail.Thread) *Conversation {
	conv := &Conversation{ID: thread.Id}
	for _, m := range thread.Messages {
		if m == nil {
			continue
		}
		msg := Message{
			ID:       m.Id,
			ThreadID: m.ThreadId,
			Body:     plainBody(m.Payload),
		}
		if msg.ThreadID == "" {
			msg.ThreadID = thread.Id
		}
		if m.InternalDate > 0 {
			msg.InternalDate = time.UnixMilli(m.InternalDate).UTC()
		}
		if m.Payload != nil {
			for _, h := range m.Payload.Headers {
				msg.Headers = append(msg.Headers, Header{Name: h.Name, Value: h.Value})
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv
}

// plainBody returns the first text/plain part found depth-first, decoded.
func plainBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		if data, ok := decodeBase64URL(part.Body.Data); ok {
			return string(data)
		}
	}
	for _, child := range part.Parts {
		if body := plainBody(child); body != "" {
			return body
		}
	}
	return ""
}

// decodeBase64URL accepts padded or unpadded data in either base64 alphabet.
func decodeBase64URL(s string) ([]byte, bool) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return data, true
}
