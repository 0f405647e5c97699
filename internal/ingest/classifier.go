package ingest

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/models"
	"golang.org/x/text/unicode/norm"
)

// KeywordSnapshot holds the keyword list of every queue as read at the start of a run.
type KeywordSnapshot map[string][]string

// ParseKeywordSnapshot splits raw comma-delimited lists keyed by queue label.
func ParseKeywordSnapshot(raw map[string]string) KeywordSnapshot {
	snap := make(KeywordSnapshot, len(raw))
	for queue, list := range raw {
		var keywords []string
		for _, kw := range strings.Split(list, ",") {
			kw = normalizeText(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		snap[strings.ToUpper(queue)] = keywords
	}
	return snap
}

// LoadKeywordSnapshot reads every queue's keyword list from the settings table.
func LoadKeywordSnapshot(ctx context.Context, pool *pgxpool.Pool) (KeywordSnapshot, error) {
	raw, err := db.LoadKeywordSettings(ctx, pool)
	if err != nil {
		return nil, err
	}
	return ParseKeywordSnapshot(raw), nil
}

// Classifier assigns a queue to a conversation: keywords first, then the addressed alias,
// both in queue priority order.
type Classifier struct {
	keywords KeywordSnapshot
	rules    *config.Rules
}

func NewClassifier(keywords KeywordSnapshot, rules *config.Rules) *Classifier {
	return &Classifier{keywords: keywords, rules: rules}
}

// Classify returns the queue for the message, or false when nothing matches.
func (c *Classifier) Classify(recipient, subject, body string) (string, bool) {
	content := normalizeText(subject + " " + body)

	for _, queue := range models.QueuePriority {
		for _, kw := range c.keywords[queue] {
			if KeywordMatches(content, kw) {
				return queue, true
			}
		}
	}

	return c.rules.AliasQueue(recipient)
}

// KeywordMatches reports whether keyword occurs in content as a whole token: the runes on
// either side of the match must not be letters or digits. Both arguments are expected to be
// normalized with normalizeText.
func KeywordMatches(content, keyword string) bool {
	if keyword == "" {
		return false
	}
	for offset := 0; offset <= len(content)-len(keyword); {
		i := strings.Index(content[offset:], keyword)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(keyword)

		before, _ := utf8.DecodeLastRuneInString(content[:start])
		after, _ := utf8.DecodeRuneInString(content[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(content) || !isWordRune(after)) {
			return true
		}

		_, size := utf8.DecodeRuneInString(content[start:])
		offset = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

func normalizeText(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}
