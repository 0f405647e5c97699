package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/vdavid/ticketdesk/internal/models"
	"gopkg.in/yaml.v3"
)

// AliasRule maps a shared mailbox alias to a queue.
type AliasRule struct {
	Queue   string `yaml:"queue"`
	Address string `yaml:"address"`
}

// Rules holds the static routing and filtering rules. Keyword lists are not part of it:
// they live in the settings table and are read once per run.
type Rules struct {
	Aliases           []AliasRule `yaml:"aliases"`
	NewsletterTerms   []string    `yaml:"newsletter_terms"`
	BulkSenderPattern string      `yaml:"bulk_sender_pattern"`

	bulkSender *regexp.Regexp
}

var defaultAliasLocalParts = map[string]string{
	models.QueueRMA:       "rma",
	models.QueueFinance:   "invoice",
	models.QueueLogistics: "logistics",
	models.QueueSales:     "sales",
	models.QueueMarketing: "marketing",
	models.QueueSupport:   "support",
}

var defaultNewsletterTerms = []string{
	"unsubscribe",
	"avregistrera",
	"manage preferences",
	"view in browser",
	"nyhetsbrev",
	"kampanjer",
	"offers",
	"shop now",
}

const defaultBulkSenderPattern = `no-?reply|newsletter|news@|hello@`

// DefaultRules returns the built-in rule set for the given organization domain.
func DefaultRules(orgDomain string) *Rules {
	rules := &Rules{
		NewsletterTerms:   append([]string(nil), defaultNewsletterTerms...),
		BulkSenderPattern: defaultBulkSenderPattern,
	}
	for _, queue := range models.QueuePriority {
		rules.Aliases = append(rules.Aliases, AliasRule{
			Queue:   queue,
			Address: defaultAliasLocalParts[queue] + "@" + orgDomain,
		})
	}
	rules.bulkSender = regexp.MustCompile(defaultBulkSenderPattern)
	return rules
}

// LoadRules reads the rules file at path over the defaults. An empty path yields the defaults.
func LoadRules(path, orgDomain string) (*Rules, error) {
	rules := DefaultRules(orgDomain)
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	if err := rules.compile(); err != nil {
		return nil, err
	}

	return rules, nil
}

func (r *Rules) compile() error {
	known := make(map[string]bool, len(models.QueuePriority))
	for _, q := range models.QueuePriority {
		known[q] = true
	}

	for i, alias := range r.Aliases {
		alias.Queue = strings.ToUpper(strings.TrimSpace(alias.Queue))
		alias.Address = strings.ToLower(strings.TrimSpace(alias.Address))
		if !known[alias.Queue] {
			return fmt.Errorf("rules file: unknown queue %q", alias.Queue)
		}
		if alias.Address == "" {
			return fmt.Errorf("rules file: alias for queue %s has no address", alias.Queue)
		}
		r.Aliases[i] = alias
	}

	terms := r.NewsletterTerms[:0]
	for _, term := range r.NewsletterTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			terms = append(terms, term)
		}
	}
	r.NewsletterTerms = terms

	pattern, err := regexp.Compile(r.BulkSenderPattern)
	if err != nil {
		return fmt.Errorf("rules file: invalid bulk_sender_pattern: %w", err)
	}
	r.bulkSender = pattern

	return nil
}

// IsBulkSender reports whether the lower-cased From value looks like a no-reply or newsletter sender.
func (r *Rules) IsBulkSender(from string) bool {
	return r.bulkSender.MatchString(strings.ToLower(from))
}

// AliasQueue returns the first queue, in priority order, whose alias appears in the recipient value.
func (r *Rules) AliasQueue(recipient string) (string, bool) {
	recipient = strings.ToLower(recipient)
	for _, queue := range models.QueuePriority {
		for _, alias := range r.Aliases {
			if alias.Queue == queue && strings.Contains(recipient, alias.Address) {
				return queue, true
			}
		}
	}
	return "", false
}
