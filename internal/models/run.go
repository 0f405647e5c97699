package models

import "time"

// Skip reasons counted in a run report.
const (
	SkipExistingThread     = "skipped_existing_thread"
	SkipMissingSender      = "skipped_missing_sender"
	SkipInternalSender     = "skipped_internal_sender"
	SkipBlockedSender      = "skipped_blocked_sender"
	SkipNewsletter         = "skipped_newsletter"
	SkipNoQueue            = "skipped_no_queue"
	SkipDuplicateMessageID = "skipped_duplicate_message_id"
	SkipEmptyConversation  = "skipped_empty_conversation"
)

// Run outcomes recorded in the run log.
const (
	OutcomeSuccess        = "success"
	OutcomePartial        = "partial"
	OutcomeAlreadyRunning = "skipped_already_running"
	OutcomeFailed         = "failed"
)

// Run triggers.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// SkipSample is the minimal context kept for a skipped conversation.
type SkipSample struct {
	ConversationID  string `json:"conversation_id"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	Subject         string `json:"subject,omitempty"`
	SourceMessageID string `json:"source_message_id,omitempty"`
}

// ListError records an account whose listing failed during a run.
type ListError struct {
	Account string `json:"account"`
	Error   string `json:"error"`
}

// RunReport is the outcome of one ingestion run. It is built once and not mutated afterwards.
type RunReport struct {
	OK                   bool                    `json:"ok"`
	Reason               string                  `json:"reason,omitempty"`
	Created              int                     `json:"created"`
	Query                string                  `json:"query,omitempty"`
	StartTimeConfigured  string                  `json:"start_time_configured,omitempty"`
	StartTimeUsed        *time.Time              `json:"start_time_used,omitempty"`
	StartTimeReason      string                  `json:"start_time_reason,omitempty"`
	AccountsScanned      int                     `json:"accounts_scanned"`
	ConversationsListed  int                     `json:"conversations_listed"`
	ConversationsFetched int                     `json:"conversations_fetched"`
	FetchErrors          int                     `json:"fetch_errors"`
	Skips                map[string]int          `json:"skips"`
	Samples              map[string][]SkipSample `json:"samples"`
	ListErrors           []ListError             `json:"list_errors"`
}

// SkipCount returns the number of conversations skipped for the given reason.
func (r *RunReport) SkipCount(reason string) int {
	if r == nil {
		return 0
	}
	return r.Skips[reason]
}

// RunRecord is one row of the run log.
type RunRecord struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Trigger    string     `json:"trigger"`
	ActorEmail *string    `json:"actor_email"`
	Outcome    string     `json:"outcome"`
	Report     *RunReport `json:"report"`
}
