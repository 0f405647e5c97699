package ingest

import (
	"github.com/vdavid/ticketdesk/internal/metrics"
	"github.com/vdavid/ticketdesk/internal/models"
)

// MaxSamplesPerReason caps the sample records kept for each skip reason.
const MaxSamplesPerReason = 5

var skipReasons = []string{
	models.SkipExistingThread,
	models.SkipMissingSender,
	models.SkipInternalSender,
	models.SkipBlockedSender,
	models.SkipNewsletter,
	models.SkipNoQueue,
	models.SkipDuplicateMessageID,
	models.SkipEmptyConversation,
}

// reportBuilder accumulates a run report. Only Build hands the result out.
type reportBuilder struct {
	r models.RunReport
}

func newReportBuilder() *reportBuilder {
	b := &reportBuilder{r: models.RunReport{
		OK:         true,
		Skips:      make(map[string]int, len(skipReasons)),
		Samples:    make(map[string][]models.SkipSample, len(skipReasons)),
		ListErrors: []models.ListError{},
	}}
	for _, reason := range skipReasons {
		b.r.Skips[reason] = 0
	}
	return b
}

func (b *reportBuilder) window(w Window, query string) {
	used := w.Used
	b.r.StartTimeConfigured = w.Configured
	b.r.StartTimeUsed = &used
	b.r.StartTimeReason = w.Reason
	b.r.Query = query
}

func (b *reportBuilder) fail(reason string) {
	b.r.OK = false
	b.r.Reason = reason
}

func (b *reportBuilder) accounts(n int) {
	b.r.AccountsScanned = n
}

func (b *reportBuilder) listed(n int) {
	b.r.ConversationsListed += n
}

func (b *reportBuilder) fetched() {
	b.r.ConversationsFetched++
}

func (b *reportBuilder) fetchError() {
	b.r.FetchErrors++
	metrics.RecordMailboxError("get_conversation")
}

func (b *reportBuilder) listError(account string, err error) {
	b.r.ListErrors = append(b.r.ListErrors, models.ListError{Account: account, Error: err.Error()})
	metrics.RecordMailboxError("list_conversations")
}

func (b *reportBuilder) created(queue string) {
	b.r.Created++
	metrics.RecordTicketCreated(queue)
}

func (b *reportBuilder) skip(reason string, sample models.SkipSample) {
	b.r.Skips[reason]++
	if len(b.r.Samples[reason]) < MaxSamplesPerReason {
		b.r.Samples[reason] = append(b.r.Samples[reason], sample)
	}
	metrics.RecordSkip(reason)
}

// Build returns a copy that shares no maps or slices with the builder.
func (b *reportBuilder) Build() *models.RunReport {
	out := b.r
	if b.r.StartTimeUsed != nil {
		used := *b.r.StartTimeUsed
		out.StartTimeUsed = &used
	}

	out.Skips = make(map[string]int, len(b.r.Skips))
	for k, v := range b.r.Skips {
		out.Skips[k] = v
	}

	out.Samples = make(map[string][]models.SkipSample, len(b.r.Samples))
	for k, v := range b.r.Samples {
		out.Samples[k] = append([]models.SkipSample(nil), v...)
	}

	out.ListErrors = append([]models.ListError{}, b.r.ListErrors...)
	return &out
}
