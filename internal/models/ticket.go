package models

import "time"

// Ticket lifecycle statuses.
const (
	StatusNew        = "New"
	StatusInProgress = "InProgress"
	StatusWaiting    = "Waiting"
	StatusResolved   = "Resolved"
)

// PriorityNormal is the priority every ingested ticket starts with.
const PriorityNormal = "Normal"

// Queue labels, in classification priority order.
const (
	QueueRMA       = "RMA"
	QueueFinance   = "FINANCE"
	QueueLogistics = "LOGISTICS"
	QueueSales     = "SALES"
	QueueMarketing = "MARKETING"
	QueueSupport   = "SUPPORT"
)

// QueuePriority is the fixed order in which queues are tried when classifying.
var QueuePriority = []string{
	QueueRMA,
	QueueFinance,
	QueueLogistics,
	QueueSales,
	QueueMarketing,
	QueueSupport,
}

type Ticket struct {
	ID              string    `json:"ticket_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Subject         string    `json:"subject"`
	Status          string    `json:"status"`
	Priority        string    `json:"priority"`
	Queue           string    `json:"queue"`
	OwnerEmail      *string   `json:"owner_email"`
	SenderEmail     string    `json:"sender_email"`
	ThreadID        string    `json:"thread_id"`
	SourceMessageID *string   `json:"source_message_id"`
	LastMessageAt   time.Time `json:"last_message_at"`
	Tags            string    `json:"tags"`
	AccountEmail    string    `json:"account_email"`
}

type Message struct {
	ID                string    `json:"message_id"`
	TicketID          string    `json:"ticket_id"`
	SentAt            time.Time `json:"sent_at"`
	FromAddress       string    `json:"from_address"`
	ToAddress         string    `json:"to_address"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ProviderMessageID *string   `json:"provider_message_id"`
	ThreadID          *string   `json:"thread_id"`
}
