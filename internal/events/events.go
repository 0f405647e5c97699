// Package events publishes domain events for consumers outside the ingestion engine.
package events

import (
	"context"
	"time"
)

// ExchangeName is the topic exchange every event is published to.
const ExchangeName = "events"

// RoutingTicketCreated is the routing key of TicketCreated.
const RoutingTicketCreated = "ticket.created"

// TicketCreated is emitted after an ingested conversation became a ticket.
type TicketCreated struct {
	TicketID     string    `json:"ticket_id"`
	Queue        string    `json:"queue"`
	SenderEmail  string    `json:"sender_email"`
	Subject      string    `json:"subject"`
	ThreadID     string    `json:"thread_id"`
	AccountEmail string    `json:"account_email"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publisher sends an event under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
