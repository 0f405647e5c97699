// Package lock provides single-flight locks used to keep at most one ingestion run in flight.
package lock

import (
	"context"
	"errors"
)

// IngestRunKey is the lock key every ingestion run competes for.
const IngestRunKey = "ticketdesk:ingest-run"

// ErrLeaseReleased is returned when a lease is released twice.
var ErrLeaseReleased = errors.New("lease already released")

// Lease is a held lock. Release must be called exactly once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out non-blocking, exclusive leases. TryLock returns ok=false without an
// error when another holder already has the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (lease Lease, ok bool, err error)
}
