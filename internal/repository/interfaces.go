package repository

import (
	"context"
	"errors"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// ErrPermanent marks store failures that redelivery cannot fix, such as
// constraint or data exceptions caused by the payload itself
var ErrPermanent = errors.New("permanent store error")

// Batch is the reconciled write set of one consumer batch for a single source.
// Events are unique by EventID; Locations and Users are unique by natural key.
type Batch struct {
	Source    domain.Source
	Locations []domain.LocationKey
	Users     []domain.UserRecord
	Top       []domain.EngagementRecord
	Bottom    []domain.EngagementRecord
	Events    []domain.EventRecord

	// TopRef and BottomRef map each position in Events to an index into Top
	// or Bottom, or -1 when the event has no engagement of that kind
	TopRef    []int
	BottomRef []int
}

// WriteResult reports what a batch write actually inserted
type WriteResult struct {
	Locations     int
	Users         int
	Top           int
	Bottom        int
	Events        int
	SkippedEvents int

	// Facts holds every batch event as it is stored after commit, in batch
	// order. Events that already existed carry their stored engagement ids.
	// Events lost to a concurrent writer are absent.
	Facts []domain.EventRecord
}

// EventStore defines the relational store used by the collectors
type EventStore interface {
	// WriteBatch persists the batch in one transaction. Events whose EventID
	// already exists are skipped together with their engagement rows.
	WriteBatch(ctx context.Context, batch *Batch) (*WriteResult, error)

	// InitSchema creates the per-source tables if they don't exist
	InitSchema(ctx context.Context) error

	// Ping checks if the database connection is alive
	Ping(ctx context.Context) error

	// Close closes the repository and releases resources
	Close() error
}

// FactMirror receives committed event facts for analytics
type FactMirror interface {
	// InsertFacts appends facts; re-inserting an EventID must be harmless
	InsertFacts(ctx context.Context, events []domain.EventRecord) (int, error)

	InitSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
