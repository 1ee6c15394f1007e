package domain

import (
	"context"
	"time"
)

// AuctionStore is the only mutable shared resource. Every write is
// conditional on the record's version and Active status; a lost race
// surfaces as ErrConcurrencyConflict and the caller decides whether to retry.
type AuctionStore interface {
	Insert(ctx context.Context, auction *Auction) error
	Get(ctx context.Context, auctionID string) (*Auction, error)
	List(ctx context.Context) ([]*Auction, error)
	ListByStatus(ctx context.Context, status AuctionStatus) ([]*Auction, error)
	// ScanExpired returns Active auctions whose EndTime is at or before now.
	ScanExpired(ctx context.Context, now time.Time) ([]*Auction, error)
	// ConditionalAppend appends bid iff the stored version equals
	// expectedVersion, the auction is still Active and its EndTime is after
	// at. A bid can't land once a closure may have read the record.
	ConditionalAppend(ctx context.Context, auctionID string, expectedVersion int64, at time.Time, bid Bid) error
	// Finalize moves an Active auction at expectedVersion into a terminal status.
	Finalize(ctx context.Context, auctionID string, expectedVersion int64, status AuctionStatus, winningBid *Bid) error
	// Delete removes an Active auction at expectedVersion.
	Delete(ctx context.Context, auctionID string, expectedVersion int64) error
}

// CatalogCoordinator is the remote catalog that owns product availability.
// All calls are remote and fallible; none are transactional with the store.
type CatalogCoordinator interface {
	Reserve(ctx context.Context, productID, auctionID string) (*ProductSnapshot, error)
	MarkSold(ctx context.Context, productID string) error
	MarkFailed(ctx context.Context, productID string) error
	Release(ctx context.Context, productID string) error
}

// BidSource is the at-least-once bid channel.
type BidSource interface {
	// Fetch blocks for a bounded time and returns the next batch, possibly empty.
	Fetch(ctx context.Context) ([]BidDelivery, error)
	Ack(ctx context.Context, ids ...string) error
}

// BidSink appends bid messages to the bid channel.
type BidSink interface {
	SubmitBid(ctx context.Context, msg *BidMessage) (string, error)
}

// Event interfaces
type EventPublisher interface {
	PublishAuctionEvent(ctx context.Context, event *AuctionEvent) error
}

type EventSubscriber interface {
	SubscribeToAuctionEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event *AuctionEvent) error

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// Notification interfaces
type AuctionBroadcaster interface {
	BroadcastToAuction(ctx context.Context, auctionID string, message interface{}) error
}

// WebSocket interfaces
type WebSocketConnection interface {
	Send(message interface{}) error
	Close() error
	ID() string
	UserID() string
	AuctionID() string
}

type ConnectionManager interface {
	RegisterConnection(conn WebSocketConnection) error
	UnregisterConnection(conn WebSocketConnection) error
	GetConnectionsForAuction(auctionID string) []WebSocketConnection
	BroadcastToAuction(auctionID string, message interface{}) error
	CloseAndUnregisterConnections(auctionID string) error
}
