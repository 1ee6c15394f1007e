package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"auction-lifecycle/internal/domain"
)

// AuctionStore is a concurrency-safe in-memory implementation of
// domain.AuctionStore. Records are copied on the way in and out so callers
// never share state with the store.
type AuctionStore struct {
	mu       sync.RWMutex
	auctions map[string]*domain.Auction
	now      func() time.Time
}

func NewAuctionStore() *AuctionStore {
	return &AuctionStore{
		auctions: make(map[string]*domain.Auction),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *AuctionStore) Insert(ctx context.Context, auction *domain.Auction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[auction.ID]; exists {
		return domain.Newf(domain.ErrConcurrencyConflict, "insert auction %s: already exists", auction.ID)
	}
	stored := auction.Clone()
	stored.Version = 1
	s.auctions[auction.ID] = stored
	auction.Version = stored.Version
	return nil
}

func (s *AuctionStore) Get(ctx context.Context, auctionID string) (*domain.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	auction, ok := s.auctions[auctionID]
	if !ok {
		return nil, domain.Newf(domain.ErrNotFound, "auction %s", auctionID)
	}
	return auction.Clone(), nil
}

func (s *AuctionStore) List(ctx context.Context) ([]*domain.Auction, error) {
	return s.filter(ctx, func(*domain.Auction) bool { return true })
}

func (s *AuctionStore) ListByStatus(ctx context.Context, status domain.AuctionStatus) ([]*domain.Auction, error) {
	return s.filter(ctx, func(a *domain.Auction) bool { return a.Status == status })
}

func (s *AuctionStore) ScanExpired(ctx context.Context, now time.Time) ([]*domain.Auction, error) {
	return s.filter(ctx, func(a *domain.Auction) bool { return a.IsActive() && a.Expired(now) })
}

func (s *AuctionStore) filter(ctx context.Context, keep func(*domain.Auction) bool) ([]*domain.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Auction, 0, len(s.auctions))
	for _, auction := range s.auctions {
		if keep(auction) {
			result = append(result, auction.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *AuctionStore) ConditionalAppend(ctx context.Context, auctionID string, expectedVersion int64, at time.Time, bid domain.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(auctionID, expectedVersion); err != nil {
		return err
	}
	auction := s.auctions[auctionID]
	if auction.Expired(at) {
		return domain.Newf(domain.ErrConcurrencyConflict, "auction %s ended at %s",
			auctionID, auction.EndTime.Format(time.RFC3339Nano))
	}
	auction.Bids = append(auction.Bids, bid)
	auction.Version++
	auction.UpdatedAt = s.now()
	return nil
}

func (s *AuctionStore) Finalize(ctx context.Context, auctionID string, expectedVersion int64, status domain.AuctionStatus, winningBid *domain.Bid) error {
	return s.mutate(ctx, auctionID, expectedVersion, func(a *domain.Auction) {
		a.Status = status
		if winningBid != nil {
			w := *winningBid
			a.WinningBid = &w
		}
	})
}

func (s *AuctionStore) Delete(ctx context.Context, auctionID string, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(auctionID, expectedVersion); err != nil {
		return err
	}
	delete(s.auctions, auctionID)
	return nil
}

func (s *AuctionStore) mutate(ctx context.Context, auctionID string, expectedVersion int64, apply func(*domain.Auction)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(auctionID, expectedVersion); err != nil {
		return err
	}
	auction := s.auctions[auctionID]
	apply(auction)
	auction.Version++
	auction.UpdatedAt = s.now()
	return nil
}

func (s *AuctionStore) checkLocked(auctionID string, expectedVersion int64) error {
	auction, ok := s.auctions[auctionID]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "auction %s", auctionID)
	}
	if auction.Version != expectedVersion || !auction.IsActive() {
		return domain.Newf(domain.ErrConcurrencyConflict,
			"auction %s: expected version %d active, found version %d %s",
			auctionID, expectedVersion, auction.Version, auction.Status)
	}
	return nil
}
