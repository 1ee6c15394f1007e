// Package storetest holds the behaviour every domain.AuctionStore must
// share, run against each backend from its own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auction-lifecycle/internal/domain"
)

// Backends keep at least millisecond precision; whole seconds keep the
// fixtures exact everywhere.
var base = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

// AuctionComparer treats decimals and instants as equal by value.
var AuctionComparer = cmp.Options{
	cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
	cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
	cmpopts.EquateEmpty(),
}

// NewAuction returns an Active auction with a fresh id ending at end.
func NewAuction(end time.Time) *domain.Auction {
	id := uuid.NewString()
	return &domain.Auction{
		ID:        id,
		ProductID: "product-" + id[:8],
		Product: domain.ProductSnapshot{
			ProductID: "product-" + id[:8],
			Title:     "Vintage camera",
			Price:     decimal.RequireFromString("80.50"),
			Status:    domain.ProductInAuction,
		},
		StartingPrice: decimal.RequireFromString("100"),
		Bids:          []domain.Bid{},
		StartTime:     base.Add(-time.Hour),
		EndTime:       end,
		Seller:        domain.Seller{ID: "seller-1", Username: "sam"},
		Status:        domain.AuctionActive,
		CreatedAt:     base.Add(-time.Hour),
		UpdatedAt:     base.Add(-time.Hour),
	}
}

// bidAt is when the fixtures' bids are admitted, before every end time the
// cases use.
var bidAt = base.Add(-time.Minute)

func bid(auctionID, userID, value string) domain.Bid {
	return domain.Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    decimal.RequireFromString(value),
		Timestamp: bidAt,
	}
}

// RunAuctionStore checks store against the conditional-write contract.
// Every case uses fresh ids, so a shared database is fine.
func RunAuctionStore(t *testing.T, store domain.AuctionStore) {
	ctx := context.Background()

	insert := func(t *testing.T, end time.Time) *domain.Auction {
		t.Helper()
		auction := NewAuction(end)
		require.NoError(t, store.Insert(ctx, auction))
		require.Equal(t, int64(1), auction.Version)
		return auction
	}

	t.Run("insert and get", func(t *testing.T) {
		auction := insert(t, base.Add(time.Hour))

		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(auction, got, AuctionComparer); diff != "" {
			t.Errorf("stored auction differs (-want +got):\n%s", diff)
		}
	})

	t.Run("duplicate insert conflicts", func(t *testing.T) {
		auction := insert(t, base.Add(time.Hour))
		err := store.Insert(ctx, auction)
		assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "got %v", err)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
	})

	t.Run("conditional append", func(t *testing.T) {
		auction := insert(t, base.Add(time.Hour))
		first := bid(auction.ID, "u1", "150")
		second := bid(auction.ID, "u2", "175.25")

		require.NoError(t, store.ConditionalAppend(ctx, auction.ID, 1, bidAt, first))
		err := store.ConditionalAppend(ctx, auction.ID, 1, bidAt, second)
		assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "got %v", err)
		require.NoError(t, store.ConditionalAppend(ctx, auction.ID, 2, bidAt, second))

		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		if diff := cmp.Diff([]domain.Bid{first, second}, got.Bids, AuctionComparer); diff != "" {
			t.Errorf("bids differ (-want +got):\n%s", diff)
		}

		err = store.ConditionalAppend(ctx, uuid.NewString(), 1, bidAt, first)
		assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
	})

	t.Run("append at or after end time is refused", func(t *testing.T) {
		auction := insert(t, base)

		for _, at := range []time.Time{base, base.Add(time.Second)} {
			err := store.ConditionalAppend(ctx, auction.ID, 1, at, bid(auction.ID, "u1", "150"))
			assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "at %s: got %v", at, err)
		}
		require.NoError(t, store.ConditionalAppend(ctx, auction.ID, 1, base.Add(-time.Millisecond), bid(auction.ID, "u1", "150")))

		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		assert.Len(t, got.Bids, 1)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("cent amounts round-trip exactly", func(t *testing.T) {
		auction := NewAuction(base.Add(time.Hour))
		auction.StartingPrice = decimal.RequireFromString("100.01")
		require.NoError(t, store.Insert(ctx, auction))
		placed := bid(auction.ID, "u1", "100.02")
		require.NoError(t, store.ConditionalAppend(ctx, auction.ID, 1, bidAt, placed))

		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		assert.Equal(t, "100.01", got.StartingPrice.StringFixed(2))
		assert.True(t, got.StartingPrice.Equal(auction.StartingPrice), "starting price %s", got.StartingPrice)
		require.Len(t, got.Bids, 1)
		assert.True(t, got.Bids[0].Amount.Equal(placed.Amount), "bid %s", got.Bids[0].Amount)
		assert.True(t, got.Bids[0].Amount.GreaterThan(got.StartingPrice))
	})

	t.Run("finalize closes the auction", func(t *testing.T) {
		auction := insert(t, base)
		winner := bid(auction.ID, "u1", "150")
		require.NoError(t, store.ConditionalAppend(ctx, auction.ID, 1, bidAt, winner))
		require.NoError(t, store.Finalize(ctx, auction.ID, 2, domain.AuctionCompleted, &winner))

		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AuctionCompleted, got.Status)
		require.NotNil(t, got.WinningBid)
		assert.Equal(t, winner.ID, got.WinningBid.ID)
		assert.True(t, got.WinningBid.Amount.Equal(winner.Amount))

		late := bid(auction.ID, "u2", "500")
		assert.True(t, errors.Is(store.ConditionalAppend(ctx, auction.ID, got.Version, bidAt, late), domain.ErrConcurrencyConflict))
		assert.True(t, errors.Is(store.Finalize(ctx, auction.ID, got.Version, domain.AuctionFailed, nil), domain.ErrConcurrencyConflict))
		assert.True(t, errors.Is(store.Delete(ctx, auction.ID, got.Version), domain.ErrConcurrencyConflict))
	})

	t.Run("finalize without winner", func(t *testing.T) {
		auction := insert(t, base)
		require.NoError(t, store.Finalize(ctx, auction.ID, 1, domain.AuctionFailed, nil))

		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AuctionFailed, got.Status)
		assert.Nil(t, got.WinningBid)
	})

	t.Run("delete", func(t *testing.T) {
		auction := insert(t, base.Add(time.Hour))

		assert.True(t, errors.Is(store.Delete(ctx, auction.ID, 9), domain.ErrConcurrencyConflict))
		require.NoError(t, store.Delete(ctx, auction.ID, 1))

		_, err := store.Get(ctx, auction.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
		assert.True(t, errors.Is(store.Delete(ctx, auction.ID, 1), domain.ErrNotFound))
	})

	t.Run("scan expired", func(t *testing.T) {
		past := insert(t, base.Add(-time.Minute))
		exact := insert(t, base)
		future := insert(t, base.Add(time.Minute))
		closed := insert(t, base.Add(-time.Hour))
		require.NoError(t, store.Finalize(ctx, closed.ID, 1, domain.AuctionFailed, nil))

		expired, err := store.ScanExpired(ctx, base)
		require.NoError(t, err)

		mine := map[string]bool{past.ID: false, exact.ID: false, future.ID: false, closed.ID: false}
		for _, auction := range expired {
			if _, ok := mine[auction.ID]; ok {
				mine[auction.ID] = true
			}
		}
		assert.Equal(t, map[string]bool{past.ID: true, exact.ID: true, future.ID: false, closed.ID: false}, mine)
	})

	t.Run("list by status", func(t *testing.T) {
		open := insert(t, base.Add(time.Hour))
		closed := insert(t, base)
		require.NoError(t, store.Finalize(ctx, closed.ID, 1, domain.AuctionFailed, nil))

		active, err := store.ListByStatus(ctx, domain.AuctionActive)
		require.NoError(t, err)
		ids := idSet(active)
		assert.True(t, ids[open.ID])
		assert.False(t, ids[closed.ID])

		all, err := store.List(ctx)
		require.NoError(t, err)
		ids = idSet(all)
		assert.True(t, ids[open.ID])
		assert.True(t, ids[closed.ID])
	})

	t.Run("one writer wins a version", func(t *testing.T) {
		auction := insert(t, base.Add(time.Hour))

		const writers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.ConditionalAppend(ctx, auction.ID, 1, bidAt, bid(auction.ID, "u", "200"))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "got %v", err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		got, err := store.Get(ctx, auction.ID)
		require.NoError(t, err)
		assert.Len(t, got.Bids, 1)
		assert.Equal(t, int64(2), got.Version)
	})
}

func idSet(auctions []*domain.Auction) map[string]bool {
	ids := make(map[string]bool, len(auctions))
	for _, auction := range auctions {
		ids[auction.ID] = true
	}
	return ids
}
