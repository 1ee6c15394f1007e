package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/infrastructure/memory"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
)

func bidFor(auctionID, userID, value string) *domain.Bid {
	return &domain.Bid{AuctionID: auctionID, UserID: userID, Amount: amount(value)}
}

func TestBidAdmission_StrictlyAboveHighest(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAuctionStore()
	require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))
	admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

	steps := []struct {
		user     string
		amount   string
		accepted bool
		reason   string
	}{
		{"u1", "100", false, ReasonAmountTooLow},
		{"u1", "150", true, ""},
		{"u2", "140", false, ReasonAmountTooLow},
		{"u2", "150", false, ReasonAmountTooLow},
		{"u2", "150.01", true, ""},
	}
	for _, step := range steps {
		verdict, err := admission.Admit(ctx, bidFor("a1", step.user, step.amount))
		require.NoError(t, err)
		assert.Equal(t, step.accepted, verdict.Accepted, "amount %s", step.amount)
		assert.Equal(t, step.reason, verdict.Reason, "amount %s", step.amount)
	}

	auction, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, auction.Bids, 2)
	assert.Equal(t, "u1", auction.Bids[0].UserID)
	assert.Equal(t, "u2", auction.Bids[1].UserID)
	assert.True(t, auction.HighestAmount().Equal(amount("150.01")))
}

func TestBidAdmission_AssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAuctionStore()
	require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))
	admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

	bid := bidFor("a1", "u1", "101")
	accepted, err := admission.AdmitBid(ctx, bid)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.NotEmpty(t, bid.ID)
	assert.Equal(t, baseTime, bid.Timestamp)
}

func TestBidAdmission_Rejections(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAuctionStore()
	require.NoError(t, store.Insert(ctx, activeAuction("ended", "100", baseTime)))
	require.NoError(t, store.Insert(ctx, activeAuction("closed", "100", baseTime.Add(time.Hour))))
	require.NoError(t, store.Finalize(ctx, "closed", 1, domain.AuctionFailed, nil))
	admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

	tests := []struct {
		name      string
		auctionID string
		reason    string
	}{
		{"unknown auction", "missing", ReasonAuctionNotFound},
		{"auction no longer active", "closed", ReasonAuctionNotActive},
		{"bid at end time", "ended", ReasonAuctionEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := admission.Admit(ctx, bidFor(tt.auctionID, "u1", "500"))
			require.NoError(t, err)
			assert.False(t, verdict.Accepted)
			assert.Equal(t, tt.reason, verdict.Reason)
		})
	}

	ended, err := store.Get(ctx, "ended")
	require.NoError(t, err)
	assert.Empty(t, ended.Bids)
}

func TestBidAdmission_InvalidBid(t *testing.T) {
	admission := NewBidAdmission(memory.NewAuctionStore(), clock.NewMockClock(baseTime), 3, logger.Nop())

	tests := []struct {
		name string
		bid  *domain.Bid
	}{
		{"nil", nil},
		{"no auction", bidFor("", "u1", "10")},
		{"no user", bidFor("a1", "", "10")},
		{"zero amount", bidFor("a1", "u1", "0")},
		{"negative amount", bidFor("a1", "u1", "-5")},
		{"fraction of a cent", bidFor("a1", "u1", "100.001")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := admission.Admit(context.Background(), tt.bid)
			assert.True(t, errors.Is(err, domain.ErrValidation), "got %v", err)
		})
	}
}

func TestBidAdmission_OutbidSequence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAuctionStore()
	require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))
	admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

	verdict, err := admission.Admit(ctx, bidFor("a1", "u1", "150"))
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)

	verdict, err = admission.Admit(ctx, bidFor("a1", "u2", "120"))
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, ReasonAmountTooLow, verdict.Reason)
	assert.Equal(t, "150", verdict.Highest)

	verdict, err = admission.Admit(ctx, bidFor("a1", "u3", "200.10"))
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)

	auction, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, auction.Bids, 2)
	assert.True(t, auction.Bids[0].Amount.Equal(amount("150")))
	assert.True(t, auction.Bids[1].Amount.Equal(amount("200.1")))
	assert.Equal(t, int64(3), auction.Version)
}

// steppingClock returns each reading once, then repeats the last.
type steppingClock struct {
	mu       sync.Mutex
	readings []time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.readings[0]
	if len(c.readings) > 1 {
		c.readings = c.readings[1:]
	}
	return now
}

func TestBidAdmission_EndTimePassesBeforeWrite(t *testing.T) {
	ctx := context.Background()
	end := baseTime.Add(time.Hour)
	store := memory.NewAuctionStore()
	require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", end)))
	clk := &steppingClock{readings: []time.Time{end.Add(-time.Millisecond), end}}
	admission := NewBidAdmission(store, clk, 3, logger.Nop())

	bid := bidFor("a1", "u1", "150")
	bid.Timestamp = end.Add(-time.Millisecond)
	verdict, err := admission.Admit(ctx, bid)
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, ReasonAuctionEnded, verdict.Reason)

	auction, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, auction.Bids)
	assert.Equal(t, int64(1), auction.Version)
}

// competingBid appends value through the raw store, as another writer would.
func competingBid(value string) func(*memory.AuctionStore) {
	return func(store *memory.AuctionStore) {
		ctx := context.Background()
		auction, err := store.Get(ctx, "a1")
		if err != nil {
			panic(err)
		}
		bid := domain.Bid{ID: "competitor-" + value, AuctionID: "a1", UserID: "competitor", Amount: amount(value)}
		if err := store.ConditionalAppend(ctx, "a1", auction.Version, baseTime, bid); err != nil {
			panic(err)
		}
	}
}

func TestBidAdmission_ReevaluatesAfterLostRace(t *testing.T) {
	ctx := context.Background()

	t.Run("still highest", func(t *testing.T) {
		store := newRacingStore()
		require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))
		store.conflicts = 1
		store.interfere = competingBid("120")
		admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

		verdict, err := admission.Admit(ctx, bidFor("a1", "u1", "150"))
		require.NoError(t, err)
		assert.True(t, verdict.Accepted)
		assert.Equal(t, "120", verdict.Highest)
		assert.Equal(t, 2, store.WriteCalls())
	})

	t.Run("outbid meanwhile", func(t *testing.T) {
		store := newRacingStore()
		require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))
		store.conflicts = 1
		store.interfere = competingBid("200")
		admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

		verdict, err := admission.Admit(ctx, bidFor("a1", "u1", "150"))
		require.NoError(t, err)
		assert.False(t, verdict.Accepted)
		assert.Equal(t, ReasonAmountTooLow, verdict.Reason)

		auction, err := store.Get(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, auction.Bids, 1)
		assert.Equal(t, "competitor", auction.Bids[0].UserID)
	})
}

func TestBidAdmission_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := newRacingStore()
	require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))

	next := 100
	store.conflicts = 3
	store.interfere = func(raw *memory.AuctionStore) {
		next++
		competingBid(fmt.Sprint(next))(raw)
	}
	admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 3, logger.Nop())

	_, err := admission.Admit(ctx, bidFor("a1", "u1", "1000"))
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "got %v", err)
	assert.Equal(t, 3, store.WriteCalls())

	auction, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	for _, bid := range auction.Bids {
		assert.NotEqual(t, "u1", bid.UserID)
	}
}

func TestBidAdmission_ConcurrentBidsStayStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAuctionStore()
	require.NoError(t, store.Insert(ctx, activeAuction("a1", "100", baseTime.Add(time.Hour))))
	admission := NewBidAdmission(store, clock.NewMockClock(baseTime), 1000, logger.Nop())

	const bidders = 50
	accepted := make([]bool, bidders)
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := admission.AdmitBid(ctx, bidFor("a1", fmt.Sprintf("u%d", i), fmt.Sprint(101+i)))
			assert.NoError(t, err)
			accepted[i] = ok
		}(i)
	}
	wg.Wait()

	auction, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotEmpty(t, auction.Bids)

	for i := 1; i < len(auction.Bids); i++ {
		assert.True(t, auction.Bids[i].Amount.GreaterThan(auction.Bids[i-1].Amount),
			"bid %d (%s) does not beat bid %d (%s)", i, auction.Bids[i].Amount, i-1, auction.Bids[i-1].Amount)
	}

	acceptedCount := 0
	for _, ok := range accepted {
		if ok {
			acceptedCount++
		}
	}
	assert.Equal(t, len(auction.Bids), acceptedCount)
	assert.True(t, accepted[bidders-1], "the top bid always wins")
	assert.True(t, auction.HighestAmount().Equal(amount(fmt.Sprint(100+bidders))))
}
