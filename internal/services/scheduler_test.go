package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/infrastructure/memory"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
)

func seededStore(t *testing.T, auctions ...*domain.Auction) *memory.AuctionStore {
	t.Helper()
	store := memory.NewAuctionStore()
	for i, auction := range auctions {
		auction.CreatedAt = baseTime.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Insert(context.Background(), auction))
	}
	return store
}

func newScheduler(store domain.AuctionStore, closer AuctionCloser, leader domain.LeaderElection) *LifecycleScheduler {
	return NewLifecycleScheduler(store, closer, leader, clock.NewMockClock(baseTime),
		SchedulerOptions{Spec: "@every 1h", CloseTimeout: time.Second, InstanceID: "node-1"}, logger.Nop())
}

func TestLifecycleScheduler_SweepClosesExpired(t *testing.T) {
	store := seededStore(t,
		activeAuction("past", "100", baseTime.Add(-time.Minute)),
		activeAuction("exact", "100", baseTime),
		activeAuction("future", "100", baseTime.Add(time.Minute)),
	)
	closer := new(MockCloser)
	closer.On("CloseAuction", mock.Anything, "past").Return(nil).Once()
	closer.On("CloseAuction", mock.Anything, "exact").Return(nil).Once()

	closed, err := newScheduler(store, closer, SoloLeader{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, closed)
	closer.AssertExpectations(t)
	closer.AssertNotCalled(t, "CloseAuction", mock.Anything, "future")
}

func TestLifecycleScheduler_SweepContinuesAfterFailure(t *testing.T) {
	store := seededStore(t,
		activeAuction("broken", "100", baseTime.Add(-time.Hour)),
		activeAuction("fine", "100", baseTime.Add(-time.Minute)),
	)
	closer := new(MockCloser)
	closer.On("CloseAuction", mock.Anything, "broken").Return(domain.Newf(domain.ErrRemoteDependency, "catalog")).Once()
	closer.On("CloseAuction", mock.Anything, "fine").Return(nil).Once()

	closed, err := newScheduler(store, closer, SoloLeader{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	closer.AssertExpectations(t)
}

func TestLifecycleScheduler_SweepClosesThroughLifecycle(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, activeAuction("a1", "100", baseTime.Add(-time.Second)))
	catalog := new(MockCatalog)
	catalog.On("MarkFailed", mock.Anything, "product-a1").Return(nil).Once()
	lifecycle := NewAuctionLifecycle(store, catalog, nil, clock.NewMockClock(baseTime), LifecycleOptions{}, logger.Nop())

	scheduler := newScheduler(store, lifecycle, SoloLeader{})
	closed, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	// Nothing left to close on the next tick.
	closed, err = scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)

	auction, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionFailed, auction.Status)
	catalog.AssertExpectations(t)
}

func TestLifecycleScheduler_Leadership(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*MockLeader)
		closed   int
		wantErr  bool
		closeRun bool
	}{
		{
			name: "already leader",
			setup: func(l *MockLeader) {
				l.On("IsLeader", mock.Anything, "node-1").Return(true, nil)
			},
			closed:   1,
			closeRun: true,
		},
		{
			name: "acquires lease",
			setup: func(l *MockLeader) {
				l.On("IsLeader", mock.Anything, "node-1").Return(false, nil)
				l.On("BecomeLeader", mock.Anything, "node-1").Return(true, nil)
			},
			closed:   1,
			closeRun: true,
		},
		{
			name: "another instance leads",
			setup: func(l *MockLeader) {
				l.On("IsLeader", mock.Anything, "node-1").Return(false, nil)
				l.On("BecomeLeader", mock.Anything, "node-1").Return(false, nil)
			},
		},
		{
			name: "lease lookup fails",
			setup: func(l *MockLeader) {
				l.On("IsLeader", mock.Anything, "node-1").Return(false, errors.New("redis down"))
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore(t, activeAuction("a1", "100", baseTime.Add(-time.Minute)))
			leader := new(MockLeader)
			tt.setup(leader)
			closer := new(MockCloser)
			closer.On("CloseAuction", mock.Anything, "a1").Return(nil).Maybe()

			closed, err := newScheduler(store, closer, leader).Sweep(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.closed, closed)
			if tt.closeRun {
				closer.AssertCalled(t, "CloseAuction", mock.Anything, "a1")
			} else {
				closer.AssertNotCalled(t, "CloseAuction", mock.Anything, "a1")
			}
			leader.AssertExpectations(t)
		})
	}
}

// blockingCloser parks every close until release is closed.
type blockingCloser struct {
	entered chan string
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingCloser() *blockingCloser {
	return &blockingCloser{entered: make(chan string, 8), release: make(chan struct{})}
}

func (c *blockingCloser) CloseAuction(ctx context.Context, auctionID string) error {
	c.calls.Add(1)
	c.entered <- auctionID
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestLifecycleScheduler_SweepsDoNotOverlap(t *testing.T) {
	store := seededStore(t, activeAuction("a1", "100", baseTime.Add(-time.Minute)))
	closer := newBlockingCloser()
	scheduler := newScheduler(store, closer, SoloLeader{})

	first := make(chan int, 1)
	go func() {
		closed, _ := scheduler.Sweep(context.Background())
		first <- closed
	}()
	<-closer.entered

	closed, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed)

	close(closer.release)
	assert.Equal(t, 1, <-first)
	assert.Equal(t, int32(1), closer.calls.Load())
}

func TestLifecycleScheduler_StopWaitsForRunningSweep(t *testing.T) {
	store := seededStore(t,
		activeAuction("a1", "100", baseTime.Add(-time.Hour)),
		activeAuction("a2", "100", baseTime.Add(-time.Minute)),
	)
	closer := newBlockingCloser()
	leader := new(MockLeader)
	leader.On("IsLeader", mock.Anything, "node-1").Return(true, nil)
	leader.On("ReleaseLeadership", mock.Anything, "node-1").Return(nil).Once()
	scheduler := newScheduler(store, closer, leader)

	swept := make(chan int, 1)
	go func() {
		closed, _ := scheduler.Sweep(context.Background())
		swept <- closed
	}()
	<-closer.entered

	stopped := make(chan error, 1)
	go func() {
		stopped <- scheduler.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a closure was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(closer.release)
	require.NoError(t, <-stopped)
	assert.Equal(t, 1, <-swept, "the sweep stops after the auction it was closing")
	assert.Equal(t, int32(1), closer.calls.Load())

	closed, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed)
	leader.AssertExpectations(t)
}

func TestLifecycleScheduler_StopGivesUpAtDeadline(t *testing.T) {
	store := seededStore(t, activeAuction("a1", "100", baseTime.Add(-time.Minute)))
	closer := newBlockingCloser()
	defer close(closer.release)
	scheduler := newScheduler(store, closer, SoloLeader{})

	go func() { _, _ = scheduler.Sweep(context.Background()) }()
	<-closer.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := scheduler.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestLifecycleScheduler_StartAndStop(t *testing.T) {
	leader := new(MockLeader)
	leader.On("ReleaseLeadership", mock.Anything, "node-1").Return(nil).Once()
	scheduler := newScheduler(memory.NewAuctionStore(), new(MockCloser), leader)

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))
	leader.AssertExpectations(t)
}

func TestLifecycleScheduler_StartRejectsBadSchedule(t *testing.T) {
	scheduler := NewLifecycleScheduler(memory.NewAuctionStore(), new(MockCloser), SoloLeader{},
		clock.NewMockClock(baseTime), SchedulerOptions{Spec: "every so often"}, logger.Nop())
	assert.Error(t, scheduler.Start(context.Background()))
}
