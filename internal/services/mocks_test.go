package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/infrastructure/memory"
)

var baseTime = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) Reserve(ctx context.Context, productID, auctionID string) (*domain.ProductSnapshot, error) {
	args := m.Called(ctx, productID, auctionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProductSnapshot), args.Error(1)
}

func (m *MockCatalog) MarkSold(ctx context.Context, productID string) error {
	return m.Called(ctx, productID).Error(0)
}

func (m *MockCatalog) MarkFailed(ctx context.Context, productID string) error {
	return m.Called(ctx, productID).Error(0)
}

func (m *MockCatalog) Release(ctx context.Context, productID string) error {
	return m.Called(ctx, productID).Error(0)
}

type MockLeader struct {
	mock.Mock
}

func (m *MockLeader) BecomeLeader(ctx context.Context, instanceID string) (bool, error) {
	args := m.Called(ctx, instanceID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeader) IsLeader(ctx context.Context, instanceID string) (bool, error) {
	args := m.Called(ctx, instanceID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeader) ReleaseLeadership(ctx context.Context, instanceID string) error {
	return m.Called(ctx, instanceID).Error(0)
}

type MockCloser struct {
	mock.Mock
}

func (m *MockCloser) CloseAuction(ctx context.Context, auctionID string) error {
	return m.Called(ctx, auctionID).Error(0)
}

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.AuctionEvent
	err    error
}

func (p *recordingPublisher) PublishAuctionEvent(_ context.Context, event *domain.AuctionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return p.err
}

func (p *recordingPublisher) Events() []domain.AuctionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.AuctionEvent(nil), p.events...)
}

func (p *recordingPublisher) Types() []domain.AuctionEventType {
	var types []domain.AuctionEventType
	for _, event := range p.Events() {
		types = append(types, event.Type)
	}
	return types
}

// racingStore wraps the in-memory store. Before each of the first
// `conflicts` conditional writes it lets interfere touch the store, the
// way a competing writer would.
type racingStore struct {
	*memory.AuctionStore

	mu         sync.Mutex
	conflicts  int
	interfere  func(store *memory.AuctionStore)
	insertErr  error
	writeCalls int
}

func newRacingStore() *racingStore {
	return &racingStore{AuctionStore: memory.NewAuctionStore()}
}

func (s *racingStore) race() {
	s.mu.Lock()
	s.writeCalls++
	fire := s.conflicts > 0
	if fire {
		s.conflicts--
	}
	s.mu.Unlock()

	if fire && s.interfere != nil {
		s.interfere(s.AuctionStore)
	}
}

func (s *racingStore) Insert(ctx context.Context, auction *domain.Auction) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.AuctionStore.Insert(ctx, auction)
}

func (s *racingStore) ConditionalAppend(ctx context.Context, auctionID string, expectedVersion int64, at time.Time, bid domain.Bid) error {
	s.race()
	return s.AuctionStore.ConditionalAppend(ctx, auctionID, expectedVersion, at, bid)
}

func (s *racingStore) Finalize(ctx context.Context, auctionID string, expectedVersion int64, status domain.AuctionStatus, winningBid *domain.Bid) error {
	s.race()
	return s.AuctionStore.Finalize(ctx, auctionID, expectedVersion, status, winningBid)
}

func (s *racingStore) Delete(ctx context.Context, auctionID string, expectedVersion int64) error {
	s.race()
	return s.AuctionStore.Delete(ctx, auctionID, expectedVersion)
}

func (s *racingStore) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

func amount(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func activeAuction(id string, startingPrice string, end time.Time) *domain.Auction {
	return &domain.Auction{
		ID:            id,
		ProductID:     "product-" + id,
		StartingPrice: amount(startingPrice),
		Bids:          []domain.Bid{},
		StartTime:     baseTime.Add(-time.Hour),
		EndTime:       end,
		Status:        domain.AuctionActive,
		CreatedAt:     baseTime.Add(-time.Hour),
		UpdatedAt:     baseTime.Add(-time.Hour),
	}
}
