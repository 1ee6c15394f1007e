package services

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/saga"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
	"auction-lifecycle/pkg/utils"
)

type CreateAuctionRequest struct {
	// ID is optional; one is generated when empty.
	ID            string
	ProductID     string
	StartingPrice decimal.Decimal
	// EndTime is optional; zero means now plus the default duration.
	EndTime time.Time
	Seller  domain.Seller
}

type LifecycleOptions struct {
	DefaultDuration time.Duration
	MaxRetries      int
}

// AuctionLifecycle creates, closes and deletes auctions, keeping the
// catalog's view of the product in step with the auction's outcome.
type AuctionLifecycle struct {
	store     domain.AuctionStore
	catalog   domain.CatalogCoordinator
	publisher domain.EventPublisher
	clock     clock.Clock
	opts      LifecycleOptions
	log       logger.Logger
}

func NewAuctionLifecycle(
	store domain.AuctionStore,
	catalog domain.CatalogCoordinator,
	publisher domain.EventPublisher,
	clk clock.Clock,
	opts LifecycleOptions,
	log logger.Logger,
) *AuctionLifecycle {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 24 * time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &AuctionLifecycle{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		clock:     clk,
		opts:      opts,
		log:       log,
	}
}

// CreateAuction reserves the product in the catalog and then stores the
// auction. If the store write fails the reservation is released before the
// error is returned.
func (l *AuctionLifecycle) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*domain.Auction, error) {
	now := l.clock.Now()
	if err := l.validateCreate(req, now); err != nil {
		return nil, err
	}

	auction := &domain.Auction{
		ID:            req.ID,
		ProductID:     req.ProductID,
		StartingPrice: req.StartingPrice,
		Bids:          []domain.Bid{},
		StartTime:     now,
		EndTime:       req.EndTime,
		Seller:        req.Seller,
		Status:        domain.AuctionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if auction.EndTime.IsZero() {
		auction.EndTime = now.Add(l.opts.DefaultDuration)
	}

	err := saga.New("create-auction", l.log.With("product_id", req.ProductID)).
		Step(saga.Step{
			Name: "assign-id",
			Run: func(context.Context) error {
				if auction.ID == "" {
					auction.ID = utils.GenerateID()
				}
				return nil
			},
		}).
		Step(saga.Step{
			Name: "reserve-product",
			Run: func(ctx context.Context) error {
				snapshot, err := l.catalog.Reserve(ctx, auction.ProductID, auction.ID)
				if err != nil {
					return err
				}
				auction.Product = *snapshot
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return l.catalog.Release(ctx, auction.ProductID)
			},
			CompensationName: "release-product",
		}).
		Step(saga.Step{
			Name: "insert-auction",
			Run: func(ctx context.Context) error {
				return l.store.Insert(ctx, auction)
			},
		}).
		Execute(ctx)
	if err != nil {
		l.log.Error("Failed to create auction", "product_id", req.ProductID, "auction_id", auction.ID, "error", err)
		return nil, err
	}

	l.log.Info("Auction created", "auction_id", auction.ID, "product_id", auction.ProductID, "end_time", auction.EndTime)
	publishEvent(ctx, l.publisher, l.log, &domain.AuctionEvent{
		Type:      domain.EventAuctionCreated,
		AuctionID: auction.ID,
		ProductID: auction.ProductID,
		Amount:    auction.StartingPrice,
		Status:    auction.Status.String(),
		Timestamp: now,
	})
	return auction, nil
}

func (l *AuctionLifecycle) validateCreate(req CreateAuctionRequest, now time.Time) error {
	switch {
	case req.ProductID == "":
		return domain.Newf(domain.ErrValidation, "product id is required")
	case req.ID != "" && !utils.ValidID(req.ID):
		return domain.Newf(domain.ErrValidation, "auction id %q is not a UUID", req.ID)
	case req.StartingPrice.IsNegative():
		return domain.Newf(domain.ErrValidation, "starting price must not be negative, got %s", req.StartingPrice)
	case !domain.WholeCents(req.StartingPrice):
		return domain.Newf(domain.ErrValidation, "starting price %s has more than %d decimal places",
			req.StartingPrice, domain.MoneyScale)
	case !req.EndTime.IsZero() && !req.EndTime.After(now):
		return domain.Newf(domain.ErrValidation, "end time %s is not in the future", req.EndTime.Format(time.RFC3339))
	}
	return nil
}

func (l *AuctionLifecycle) GetAuctions(ctx context.Context) ([]*domain.Auction, error) {
	return l.store.List(ctx)
}

func (l *AuctionLifecycle) GetActiveAuctions(ctx context.Context) ([]*domain.Auction, error) {
	return l.store.ListByStatus(ctx, domain.AuctionActive)
}

func (l *AuctionLifecycle) GetAuctionByID(ctx context.Context, auctionID string) (*domain.Auction, error) {
	return l.store.Get(ctx, auctionID)
}

// CloseAuction settles an auction: the catalog is told the outcome first,
// then the auction is finalized. Closing an auction that is no longer
// Active does nothing. If the catalog call fails the auction stays Active
// and the next sweep tries again.
func (l *AuctionLifecycle) CloseAuction(ctx context.Context, auctionID string) error {
	log := l.log.With("auction_id", auctionID)

	for attempt := 1; attempt <= l.opts.MaxRetries; attempt++ {
		auction, err := l.store.Get(ctx, auctionID)
		if err != nil {
			return err
		}
		if !auction.IsActive() {
			log.Debug("Auction already closed", "status", auction.Status.String())
			return nil
		}

		winner := auction.Winner()
		status := domain.AuctionFailed
		if winner != nil {
			status = domain.AuctionCompleted
			if err := l.catalog.MarkSold(ctx, auction.ProductID); err != nil {
				return domain.Mark(errors.Wrapf(err, "mark product %s sold", auction.ProductID), domain.ErrRemoteDependency)
			}
		} else {
			if err := l.catalog.MarkFailed(ctx, auction.ProductID); err != nil {
				return domain.Mark(errors.Wrapf(err, "mark product %s failed in auction", auction.ProductID), domain.ErrRemoteDependency)
			}
		}

		err = l.store.Finalize(ctx, auctionID, auction.Version, status, winner)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			log.Debug("Auction changed while closing, re-reading", "attempt", attempt)
			continue
		}
		if err != nil {
			return err
		}

		event := &domain.AuctionEvent{
			Type:      domain.EventAuctionFailed,
			AuctionID: auctionID,
			ProductID: auction.ProductID,
			Status:    status.String(),
			Timestamp: l.clock.Now(),
		}
		if winner != nil {
			event.Type = domain.EventAuctionCompleted
			event.UserID = winner.UserID
			event.Amount = winner.Amount
			log.Info("Auction completed", "winner", winner.UserID, "amount", winner.Amount.String())
		} else {
			log.Info("Auction failed without bids")
		}
		publishEvent(ctx, l.publisher, l.log, event)
		return nil
	}

	return domain.Newf(domain.ErrConcurrencyConflict, "close auction %s: still conflicting after %d attempts",
		auctionID, l.opts.MaxRetries)
}

// DeleteAuction removes an Active auction and releases its product. When
// the release fails the auction is already gone: the result is
// DeletePartial with an error marked ErrPartialDeletion.
func (l *AuctionLifecycle) DeleteAuction(ctx context.Context, auctionID string) (domain.DeleteStatus, error) {
	var deleted *domain.Auction
	for attempt := 1; attempt <= l.opts.MaxRetries && deleted == nil; attempt++ {
		auction, err := l.store.Get(ctx, auctionID)
		if err != nil {
			return domain.DeleteCompleted, err
		}
		if !auction.IsActive() {
			return domain.DeleteCompleted, domain.Newf(domain.ErrInvalidState,
				"auction %s is %s", auctionID, auction.Status)
		}

		err = l.store.Delete(ctx, auctionID, auction.Version)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return domain.DeleteCompleted, err
		}
		deleted = auction
	}
	if deleted == nil {
		return domain.DeleteCompleted, domain.Newf(domain.ErrConcurrencyConflict,
			"delete auction %s: still conflicting after %d attempts", auctionID, l.opts.MaxRetries)
	}

	publishEvent(ctx, l.publisher, l.log, &domain.AuctionEvent{
		Type:      domain.EventAuctionDeleted,
		AuctionID: auctionID,
		ProductID: deleted.ProductID,
		Timestamp: l.clock.Now(),
	})

	if err := l.catalog.Release(ctx, deleted.ProductID); err != nil {
		l.log.Error("Auction deleted but product release failed",
			"auction_id", auctionID, "product_id", deleted.ProductID, "error", err)
		return domain.DeletePartial, domain.Mark(
			errors.Wrapf(err, "release product %s of deleted auction %s", deleted.ProductID, auctionID),
			domain.ErrPartialDeletion)
	}

	l.log.Info("Auction deleted", "auction_id", auctionID, "product_id", deleted.ProductID)
	return domain.DeleteCompleted, nil
}
