package services

import (
	"context"

	"github.com/cockroachdb/errors"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/logger"
)

// publishEvent is best effort: a lost notification never fails the
// operation that produced it.
func publishEvent(ctx context.Context, publisher domain.EventPublisher, log logger.Logger, event *domain.AuctionEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishAuctionEvent(context.WithoutCancel(ctx), event); err != nil {
		log.Warn("Failed to publish auction event", "type", event.Type, "auction_id", event.AuctionID, "error", err)
	}
}

// FanoutPublisher hands every event to each publisher in turn. All
// publishers are tried; their errors are joined.
type FanoutPublisher []domain.EventPublisher

func (f FanoutPublisher) PublishAuctionEvent(ctx context.Context, event *domain.AuctionEvent) error {
	var result error
	for _, publisher := range f {
		if err := publisher.PublishAuctionEvent(ctx, event); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}
