package redis

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"auction-lifecycle/internal/domain"
)

type EventPublisherImpl struct {
	client  *redis.Client
	channel string
}

func NewEventPublisher(client *redis.Client, channel string) *EventPublisherImpl {
	return &EventPublisherImpl{client: client, channel: channel}
}

func (r *EventPublisherImpl) PublishAuctionEvent(ctx context.Context, event *domain.AuctionEvent) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode auction event")
	}
	return errors.Wrapf(r.client.Publish(ctx, r.channel, eventData).Err(), "publish %s", event.Type)
}
