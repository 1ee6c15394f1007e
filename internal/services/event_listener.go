package services

import (
	"context"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/logger"
)

// UserNotifier reaches one bidder on one auction.
type UserNotifier interface {
	NotifyUser(ctx context.Context, auctionID, userID string, message interface{}) error
}

// EventListener relays auction events to websocket watchers. An event that
// ends the auction gets a final broadcast, then the watchers are
// disconnected.
type EventListener struct {
	broadcaster       domain.AuctionBroadcaster
	notifier          UserNotifier
	connectionManager domain.ConnectionManager
	log               logger.Logger
}

func NewEventListener(connectionManager domain.ConnectionManager, broadcaster domain.AuctionBroadcaster,
	notifier UserNotifier, log logger.Logger) *EventListener {
	return &EventListener{
		broadcaster:       broadcaster,
		notifier:          notifier,
		connectionManager: connectionManager,
		log:               log,
	}
}

func (el *EventListener) Start(ctx context.Context, subscriber domain.EventSubscriber) error {
	el.log.Info("Starting event listener")
	return subscriber.SubscribeToAuctionEvents(ctx, el.HandleEvent)
}

func (el *EventListener) HandleEvent(event *domain.AuctionEvent) error {
	el.log.Debug("Handling auction event", "type", event.Type, "auction_id", event.AuctionID)

	ctx := context.Background()
	switch {
	case event.Type == domain.EventBidAccepted:
		return el.broadcaster.BroadcastToAuction(ctx, event.AuctionID, map[string]interface{}{
			"type":           "bid_update",
			"current_bid":    event.Amount,
			"current_winner": event.UserID,
			"timestamp":      event.Timestamp,
		})
	case event.Type == domain.EventBidRejected:
		return el.notifier.NotifyUser(ctx, event.AuctionID, event.UserID, map[string]interface{}{
			"type":      "bid_rejected",
			"amount":    event.Amount,
			"reason":    event.Status,
			"timestamp": event.Timestamp,
		})
	case event.Type.Closes():
		return el.handleAuctionClosed(ctx, event)
	}
	return nil
}

func (el *EventListener) handleAuctionClosed(ctx context.Context, event *domain.AuctionEvent) error {
	message := map[string]interface{}{
		"type":      "auction_ended",
		"outcome":   event.Type,
		"timestamp": event.Timestamp,
	}
	if event.Type == domain.EventAuctionCompleted {
		message["winner"] = event.UserID
		message["winning_bid"] = event.Amount
	}

	if err := el.broadcaster.BroadcastToAuction(ctx, event.AuctionID, message); err != nil {
		el.log.Error("Failed to broadcast auction ended event", "auction_id", event.AuctionID, "error", err)
		return err
	}

	if err := el.connectionManager.CloseAndUnregisterConnections(event.AuctionID); err != nil {
		el.log.Error("Failed to finalize connections for auction", "auction_id",
			event.AuctionID, "error", err)
		return err
	}
	return nil
}
