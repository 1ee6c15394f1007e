package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/logger"
)

const fetchBackoff = time.Second

type ingestItem struct {
	delivery domain.BidDelivery
	msg      domain.BidMessage
}

// BidIngest pulls bid messages off the bid channel and runs them through
// admission. Messages for one auction always land on the same worker, so
// they are admitted in delivery order.
type BidIngest struct {
	source    domain.BidSource
	admission *BidAdmission
	publisher domain.EventPublisher
	workers   int
	log       logger.Logger
}

func NewBidIngest(source domain.BidSource, admission *BidAdmission, publisher domain.EventPublisher,
	workers int, log logger.Logger) *BidIngest {
	if workers <= 0 {
		workers = 1
	}
	return &BidIngest{
		source:    source,
		admission: admission,
		publisher: publisher,
		workers:   workers,
		log:       log,
	}
}

// Run consumes until ctx is cancelled. It then stops fetching, lets the
// workers finish what was already pulled and returns.
func (i *BidIngest) Run(ctx context.Context) error {
	i.log.Info("Starting bid ingest", "workers", i.workers)

	// Work already pulled is finished even after ctx is cancelled.
	workCtx := context.WithoutCancel(ctx)

	queues := make([]chan ingestItem, i.workers)
	var wg sync.WaitGroup
	for w := range queues {
		queues[w] = make(chan ingestItem, 64)
		wg.Add(1)
		go func(queue <-chan ingestItem) {
			defer wg.Done()
			for item := range queue {
				i.process(workCtx, item)
			}
		}(queues[w])
	}

	defer func() {
		for _, queue := range queues {
			close(queue)
		}
		wg.Wait()
		i.log.Info("Bid ingest stopped")
	}()

	for ctx.Err() == nil {
		deliveries, err := i.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			i.log.Error("Failed to fetch bids", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(fetchBackoff):
			}
			continue
		}

		for _, delivery := range deliveries {
			msg, err := decodeBidMessage(delivery.Payload)
			if err != nil {
				i.log.Warn("Dropping malformed bid message", "id", delivery.ID, "payload", string(delivery.Payload), "error", err)
				i.ack(workCtx, delivery.ID)
				continue
			}
			queues[workerFor(msg.AuctionID, i.workers)] <- ingestItem{delivery: delivery, msg: *msg}
		}
	}
	return nil
}

func (i *BidIngest) process(ctx context.Context, item ingestItem) {
	bid := &domain.Bid{
		ID:        bidIDFor(item.delivery.ID),
		AuctionID: item.msg.AuctionID,
		UserID:    item.msg.UserID,
		Amount:    item.msg.Amount,
		Timestamp: item.msg.Timestamp,
	}

	verdict, err := i.admission.Admit(ctx, bid)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			i.log.Warn("Dropping invalid bid", "id", item.delivery.ID, "auction_id", bid.AuctionID, "error", err)
			i.ack(ctx, item.delivery.ID)
			return
		}
		// Left unacknowledged; the stream hands it out again.
		i.log.Error("Failed to admit bid", "id", item.delivery.ID, "auction_id", bid.AuctionID, "error", err)
		return
	}

	event := &domain.AuctionEvent{
		Type:      domain.EventBidAccepted,
		AuctionID: bid.AuctionID,
		UserID:    bid.UserID,
		Amount:    bid.Amount,
		Timestamp: bid.Timestamp,
	}
	if !verdict.Accepted {
		event.Type = domain.EventBidRejected
		event.Status = verdict.Reason
		i.log.Info("Bid rejected", "auction_id", bid.AuctionID, "user_id", bid.UserID,
			"amount", bid.Amount.String(), "reason", verdict.Reason)
	} else {
		i.log.Info("Bid accepted", "auction_id", bid.AuctionID, "user_id", bid.UserID, "amount", bid.Amount.String())
	}
	publishEvent(ctx, i.publisher, i.log, event)

	i.ack(ctx, item.delivery.ID)
}

func (i *BidIngest) ack(ctx context.Context, id string) {
	if err := i.source.Ack(ctx, id); err != nil {
		i.log.Error("Failed to ack bid message", "id", id, "error", err)
	}
}

func decodeBidMessage(payload []byte) (*domain.BidMessage, error) {
	var msg domain.BidMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrap(err, "decode bid message")
	}
	switch {
	case msg.AuctionID == "":
		return nil, errors.New("missing auction_id")
	case msg.UserID == "":
		return nil, errors.New("missing user_id")
	case !msg.Amount.IsPositive():
		return nil, errors.Newf("amount must be positive, got %s", msg.Amount)
	}
	return &msg, nil
}

func workerFor(auctionID string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(auctionID))
	return int(h.Sum32() % uint32(workers))
}

// bidIDFor derives the bid id from the delivery id, so a redelivered
// message carries the same bid id.
func bidIDFor(deliveryID string) string {
	if deliveryID == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("bid:"+deliveryID)).String()
}
