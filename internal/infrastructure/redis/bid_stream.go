package redis

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"auction-lifecycle/internal/domain"
)

const payloadField = "payload"

const defaultPendingInterval = 30 * time.Second

type StreamOptions struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	// PendingInterval is how often unacknowledged entries are reclaimed, and
	// how long an entry must have gone unacknowledged since its last
	// delivery before it is. Entries still queued in the workers are younger
	// than that and are left alone.
	PendingInterval time.Duration
}

// BidStream is the bid channel on a Redis Stream read through a consumer
// group. Entries stay pending until Ack. On start this consumer re-reads its
// own backlog; afterwards entries idle for PendingInterval are claimed from
// any consumer in the group, so a crash between delivery and ack leads to
// redelivery.
type BidStream struct {
	client *redis.Client
	opts   StreamOptions

	mu            sync.Mutex
	backlogCursor string
	lastClaim     time.Time
}

func NewBidStream(client *redis.Client, opts StreamOptions) *BidStream {
	if opts.PendingInterval <= 0 {
		opts.PendingInterval = defaultPendingInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &BidStream{
		client: client,
		opts:   opts,
		// Start with this consumer's backlog from a previous run.
		backlogCursor: "0",
	}
}

// EnsureGroup creates the stream and consumer group if they don't exist yet.
func (s *BidStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group %s on %s", s.opts.Group, s.opts.Stream)
	}
	return nil
}

func (s *BidStream) Fetch(ctx context.Context) ([]domain.BidDelivery, error) {
	if cursor, ok := s.nextBacklogCursor(); ok {
		deliveries, err := s.read(ctx, cursor, -1)
		if err != nil {
			return nil, err
		}
		s.advanceBacklog(deliveries)
		if len(deliveries) > 0 {
			return deliveries, nil
		}
	}

	if s.claimDue() {
		claimed, err := s.claimIdle(ctx)
		if err != nil {
			return nil, err
		}
		if int64(len(claimed)) < s.opts.BatchSize {
			s.claimDone()
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}
	return s.read(ctx, ">", s.opts.Block)
}

func (s *BidStream) nextBacklogCursor() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlogCursor, s.backlogCursor != ""
}

func (s *BidStream) advanceBacklog(deliveries []domain.BidDelivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(deliveries) == 0 {
		s.backlogCursor = ""
		return
	}
	s.backlogCursor = deliveries[len(deliveries)-1].ID
}

func (s *BidStream) claimDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastClaim) >= s.opts.PendingInterval
}

func (s *BidStream) claimDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClaim = time.Now()
}

// claimIdle takes over up to a batch of entries that have been pending for
// at least PendingInterval. XCLAIM re-checks the idle time, so an entry
// acked or claimed by another consumer in between is skipped.
func (s *BidStream) claimIdle(ctx context.Context) ([]domain.BidDelivery, error) {
	var ids []string
	start := "-"
	for int64(len(ids)) < s.opts.BatchSize {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.opts.Stream,
			Group:  s.opts.Group,
			Start:  start,
			End:    "+",
			Count:  s.opts.BatchSize,
		}).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "list pending entries of %s", s.opts.Stream)
		}
		for _, entry := range pending {
			if entry.Idle >= s.opts.PendingInterval && int64(len(ids)) < s.opts.BatchSize {
				ids = append(ids, entry.ID)
			}
		}
		if int64(len(pending)) < s.opts.BatchSize {
			break
		}
		start = "(" + pending[len(pending)-1].ID
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.opts.Stream,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.PendingInterval,
		Messages: ids,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "claim %d idle entries on %s", len(ids), s.opts.Stream)
	}
	return toDeliveries(msgs), nil
}

func (s *BidStream) read(ctx context.Context, id string, block time.Duration) ([]domain.BidDelivery, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.opts.Stream, id},
		Count:    s.opts.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s from %s", id, s.opts.Stream)
	}

	var deliveries []domain.BidDelivery
	for _, stream := range streams {
		deliveries = append(deliveries, toDeliveries(stream.Messages)...)
	}
	return deliveries, nil
}

func toDeliveries(msgs []redis.XMessage) []domain.BidDelivery {
	deliveries := make([]domain.BidDelivery, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values[payloadField].(string)
		deliveries = append(deliveries, domain.BidDelivery{ID: msg.ID, Payload: []byte(payload)})
	}
	return deliveries
}

func (s *BidStream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.client.XAck(ctx, s.opts.Stream, s.opts.Group, ids...).Err()
	return errors.Wrapf(err, "ack %d entries on %s", len(ids), s.opts.Stream)
}

// SubmitBid appends a bid message to the stream and returns the entry id.
func (s *BidStream) SubmitBid(ctx context.Context, msg *domain.BidMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "encode bid message")
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "append bid to %s", s.opts.Stream)
	}
	return id, nil
}
