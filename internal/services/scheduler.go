package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
)

// AuctionCloser settles one auction.
type AuctionCloser interface {
	CloseAuction(ctx context.Context, auctionID string) error
}

type SchedulerOptions struct {
	// Spec is a robfig/cron schedule, e.g. "@every 1m".
	Spec         string
	CloseTimeout time.Duration
	InstanceID   string
}

// LifecycleScheduler periodically closes every Active auction past its
// EndTime. Sweeps never overlap, and only the instance holding the leader
// lease sweeps.
type LifecycleScheduler struct {
	cron   *cron.Cron
	store  domain.AuctionStore
	closer AuctionCloser
	leader domain.LeaderElection
	clock  clock.Clock
	opts   SchedulerOptions
	log    logger.Logger

	running  atomic.Bool
	stopping atomic.Bool
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

func NewLifecycleScheduler(
	store domain.AuctionStore,
	closer AuctionCloser,
	leader domain.LeaderElection,
	clk clock.Clock,
	opts SchedulerOptions,
	log logger.Logger,
) *LifecycleScheduler {
	if opts.Spec == "" {
		opts.Spec = "@every 1m"
	}
	cronLog := logger.CronLogger(log)
	return &LifecycleScheduler{
		cron:   cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		store:  store,
		closer: closer,
		leader: leader,
		clock:  clk,
		opts:   opts,
		log:    log,
	}
}

func (s *LifecycleScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting lifecycle scheduler", "spec", s.opts.Spec)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	_, err := s.cron.AddFunc(s.opts.Spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("Sweep failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return errors.Wrapf(err, "schedule sweep %q", s.opts.Spec)
	}

	s.cron.Start()
	return nil
}

// Stop prevents new sweeps, asks a running sweep to stop after the auction
// it is closing, and waits for it or for ctx.
func (s *LifecycleScheduler) Stop(ctx context.Context) error {
	s.log.Info("Stopping lifecycle scheduler")
	s.stopping.Store(true)
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "wait for sweep")
	}

	if s.cancel != nil {
		s.cancel()
	}
	if releaseErr := s.leader.ReleaseLeadership(ctx, s.opts.InstanceID); releaseErr != nil {
		s.log.Warn("Failed to release leadership", "error", releaseErr)
	}
	return err
}

// Sweep closes every expired Active auction and returns how many were
// closed. A failed closure is logged and the sweep moves on; the auction
// stays Active and is picked up again by the next sweep. A call while
// another sweep is running returns immediately.
func (s *LifecycleScheduler) Sweep(ctx context.Context) (int, error) {
	if s.stopping.Load() {
		return 0, nil
	}
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("Sweep already running, skipping")
		return 0, nil
	}
	s.inflight.Add(1)
	defer func() {
		s.running.Store(false)
		s.inflight.Done()
	}()

	leader, err := s.ensureLeader(ctx)
	if err != nil {
		return 0, err
	}
	if !leader {
		s.log.Debug("Not the leader, skipping sweep", "instance_id", s.opts.InstanceID)
		return 0, nil
	}

	now := s.clock.Now()
	expired, err := s.store.ScanExpired(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "scan expired auctions")
	}
	if len(expired) > 0 {
		s.log.Info("Closing expired auctions", "count", len(expired), "now", now)
	}

	closed := 0
	for _, auction := range expired {
		if s.stopping.Load() || ctx.Err() != nil {
			s.log.Info("Sweep interrupted", "closed", closed, "remaining", len(expired)-closed)
			break
		}
		if err := s.closeOne(ctx, auction.ID); err != nil {
			s.log.Error("Failed to close auction", "auction_id", auction.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// closeOne runs a closure to completion even if ctx is cancelled midway,
// bounded by the close timeout.
func (s *LifecycleScheduler) closeOne(ctx context.Context, auctionID string) error {
	closeCtx := context.WithoutCancel(ctx)
	if s.opts.CloseTimeout > 0 {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(closeCtx, s.opts.CloseTimeout)
		defer cancel()
	}
	return s.closer.CloseAuction(closeCtx, auctionID)
}

func (s *LifecycleScheduler) ensureLeader(ctx context.Context) (bool, error) {
	isLeader, err := s.leader.IsLeader(ctx, s.opts.InstanceID)
	if err != nil {
		return false, errors.Wrap(err, "check leadership")
	}
	if isLeader {
		return true, nil
	}
	acquired, err := s.leader.BecomeLeader(ctx, s.opts.InstanceID)
	if err != nil {
		return false, errors.Wrap(err, "acquire leadership")
	}
	return acquired, nil
}
