package services

import (
	"context"

	"github.com/cockroachdb/errors"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
	"auction-lifecycle/pkg/utils"
)

// Rejection reasons reported with bid_rejected events.
const (
	ReasonAuctionNotFound  = "auction_not_found"
	ReasonAuctionNotActive = "auction_not_active"
	ReasonAuctionEnded     = "auction_ended"
	ReasonAmountTooLow     = "amount_too_low"
)

type Verdict struct {
	Accepted bool
	// Reason is set for rejections.
	Reason string
	// Highest is the amount the bid was compared against.
	Highest string
}

// BidAdmission accepts a bid iff it is strictly above the auction's
// current highest amount. The comparison and the append are tied together
// by the auction's version: a write that lost a race is re-evaluated
// against fresh state.
type BidAdmission struct {
	store      domain.AuctionStore
	clock      clock.Clock
	maxRetries int
	log        logger.Logger
}

func NewBidAdmission(store domain.AuctionStore, clk clock.Clock, maxRetries int, log logger.Logger) *BidAdmission {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &BidAdmission{
		store:      store,
		clock:      clk,
		maxRetries: maxRetries,
		log:        log,
	}
}

// AdmitBid reports whether bid was accepted. Rejections are (false, nil).
func (a *BidAdmission) AdmitBid(ctx context.Context, bid *domain.Bid) (bool, error) {
	verdict, err := a.Admit(ctx, bid)
	return verdict.Accepted, err
}

// Admit is AdmitBid with the reason for a rejection.
func (a *BidAdmission) Admit(ctx context.Context, bid *domain.Bid) (Verdict, error) {
	if err := validateBid(bid); err != nil {
		return Verdict{}, err
	}
	if bid.ID == "" {
		bid.ID = utils.GenerateID()
	}
	if bid.Timestamp.IsZero() {
		bid.Timestamp = a.clock.Now()
	}

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		auction, err := a.store.Get(ctx, bid.AuctionID)
		if errors.Is(err, domain.ErrNotFound) {
			return reject(ReasonAuctionNotFound, ""), nil
		}
		if err != nil {
			return Verdict{}, err
		}

		if !auction.IsActive() {
			return reject(ReasonAuctionNotActive, ""), nil
		}
		highest := auction.HighestAmount()
		if auction.Expired(a.clock.Now()) {
			return reject(ReasonAuctionEnded, highest.String()), nil
		}
		if !bid.Amount.GreaterThan(highest) {
			return reject(ReasonAmountTooLow, highest.String()), nil
		}

		// The store checks the deadline again at write time, so an auction
		// that ends between the read and the write refuses the bid.
		err = a.store.ConditionalAppend(ctx, auction.ID, auction.Version, a.clock.Now(), *bid)
		switch {
		case err == nil:
			a.log.Debug("Bid accepted", "auction_id", bid.AuctionID, "bid_id", bid.ID, "amount", bid.Amount.String())
			return Verdict{Accepted: true, Highest: highest.String()}, nil
		case errors.Is(err, domain.ErrConcurrencyConflict):
			a.log.Debug("Bid lost a race, re-evaluating", "auction_id", bid.AuctionID, "attempt", attempt)
			continue
		case errors.Is(err, domain.ErrNotFound):
			return reject(ReasonAuctionNotFound, ""), nil
		default:
			return Verdict{}, err
		}
	}

	return Verdict{}, domain.Newf(domain.ErrConcurrencyConflict,
		"admit bid on auction %s: still conflicting after %d attempts", bid.AuctionID, a.maxRetries)
}

func reject(reason, highest string) Verdict {
	return Verdict{Reason: reason, Highest: highest}
}

func validateBid(bid *domain.Bid) error {
	switch {
	case bid == nil:
		return domain.Newf(domain.ErrValidation, "bid is required")
	case bid.AuctionID == "":
		return domain.Newf(domain.ErrValidation, "bid: auction id is required")
	case bid.UserID == "":
		return domain.Newf(domain.ErrValidation, "bid: user id is required")
	case !bid.Amount.IsPositive():
		return domain.Newf(domain.ErrValidation, "bid: amount must be positive, got %s", bid.Amount)
	case !domain.WholeCents(bid.Amount):
		return domain.Newf(domain.ErrValidation, "bid: amount %s has more than %d decimal places", bid.Amount, domain.MoneyScale)
	}
	return nil
}
