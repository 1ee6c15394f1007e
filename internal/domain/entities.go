package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places an amount may carry.
const MoneyScale = 2

// WholeCents reports whether d has no more than MoneyScale decimal places.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

type Auction struct {
	ID            string
	ProductID     string
	Product       ProductSnapshot
	StartingPrice decimal.Decimal
	Bids          []Bid
	WinningBid    *Bid
	StartTime     time.Time
	EndTime       time.Time
	Seller        Seller
	Status        AuctionStatus
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HighestAmount is the amount a new bid has to beat: the last accepted bid,
// or the starting price while the auction has none.
func (a *Auction) HighestAmount() decimal.Decimal {
	highest := a.StartingPrice
	for _, bid := range a.Bids {
		if bid.Amount.GreaterThan(highest) {
			highest = bid.Amount
		}
	}
	return highest
}

// Winner returns the highest bid, or nil when nobody bid.
func (a *Auction) Winner() *Bid {
	var winner *Bid
	for i := range a.Bids {
		if winner == nil || a.Bids[i].Amount.GreaterThan(winner.Amount) {
			bid := a.Bids[i]
			winner = &bid
		}
	}
	return winner
}

func (a *Auction) IsActive() bool {
	return a.Status == AuctionActive
}

func (a *Auction) Expired(now time.Time) bool {
	return !a.EndTime.After(now)
}

// Clone returns a deep copy so callers can't alias the stored bid slice.
func (a *Auction) Clone() *Auction {
	c := *a
	c.Bids = append(make([]Bid, 0, len(a.Bids)), a.Bids...)
	if a.WinningBid != nil {
		w := *a.WinningBid
		c.WinningBid = &w
	}
	return &c
}

type AuctionStatus int

const (
	AuctionActive AuctionStatus = iota
	AuctionCompleted
	AuctionFailed
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionActive:
		return "Active"
	case AuctionCompleted:
		return "Completed"
	case AuctionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s AuctionStatus) Terminal() bool {
	return s == AuctionCompleted || s == AuctionFailed
}

func ParseAuctionStatus(value string) (AuctionStatus, error) {
	switch value {
	case "Active":
		return AuctionActive, nil
	case "Completed":
		return AuctionCompleted, nil
	case "Failed":
		return AuctionFailed, nil
	default:
		return AuctionActive, errors.Newf("unknown auction status %q", value)
	}
}

func (s AuctionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AuctionStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseAuctionStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

type Seller struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type ProductStatus string

const (
	ProductPending         ProductStatus = "Pending"
	ProductApproved        ProductStatus = "Approved"
	ProductAvailable       ProductStatus = "Available"
	ProductInAuction       ProductStatus = "InAuction"
	ProductSold            ProductStatus = "Sold"
	ProductFailedInAuction ProductStatus = "FailedInAuction"
)

// ProductSnapshot is the catalog's view of a product at reservation time.
// The catalog owns the product; the auction only keeps this copy.
type ProductSnapshot struct {
	ProductID   string          `json:"product_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Status      ProductStatus   `json:"status"`
}

// BidMessage is a bid as delivered on the bid channel, before admission.
type BidMessage struct {
	AuctionID string          `json:"auction_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// BidDelivery is one message pulled from the bid channel. ID is the
// transport's handle used to acknowledge it.
type BidDelivery struct {
	ID      string
	Payload []byte
}

type AuctionEvent struct {
	Type      AuctionEventType `json:"type"`
	AuctionID string           `json:"auction_id"`
	ProductID string           `json:"product_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
	Status    string           `json:"status,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type AuctionEventType string

const (
	EventAuctionCreated   AuctionEventType = "auction_created"
	EventBidAccepted      AuctionEventType = "bid_accepted"
	EventBidRejected      AuctionEventType = "bid_rejected"
	EventAuctionCompleted AuctionEventType = "auction_completed"
	EventAuctionFailed    AuctionEventType = "auction_failed"
	EventAuctionDeleted   AuctionEventType = "auction_deleted"
)

// Closes reports whether the event ends the auction for watchers.
func (t AuctionEventType) Closes() bool {
	return t == EventAuctionCompleted || t == EventAuctionFailed || t == EventAuctionDeleted
}

type DeleteStatus int

const (
	DeleteCompleted DeleteStatus = iota
	// DeletePartial means the auction record is gone but the product is still
	// reserved in the catalog.
	DeletePartial
)

func (s DeleteStatus) String() string {
	switch s {
	case DeleteCompleted:
		return "deleted"
	case DeletePartial:
		return "partial"
	default:
		return "unknown"
	}
}
