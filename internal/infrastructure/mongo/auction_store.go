package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"auction-lifecycle/internal/domain"
)

type bidDocument struct {
	ID        string               `bson:"id"`
	AuctionID string               `bson:"auction_id"`
	UserID    string               `bson:"user_id"`
	Amount    primitive.Decimal128 `bson:"amount"`
	Timestamp time.Time            `bson:"timestamp"`
}

type productDocument struct {
	ProductID   string               `bson:"product_id"`
	Title       string               `bson:"title"`
	Description string               `bson:"description"`
	Price       primitive.Decimal128 `bson:"price"`
	Status      string               `bson:"status"`
}

type sellerDocument struct {
	ID       string `bson:"id"`
	Username string `bson:"username,omitempty"`
}

type auctionDocument struct {
	ID            string               `bson:"_id"`
	ProductID     string               `bson:"product_id"`
	Product       productDocument      `bson:"product"`
	StartingPrice primitive.Decimal128 `bson:"starting_price"`
	Bids          []bidDocument        `bson:"bids"`
	WinningBid    *bidDocument         `bson:"winning_bid,omitempty"`
	StartTime     time.Time            `bson:"start_time"`
	EndTime       time.Time            `bson:"end_time"`
	Seller        sellerDocument       `bson:"seller"`
	Status        string               `bson:"status"`
	Version       int64                `bson:"version"`
	CreatedAt     time.Time            `bson:"created_at"`
	UpdatedAt     time.Time            `bson:"updated_at"`
}

// AuctionStore keeps one document per auction with the bids embedded.
// Conditional writes filter on _id, version and status in a single
// UpdateOne so the check and the write are atomic on the server.
type AuctionStore struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewAuctionStore(collection *mongo.Collection, timeout time.Duration) *AuctionStore {
	return &AuctionStore{collection: collection, timeout: timeout}
}

// EnsureIndexes creates the index the expiry sweep filters on.
func (s *AuctionStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "status", Value: 1}, {Key: "end_time", Value: 1}},
		Options: options.Index().SetName("status_end_time"),
	})
	return errors.Wrap(err, "create auction indexes")
}

func (s *AuctionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *AuctionStore) Insert(ctx context.Context, auction *domain.Auction) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := toDocument(auction)
	if err != nil {
		return err
	}
	doc.Version = 1

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.Mark(errors.Wrapf(err, "insert auction %s", auction.ID), domain.ErrConcurrencyConflict)
		}
		return errors.Wrapf(err, "insert auction %s", auction.ID)
	}
	auction.Version = 1
	return nil
}

func (s *AuctionStore) Get(ctx context.Context, auctionID string) (*domain.Auction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc auctionDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": auctionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.Newf(domain.ErrNotFound, "auction %s", auctionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get auction %s", auctionID)
	}
	return fromDocument(&doc)
}

func (s *AuctionStore) List(ctx context.Context) ([]*domain.Auction, error) {
	return s.find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

func (s *AuctionStore) ListByStatus(ctx context.Context, status domain.AuctionStatus) ([]*domain.Auction, error) {
	return s.find(ctx, bson.M{"status": status.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

func (s *AuctionStore) ScanExpired(ctx context.Context, now time.Time) ([]*domain.Auction, error) {
	filter := bson.M{
		"status":   domain.AuctionActive.String(),
		"end_time": bson.M{"$lte": now},
	}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "end_time", Value: 1}}))
}

func (s *AuctionStore) find(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]*domain.Auction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find auctions")
	}
	defer cursor.Close(ctx)

	var docs []auctionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode auctions")
	}

	auctions := make([]*domain.Auction, 0, len(docs))
	for i := range docs {
		auction, err := fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, auction)
	}
	return auctions, nil
}

func (s *AuctionStore) ConditionalAppend(ctx context.Context, auctionID string, expectedVersion int64, at time.Time, bid domain.Bid) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := toBidDocument(bid)
	if err != nil {
		return err
	}
	update := bson.M{
		"$push": bson.M{"bids": doc},
		"$inc":  bson.M{"version": 1},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	filter := activeAt(auctionID, expectedVersion)
	filter["end_time"] = bson.M{"$gt": at.UTC()}
	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return errors.Wrapf(err, "append bid to auction %s", auctionID)
	}
	return s.checkMatched(ctx, res.MatchedCount, auctionID, expectedVersion)
}

func (s *AuctionStore) Finalize(ctx context.Context, auctionID string, expectedVersion int64, status domain.AuctionStatus, winningBid *domain.Bid) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":     status.String(),
		"updated_at": time.Now().UTC(),
	}
	if winningBid != nil {
		doc, err := toBidDocument(*winningBid)
		if err != nil {
			return err
		}
		set["winning_bid"] = doc
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}

	res, err := s.collection.UpdateOne(ctx, activeAt(auctionID, expectedVersion), update)
	if err != nil {
		return errors.Wrapf(err, "finalize auction %s", auctionID)
	}
	return s.checkMatched(ctx, res.MatchedCount, auctionID, expectedVersion)
}

func (s *AuctionStore) Delete(ctx context.Context, auctionID string, expectedVersion int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.collection.DeleteOne(ctx, activeAt(auctionID, expectedVersion))
	if err != nil {
		return errors.Wrapf(err, "delete auction %s", auctionID)
	}
	return s.checkMatched(ctx, res.DeletedCount, auctionID, expectedVersion)
}

func activeAt(auctionID string, expectedVersion int64) bson.M {
	return bson.M{
		"_id":     auctionID,
		"version": expectedVersion,
		"status":  domain.AuctionActive.String(),
	}
}

func (s *AuctionStore) checkMatched(ctx context.Context, matched int64, auctionID string, expectedVersion int64) error {
	if matched > 0 {
		return nil
	}
	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": auctionID})
	if err != nil {
		return errors.Wrapf(err, "check auction %s", auctionID)
	}
	if count == 0 {
		return domain.Newf(domain.ErrNotFound, "auction %s", auctionID)
	}
	return domain.Newf(domain.ErrConcurrencyConflict, "auction %s: version %d is stale, auction closed or ended", auctionID, expectedVersion)
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	value, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, errors.Wrapf(err, "convert %s to decimal128", d)
	}
	return value, nil
}

func fromDecimal128(value primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "convert decimal128 %s", value)
	}
	return d, nil
}

func toBidDocument(bid domain.Bid) (bidDocument, error) {
	amount, err := toDecimal128(bid.Amount)
	if err != nil {
		return bidDocument{}, err
	}
	return bidDocument{
		ID:        bid.ID,
		AuctionID: bid.AuctionID,
		UserID:    bid.UserID,
		Amount:    amount,
		Timestamp: bid.Timestamp,
	}, nil
}

func fromBidDocument(doc bidDocument) (domain.Bid, error) {
	amount, err := fromDecimal128(doc.Amount)
	if err != nil {
		return domain.Bid{}, err
	}
	return domain.Bid{
		ID:        doc.ID,
		AuctionID: doc.AuctionID,
		UserID:    doc.UserID,
		Amount:    amount,
		Timestamp: doc.Timestamp.UTC(),
	}, nil
}

func toDocument(auction *domain.Auction) (*auctionDocument, error) {
	startingPrice, err := toDecimal128(auction.StartingPrice)
	if err != nil {
		return nil, err
	}
	price, err := toDecimal128(auction.Product.Price)
	if err != nil {
		return nil, err
	}

	bids := make([]bidDocument, 0, len(auction.Bids))
	for _, bid := range auction.Bids {
		doc, err := toBidDocument(bid)
		if err != nil {
			return nil, err
		}
		bids = append(bids, doc)
	}

	var winning *bidDocument
	if auction.WinningBid != nil {
		doc, err := toBidDocument(*auction.WinningBid)
		if err != nil {
			return nil, err
		}
		winning = &doc
	}

	return &auctionDocument{
		ID:        auction.ID,
		ProductID: auction.ProductID,
		Product: productDocument{
			ProductID:   auction.Product.ProductID,
			Title:       auction.Product.Title,
			Description: auction.Product.Description,
			Price:       price,
			Status:      string(auction.Product.Status),
		},
		StartingPrice: startingPrice,
		Bids:          bids,
		WinningBid:    winning,
		StartTime:     auction.StartTime,
		EndTime:       auction.EndTime,
		Seller:        sellerDocument{ID: auction.Seller.ID, Username: auction.Seller.Username},
		Status:        auction.Status.String(),
		Version:       auction.Version,
		CreatedAt:     auction.CreatedAt,
		UpdatedAt:     auction.UpdatedAt,
	}, nil
}

func fromDocument(doc *auctionDocument) (*domain.Auction, error) {
	status, err := domain.ParseAuctionStatus(doc.Status)
	if err != nil {
		return nil, err
	}
	startingPrice, err := fromDecimal128(doc.StartingPrice)
	if err != nil {
		return nil, err
	}
	price, err := fromDecimal128(doc.Product.Price)
	if err != nil {
		return nil, err
	}

	bids := make([]domain.Bid, 0, len(doc.Bids))
	for _, b := range doc.Bids {
		bid, err := fromBidDocument(b)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}

	var winning *domain.Bid
	if doc.WinningBid != nil {
		bid, err := fromBidDocument(*doc.WinningBid)
		if err != nil {
			return nil, err
		}
		winning = &bid
	}

	return &domain.Auction{
		ID:        doc.ID,
		ProductID: doc.ProductID,
		Product: domain.ProductSnapshot{
			ProductID:   doc.Product.ProductID,
			Title:       doc.Product.Title,
			Description: doc.Product.Description,
			Price:       price,
			Status:      domain.ProductStatus(doc.Product.Status),
		},
		StartingPrice: startingPrice,
		Bids:          bids,
		WinningBid:    winning,
		StartTime:     doc.StartTime.UTC(),
		EndTime:       doc.EndTime.UTC(),
		Seller:        domain.Seller{ID: doc.Seller.ID, Username: doc.Seller.Username},
		Status:        status,
		Version:       doc.Version,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}, nil
}
