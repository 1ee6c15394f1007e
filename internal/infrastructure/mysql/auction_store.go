package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	driver "github.com/go-sql-driver/mysql"

	"auction-lifecycle/internal/domain"
)

const duplicateEntry = 1062

const selectAuction = `
        SELECT id, product_id, product, starting_price, bids, winning_bid,
               start_time, end_time, seller, status, version, created_at, updated_at
        FROM auctions`

// MySQLAuctionStore keeps one row per auction with the bids embedded as a
// JSON array, so appending a bid is a single conditional UPDATE.
type MySQLAuctionStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewMySQLAuctionStore(db *sql.DB, timeout time.Duration) *MySQLAuctionStore {
	return &MySQLAuctionStore{db: db, timeout: timeout}
}

func (r *MySQLAuctionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *MySQLAuctionStore) Insert(ctx context.Context, auction *domain.Auction) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row, err := toRow(auction)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO auctions (id, product_id, product, starting_price, bids, winning_bid,
                              start_time, end_time, seller, status, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
    `
	_, err = r.db.ExecContext(ctx, query,
		auction.ID, auction.ProductID, row.product, auction.StartingPrice, row.bids, row.winningBid,
		auction.StartTime, auction.EndTime, row.seller, auction.Status.String(),
		auction.CreatedAt, auction.UpdatedAt)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry {
			return domain.Mark(errors.Wrapf(err, "insert auction %s", auction.ID), domain.ErrConcurrencyConflict)
		}
		return errors.Wrapf(err, "insert auction %s", auction.ID)
	}

	auction.Version = 1
	return nil
}

func (r *MySQLAuctionStore) Get(ctx context.Context, auctionID string) (*domain.Auction, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	auction, err := scanAuction(r.db.QueryRowContext(ctx, selectAuction+` WHERE id = ?`, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Newf(domain.ErrNotFound, "auction %s", auctionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get auction %s", auctionID)
	}
	return auction, nil
}

func (r *MySQLAuctionStore) List(ctx context.Context) ([]*domain.Auction, error) {
	return r.query(ctx, selectAuction+` ORDER BY created_at ASC`)
}

func (r *MySQLAuctionStore) ListByStatus(ctx context.Context, status domain.AuctionStatus) ([]*domain.Auction, error) {
	return r.query(ctx, selectAuction+` WHERE status = ? ORDER BY created_at ASC`, status.String())
}

func (r *MySQLAuctionStore) ScanExpired(ctx context.Context, now time.Time) ([]*domain.Auction, error) {
	return r.query(ctx, selectAuction+` WHERE status = ? AND end_time <= ? ORDER BY end_time ASC`,
		domain.AuctionActive.String(), now)
}

func (r *MySQLAuctionStore) query(ctx context.Context, query string, args ...interface{}) ([]*domain.Auction, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query auctions")
	}
	defer rows.Close()

	auctions := make([]*domain.Auction, 0)
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan auction")
		}
		auctions = append(auctions, auction)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate auctions")
	}
	return auctions, nil
}

func (r *MySQLAuctionStore) ConditionalAppend(ctx context.Context, auctionID string, expectedVersion int64, at time.Time, bid domain.Bid) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(bid)
	if err != nil {
		return errors.Wrap(err, "encode bid")
	}

	query := `
        UPDATE auctions
        SET bids = JSON_ARRAY_APPEND(bids, '$', CAST(? AS JSON)), version = version + 1, updated_at = ?
        WHERE id = ? AND version = ? AND status = ? AND end_time > ?
    `
	res, err := r.db.ExecContext(ctx, query, string(payload), time.Now().UTC(),
		auctionID, expectedVersion, domain.AuctionActive.String(), at.UTC())
	if err != nil {
		return errors.Wrapf(err, "append bid to auction %s", auctionID)
	}
	return r.checkApplied(ctx, res, auctionID, expectedVersion)
}

func (r *MySQLAuctionStore) Finalize(ctx context.Context, auctionID string, expectedVersion int64, status domain.AuctionStatus, winningBid *domain.Bid) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	winning, err := nullableJSON(winningBid)
	if err != nil {
		return err
	}

	query := `
        UPDATE auctions
        SET status = ?, winning_bid = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ? AND status = ?
    `
	res, err := r.db.ExecContext(ctx, query, status.String(), winning, time.Now().UTC(),
		auctionID, expectedVersion, domain.AuctionActive.String())
	if err != nil {
		return errors.Wrapf(err, "finalize auction %s", auctionID)
	}
	return r.checkApplied(ctx, res, auctionID, expectedVersion)
}

func (r *MySQLAuctionStore) Delete(ctx context.Context, auctionID string, expectedVersion int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM auctions WHERE id = ? AND version = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, auctionID, expectedVersion, domain.AuctionActive.String())
	if err != nil {
		return errors.Wrapf(err, "delete auction %s", auctionID)
	}
	return r.checkApplied(ctx, res, auctionID, expectedVersion)
}

// checkApplied turns a zero-row conditional write into NotFound or a
// concurrency conflict.
func (r *MySQLAuctionStore) checkApplied(ctx context.Context, res sql.Result, auctionID string, expectedVersion int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM auctions WHERE id = ?`, auctionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Newf(domain.ErrNotFound, "auction %s", auctionID)
	}
	if err != nil {
		return errors.Wrapf(err, "check auction %s", auctionID)
	}
	return domain.Newf(domain.ErrConcurrencyConflict, "auction %s: version %d is stale, auction closed or ended", auctionID, expectedVersion)
}

// auctionRow holds the JSON columns as strings; MySQL refuses binary
// parameters for JSON columns.
type auctionRow struct {
	product    string
	bids       string
	winningBid interface{}
	seller     string
}

func toRow(auction *domain.Auction) (*auctionRow, error) {
	product, err := json.Marshal(auction.Product)
	if err != nil {
		return nil, errors.Wrap(err, "encode product")
	}
	bids := auction.Bids
	if bids == nil {
		bids = []domain.Bid{}
	}
	encodedBids, err := json.Marshal(bids)
	if err != nil {
		return nil, errors.Wrap(err, "encode bids")
	}
	winning, err := nullableJSON(auction.WinningBid)
	if err != nil {
		return nil, err
	}
	seller, err := json.Marshal(auction.Seller)
	if err != nil {
		return nil, errors.Wrap(err, "encode seller")
	}
	return &auctionRow{
		product:    string(product),
		bids:       string(encodedBids),
		winningBid: winning,
		seller:     string(seller),
	}, nil
}

// nullableJSON encodes bid for a nullable JSON column: SQL NULL for nil.
func nullableJSON(bid *domain.Bid) (interface{}, error) {
	if bid == nil {
		return nil, nil
	}
	data, err := json.Marshal(bid)
	if err != nil {
		return nil, errors.Wrap(err, "encode winning bid")
	}
	return string(data), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(s scanner) (*domain.Auction, error) {
	var (
		auction                           domain.Auction
		product, bids, winningBid, seller []byte
		status                            string
	)

	err := s.Scan(&auction.ID, &auction.ProductID, &product, &auction.StartingPrice, &bids, &winningBid,
		&auction.StartTime, &auction.EndTime, &seller, &status, &auction.Version,
		&auction.CreatedAt, &auction.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if auction.Status, err = domain.ParseAuctionStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(product, &auction.Product); err != nil {
		return nil, errors.Wrap(err, "decode product")
	}
	if err := json.Unmarshal(bids, &auction.Bids); err != nil {
		return nil, errors.Wrap(err, "decode bids")
	}
	if len(winningBid) > 0 {
		auction.WinningBid = &domain.Bid{}
		if err := json.Unmarshal(winningBid, auction.WinningBid); err != nil {
			return nil, errors.Wrap(err, "decode winning bid")
		}
	}
	if err := json.Unmarshal(seller, &auction.Seller); err != nil {
		return nil, errors.Wrap(err, "decode seller")
	}

	auction.StartTime = auction.StartTime.UTC()
	auction.EndTime = auction.EndTime.UTC()
	auction.CreatedAt = auction.CreatedAt.UTC()
	auction.UpdatedAt = auction.UpdatedAt.UTC()
	return &auction, nil
}
