package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"auction-lifecycle/internal/domain"
)

// EventLog keeps an append-only audit trail of auction events.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

func (r *EventLog) PublishAuctionEvent(ctx context.Context, event *domain.AuctionEvent) error {
	query := `
        INSERT INTO auction_events (auction_id, event_type, user_id, amount, status, occurred_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		event.AuctionID, string(event.Type), nullString(event.UserID), event.Amount,
		nullString(event.Status), event.Timestamp, time.Now().UTC())
	return errors.Wrapf(err, "record %s for auction %s", event.Type, event.AuctionID)
}

// History returns the events recorded for auctionID, oldest first.
func (r *EventLog) History(ctx context.Context, auctionID string) ([]*domain.AuctionEvent, error) {
	query := `
        SELECT auction_id, event_type, COALESCE(user_id, ''), COALESCE(amount, 0), COALESCE(status, ''), occurred_at
        FROM auction_events
        WHERE auction_id = ?
        ORDER BY occurred_at ASC, id ASC
    `
	rows, err := r.db.QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, errors.Wrapf(err, "query events for auction %s", auctionID)
	}
	defer rows.Close()

	events := make([]*domain.AuctionEvent, 0)
	for rows.Next() {
		var (
			event     domain.AuctionEvent
			eventType string
		)
		if err := rows.Scan(&event.AuctionID, &eventType, &event.UserID, &event.Amount,
			&event.Status, &event.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan auction event")
		}
		event.Type = domain.AuctionEventType(eventType)
		event.Timestamp = event.Timestamp.UTC()
		events = append(events, &event)
	}
	return events, errors.Wrap(rows.Err(), "iterate auction events")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
