package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator resolves the bidder behind a gateway request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AuctionReader looks up an auction before a watcher is admitted.
type AuctionReader interface {
	Get(ctx context.Context, auctionID string) (*domain.Auction, error)
}

type clientMessage struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

// WebSocketHandler lets bidders watch one auction and place bids on it.
// Bids are appended to the bid channel; the outcome arrives later as an
// auction event.
type WebSocketHandler struct {
	auctions    AuctionReader
	bids        domain.BidSink
	connManager *ConnectionManager
	auth        Authenticator
	clock       clock.Clock
	log         logger.Logger
}

func NewWebSocketHandler(auctions AuctionReader, bids domain.BidSink, connManager *ConnectionManager,
	clk clock.Clock, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		auctions:    auctions,
		bids:        bids,
		connManager: connManager,
		clock:       clk,
		log:         log,
	}
}

// WithAuthenticator makes the bidder identity come from auth instead of
// the user_id query parameter.
func (h *WebSocketHandler) WithAuthenticator(auth Authenticator) *WebSocketHandler {
	h.auth = auth
	return h
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]

	var userID string
	if h.auth != nil {
		var err error
		userID, err = h.auth.Authenticate(r)
		if err != nil {
			h.log.Info("Rejected unauthenticated bidder", "auction_id", auctionID, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else {
		userID = r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
	}

	auction, err := h.auctions.Get(r.Context(), auctionID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Failed to find auction", "auction_id", auctionID, "error", err)
		http.Error(w, "auction lookup failed", http.StatusBadGateway)
		return
	}
	if !auction.IsActive() || auction.Expired(h.clock.Now()) {
		h.log.Info("Rejected connection, auction has ended", "auction_id", auctionID)
		http.Error(w, "auction has already ended", http.StatusGone)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	wsConn := NewConnection(conn, userID, auctionID)
	if err := h.connManager.RegisterConnection(wsConn); err != nil {
		h.log.Error("Failed to register connection", "error", err)
		_ = wsConn.Close()
		return
	}

	if err := wsConn.Send(map[string]interface{}{
		"type":        "auction_state",
		"auction_id":  auction.ID,
		"current_bid": auction.HighestAmount(),
		"end_time":    auction.EndTime,
	}); err != nil {
		h.log.Warn("Failed to send auction state", "conn_id", wsConn.ID(), "error", err)
	}

	go wsConn.keepAlive()
	go h.handleMessages(wsConn)
}

func (h *WebSocketHandler) handleMessages(conn *Connection) {
	defer func() {
		_ = h.connManager.UnregisterConnection(conn)
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(maxMessageSize)
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Connection closed unexpectedly", "conn_id", conn.ID(), "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Send(map[string]string{"type": "error", "message": "invalid message"})
			continue
		}

		switch msg.Type {
		case "place_bid":
			h.handleBidMessage(conn, msg)
		case "ping":
			_ = conn.Send(map[string]string{"type": "pong"})
		default:
			_ = conn.Send(map[string]string{"type": "error", "message": "unknown message type"})
		}
	}
}

func (h *WebSocketHandler) handleBidMessage(conn *Connection, msg clientMessage) {
	if !msg.Amount.IsPositive() || !domain.WholeCents(msg.Amount) {
		_ = conn.Send(map[string]string{"type": "error", "message": "invalid amount"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	id, err := h.bids.SubmitBid(ctx, &domain.BidMessage{
		AuctionID: conn.AuctionID(),
		UserID:    conn.UserID(),
		Amount:    msg.Amount,
		Timestamp: h.clock.Now(),
	})
	if err != nil {
		h.log.Error("Failed to submit bid", "auction_id", conn.AuctionID(), "user_id", conn.UserID(), "error", err)
		_ = conn.Send(map[string]string{"type": "error", "message": "failed to place bid"})
		return
	}

	_ = conn.Send(map[string]string{"type": "bid_submitted", "id": id, "amount": msg.Amount.String()})
}
