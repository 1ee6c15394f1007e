package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"auction-lifecycle/internal/api/middleware"
	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/services"
	"auction-lifecycle/pkg/logger"
)

// AuctionService is what the admin API needs from the lifecycle.
type AuctionService interface {
	CreateAuction(ctx context.Context, req services.CreateAuctionRequest) (*domain.Auction, error)
	GetAuctions(ctx context.Context) ([]*domain.Auction, error)
	GetActiveAuctions(ctx context.Context) ([]*domain.Auction, error)
	GetAuctionByID(ctx context.Context, auctionID string) (*domain.Auction, error)
	DeleteAuction(ctx context.Context, auctionID string) (domain.DeleteStatus, error)
}

// EventHistory is the audit trail of an auction's events.
type EventHistory interface {
	History(ctx context.Context, auctionID string) ([]*domain.AuctionEvent, error)
}

type AuctionHandler struct {
	auctions AuctionService
	history  EventHistory
	log      logger.Logger
}

type CreateAuctionRequest struct {
	ID            string          `json:"id,omitempty"`
	ProductID     string          `json:"product_id"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Seller        *domain.Seller  `json:"seller,omitempty"`
}

type AuctionResponse struct {
	ID            string                 `json:"id"`
	ProductID     string                 `json:"product_id"`
	Product       domain.ProductSnapshot `json:"product"`
	StartingPrice decimal.Decimal        `json:"starting_price"`
	Bids          []domain.Bid           `json:"bids"`
	WinningBid    *domain.Bid            `json:"winning_bid,omitempty"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       time.Time              `json:"end_time"`
	Seller        domain.Seller          `json:"seller"`
	Status        string                 `json:"status"`
	Version       int64                  `json:"version"`
}

type DeleteAuctionResponse struct {
	AuctionID string `json:"auction_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

func NewAuctionHandler(auctions AuctionService, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		log:      log,
	}
}

// WithHistory enables GET /auctions/:id/events.
func (h *AuctionHandler) WithHistory(history EventHistory) *AuctionHandler {
	h.history = history
	return h
}

func (h *AuctionHandler) CreateAuction(c echo.Context) error {
	var req CreateAuctionRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	create := services.CreateAuctionRequest{
		ID:            req.ID,
		ProductID:     req.ProductID,
		StartingPrice: req.StartingPrice,
	}
	if req.EndTime != nil {
		create.EndTime = req.EndTime.UTC()
	}
	if req.Seller != nil {
		create.Seller = *req.Seller
	}
	if claims := middleware.ClaimsFrom(c); claims != nil {
		create.Seller = domain.Seller{ID: claims.Subject, Username: claims.Username}
	}

	auction, err := h.auctions.CreateAuction(c.Request().Context(), create)
	if err != nil {
		return h.writeError(c, err)
	}

	h.log.Info("Auction created successfully", "auction_id", auction.ID)
	return c.JSON(http.StatusCreated, toResponse(auction))
}

func (h *AuctionHandler) GetAuctions(c echo.Context) error {
	var (
		auctions []*domain.Auction
		err      error
	)
	switch c.QueryParam("status") {
	case "":
		auctions, err = h.auctions.GetAuctions(c.Request().Context())
	case "active":
		auctions, err = h.auctions.GetActiveAuctions(c.Request().Context())
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unsupported status filter"})
	}
	if err != nil {
		return h.writeError(c, err)
	}

	response := make([]AuctionResponse, 0, len(auctions))
	for _, auction := range auctions {
		response = append(response, toResponse(auction))
	}
	return c.JSON(http.StatusOK, response)
}

func (h *AuctionHandler) GetAuction(c echo.Context) error {
	auction, err := h.auctions.GetAuctionByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toResponse(auction))
}

func (h *AuctionHandler) GetAuctionEvents(c echo.Context) error {
	auctionID := c.Param("id")
	events, err := h.history.History(c.Request().Context(), auctionID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *AuctionHandler) DeleteAuction(c echo.Context) error {
	auctionID := c.Param("id")

	status, err := h.auctions.DeleteAuction(c.Request().Context(), auctionID)
	if status == domain.DeletePartial {
		h.log.Warn("Auction deleted, product still reserved", "auction_id", auctionID, "error", err)
		return c.JSON(http.StatusMultiStatus, DeleteAuctionResponse{
			AuctionID: auctionID,
			Status:    status.String(),
			Message:   "auction deleted; product release failed and must be retried",
		})
	}
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, DeleteAuctionResponse{AuctionID: auctionID, Status: status.String()})
}

func (h *AuctionHandler) writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "path", c.Path(), "error", err)
	} else {
		h.log.Info("Request rejected", "path", c.Path(), "status", status, "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPartialDeletion):
		return http.StatusMultiStatus
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrProductUnavailable),
		errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRemoteDependency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toResponse(auction *domain.Auction) AuctionResponse {
	bids := auction.Bids
	if bids == nil {
		bids = []domain.Bid{}
	}
	return AuctionResponse{
		ID:            auction.ID,
		ProductID:     auction.ProductID,
		Product:       auction.Product,
		StartingPrice: auction.StartingPrice,
		Bids:          bids,
		WinningBid:    auction.WinningBid,
		StartTime:     auction.StartTime,
		EndTime:       auction.EndTime,
		Seller:        auction.Seller,
		Status:        auction.Status.String(),
		Version:       auction.Version,
	}
}

// Register mounts the admin routes. Writes need the admin role when auth
// is on.
func (h *AuctionHandler) Register(g *echo.Group, adminOnly ...echo.MiddlewareFunc) {
	g.GET("/auctions", h.GetAuctions)
	g.GET("/auctions/:id", h.GetAuction)
	if h.history != nil {
		g.GET("/auctions/:id/events", h.GetAuctionEvents)
	}
	g.POST("/auctions", h.CreateAuction, adminOnly...)
	g.DELETE("/auctions/:id", h.DeleteAuction, adminOnly...)
}
