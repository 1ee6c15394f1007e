package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"auction-lifecycle/internal/infrastructure/websocket"
	"auction-lifecycle/pkg/logger"
)

type WebSocketHandlers struct {
	wsHandler *websocket.WebSocketHandler
	log       logger.Logger
}

func NewWebSocketHandlers(wsHandler *websocket.WebSocketHandler, log logger.Logger) *WebSocketHandlers {
	return &WebSocketHandlers{
		wsHandler: wsHandler,
		log:       log,
	}
}

func (h *WebSocketHandlers) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}

func (h *WebSocketHandlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		h.log.Warn("Failed to write health response", "error", err)
	}
}

// Register mounts the bidder gateway routes on router.
func (h *WebSocketHandlers) Register(router *mux.Router) {
	router.HandleFunc("/ws/auctions/{auctionID}", h.HandleConnection).Methods(http.MethodGet)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}
