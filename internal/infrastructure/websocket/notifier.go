package websocket

import "context"

type WebSocketNotifier struct {
	connManager *ConnectionManager
}

func NewWebSocketNotifier(connManager *ConnectionManager) *WebSocketNotifier {
	return &WebSocketNotifier{connManager: connManager}
}

func (n *WebSocketNotifier) NotifyUser(ctx context.Context, auctionID, userID string, message interface{}) error {
	return n.connManager.NotifyUserInAuction(auctionID, userID, message)
}

func (n *WebSocketNotifier) BroadcastToAuction(ctx context.Context, auctionID string, message interface{}) error {
	return n.connManager.BroadcastToAuction(auctionID, message)
}
