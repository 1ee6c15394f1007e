package websocket

import (
	"sync"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/logger"
)

type ConnectionManager struct {
	connections map[string]map[string]domain.WebSocketConnection // auctionID -> connID -> connection
	mutex       sync.RWMutex
	log         logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]map[string]domain.WebSocketConnection),
		log:         log,
	}
}

func (cm *ConnectionManager) RegisterConnection(conn domain.WebSocketConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	auctionID := conn.AuctionID()
	if cm.connections[auctionID] == nil {
		cm.connections[auctionID] = make(map[string]domain.WebSocketConnection)
	}
	cm.connections[auctionID][conn.ID()] = conn

	cm.log.Info("Connection registered", "user_id", conn.UserID(), "auction_id", auctionID, "conn_id", conn.ID())
	return nil
}

func (cm *ConnectionManager) UnregisterConnection(conn domain.WebSocketConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	auctionID := conn.AuctionID()
	if auctionConns, exists := cm.connections[auctionID]; exists {
		delete(auctionConns, conn.ID())
		if len(auctionConns) == 0 {
			delete(cm.connections, auctionID)
		}
	}

	cm.log.Info("Connection unregistered", "user_id", conn.UserID(), "auction_id", auctionID, "conn_id", conn.ID())
	return nil
}

// CloseAndUnregisterConnections drops every watcher of auctionID.
func (cm *ConnectionManager) CloseAndUnregisterConnections(auctionID string) error {
	cm.mutex.Lock()
	auctionConns := cm.connections[auctionID]
	delete(cm.connections, auctionID)
	cm.mutex.Unlock()

	for _, conn := range auctionConns {
		if err := conn.Close(); err != nil {
			cm.log.Error("Failed to close connection", "user_id", conn.UserID(),
				"auction_id", auctionID, "error", err)
		}
	}

	cm.log.Info("Connections closed for auction", "auction_id", auctionID, "count", len(auctionConns))
	return nil
}

func (cm *ConnectionManager) GetConnectionsForAuction(auctionID string) []domain.WebSocketConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	connections := make([]domain.WebSocketConnection, 0, len(cm.connections[auctionID]))
	for _, conn := range cm.connections[auctionID] {
		connections = append(connections, conn)
	}
	return connections
}

// BroadcastToAuction sends message to every watcher of auctionID. A failed
// send is logged and does not stop the others.
func (cm *ConnectionManager) BroadcastToAuction(auctionID string, message interface{}) error {
	connections := cm.GetConnectionsForAuction(auctionID)
	cm.log.Debug("Broadcasting to auction", "auction_id", auctionID, "connections", len(connections))

	for _, conn := range connections {
		if err := conn.Send(message); err != nil {
			cm.log.Error("Failed to send message", "user_id", conn.UserID(), "conn_id", conn.ID(), "error", err)
		}
	}
	return nil
}

// NotifyUserInAuction sends message to userID's connections on auctionID.
func (cm *ConnectionManager) NotifyUserInAuction(auctionID, userID string, message interface{}) error {
	for _, conn := range cm.GetConnectionsForAuction(auctionID) {
		if conn.UserID() != userID {
			continue
		}
		if err := conn.Send(message); err != nil {
			cm.log.Error("Failed to send message", "user_id", userID, "conn_id", conn.ID(), "error", err)
		}
	}
	return nil
}
