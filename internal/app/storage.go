package app

import (
	"context"

	"github.com/cockroachdb/errors"

	"auction-lifecycle/internal/config"
	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/infrastructure/memory"
	"auction-lifecycle/internal/infrastructure/mongo"
	"auction-lifecycle/internal/infrastructure/mysql"
	"auction-lifecycle/internal/services"
	"auction-lifecycle/pkg/logger"
	"auction-lifecycle/pkg/utils"
)

// Storage is the auction store selected by store.driver, plus the MySQL
// event log when MySQL is the driver.
type Storage struct {
	Auctions domain.AuctionStore
	Events   *mysql.EventLog
	closers  []func() error
}

func OpenStorage(ctx context.Context, cfg *config.Config, log logger.Logger) (*Storage, error) {
	switch cfg.Store.Driver {
	case "mysql":
		db, err := utils.InitializeMysql(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		if cfg.MySQL.Migrate {
			if err := mysql.Migrate(db); err != nil {
				_ = db.Close()
				return nil, err
			}
			log.Info("MySQL schema is up to date")
		}
		log.Info("Connected to MySQL")
		return &Storage{
			Auctions: mysql.NewMySQLAuctionStore(db, cfg.Store.Timeout),
			Events:   mysql.NewEventLog(db),
			closers:  []func() error{db.Close},
		}, nil

	case "mongo":
		client, collection, err := utils.InitializeMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		store := mongo.NewAuctionStore(collection, cfg.Store.Timeout)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		log.Info("Connected to MongoDB", "database", cfg.Mongo.Database)
		return &Storage{
			Auctions: store,
			closers: []func() error{func() error {
				return client.Disconnect(context.Background())
			}},
		}, nil

	case "memory":
		log.Warn("Using in-memory auction store; state is lost on restart")
		return &Storage{Auctions: memory.NewAuctionStore()}, nil
	}
	return nil, errors.Newf("unknown store driver %q", cfg.Store.Driver)
}

// Publisher combines redis with the event log when there is one.
func (s *Storage) Publisher(events domain.EventPublisher) domain.EventPublisher {
	if s.Events == nil {
		return events
	}
	return services.FanoutPublisher{events, s.Events}
}

func (s *Storage) Close() error {
	var result error
	for _, closeFn := range s.closers {
		result = errors.CombineErrors(result, closeFn())
	}
	return result
}
