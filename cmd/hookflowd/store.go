package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/hookflow/internal/config"
	"github.com/petrijr/hookflow/internal/persistence"
)

const (
	defaultSQLitePath = "hookflow.db"
	defaultMongoDB    = "hookflow"
	connectTimeout    = 10 * time.Second
)

// openLog opens the event log selected by cfg. The returned func releases
// the underlying connection.
func openLog(ctx context.Context, cfg config.Config) (persistence.EventLog, func() error, error) {
	noop := func() error { return nil }
	ns := cfg.Engine.Namespace

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Store.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryLog(), noop, nil

	case config.DriverSQLite:
		path := cfg.Store.DSN
		if path == "" {
			path = defaultSQLitePath
		}
		db, err := persistence.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		log, err := persistence.NewSQLiteLog(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return log, db.Close, nil

	case config.DriverPostgres:
		db, err := persistence.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		log, err := persistence.NewPostgresLog(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return log, db.Close, nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("redis dsn: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return persistence.NewRedisLog(client, "hookflow:"+ns+":"), client.Close, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		dbName := cfg.Store.Database
		if dbName == "" {
			dbName = defaultMongoDB
		}
		log, err := persistence.NewMongoLog(ctx, client, dbName, ns+"_runs")
		if err != nil {
			_ = disconnect()
			return nil, nil, err
		}
		return log, disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
