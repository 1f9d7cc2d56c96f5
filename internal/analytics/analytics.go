// Package analytics mirrors closed trades and markers into MongoDB for
// after-the-fact querying and dashboards. It is explicitly non-authoritative:
// the JSONL files under logs/ written by internal/statestore remain the
// source of truth, and a mirror write failure is only logged; the record is
// not retried.
package analytics

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ndrandal/hlperp-engine/internal/statestore"
)

// Mirror wraps the MongoDB client and database used for the analytics copy.
type Mirror struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB and ensures the mirror's indexes. The URI should
// include the database name (e.g. mongodb://localhost:27017/hlperp); if
// absent, "hlperp" is used.
func Connect(ctx context.Context, uri string) (*Mirror, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "hlperp"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	m := &Mirror{client: client, db: client.Database(dbName)}
	if err := m.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	log.Printf("analytics: connected to MongoDB (db=%s)", dbName)
	return m, nil
}

// Close disconnects from MongoDB.
func (m *Mirror) Close(ctx context.Context) {
	m.client.Disconnect(ctx)
}

// DB exposes the underlying database handle for components, such as the
// archiver, that need to read the mirrored collections directly.
func (m *Mirror) DB() *mongo.Database {
	return m.db
}

func (m *Mirror) ensureIndexes(ctx context.Context) error {
	type idx struct {
		collection string
		model      mongo.IndexModel
	}
	indexes := []idx{
		{
			collection: "trades",
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "tradeId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: "trades",
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "timestampExit", Value: -1}},
			},
		},
		{
			collection: "markers",
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "ts", Value: -1}},
			},
		},
	}
	for _, i := range indexes {
		if _, err := m.db.Collection(i.collection).Indexes().CreateOne(ctx, i.model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}
	return nil
}

// RecordTrade mirrors a closed trade. Duplicate tradeIds (a retried mirror
// write after a transient error) are ignored rather than treated as failures.
func (m *Mirror) RecordTrade(ctx context.Context, rec statestore.TradeRecord) error {
	_, err := m.db.Collection("trades").InsertOne(ctx, rec)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert trade mirror: %w", err)
	}
	return nil
}

// RecordMarker mirrors a marker event.
func (m *Mirror) RecordMarker(ctx context.Context, rec statestore.MarkerRecord) error {
	if _, err := m.db.Collection("markers").InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert marker mirror: %w", err)
	}
	return nil
}

// RecentTrades returns the most recent closed trades, newest first.
func (m *Mirror) RecentTrades(ctx context.Context, limit int64) ([]statestore.TradeRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestampExit", Value: -1}}).SetLimit(limit)
	cur, err := m.db.Collection("trades").Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find trades: %w", err)
	}
	defer cur.Close(ctx)

	var out []statestore.TradeRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return out, nil
}

// TradesSince returns closed trades with TimestampExit >= since.
func (m *Mirror) TradesSince(ctx context.Context, since time.Time) ([]statestore.TradeRecord, error) {
	filter := bson.D{{Key: "timestampExit", Value: bson.D{{Key: "$gte", Value: since.UnixMilli()}}}}
	cur, err := m.db.Collection("trades").Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestampExit", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find trades since %s: %w", since, err)
	}
	defer cur.Close(ctx)

	var out []statestore.TradeRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return out, nil
}
