package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"market_sync_backend/models"
)

// mongoRecord is the stored document: the record plus its key as _id, so
// replays of the same tick replace rather than duplicate.
type mongoRecord struct {
	ID        string    `bson:"_id"`
	Symbol    string    `bson:"symbol"`
	Timestamp time.Time `bson:"timestamp"`
	Open      float64   `bson:"open"`
	High      float64   `bson:"high"`
	Low       float64   `bson:"low"`
	Close     float64   `bson:"close"`
	Volume    int64     `bson:"volume"`
	Source    string    `bson:"source"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newMongoRecord(r models.Record, now time.Time) mongoRecord {
	return mongoRecord{
		ID:        r.Key().String(),
		Symbol:    r.Symbol,
		Timestamp: r.Timestamp.UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Source:    r.Source,
		UpdatedAt: now,
	}
}

func (m mongoRecord) record() models.Record {
	return models.Record{
		Symbol:    m.Symbol,
		Timestamp: m.Timestamp.UTC(),
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
		Source:    m.Source,
	}
}

// MongoDriver stores one collection per synchronized table.
type MongoDriver struct {
	uri         string
	dbName      string
	collections []string
	log         *zap.Logger

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoDriver(uri, dbName string, collections []string, log *zap.Logger) (*MongoDriver, error) {
	if uri == "" {
		return nil, fmt.Errorf("docstore.mongo_uri is required for the mongo driver")
	}
	return &MongoDriver{uri: uri, dbName: dbName, collections: collections, log: log}, nil
}

func (m *MongoDriver) Open(ctx context.Context) error {
	clientOptions := options.Client().
		ApplyURI(m.uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping: %w", err)
	}

	db := client.Database(m.dbName)
	for _, name := range m.collections {
		_, err := db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "timestamp", Value: 1}, {Key: "symbol", Value: 1}},
		})
		if err != nil {
			m.log.Warn("Failed to create index", zap.String("collection", name), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.client, m.db = client, db
	m.mu.Unlock()
	m.log.Info("Connected to MongoDB", zap.String("database", m.dbName))
	return nil
}

func (m *MongoDriver) database() (*mongo.Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, ErrNotConnected
	}
	return m.db, nil
}

func (m *MongoDriver) Ping(ctx context.Context) error {
	db, err := m.database()
	if err != nil {
		return err
	}
	return db.Client().Ping(ctx, nil)
}

func (m *MongoDriver) Query(ctx context.Context, q Query) ([]models.Record, error) {
	db, err := m.database()
	if err != nil {
		return nil, err
	}

	filter := bson.M{}
	if q.Symbol != "" {
		filter["symbol"] = q.Symbol
	}
	ts := bson.M{}
	if !q.From.IsZero() {
		ts["$gte"] = q.From.UTC()
	}
	if !q.To.IsZero() {
		ts["$lte"] = q.To.UTC()
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}

	dir := 1
	if q.Descending {
		dir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: dir}, {Key: "symbol", Value: dir}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}

	cursor, err := db.Collection(q.Table).Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cursor.Close(ctx)

	var docs []mongoRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]models.Record, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

func (m *MongoDriver) Upsert(ctx context.Context, collection string, records []models.Record) (int, error) {
	db, err := m.database()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	operations := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		doc := newMongoRecord(r, now)
		operations = append(operations, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	_, err = db.Collection(collection).BulkWrite(ctx, operations, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, classifyMongo(err)
	}
	return len(records), nil
}

func (m *MongoDriver) Create(ctx context.Context, collection string, records []models.Record) (int, error) {
	db, err := m.database()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = newMongoRecord(r, now)
	}
	res, err := db.Collection(collection).InsertMany(ctx, docs)
	if err != nil {
		return 0, classifyMongo(err)
	}
	return len(res.InsertedIDs), nil
}

func (m *MongoDriver) Update(ctx context.Context, collection string, record models.Record) error {
	db, err := m.database()
	if err != nil {
		return err
	}
	doc := newMongoRecord(record, time.Now().UTC())
	res, err := db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc)
	if err != nil {
		return classifyMongo(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: no document for key %s", ErrSchema, doc.ID)
	}
	return nil
}

func (m *MongoDriver) Count(ctx context.Context, collection string) (int64, error) {
	db, err := m.database()
	if err != nil {
		return 0, err
	}
	n, err := db.Collection(collection).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, classifyMongo(err)
	}
	return n, nil
}

func (m *MongoDriver) Close(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.client, m.db = nil, nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}

// classifyMongo maps document validation and duplicate key failures to
// ErrSchema. Network errors and timeouts stay transient.
func classifyMongo(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 121 {
				return fmt.Errorf("%w: %v", ErrSchema, err)
			}
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, e := range bwe.WriteErrors {
			if e.Code == 121 {
				return fmt.Errorf("%w: %v", ErrSchema, err)
			}
		}
	}
	return err
}
