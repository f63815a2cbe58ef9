package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/model"
)

// MongoAuditRepository stores audit entries in a MongoDB collection.
type MongoAuditRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoAuditRepository connects to MongoDB and ensures the request index.
func NewMongoAuditRepository(uri, dbName, collectionName string, logger *zap.Logger) (*MongoAuditRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(dbName).Collection(collectionName)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit index: %w", err)
	}

	logger.Named("mongo_audit").Info("initialized",
		zap.String("database", dbName), zap.String("collection", collectionName))
	return &MongoAuditRepository{client: client, collection: collection}, nil
}

func (r *MongoAuditRepository) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *MongoAuditRepository) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"request_id": requestID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	entries := []model.AuditEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return entries, nil
}

// Ping checks the MongoDB deployment is reachable.
func (r *MongoAuditRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Close disconnects the MongoDB client.
func (r *MongoAuditRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

var _ AuditRepository = (*MongoAuditRepository)(nil)
