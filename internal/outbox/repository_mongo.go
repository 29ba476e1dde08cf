package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository for MongoDB.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository creates a MongoDB outbox repository on the
// outbox_items collection of the given database.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(defaultTable)}
}

func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "message_group", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) Insert(ctx context.Context, item *Item) error {
	doc := bson.M{
		"_id":              item.ID,
		"item_type":        string(item.ItemType),
		"pool_code":        item.PoolCode,
		"mediation_type":   item.MediationType,
		"mediation_target": item.MediationTarget,
		"message_group":    item.MessageGroup,
		"payload":          string(item.Payload),
		"status":           int(item.Status),
		"retry_count":      item.RetryCount,
		"created_at":       item.CreatedAt.UTC(),
		"updated_at":       time.Now().UTC(),
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	return nil
}

func (r *MongoRepository) FetchPending(ctx context.Context, limit int) ([]*Item, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "message_group", Value: 1}, {Key: "created_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{"status": int(StatusPending)}, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer cursor.Close(ctx)

	return r.decodeItems(ctx, cursor)
}

func (r *MongoRepository) MarkProcessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       int(StatusProcessing),
		"processed_at": now,
		"updated_at":   now,
	}}

	// Only PENDING documents are claimed, so a reset or completion that
	// raced ahead is never overwritten.
	filter := bson.M{"_id": bson.M{"$in": ids}, "status": int(StatusPending)}
	if _, err := r.collection.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (r *MongoRepository) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       int(StatusCompleted),
		"processed_at": now,
		"updated_at":   now,
	}}

	if _, err := r.collection.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, update); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *MongoRepository) MarkFailed(ctx context.Context, ids []string, errorMessage string) error {
	return r.setStatus(ctx, ids, StatusFailed, errorMessage)
}

func (r *MongoRepository) IncrementRetry(ctx context.Context, ids []string, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	update := bson.M{
		"$set": bson.M{
			"status":        int(StatusPending),
			"error_message": errorMessage,
			"updated_at":    time.Now().UTC(),
		},
		"$inc": bson.M{"retry_count": 1},
	}

	if _, err := r.collection.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, update); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (r *MongoRepository) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*Item, error) {
	filter := bson.M{
		"status":     int(StatusProcessing),
		"updated_at": bson.M{"$lt": time.Now().UTC().Add(-olderThan)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck: %w", err)
	}
	defer cursor.Close(ctx)

	return r.decodeItems(ctx, cursor)
}

func (r *MongoRepository) ResetStuck(ctx context.Context, ids []string) error {
	return r.setStatus(ctx, ids, StatusPending, "")
}

func (r *MongoRepository) CountPending(ctx context.Context) (map[ItemType]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": int(StatusPending)}}},
		{{Key: "$group", Value: bson.M{"_id": "$item_type", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[ItemType]int64)
	for cursor.Next(ctx) {
		var row struct {
			ItemType string `bson:"_id"`
			Count    int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode count: %w", err)
		}
		counts[ItemType(row.ItemType)] = row.Count
	}
	return counts, cursor.Err()
}

// Close is a no-op: the mongo client is owned by the caller.
func (r *MongoRepository) Close() error {
	return nil
}

func (r *MongoRepository) setStatus(ctx context.Context, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	set := bson.M{
		"status":     int(status),
		"updated_at": time.Now().UTC(),
	}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}

	if _, err := r.collection.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

func (r *MongoRepository) decodeItems(ctx context.Context, cursor *mongo.Cursor) ([]*Item, error) {
	var items []*Item
	for cursor.Next(ctx) {
		var doc struct {
			ID              string     `bson:"_id"`
			ItemType        string     `bson:"item_type"`
			PoolCode        string     `bson:"pool_code"`
			MediationType   string     `bson:"mediation_type"`
			MediationTarget string     `bson:"mediation_target"`
			MessageGroup    string     `bson:"message_group"`
			Payload         string     `bson:"payload"`
			Status          int        `bson:"status"`
			RetryCount      int        `bson:"retry_count"`
			ErrorMessage    string     `bson:"error_message"`
			CreatedAt       time.Time  `bson:"created_at"`
			ProcessedAt     *time.Time `bson:"processed_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, &Item{
			ID:              doc.ID,
			ItemType:        ItemType(doc.ItemType),
			PoolCode:        doc.PoolCode,
			MediationType:   doc.MediationType,
			MediationTarget: doc.MediationTarget,
			MessageGroup:    doc.MessageGroup,
			Payload:         []byte(doc.Payload),
			Status:          Status(doc.Status),
			RetryCount:      doc.RetryCount,
			ErrorMessage:    doc.ErrorMessage,
			CreatedAt:       doc.CreatedAt,
			ProcessedAt:     doc.ProcessedAt,
		})
	}
	return items, cursor.Err()
}
