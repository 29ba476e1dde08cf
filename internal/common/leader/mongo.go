package leader

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// leaseDoc is the lock document in the leader_locks collection.
type leaseDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// LeaderElector elects through a lease document in MongoDB. Useful
// when the outbox already runs against Mongo and no Redis is deployed.
type LeaderElector struct {
	elector
}

func NewLeaderElector(db *mongo.Database, config *ElectorConfig) *LeaderElector {
	e := &LeaderElector{}
	e.elector.init(&mongoLease{
		collection: db.Collection("leader_locks"),
		elector:    &e.elector,
	}, config)
	return e
}

type mongoLease struct {
	collection *mongo.Collection
	elector    *elector
}

// init creates a TTL index so Mongo reaps expired lease documents on
// its own.
func (l *mongoLease) init(ctx context.Context) error {
	_, err := l.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	})
	return err
}

// acquire upserts the lease when it is free, expired or already ours.
func (l *mongoLease) acquire(ctx context.Context) (bool, error) {
	cfg := l.elector.config
	now := time.Now()

	filter := bson.M{
		"_id": cfg.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": cfg.InstanceID},
		},
	}
	update := bson.M{"$set": bson.M{
		"instanceId": cfg.InstanceID,
		"acquiredAt": now,
		"expiresAt":  now.Add(cfg.TTL),
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc leaseDoc
	err := l.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.InstanceID == cfg.InstanceID, nil
	}

	// The upsert races with another instance holding an unexpired
	// lease: the filter matches nothing and inserting the _id again
	// trips the unique index.
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return l.insertFresh(ctx, now)
	}
	return false, err
}

func (l *mongoLease) insertFresh(ctx context.Context, now time.Time) (bool, error) {
	cfg := l.elector.config
	_, err := l.collection.InsertOne(ctx, leaseDoc{
		ID:         cfg.LockName,
		InstanceID: cfg.InstanceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(cfg.TTL),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// extend pushes out expiry only while the document still names us.
func (l *mongoLease) extend(ctx context.Context) (bool, error) {
	cfg := l.elector.config
	result, err := l.collection.UpdateOne(ctx,
		bson.M{"_id": cfg.LockName, "instanceId": cfg.InstanceID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().Add(cfg.TTL)}},
	)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

func (l *mongoLease) release(ctx context.Context) (bool, error) {
	cfg := l.elector.config
	result, err := l.collection.DeleteOne(ctx,
		bson.M{"_id": cfg.LockName, "instanceId": cfg.InstanceID})
	if err != nil {
		return false, err
	}
	return result.DeletedCount > 0, nil
}

func (l *mongoLease) holder(ctx context.Context) (string, error) {
	var doc leaseDoc
	err := l.collection.FindOne(ctx, bson.M{
		"_id":       l.elector.config.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.InstanceID, nil
}
