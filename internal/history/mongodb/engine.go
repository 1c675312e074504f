package mongodb

import (
	"context"

	"github.com/goevery/storefront/internal/history"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Archived updates expire after thirty days; the live ledger handles the
// short-horizon view and this store only backs the activity rail.
const recordTTLSeconds = 30 * 24 * 60 * 60

type HistoryEngine struct {
	collection *mongo.Collection
}

func NewHistoryEngine(client *mongo.Client) *HistoryEngine {
	database := client.Database("storefront")
	collection := database.Collection("order_updates")

	return &HistoryEngine{
		collection,
	}
}

func (e *HistoryEngine) Setup(ctx context.Context) error {
	ttlIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "receivedAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(recordTTLSeconds),
	}

	userIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "userId", Value: 1},
			{Key: "_id", Value: -1},
		},
	}

	_, err := e.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{ttlIndexModel, userIndexModel})

	return err
}

func (e *HistoryEngine) Save(ctx context.Context, record history.Record) error {
	_, err := e.collection.InsertOne(ctx, record)

	return err
}

func (e *HistoryEngine) List(ctx context.Context, userId int64, limit int) ([]history.Record, error) {
	findOptions := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := e.collection.Find(ctx, bson.D{{Key: "userId", Value: userId}}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	records := make([]history.Record, 0, limit)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}

	return records, nil
}
