package output

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/logging"
)

// MongoWriter inserts rows into one collection per source table, named
// after the row's table tag.
type MongoWriter struct {
	client   *mongo.Client
	database string
}

// NewMongoWriter connects to uri and verifies the primary is reachable.
func NewMongoWriter(ctx context.Context, uri, database string) (*MongoWriter, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("creating MongoDB client: %s", logging.SanitizeError(err))
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)
		return nil, fmt.Errorf("connecting to MongoDB (ping failed): %s", logging.SanitizeError(err))
	}

	if database == "" {
		database = "pgextract"
	}
	return &MongoWriter{client: client, database: database}, nil
}

func (m *MongoWriter) Write(ctx context.Context, rows []driver.Row) error {
	for coll, docs := range groupDocuments(rows) {
		res, err := m.client.Database(m.database).Collection(coll).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
		if err != nil {
			return fmt.Errorf("inserting into %s: %w", coll, err)
		}
		logging.Debug("Mongo InsertMany: %s inserted %d", coll, len(res.InsertedIDs))
	}
	return nil
}

func (m *MongoWriter) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoWriter) Name() string { return "mongodb" }

// groupDocuments splits rows by collection, keeping row order within each.
func groupDocuments(rows []driver.Row) map[string][]interface{} {
	groups := make(map[string][]interface{})
	for _, row := range rows {
		_, table := tableOf(row)
		groups[table] = append(groups[table], bson.M(normalizeRow(row)))
	}
	return groups
}
