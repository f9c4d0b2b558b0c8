package crdtstorage

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBAdapter stores each path as one document whose content is a list of
// chunks, so Append is a single atomic $push.
type MongoDBAdapter struct {
	// collection holds one document per path.
	collection *mongo.Collection

	// client is set when the adapter owns the connection.
	client *mongo.Client
}

var _ Storage = (*MongoDBAdapter)(nil)

// mongoFile is the document layout of a stored path.
type mongoFile struct {
	ID     string   `bson:"_id"`
	Chunks [][]byte `bson:"chunks"`
}

// NewMongoDBAdapter creates a MongoDBAdapter over collection.
func NewMongoDBAdapter(collection *mongo.Collection) *MongoDBAdapter {
	return &MongoDBAdapter{collection: collection}
}

// Read implements Storage.
func (a *MongoDBAdapter) Read(ctx context.Context, path string) ([]byte, error) {
	var file mongoFile
	err := a.collection.FindOne(ctx, bson.M{"_id": cleanPath(path)}).Decode(&file)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(ErrNotFound, "failed to read %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	size := 0
	for _, c := range file.Chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range file.Chunks {
		data = append(data, c...)
	}
	return data, nil
}

// Write implements Storage.
func (a *MongoDBAdapter) Write(ctx context.Context, path string, data []byte) error {
	id := cleanPath(path)
	_, err := a.collection.ReplaceOne(ctx,
		bson.M{"_id": id},
		mongoFile{ID: id, Chunks: [][]byte{data}},
		options.Replace().SetUpsert(true),
	)
	return errors.Wrapf(err, "failed to write %s", path)
}

// Append implements Storage.
func (a *MongoDBAdapter) Append(ctx context.Context, path string, data []byte) error {
	_, err := a.collection.UpdateOne(ctx,
		bson.M{"_id": cleanPath(path)},
		bson.M{"$push": bson.M{"chunks": data}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "failed to append to %s", path)
}

// Exists implements Storage.
func (a *MongoDBAdapter) Exists(ctx context.Context, path string) (bool, error) {
	n, err := a.collection.CountDocuments(ctx, bson.M{"_id": cleanPath(path)}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s", path)
	}
	return n > 0, nil
}

// CreateDirAll implements Storage. Collections need no directories.
func (a *MongoDBAdapter) CreateDirAll(ctx context.Context, path string) error {
	return nil
}

// Close disconnects the client when the adapter opened it.
func (a *MongoDBAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Disconnect(context.Background())
}
