package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orchestra/internal/security/trust"
)

const opTimeout = 5 * time.Second

// Store persists trust contexts, one document per identity.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials uri and ensures the identity index.
func Connect(ctx context.Context, uri, db, collection string) (*Store, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := New(client, db, collection)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func New(client *mongo.Client, db, collection string) *Store {
	if db == "" {
		db = "orchestra"
	}
	if collection == "" {
		collection = "trust_contexts"
	}
	return &Store{client: client, coll: client.Database(db).Collection(collection)}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identity", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("ensure trust index: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, c trust.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"identity": c.Identity}, c, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Load(ctx context.Context, identity string) (trust.Context, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var c trust.Context
	err := s.coll.FindOne(ctx, bson.M{"identity": identity}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return trust.Context{}, false, nil
	}
	if err != nil {
		return trust.Context{}, false, err
	}
	return c, true, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
