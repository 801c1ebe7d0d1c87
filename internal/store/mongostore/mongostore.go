// Package mongostore maps each logical collection to a MongoDB collection
// and commits batches inside multi-document transactions.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"medshare/internal/store"
)

type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

type record struct {
	ID        string    `bson:"_id"`
	Version   int64     `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Data      bson.Raw  `bson:"data"`
}

// Open connects and pings the server. Transactions need a replica set or
// sharded cluster.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(cfg.Database)}
	if err := s.ensureIndexes(cctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Collections that get the ordering index up front. Others still work,
// they just scan.
var indexed = []string{"medications", "requests", "events", "api_keys"}

func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, name := range indexed {
		_, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
		})
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// Drop removes the whole database.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func toDoc(collection string, r record) (store.Doc, error) {
	data, err := bson.MarshalExtJSON(r.Data, false, false)
	if err != nil {
		return store.Doc{}, fmt.Errorf("data of %s/%s: %w", collection, r.ID, err)
	}
	return store.Doc{
		Collection: collection,
		ID:         r.ID,
		Version:    r.Version,
		Data:       data,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}, nil
}

func fromJSON(data []byte) (bson.D, error) {
	var out bson.D
	if err := bson.UnmarshalExtJSON(data, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	var r record
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Doc{}, store.ErrNotFound
	}
	if err != nil {
		return store.Doc{}, err
	}
	return toDoc(collection, r)
}

func buildFilter(q store.Query) bson.D {
	filter := bson.D{}
	for field, val := range q.Equals {
		filter = append(filter, bson.E{Key: "data." + field, Value: val})
	}
	for field, vals := range q.AnyOf {
		in := bson.A{}
		for _, v := range vals {
			in = append(in, v)
		}
		filter = append(filter, bson.E{Key: "data." + field, Value: bson.M{"$in": in}})
	}
	if q.Search != nil && strings.TrimSpace(q.Search.Term) != "" && len(q.Search.Fields) > 0 {
		pattern := regexp.QuoteMeta(strings.TrimSpace(q.Search.Term))
		ors := bson.A{}
		for _, field := range q.Search.Fields {
			ors = append(ors, bson.M{"data." + field: bson.M{"$regex": pattern, "$options": "i"}})
		}
		filter = append(filter, bson.E{Key: "$or", Value: ors})
	}
	if q.After != nil {
		cmp := "$lt"
		if q.Ascending {
			cmp = "$gt"
		}
		after := bson.A{
			bson.M{"created_at": bson.M{cmp: q.After.CreatedAt}},
			bson.M{"created_at": q.After.CreatedAt, "_id": bson.M{cmp: q.After.ID}},
		}
		if len(filter) > 0 && q.Search != nil {
			filter = bson.D{{Key: "$and", Value: bson.A{filter, bson.M{"$or": after}}}}
		} else {
			filter = append(filter, bson.E{Key: "$or", Value: after})
		}
	}
	return filter
}

func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]store.Doc, error) {
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	dir := -1
	if q.Ascending {
		dir = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: dir}, {Key: "_id", Value: dir}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.db.Collection(collection).Find(ctx, buildFilter(q), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []store.Doc
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		d, err := toDoc(collection, r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, cur.Err()
}

func (s *Store) Apply(ctx context.Context, writes []store.Write) error {
	if err := store.ValidateWrites(writes); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(context.Background())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, w := range writes {
			if err := s.applyOne(sc, w); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return translate(err)
}

func (s *Store) applyOne(ctx mongo.SessionContext, w store.Write) error {
	coll := s.db.Collection(w.Collection)
	at := w.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	switch w.Op {
	case store.OpCreate:
		data, err := fromJSON(w.Data)
		if err != nil {
			return fmt.Errorf("data of %s/%s: %w", w.Collection, w.ID, err)
		}
		_, err = coll.InsertOne(ctx, bson.M{"_id": w.ID, "version": int64(1), "created_at": at, "updated_at": at, "data": data})
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: create %s/%s", store.ErrConflict, w.Collection, w.ID)
		}
		return err
	case store.OpUpdate:
		data, err := fromJSON(w.Data)
		if err != nil {
			return fmt.Errorf("data of %s/%s: %w", w.Collection, w.ID, err)
		}
		res, err := coll.UpdateOne(ctx,
			bson.M{"_id": w.ID, "version": w.Version},
			bson.M{"$set": bson.M{"data": data, "updated_at": at}, "$inc": bson.M{"version": int64(1)}})
		if err != nil {
			return err
		}
		if res.MatchedCount != 1 {
			return fmt.Errorf("%w: update %s/%s", store.ErrConflict, w.Collection, w.ID)
		}
		return nil
	case store.OpCheck:
		// Touching the document makes a concurrent writer collide with us.
		res, err := coll.UpdateOne(ctx,
			bson.M{"_id": w.ID, "version": w.Version},
			bson.M{"$set": bson.M{"checked_at": at}})
		if err != nil {
			return err
		}
		if res.MatchedCount != 1 {
			return fmt.Errorf("%w: check %s/%s", store.ErrConflict, w.Collection, w.ID)
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", w.Op)
}

// translate maps transaction aborts caused by concurrent writers onto
// store.ErrConflict so callers retry them.
func translate(err error) error {
	if err == nil || errors.Is(err, store.ErrConflict) {
		return err
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(112)) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}
