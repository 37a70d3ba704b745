// Package mongo implements the low-level MongoDB client used by the audit
// store. It exposes only the append and range-list operations the trail
// needs, plus a health pinger for readiness checks.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"causalis.dev/retrodict/runtime/audit"
)

const (
	defaultCollection = "audit_records"
	defaultTimeout    = 5 * time.Second
	clientName        = "audit-mongo"
)

type (
	// Client exposes Mongo-backed operations for the audit trail.
	Client interface {
		health.Pinger

		// Append durably stores one record.
		Append(ctx context.Context, rec audit.Record) error
		// List returns up to limit records with Index greater than
		// afterIndex, ordered by Index ascending.
		List(ctx context.Context, runID string, afterIndex int64, limit int) ([]audit.Record, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		// Client is the driver connection. Required; the caller owns it.
		Client *mongodriver.Client
		// Database holds the audit collection. Required.
		Database string
		// Collection defaults to "audit_records".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	recordDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		RunID     string        `bson:"run_id"`
		BatchID   string        `bson:"batch_id,omitempty"`
		Index     int64         `bson:"index"`
		Seq       int64         `bson:"seq"`
		Kind      string        `bson:"kind"`
		Payload   []byte        `bson:"payload"`
		Hash      string        `bson:"hash"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

// New returns a Client backed by the provided driver connection. It ensures
// the (run_id, index) index exists before returning.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout), nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, rec audit.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	if rec.Kind == "" {
		return errors.New("record kind is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := recordDocument{
		RunID:     rec.RunID,
		BatchID:   rec.BatchID,
		Index:     rec.Index,
		Seq:       rec.Seq,
		Kind:      string(rec.Kind),
		Payload:   append([]byte(nil), rec.Payload...),
		Hash:      rec.Hash,
		Timestamp: rec.Timestamp.UTC(),
	}
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c *client) List(ctx context.Context, runID string, afterIndex int64, limit int) (recs []audit.Record, err error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"run_id": runID,
		"index":  bson.M{"$gt": afterIndex},
	}
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "index", Value: 1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, audit.Record{
			RunID:     doc.RunID,
			BatchID:   doc.BatchID,
			Index:     doc.Index,
			Seq:       doc.Seq,
			Kind:      audit.Kind(doc.Kind),
			Payload:   json.RawMessage(append([]byte(nil), doc.Payload...)),
			Hash:      doc.Hash,
			Timestamp: doc.Timestamp,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "index", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}
}

// collection abstracts the driver collection so the client logic is testable
// without a server.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error          { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                    { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
