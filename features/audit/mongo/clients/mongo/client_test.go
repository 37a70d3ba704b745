package mongo

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"causalis.dev/retrodict/runtime/audit"
)

// fakeCollection keeps documents in memory and understands the one filter
// shape the client issues.
type fakeCollection struct {
	docs      []recordDocument
	indexKeys []bson.D
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	doc := document.(recordDocument)
	doc.ID = bson.NewObjectID()
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	f := filter.(bson.M)
	runID := f["run_id"].(string)
	after := f["index"].(bson.M)["$gt"].(int64)

	var matched []recordDocument
	for _, doc := range c.docs {
		if doc.RunID == runID && doc.Index > after {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Index < matched[j].Index })

	limit := len(matched)
	for _, opt := range opts {
		args := options.FindOptions{}
		for _, setter := range opt.List() {
			if err := setter(&args); err != nil {
				return nil, err
			}
		}
		if args.Limit != nil && int(*args.Limit) < limit {
			limit = int(*args.Limit)
		}
	}
	return &fakeCursor{docs: matched[:limit]}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{coll: c} }

type fakeIndexView struct{ coll *fakeCollection }

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.coll.indexKeys = append(v.coll.indexKeys, model.Keys.(bson.D))
	return "run_id_1_index_1", nil
}

type fakeCursor struct {
	docs []recordDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	*(val.(*recordDocument)) = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func newTestClient(t *testing.T) (*client, *fakeCollection) {
	t.Helper()
	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll))
	return newClientWithCollection(nil, coll, time.Second), coll
}

func rec(runID string, index int64, kind audit.Kind) audit.Record {
	return audit.Record{
		RunID:     runID,
		Index:     index,
		Seq:       index,
		Kind:      kind,
		Payload:   json.RawMessage(`{"n":1}`),
		Hash:      "h",
		Timestamp: time.Unix(1577836800, 0).UTC(),
	}
}

func TestAppendValidatesRecord(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	require.Error(t, c.Append(context.Background(), audit.Record{Kind: audit.KindTurn}))
	require.Error(t, c.Append(context.Background(), audit.Record{RunID: "r"}))
}

func TestAppendStoresDocument(t *testing.T) {
	t.Parallel()

	c, coll := newTestClient(t)
	require.NoError(t, c.Append(context.Background(), rec("run-1", 0, audit.KindStart)))

	require.Len(t, coll.docs, 1)
	require.Equal(t, "run-1", coll.docs[0].RunID)
	require.Equal(t, string(audit.KindStart), coll.docs[0].Kind)
	require.JSONEq(t, `{"n":1}`, string(coll.docs[0].Payload))
}

func TestListOrdersAndPaginates(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	ctx := context.Background()
	for _, idx := range []int64{2, 0, 3, 1} {
		require.NoError(t, c.Append(ctx, rec("run-1", idx, audit.KindTurn)))
	}
	require.NoError(t, c.Append(ctx, rec("run-2", 0, audit.KindTurn)))

	all, err := c.List(ctx, "run-1", -1, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, r := range all {
		require.Equal(t, int64(i), r.Index, "ascending index order")
	}

	tail, err := c.List(ctx, "run-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, int64(2), tail[0].Index)

	page, err := c.List(ctx, "run-1", -1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestListValidatesArguments(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	_, err := c.List(context.Background(), "", -1, 10)
	require.Error(t, err)
	_, err = c.List(context.Background(), "run-1", -1, 0)
	require.Error(t, err)
}

func TestEnsureIndexesCreatesRunIndex(t *testing.T) {
	t.Parallel()

	_, coll := newTestClient(t)
	require.Len(t, coll.indexKeys, 1)
	require.Equal(t, bson.D{{Key: "run_id", Value: 1}, {Key: "index", Value: 1}}, coll.indexKeys[0])
}
