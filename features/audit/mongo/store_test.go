package mongo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	auditmongo "causalis.dev/retrodict/features/audit/mongo"
	clientsmongo "causalis.dev/retrodict/features/audit/mongo/clients/mongo"
	"causalis.dev/retrodict/runtime/audit"
	"causalis.dev/retrodict/runtime/turn"
	"causalis.dev/retrodict/runtime/world"
)

var (
	mongoOnce   sync.Once
	mongoClient *mongodriver.Client
	mongoSkip   string
)

// setupMongo starts a throwaway MongoDB container. Environments without
// Docker skip the integration tests instead of failing them.
func setupMongo() {
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		mongoSkip = fmt.Sprintf("mongo container unavailable: %v", err)
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		mongoSkip = fmt.Sprintf("container host: %v", err)
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		mongoSkip = fmt.Sprintf("container port: %v", err)
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	mongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		mongoSkip = fmt.Sprintf("mongo connect: %v", err)
		return
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoSkip = fmt.Sprintf("mongo ping: %v", err)
	}
}

func requireMongo(t *testing.T) *mongodriver.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	mongoOnce.Do(setupMongo)
	if mongoSkip != "" {
		t.Skip(mongoSkip)
	}
	return mongoClient
}

func newStore(t *testing.T, collection string) *auditmongo.Store {
	t.Helper()
	cli, err := clientsmongo.New(clientsmongo.Options{
		Client:     requireMongo(t),
		Database:   "retrodict_test",
		Collection: collection,
	})
	require.NoError(t, err)
	store, err := auditmongo.NewStore(cli)
	require.NoError(t, err)
	return store
}

func TestTrailRoundTripsThroughMongo(t *testing.T) {
	store := newStore(t, "trail_roundtrip")

	ctx := context.Background()
	trail := audit.NewTrail(store, "run-mongo-1")

	state, err := world.New("sim", map[string]float64{"x": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, trail.Start(ctx, "b001", state.Snapshot()))
	require.NoError(t, trail.Turn(ctx, "b001", turn.Record{SimID: "sim", Turn: 1}))
	require.NoError(t, trail.End(ctx, "b001", "succeeded", "", false))

	recs, err := store.List(ctx, "run-mongo-1", -1, 100)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, audit.KindStart, recs[0].Kind)
	require.Equal(t, audit.KindTurn, recs[1].Kind)
	require.Equal(t, audit.KindEnd, recs[2].Kind)
	for i, rec := range recs {
		require.Equal(t, int64(i), rec.Index)
		require.NotEmpty(t, rec.Hash)
	}
}

func TestListPaginatesByIndex(t *testing.T) {
	store := newStore(t, "trail_pagination")

	ctx := context.Background()
	trail := audit.NewTrail(store, "run-mongo-2")
	for i := range 5 {
		require.NoError(t, trail.Turn(ctx, "b001", turn.Record{SimID: "sim", Turn: int64(i)}))
	}

	var got []audit.Record
	after := int64(-1)
	for {
		page, err := store.List(ctx, "run-mongo-2", after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
		after = page[len(page)-1].Index
	}
	require.Len(t, got, 5)
}

func TestDuplicateIndexIsRejected(t *testing.T) {
	store := newStore(t, "trail_unique")

	ctx := context.Background()
	rec := audit.Record{
		RunID:     "run-mongo-3",
		Index:     0,
		Kind:      audit.KindTurn,
		Payload:   []byte(`{}`),
		Hash:      "h",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, store.Append(ctx, rec))
	require.Error(t, store.Append(ctx, rec), "the (run_id, index) unique index holds")
}
