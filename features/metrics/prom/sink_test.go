package prom_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"causalis.dev/retrodict/features/metrics/prom"
	"causalis.dev/retrodict/runtime/metrics"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCountersAccumulateAcrossWrites(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := prom.New(prom.Options{Registerer: reg})
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		require.NoError(t, sink.Write(ctx, metrics.Record{
			Name:  "batch.turns",
			Value: 4,
			Tags:  map[string]string{"batch_id": "b001"},
		}))
	}

	mf := gatherFamily(t, reg, "retrodict_batch_turns_total")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 1)
	require.InDelta(t, 12, mf.GetMetric()[0].GetCounter().GetValue(), 1e-9)
	require.Equal(t, "batch_id", mf.GetMetric()[0].GetLabel()[0].GetName())
	require.Equal(t, "b001", mf.GetMetric()[0].GetLabel()[0].GetValue())
}

func TestGaugeNamesTrackLastValue(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := prom.New(prom.Options{Registerer: reg, Gauges: []string{"run.progress"}})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, metrics.Record{Name: "run.progress", Value: 0.25}))
	require.NoError(t, sink.Write(ctx, metrics.Record{Name: "run.progress", Value: 0.75}))

	mf := gatherFamily(t, reg, "retrodict_run_progress")
	require.NotNil(t, mf)
	require.InDelta(t, 0.75, mf.GetMetric()[0].GetGauge().GetValue(), 1e-9)
}

func TestLabelSchemaIsPinnedByFirstRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := prom.New(prom.Options{Registerer: reg})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, metrics.Record{
		Name:  "batch.rows",
		Value: 10,
		Tags:  map[string]string{"batch_id": "b001", "worker": "3"},
	}))
	// Missing tags report empty, unknown tags are dropped.
	require.NoError(t, sink.Write(ctx, metrics.Record{
		Name:  "batch.rows",
		Value: 5,
		Tags:  map[string]string{"batch_id": "b002", "shard": "x"},
	}))

	mf := gatherFamily(t, reg, "retrodict_batch_rows_total")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 2)
	for _, m := range mf.GetMetric() {
		require.Len(t, m.GetLabel(), 2)
		require.Equal(t, "batch_id", m.GetLabel()[0].GetName())
		require.Equal(t, "worker", m.GetLabel()[1].GetName())
	}
}

func TestNegativeCounterIncrementIsRejected(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := prom.New(prom.Options{Registerer: reg})
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), metrics.Record{Name: "aborts", Value: 1}))
	require.Error(t, sink.Write(context.Background(), metrics.Record{Name: "aborts", Value: -1}))
}

func TestCollectorDrainsIntoPrometheus(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := prom.New(prom.Options{Registerer: reg})
	require.NoError(t, err)

	col, err := metrics.NewCollector(metrics.Options{Sink: sink, QueueSize: 16})
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, col.Submit(metrics.Record{
			Name:  "batch.trust_successes",
			Value: float64(i),
			Tags:  map[string]string{"batch_id": "b001"},
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, col.Close(ctx))

	mf := gatherFamily(t, reg, "retrodict_batch_trust_successes_total")
	require.NotNil(t, mf)
	require.InDelta(t, 10, mf.GetMetric()[0].GetCounter().GetValue(), 1e-9)
}
