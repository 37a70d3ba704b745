package metrics

import (
	"context"
	"sort"
	"sync"

	"causalis.dev/retrodict/runtime/telemetry"
)

type (
	// CaptureSink retains every record in memory. Used by tests and dry
	// runs.
	CaptureSink struct {
		mu      sync.Mutex
		records []Record
	}

	// TelemetrySink forwards records to a telemetry.Metrics recorder, which
	// puts training metrics on the same OTEL pipeline as runtime
	// instrumentation.
	TelemetrySink struct {
		metrics telemetry.Metrics
	}
)

// NewCaptureSink returns an empty capture sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

// Write stores the record.
func (s *CaptureSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Close is a no-op.
func (s *CaptureSink) Close(context.Context) error { return nil }

// Records returns a copy of everything written so far.
func (s *CaptureSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// NewTelemetrySink wraps a telemetry recorder as a Sink. A nil recorder is
// substituted with a noop.
func NewTelemetrySink(m telemetry.Metrics) *TelemetrySink {
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	return &TelemetrySink{metrics: m}
}

// Write records the value as a gauge with the record's tags as dimensions,
// flattened in sorted key order.
func (s *TelemetrySink) Write(_ context.Context, rec Record) error {
	keys := make([]string, 0, len(rec.Tags))
	for k := range rec.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		tags = append(tags, k, rec.Tags[k])
	}
	s.metrics.RecordGauge(rec.Name, rec.Value, tags...)
	return nil
}

// Close is a no-op.
func (s *TelemetrySink) Close(context.Context) error { return nil }
