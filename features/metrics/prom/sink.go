// Package prom drains collector records into Prometheus metrics. Each record
// name becomes a counter (or a gauge when configured), with the record tags
// mapped onto labels. The label schema of a metric is fixed by the first
// record seen under that name; later records missing a label report it empty
// and unknown tags are dropped, because Prometheus vectors cannot change
// shape after registration.
package prom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"causalis.dev/retrodict/runtime/metrics"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "retrodict"

type (
	// Options configures the sink.
	Options struct {
		// Registerer receives the metric vectors. Defaults to the global
		// prometheus.DefaultRegisterer.
		Registerer prometheus.Registerer
		// Namespace prefixes metric names. Defaults to DefaultNamespace.
		Namespace string
		// Gauges lists record names exported as gauges (last value wins)
		// instead of counters (values accumulate).
		Gauges []string
	}

	// Sink implements metrics.Sink on a Prometheus registry.
	Sink struct {
		reg       prometheus.Registerer
		namespace string
		gauges    map[string]bool

		mu       sync.Mutex
		counters map[string]*vecEntry
	}

	// vecEntry pins a metric's label schema alongside its vector.
	vecEntry struct {
		labels  []string
		counter *prometheus.CounterVec
		gauge   *prometheus.GaugeVec
	}
)

// New validates the options and returns the sink.
func New(opts Options) (*Sink, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	gauges := make(map[string]bool, len(opts.Gauges))
	for _, name := range opts.Gauges {
		gauges[name] = true
	}
	return &Sink{
		reg:       reg,
		namespace: ns,
		gauges:    gauges,
		counters:  make(map[string]*vecEntry),
	}, nil
}

// Write implements metrics.Sink.
func (s *Sink) Write(_ context.Context, rec metrics.Record) error {
	if rec.Name == "" {
		return errors.New("prom: record without a name")
	}
	s.mu.Lock()
	entry, err := s.entryFor(rec)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	values := make([]string, len(entry.labels))
	for i, key := range entry.labels {
		values[i] = rec.Tags[key]
	}
	if entry.gauge != nil {
		entry.gauge.WithLabelValues(values...).Set(rec.Value)
		return nil
	}
	if rec.Value < 0 {
		return fmt.Errorf("prom: negative increment %v for counter %s", rec.Value, rec.Name)
	}
	entry.counter.WithLabelValues(values...).Add(rec.Value)
	return nil
}

// Close implements metrics.Sink. The registry owns the metrics; there is
// nothing to release.
func (s *Sink) Close(context.Context) error { return nil }

// entryFor returns the vector for the record's name, registering it on first
// sight with the record's tag keys as the label schema.
func (s *Sink) entryFor(rec metrics.Record) (*vecEntry, error) {
	if entry, ok := s.counters[rec.Name]; ok {
		return entry, nil
	}
	labels := make([]string, 0, len(rec.Tags))
	for key := range rec.Tags {
		labels = append(labels, key)
	}
	sort.Strings(labels)

	entry := &vecEntry{labels: labels}
	promName := sanitize(rec.Name)
	if s.gauges[rec.Name] {
		entry.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      promName,
		}, labels)
		if err := s.reg.Register(entry.gauge); err != nil {
			return nil, fmt.Errorf("prom: register %s: %w", rec.Name, err)
		}
	} else {
		entry.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      promName + "_total",
		}, labels)
		if err := s.reg.Register(entry.counter); err != nil {
			return nil, fmt.Errorf("prom: register %s: %w", rec.Name, err)
		}
	}
	s.counters[rec.Name] = entry
	return entry, nil
}

// sanitize maps record names (dotted) onto the Prometheus charset.
func sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
