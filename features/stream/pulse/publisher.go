// Package pulse publishes run lifecycle events to goa.design/pulse streams
// so external consumers (dashboards, downstream jobs) can follow training
// progress over Redis. The publisher is an event-bus subscriber: attach it to
// the bus that the coordinator and service publish on, and every event lands
// on a per-run Pulse stream. Publication is best-effort; a Redis outage never
// fails a training run.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"causalis.dev/retrodict/features/stream/pulse/clients/pulse"
	"causalis.dev/retrodict/runtime/events"
	"causalis.dev/retrodict/runtime/telemetry"
)

type (
	// Options configures the Publisher.
	Options struct {
		// Client publishes to Pulse streams. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// `<prefix>/run/<run id>`.
		StreamID func(events.Event) (string, error)
		// Prefix namespaces the default stream names. Defaults to
		// "retrodict".
		Prefix string
		// Logger records dropped publications. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Publisher forwards bus events onto Pulse streams. It implements
	// events.Subscriber and is safe for concurrent use.
	Publisher struct {
		client   pulse.Client
		streamID func(events.Event) (string, error)
		logger   telemetry.Logger
	}
)

// NewPublisher validates the options and returns the publisher.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "retrodict"
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(ev events.Event) (string, error) {
			if ev.RunID() == "" {
				return "", errors.New("event missing run id")
			}
			return fmt.Sprintf("%s/run/%s", prefix, ev.RunID()), nil
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Publisher{client: opts.Client, streamID: streamID, logger: logger}, nil
}

// Attach registers the publisher on the bus.
func (p *Publisher) Attach(bus events.Bus) (events.Subscription, error) {
	return bus.Register(p)
}

// HandleEvent implements events.Subscriber. Failures are logged and swallowed
// so a streaming outage cannot halt the run that the bus is reporting on.
func (p *Publisher) HandleEvent(ctx context.Context, ev events.Event) error {
	if err := p.publish(ctx, ev); err != nil {
		p.logger.Warn(ctx, "event publication dropped",
			"run_id", ev.RunID(), "type", string(ev.Type()), "err", err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, ev events.Event) error {
	streamID, err := p.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := p.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(ev.Type()), payload); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying client.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}
