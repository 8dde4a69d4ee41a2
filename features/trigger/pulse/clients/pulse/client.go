// Package pulse wraps goa.design/pulse streams with the narrow surface the
// diagnostics trigger needs: publishing task messages and consuming them
// through a consumer group.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens streams.
	Client interface {
		Stream(name string) (Stream, error)
	}

	// Stream publishes events and opens sinks.
	Stream interface {
		// Add publishes payload as event and returns the entry id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink joins the named consumer group.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group member. Events not acked within the sink
	// ack grace period are redelivered.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, evt *streaming.Event) error
		Close(ctx context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &handle{stream: s, timeout: c.timeout}, nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse sink %q: %w", name, err)
	}
	return sinkAdapter{Sink: s}, nil
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
