package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/syncdiag/features/trigger/pulse/clients/pulse"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
)

// Dispatcher publishes runs to the trigger stream. It implements
// service.Dispatcher.
type Dispatcher struct {
	stream clientspulse.Stream
}

// NewDispatcher opens streamName (DefaultStream when empty) on client.
func NewDispatcher(client clientspulse.Client, streamName string) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if streamName == "" {
		streamName = DefaultStream
	}
	s, err := client.Stream(streamName)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{stream: s}, nil
}

// Dispatch publishes the run message.
func (d *Dispatcher) Dispatch(ctx context.Context, p workflow.Params) error {
	payload, err := json.Marshal(NewMessage(p))
	if err != nil {
		return fmt.Errorf("encode run message: %w", err)
	}
	if _, err := d.stream.Add(ctx, EventRun, payload); err != nil {
		return fmt.Errorf("publish run message: %w", err)
	}
	return nil
}
