// Package pulse triggers diagnostic runs through a Pulse stream. The
// service publishes one message per new run; workers in any instance
// consume the stream and start the run. Delivery is at least once:
// redelivered messages for runs already started are acked and dropped.
package pulse

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
)

const (
	// DefaultStream is the stream carrying run messages.
	DefaultStream = "calendar-sync-diagnostics"
	// DefaultSink is the consumer group of the workers.
	DefaultSink = "syncdiag-workers"

	// ActionRun is the action of run messages.
	ActionRun = "run_calendar_sync_diagnostics"
	// EventRun is the Pulse event name of run messages.
	EventRun = "run"
)

// Message is the payload published for a run.
type Message struct {
	Action      string `json:"action"`
	CalendarID  string `json:"calendarId"`
	RunID       string `json:"runId"`
	CallbackURI string `json:"callbackUri,omitempty"`
}

const messageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "calendarId", "runId"],
  "properties": {
    "action": {"const": "run_calendar_sync_diagnostics"},
    "calendarId": {"type": "string", "minLength": 1},
    "runId": {"type": "string", "format": "uuid"},
    "callbackUri": {"type": "string"}
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(messageSchema), &doc); err != nil {
			compileErr = fmt.Errorf("unmarshal message schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource("message.json", doc); err != nil {
			compileErr = fmt.Errorf("add message schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile("message.json")
	})
	return compiled, compileErr
}

// NewMessage returns the message for p.
func NewMessage(p workflow.Params) Message {
	return Message{
		Action:      ActionRun,
		CalendarID:  p.RunID.CalendarID,
		RunID:       p.RunID.ID.String(),
		CallbackURI: p.CallbackURI,
	}
}

// DecodeMessage validates payload and returns the run parameters it
// carries. Invalid payloads return an error matching
// diagnostics.ErrInvalidArgument.
func DecodeMessage(payload []byte) (workflow.Params, error) {
	s, err := schema()
	if err != nil {
		return workflow.Params{}, err
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return workflow.Params{}, fmt.Errorf("%w: decode message: %v", diagnostics.ErrInvalidArgument, err)
	}
	if err := s.Validate(doc); err != nil {
		return workflow.Params{}, fmt.Errorf("%w: %v", diagnostics.ErrInvalidArgument, err)
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return workflow.Params{}, fmt.Errorf("%w: decode message: %v", diagnostics.ErrInvalidArgument, err)
	}
	id, err := diagnostics.ParseRunID(m.CalendarID, m.RunID)
	if err != nil {
		return workflow.Params{}, err
	}
	return workflow.Params{RunID: id, CallbackURI: m.CallbackURI}, nil
}
