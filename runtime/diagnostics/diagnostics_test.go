package diagnostics

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusProcessing, StatusSucceeded, StatusFailed}
	for _, next := range all {
		require.False(t, CanTransition(StatusSucceeded, next))
		require.False(t, CanTransition(StatusFailed, next))
		require.True(t, CanTransition(StatusPending, next))
	}
	require.False(t, CanTransition(StatusProcessing, StatusPending))
	require.True(t, CanTransition(StatusProcessing, StatusProcessing))
	require.True(t, CanTransition(StatusProcessing, StatusFailed))
	require.True(t, CanTransition("", StatusPending))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("")
	require.NoError(t, err)
	require.Equal(t, StatusPending, s)

	s, err = ParseStatus("failed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, s)

	_, err = ParseStatus("FAILED")
	require.Error(t, err)
}

func TestParseRunID(t *testing.T) {
	id := uuid.New()
	r, err := ParseRunID("cal", id.String())
	require.NoError(t, err)
	require.Equal(t, RunID{CalendarID: "cal", ID: id}, r)
	require.Equal(t, "cal/"+id.String(), r.String())

	_, err = ParseRunID("", id.String())
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ParseRunID("cal", "nope")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "runId", verr.Field)
}

func TestSaveRequestIsEmpty(t *testing.T) {
	require.True(t, SaveRequest{RunID: NewRunID("c")}.IsEmpty())
	require.False(t, SaveRequest{Status: StatusFailed}.IsEmpty())
	require.False(t, SaveRequest{StartedAt: time.Now()}.IsEmpty())
	require.False(t, SaveRequest{NewEvents: []Event{RunStarted()}}.IsEmpty())
}

func TestResultsDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r := &Results{StartedAt: start}
	_, ok := r.Duration()
	require.False(t, ok)

	r.FinishedAt = start.Add(90 * time.Second)
	d, ok := r.Duration()
	require.True(t, ok)
	require.Equal(t, 90*time.Second, d)
}

func TestErrorOccurredEvent(t *testing.T) {
	id := uuid.New()
	e := ErrorOccurred("Error attempting: Create local event.", id)
	require.True(t, e.IsError)
	require.Equal(t, EventErrorOccurred, e.Type)
	require.Equal(t, id.String(), e.Data["errorId"])
}

func TestAccountErrorsCheckedPayload(t *testing.T) {
	e := AccountErrorsChecked("acct", 0, "ignored")
	require.Equal(t, map[string]any{"accountId": "acct", "hasErrors": false}, e.Data)

	e = AccountErrorsChecked("acct", 2, "token revoked")
	require.Equal(t, true, e.Data["hasErrors"])
	require.Equal(t, 2, e.Data["errorCount"])
	require.Equal(t, "token revoked", e.Data["firstError"])
}

func TestProviderDisplay(t *testing.T) {
	require.Equal(t, "Microsoft (graph)", ProviderDisplay("Graph"))
	require.Equal(t, "Google (gmail)", ProviderDisplay("gmail"))
	require.Equal(t, "icloud", ProviderDisplay("icloud"))
}

func TestEventJSON(t *testing.T) {
	e := EventDeleted("evt-1")
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "event_deleted", decoded["type"])
	require.Equal(t, false, decoded["isError"])
	require.Equal(t, map[string]any{"eventId": "evt-1"}, decoded["data"])
}

func TestEventJSONRoundTripKeepsIntegers(t *testing.T) {
	e := AccountErrorsChecked("acct", 2, "token revoked")
	e.Data["nested"] = map[string]any{"count": 3, "ratio": 0.5, "list": []any{1, 2.5}}
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, e.Type, decoded.Type)
	require.True(t, e.Time.Equal(decoded.Time))
	require.Equal(t, 2, decoded.Data["errorCount"])
	require.Equal(t, e.Data, decoded.Data)
}

func TestEventJSONWithoutData(t *testing.T) {
	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"run_started","message":"m","data":null,"isError":false}`), &decoded))
	require.Equal(t, EventRunStarted, decoded.Type)
	require.Equal(t, "m", decoded.Message)
	require.Nil(t, decoded.Data)
}

func TestDecodeEventData(t *testing.T) {
	data, err := DecodeEventData([]byte(`{"n":7,"f":1.25,"big":1e300,"s":"x"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": 7, "f": 1.25, "big": 1e300, "s": "x"}, data)

	_, err = DecodeEventData([]byte(`[1]`))
	require.Error(t, err)
}

func TestCallbackJSON(t *testing.T) {
	id := NewRunID("cal-1")
	b, err := json.Marshal(NewCallback(id, StatusFailed))
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"Calendar sync diagnostics finished.","calendarId":"cal-1","runId":"`+id.ID.String()+`","status":"failed"}`, string(b))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.ResultsTTL = 0
	c.ProviderSyncWait.Attempts = 0
	err := c.Validate()
	require.ErrorContains(t, err, "results TTL")
	require.ErrorContains(t, err, "attempts")
}
