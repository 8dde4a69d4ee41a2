// Package redis implements runstore.Store on Redis.
//
// Keys of a calendar share the {calendarId} hash tag so they live on one
// cluster slot and the save script can update status and events together:
//
//	current-run::{<calendarId>}               string, current run uuid, TTL CurrentRunTTL
//	run-info::{<calendarId>}::<runId>         hash: status, startedAt, finishedAt
//	run-events::{<calendarId>}::<runId>       list of JSON events
//
// Both run keys expire ResultsTTL after the last non-empty save.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/telemetry"
)

type (
	// Options configures a Store.
	Options struct {
		// Redis is required.
		Redis redis.UniversalClient
		// Config supplies CurrentRunTTL and ResultsTTL.
		Config diagnostics.Config
		// Prefix is prepended to every key.
		Prefix string
		Logger telemetry.Logger
		// Now defaults to time.Now; it only affects ExpiresAt.
		Now func() time.Time
	}

	// Store implements runstore.Store.
	Store struct {
		rdb        redis.UniversalClient
		currentTTL time.Duration
		resultsTTL time.Duration
		prefix     string
		logger     telemetry.Logger
		now        func() time.Time
	}
)

const timeLayout = time.RFC3339Nano

// saveScript applies a save atomically. Status and timestamps are ignored
// once the stored status is terminal and processing never returns to
// pending. Events are always appended and both keys get a fresh TTL.
//
// KEYS[1] run info hash, KEYS[2] event list.
// ARGV[1] ttl ms, ARGV[2] status, ARGV[3] startedAt, ARGV[4] finishedAt,
// ARGV[5..] JSON events.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'succeeded' and cur ~= 'failed' then
  local status = ARGV[2]
  if status ~= '' and not (cur == 'processing' and status == 'pending') then
    redis.call('HSET', KEYS[1], 'status', status)
  end
  if ARGV[3] ~= '' then
    redis.call('HSET', KEYS[1], 'startedAt', ARGV[3])
  end
  if ARGV[4] ~= '' then
    redis.call('HSET', KEYS[1], 'finishedAt', ARGV[4])
  end
end
if #ARGV > 4 then
  redis.call('RPUSH', KEYS[2], unpack(ARGV, 5))
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return 1
`)

// New returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Config.CurrentRunTTL <= 0 || opts.Config.ResultsTTL <= 0 {
		return nil, errors.New("current run and results TTLs must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		rdb:        opts.Redis,
		currentTTL: opts.Config.CurrentRunTTL,
		resultsTTL: opts.Config.ResultsTTL,
		prefix:     opts.Prefix,
		logger:     telemetry.Or(opts.Logger),
		now:        now,
	}, nil
}

// GetOrCreateCurrentRun implements runstore.Store. Reservation and the
// pending save are two commands; a caller crashing in between leaves a
// current run without state, which reads as not found until it expires.
func (s *Store) GetOrCreateCurrentRun(ctx context.Context, calendarID string) (diagnostics.RunIDInfo, error) {
	if calendarID == "" {
		return diagnostics.RunIDInfo{}, errors.New("calendar id is required")
	}
	key := s.currentRunKey(calendarID)
	candidate := uuid.New()
	created, err := s.rdb.SetNX(ctx, key, candidate.String(), s.currentTTL).Result()
	if err != nil {
		return diagnostics.RunIDInfo{}, fmt.Errorf("reserve current run: %w", err)
	}
	id := diagnostics.RunID{CalendarID: calendarID, ID: candidate}
	if created {
		if err := s.Save(ctx, diagnostics.SaveRequest{RunID: id, Status: diagnostics.StatusPending}); err != nil {
			return diagnostics.RunIDInfo{}, err
		}
		return diagnostics.RunIDInfo{RunID: id, IsNew: true}, nil
	}
	cur, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The current run expired between SETNX and GET; try again.
		return s.GetOrCreateCurrentRun(ctx, calendarID)
	}
	if err != nil {
		return diagnostics.RunIDInfo{}, fmt.Errorf("get current run: %w", err)
	}
	existing, err := uuid.Parse(cur)
	if err != nil {
		return diagnostics.RunIDInfo{}, fmt.Errorf("parse current run %q: %w", cur, err)
	}
	return diagnostics.RunIDInfo{RunID: diagnostics.RunID{CalendarID: calendarID, ID: existing}}, nil
}

// GetStatus implements runstore.Store.
func (s *Store) GetStatus(ctx context.Context, id diagnostics.RunID) (diagnostics.Status, error) {
	key := s.runInfoKey(id)
	vals, err := s.rdb.HMGet(ctx, key, "status").Result()
	if err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		n, err := s.rdb.Exists(ctx, key).Result()
		if err != nil {
			return "", fmt.Errorf("get run status: %w", err)
		}
		if n == 0 {
			return "", diagnostics.RunNotFound(id)
		}
	}
	return diagnostics.ParseStatus(raw)
}

// GetResults implements runstore.Store.
func (s *Store) GetResults(ctx context.Context, id diagnostics.RunID) (*diagnostics.Results, error) {
	infoKey, eventsKey := s.runInfoKey(id), s.runEventsKey(id)

	var (
		hget *redis.MapStringStringCmd
		pttl *redis.DurationCmd
		lrng *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		hget = p.HGetAll(ctx, infoKey)
		pttl = p.PTTL(ctx, infoKey)
		lrng = p.LRange(ctx, eventsKey, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get run results: %w", err)
	}
	info := hget.Val()
	if len(info) == 0 {
		return nil, diagnostics.RunNotFound(id)
	}

	res := &diagnostics.Results{RunID: id}
	if res.Status, err = diagnostics.ParseStatus(info["status"]); err != nil {
		return nil, err
	}
	if res.StartedAt, err = parseTime(info["startedAt"]); err != nil {
		return nil, fmt.Errorf("parse startedAt: %w", err)
	}
	if res.FinishedAt, err = parseTime(info["finishedAt"]); err != nil {
		return nil, fmt.Errorf("parse finishedAt: %w", err)
	}
	if ttl := pttl.Val(); ttl > 0 {
		res.ExpiresAt = s.now().Add(ttl).Truncate(time.Minute)
	} else {
		s.logger.Warn(ctx, "run results have no readable TTL", "run_id", id.String(), "pttl", ttl.String())
	}

	raw := lrng.Val()
	res.Events = make([]diagnostics.Event, 0, len(raw))
	for i, r := range raw {
		var e diagnostics.Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode event %d of run %s: %w", i, id, err)
		}
		res.Events = append(res.Events, e)
	}
	return res, nil
}

// Save implements runstore.Store.
func (s *Store) Save(ctx context.Context, req diagnostics.SaveRequest) error {
	if req.IsEmpty() {
		return nil
	}
	args := make([]any, 0, 4+len(req.NewEvents))
	args = append(args,
		strconv.FormatInt(s.resultsTTL.Milliseconds(), 10),
		string(req.Status),
		formatTime(req.StartedAt),
		formatTime(req.FinishedAt))
	for _, e := range req.NewEvents {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.Type, err)
		}
		args = append(args, string(b))
	}
	keys := []string{s.runInfoKey(req.RunID), s.runEventsKey(req.RunID)}
	if err := saveScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("save run %s: %w", req.RunID, err)
	}
	return nil
}

func (s *Store) currentRunKey(calendarID string) string {
	return s.prefix + "current-run::{" + calendarID + "}"
}

func (s *Store) runInfoKey(id diagnostics.RunID) string {
	return s.prefix + "run-info::{" + id.CalendarID + "}::" + id.ID.String()
}

func (s *Store) runEventsKey(id diagnostics.RunID) string {
	return s.prefix + "run-events::{" + id.CalendarID + "}::" + id.ID.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
