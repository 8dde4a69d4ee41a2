// Package mongo implements the low-level MongoDB client used by the run
// store. Runs and current-run windows live in two collections whose
// documents expire through TTL indexes; reads also filter on the expiry
// because the TTL monitor only runs once a minute.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/syncdiag/runtime/diagnostics"
)

type (
	// Client exposes Mongo-backed operations for diagnostic runs.
	Client interface {
		health.Pinger

		GetOrCreateCurrentRun(ctx context.Context, calendarID string) (diagnostics.RunIDInfo, error)
		GetStatus(ctx context.Context, id diagnostics.RunID) (diagnostics.Status, error)
		GetResults(ctx context.Context, id diagnostics.RunID) (*diagnostics.Results, error)
		Save(ctx context.Context, req diagnostics.SaveRequest) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// Collection prefixes both collection names. Defaults to
		// "diagnostic".
		Collection string
		Config     diagnostics.Config
		Timeout    time.Duration
		// Now defaults to time.Now.
		Now func() time.Time
	}

	client struct {
		mongo      *mongodriver.Client
		runs       *mongodriver.Collection
		current    *mongodriver.Collection
		currentTTL time.Duration
		resultsTTL time.Duration
		timeout    time.Duration
		now        func() time.Time
	}

	currentRunDocument struct {
		CalendarID string    `bson:"_id"`
		RunID      string    `bson:"run_id"`
		ExpiresAt  time.Time `bson:"expires_at"`
	}

	runDocument struct {
		ID         string          `bson:"_id"`
		CalendarID string          `bson:"calendar_id"`
		RunID      string          `bson:"run_id"`
		Status     string          `bson:"status,omitempty"`
		StartedAt  *time.Time      `bson:"started_at,omitempty"`
		FinishedAt *time.Time      `bson:"finished_at,omitempty"`
		Events     []eventDocument `bson:"events,omitempty"`
		ExpiresAt  *time.Time      `bson:"expires_at,omitempty"`
	}

	eventDocument struct {
		Type    string    `bson:"type"`
		Time    time.Time `bson:"time"`
		Message string    `bson:"message"`
		// Data is JSON so keys are never interpreted as operators.
		Data    string `bson:"data,omitempty"`
		IsError bool   `bson:"is_error"`
	}
)

const (
	defaultCollection = "diagnostic"
	defaultTimeout    = 5 * time.Second
	clientName        = "runstore-mongo"
	maxReserveTries   = 3
)

// New returns a Client backed by the provided MongoDB client. It creates
// the TTL indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Config.CurrentRunTTL <= 0 || opts.Config.ResultsTTL <= 0 {
		return nil, errors.New("current run and results TTLs must be positive")
	}
	prefix := opts.Collection
	if prefix == "" {
		prefix = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:      opts.Client,
		runs:       db.Collection(prefix + "_runs"),
		current:    db.Collection(prefix + "_current_runs"),
		currentTTL: opts.Config.CurrentRunTTL,
		resultsTTL: opts.Config.ResultsTTL,
		timeout:    timeout,
		now:        now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) GetOrCreateCurrentRun(ctx context.Context, calendarID string) (diagnostics.RunIDInfo, error) {
	if calendarID == "" {
		return diagnostics.RunIDInfo{}, errors.New("calendar id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	for range maxReserveTries {
		now := c.now().UTC()
		candidate := uuid.New()
		id := diagnostics.RunID{CalendarID: calendarID, ID: candidate}
		doc := currentRunDocument{CalendarID: calendarID, RunID: candidate.String(), ExpiresAt: now.Add(c.currentTTL)}

		// Take over a window the TTL monitor has not removed yet.
		res, err := c.current.ReplaceOne(ctx, bson.D{
			{Key: "_id", Value: calendarID},
			{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}},
		}, doc)
		if err != nil {
			return diagnostics.RunIDInfo{}, fmt.Errorf("reserve current run: %w", err)
		}
		if res.MatchedCount == 0 {
			_, err = c.current.InsertOne(ctx, doc)
		}
		switch {
		case err == nil:
			if err := c.Save(ctx, diagnostics.SaveRequest{RunID: id, Status: diagnostics.StatusPending}); err != nil {
				return diagnostics.RunIDInfo{}, err
			}
			return diagnostics.RunIDInfo{RunID: id, IsNew: true}, nil
		case !mongodriver.IsDuplicateKeyError(err):
			return diagnostics.RunIDInfo{}, fmt.Errorf("reserve current run: %w", err)
		}

		var cur currentRunDocument
		err = c.current.FindOne(ctx, bson.D{
			{Key: "_id", Value: calendarID},
			{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
		}).Decode(&cur)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			// The window expired between the insert and the read.
			continue
		}
		if err != nil {
			return diagnostics.RunIDInfo{}, fmt.Errorf("get current run: %w", err)
		}
		existing, err := uuid.Parse(cur.RunID)
		if err != nil {
			return diagnostics.RunIDInfo{}, fmt.Errorf("parse current run %q: %w", cur.RunID, err)
		}
		return diagnostics.RunIDInfo{RunID: diagnostics.RunID{CalendarID: calendarID, ID: existing}}, nil
	}
	return diagnostics.RunIDInfo{}, fmt.Errorf("reserve current run of %s: contended", calendarID)
}

func (c *client) GetStatus(ctx context.Context, id diagnostics.RunID) (diagnostics.Status, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc runDocument
	err := c.runs.FindOne(ctx, c.liveFilter(id), options.FindOne().SetProjection(bson.D{{Key: "status", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return "", diagnostics.RunNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	return diagnostics.ParseStatus(doc.Status)
}

func (c *client) GetResults(ctx context.Context, id diagnostics.RunID) (*diagnostics.Results, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc runDocument
	err := c.runs.FindOne(ctx, c.liveFilter(id)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, diagnostics.RunNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run results: %w", err)
	}
	res := &diagnostics.Results{RunID: id}
	if res.Status, err = diagnostics.ParseStatus(doc.Status); err != nil {
		return nil, err
	}
	if doc.StartedAt != nil {
		res.StartedAt = doc.StartedAt.UTC()
	}
	if doc.FinishedAt != nil {
		res.FinishedAt = doc.FinishedAt.UTC()
	}
	if doc.ExpiresAt != nil {
		res.ExpiresAt = doc.ExpiresAt.UTC().Truncate(time.Minute)
	}
	res.Events = make([]diagnostics.Event, 0, len(doc.Events))
	for i, e := range doc.Events {
		ev := diagnostics.Event{
			Type:    diagnostics.EventType(e.Type),
			Time:    e.Time.UTC(),
			Message: e.Message,
			IsError: e.IsError,
		}
		if e.Data != "" {
			data, err := diagnostics.DecodeEventData([]byte(e.Data))
			if err != nil {
				return nil, fmt.Errorf("decode event %d of run %s: %w", i, id, err)
			}
			ev.Data = data
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// Save applies req in a single pipeline update. Status and timestamps are
// ignored once the stored status is terminal and processing never returns
// to pending. Events are always appended and the expiry is refreshed. An
// expired document that still exists is treated as absent.
func (c *client) Save(ctx context.Context, req diagnostics.SaveRequest) error {
	if req.IsEmpty() {
		return nil
	}
	events := make([]eventDocument, 0, len(req.NewEvents))
	for _, e := range req.NewEvents {
		doc := eventDocument{Type: string(e.Type), Time: e.Time.UTC(), Message: e.Message, IsError: e.IsError}
		if len(e.Data) > 0 {
			b, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", e.Type, err)
			}
			doc.Data = string(b)
		}
		events = append(events, doc)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := c.now().UTC()
	live := bson.D{{Key: "$gt", Value: bson.A{"$expires_at", now}}}
	terminal := bson.D{{Key: "$in", Value: bson.A{"$_cur", bson.A{string(diagnostics.StatusSucceeded), string(diagnostics.StatusFailed)}}}}

	status := any("$_cur")
	if req.Status != "" {
		blocked := bson.A{terminal}
		if req.Status == diagnostics.StatusPending {
			blocked = append(blocked, bson.D{{Key: "$eq", Value: bson.A{"$_cur", string(diagnostics.StatusProcessing)}}})
		}
		status = bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$or", Value: blocked}},
			"$_cur",
			bson.D{{Key: "$literal", Value: string(req.Status)}},
		}}}
	}

	pipeline := mongodriver.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "_live", Value: live},
			{Key: "_cur", Value: bson.D{{Key: "$cond", Value: bson.A{
				live,
				bson.D{{Key: "$ifNull", Value: bson.A{"$status", string(diagnostics.StatusPending)}}},
				string(diagnostics.StatusPending),
			}}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "calendar_id", Value: bson.D{{Key: "$literal", Value: req.RunID.CalendarID}}},
			{Key: "run_id", Value: bson.D{{Key: "$literal", Value: req.RunID.ID.String()}}},
			{Key: "status", Value: status},
			{Key: "started_at", Value: timeExpr("$started_at", req.StartedAt, terminal)},
			{Key: "finished_at", Value: timeExpr("$finished_at", req.FinishedAt, terminal)},
			{Key: "events", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$cond", Value: bson.A{"$_live", bson.D{{Key: "$ifNull", Value: bson.A{"$events", bson.A{}}}}, bson.A{}}}},
				bson.D{{Key: "$literal", Value: events}},
			}}}},
			{Key: "expires_at", Value: now.Add(c.resultsTTL)},
		}}},
		{{Key: "$unset", Value: bson.A{"_live", "_cur"}}},
	}
	_, err := c.runs.UpdateOne(ctx, bson.D{{Key: "_id", Value: runKey(req.RunID)}}, pipeline, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save run %s: %w", req.RunID, err)
	}
	return nil
}

// timeExpr keeps field while the run is live unless t is set and the run
// is not terminal.
func timeExpr(field string, t time.Time, terminal bson.D) bson.D {
	base := bson.D{{Key: "$cond", Value: bson.A{"$_live", field, nil}}}
	if t.IsZero() {
		return base
	}
	return bson.D{{Key: "$cond", Value: bson.A{terminal, base, t.UTC()}}}
}

func (c *client) liveFilter(id diagnostics.RunID) bson.D {
	return bson.D{
		{Key: "_id", Value: runKey(id)},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: c.now().UTC()}}},
	}
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	ttl := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := c.runs.Indexes().CreateOne(ctx, ttl); err != nil {
		return fmt.Errorf("create runs TTL index: %w", err)
	}
	if _, err := c.current.Indexes().CreateOne(ctx, ttl); err != nil {
		return fmt.Errorf("create current runs TTL index: %w", err)
	}
	return nil
}

func runKey(id diagnostics.RunID) string {
	return id.CalendarID + "::" + id.ID.String()
}
