package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/syncdiag/features/calendar/postgres"
	callbackhttp "goa.design/syncdiag/features/callback/http"
	lockredis "goa.design/syncdiag/features/lock/redis"
	"goa.design/syncdiag/features/provider/ratelimit"
	"goa.design/syncdiag/features/provider/rest"
	runstoremongo "goa.design/syncdiag/features/runstore/mongo"
	clientsmongo "goa.design/syncdiag/features/runstore/mongo/clients/mongo"
	runstoreredis "goa.design/syncdiag/features/runstore/redis"
	"goa.design/syncdiag/features/trigger/pulse"
	clientspulse "goa.design/syncdiag/features/trigger/pulse/clients/pulse"
	"goa.design/syncdiag/runtime/calendar"
	calendarinmem "goa.design/syncdiag/runtime/calendar/inmem"
	"goa.design/syncdiag/runtime/diagnostics/runner"
	"goa.design/syncdiag/runtime/diagnostics/runstore"
	runstoreinmem "goa.design/syncdiag/runtime/diagnostics/runstore/inmem"
	"goa.design/syncdiag/runtime/diagnostics/service"
	"goa.design/syncdiag/runtime/diagnostics/workflow"
	"goa.design/syncdiag/runtime/lock"
	lockinmem "goa.design/syncdiag/runtime/lock/inmem"
	"goa.design/syncdiag/runtime/telemetry"
)

const providerRateMap = "syncdiag-provider-rate"

// app is the wired process.
type app struct {
	cfg     config
	logger  telemetry.Logger
	store   runstore.Store
	service *service.Service
	// worker is set in stream trigger mode.
	worker *pulse.Worker

	scheduler *runner.LocalScheduler
	pingers   []health.Pinger
	closers   []func() error
}

type stores struct {
	calendars calendar.CalendarStore
	accounts  calendar.AccountStore
	events    calendar.EventStore
	// memEvents is set for the memory backend; the simulated provider
	// imports into it.
	memEvents *calendarinmem.Events
}

// newApp builds the process from cfg. Close releases what it opened, also
// when newApp fails halfway.
func newApp(ctx context.Context, cfg config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: telemetry.NewClueLogger()}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	var rdb *redis.Client
	if cfg.RunStore == backendRedis || cfg.Trigger.Mode == triggerStream {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		a.pingers = append(a.pingers, redisPinger{rdb: rdb})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	if a.store, err = a.openRunStore(ctx, rdb); err != nil {
		return nil, err
	}
	var locker lock.Locker = lockinmem.New(nil)
	if rdb != nil {
		if locker, err = lockredis.New(rdb, cfg.Redis.Prefix); err != nil {
			return nil, err
		}
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	provider, err := a.newProvider(st)
	if err != nil {
		return nil, err
	}
	if provider, err = a.limitProvider(ctx, rdb, provider); err != nil {
		return nil, err
	}

	a.scheduler = runner.NewLocalScheduler(a.logger)
	runners := runner.NewFactory(a.scheduler,
		runner.WithLogger(a.logger),
		runner.WithTracer(telemetry.NewOtelTracer()))

	cbRetry := cfg.Callback.Retry
	task, err := workflow.New(workflow.Options{
		Config:    cfg.Diagnostics,
		Store:     a.store,
		Calendars: st.calendars,
		Accounts:  st.accounts,
		Events:    st.events,
		Provider:  provider,
		Locker:    locker,
		Callbacks: callbackhttp.New(callbackhttp.Options{Timeout: cfg.Callback.Timeout, Retry: &cbRetry}),
		Runners:   runners,
		Logger:    a.logger,
		Metrics:   telemetry.NewOtelMetrics(),
	})
	if err != nil {
		return nil, err
	}

	var dispatcher service.Dispatcher
	switch cfg.Trigger.Mode {
	case triggerStream:
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Trigger.StreamMaxLen})
		if err != nil {
			return nil, err
		}
		if dispatcher, err = pulse.NewDispatcher(pc, cfg.Trigger.Stream); err != nil {
			return nil, err
		}
		if a.worker, err = pulse.NewWorker(pulse.WorkerOptions{
			Client: pc,
			Task:   task,
			Stream: cfg.Trigger.Stream,
			Sink:   cfg.Trigger.Sink,
			Logger: a.logger,
		}); err != nil {
			return nil, err
		}
	default:
		dispatcher = service.NewLocalDispatcher(task, a.scheduler, a.logger)
	}

	var limiter *rate.Limiter
	if cfg.Rate.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate.PerSecond), max(cfg.Rate.Burst, 1))
	}
	if a.service, err = service.New(service.Options{
		Store:      a.store,
		Calendars:  st.calendars,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Logger:     a.logger,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openRunStore(ctx context.Context, rdb *redis.Client) (runstore.Store, error) {
	switch a.cfg.RunStore {
	case backendRedis:
		return runstoreredis.New(runstoreredis.Options{
			Redis:  rdb,
			Config: a.cfg.Diagnostics,
			Prefix: a.cfg.Redis.Prefix,
			Logger: a.logger,
		})
	case backendMongo:
		mc, err := mongodriver.Connect(options.Client().ApplyURI(a.cfg.Mongo.URL))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, func() error { return mc.Disconnect(context.WithoutCancel(ctx)) })
		c, err := clientsmongo.New(clientsmongo.Options{
			Client:     mc,
			Database:   a.cfg.Mongo.Database,
			Collection: a.cfg.Mongo.Collection,
			Config:     a.cfg.Diagnostics,
			Timeout:    a.cfg.Mongo.Timeout,
		})
		if err != nil {
			return nil, err
		}
		a.pingers = append(a.pingers, c)
		return runstoremongo.NewStore(c)
	default:
		return runstoreinmem.New(a.cfg.Diagnostics), nil
	}
}

func (a *app) openStores(ctx context.Context) (stores, error) {
	if a.cfg.Calendars == backendPostgres {
		db, err := postgres.Open(ctx, a.cfg.Postgres)
		if err != nil {
			return stores{}, err
		}
		a.closers = append(a.closers, db.Close)
		a.pingers = append(a.pingers, sqlPinger{db: db})
		if err := postgres.Migrate(ctx, db); err != nil {
			return stores{}, err
		}
		return postgresStores(db), nil
	}
	cals := calendarinmem.NewCalendars()
	accts := calendarinmem.NewAccounts()
	for _, c := range a.cfg.Fixtures.Calendars {
		cals.Put(calendar.Calendar{
			ID:         c.ID,
			OrgID:      c.OrgID,
			AccountID:  c.AccountID,
			ExternalID: c.ExternalID,
			Name:       c.Name,
			IsReadOnly: c.ReadOnly,
		})
	}
	for _, acct := range a.cfg.Fixtures.Accounts {
		accts.Put(calendar.Account{
			ID:               acct.ID,
			OrgID:            acct.OrgID,
			Email:            acct.Email,
			ServiceAccountID: acct.ServiceAccountID,
		}, acct.AccessToken)
	}
	events := calendarinmem.NewEvents()
	return stores{calendars: cals, accounts: accts, events: events, memEvents: events}, nil
}

func postgresStores(db *sql.DB) stores {
	return stores{
		calendars: postgres.NewCalendars(db),
		accounts:  postgres.NewAccounts(db),
		events:    postgres.NewEvents(db),
	}
}

func (a *app) newProvider(st stores) (calendar.Provider, error) {
	if a.cfg.Provider.Kind == providerREST {
		p := a.cfg.Provider.Retry
		return rest.New(rest.Options{BaseURL: a.cfg.Provider.BaseURL, Timeout: a.cfg.Provider.Timeout, Retry: &p})
	}
	if st.memEvents == nil {
		return nil, errors.New("simulated provider requires the memory calendar backend")
	}
	p := calendarinmem.NewProvider(st.memEvents, calendarinmem.WithImportAfter(a.cfg.Provider.ImportAfter))
	for _, acct := range a.cfg.Fixtures.Accounts {
		p.AddAccount(acct.AccessToken, calendar.ExternalAccount{
			ID:        acct.ID,
			Email:     acct.Email,
			Provider:  acct.Provider,
			SyncState: "active",
		})
	}
	a.closers = append(a.closers, func() error { p.Close(); return nil })
	return p, nil
}

// limitProvider applies the adaptive request budget when one is configured.
// The budget is shared through a replicated map when Redis is available.
func (a *app) limitProvider(ctx context.Context, rdb *redis.Client, p calendar.Provider) (calendar.Provider, error) {
	rc := a.cfg.Provider.Rate
	if rc.RPM <= 0 {
		return p, nil
	}
	var m *rmap.Map
	if rdb != nil {
		var err error
		if m, err = rmap.Join(ctx, providerRateMap, rdb); err != nil {
			return nil, fmt.Errorf("join provider rate map: %w", err)
		}
		a.closers = append(a.closers, func() error { m.Close(); return nil })
	}
	key := rc.Key
	if key == "" {
		key = a.cfg.Provider.Kind
	}
	return ratelimit.New(ctx, m, key, rc.RPM, rc.MaxRPM).Wrap(p), nil
}

// Close waits for scheduled work then releases connections in reverse
// order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain scheduler: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
