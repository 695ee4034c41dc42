// Package collector assembles and runs the drive collector: one
// process hosting the webhook surface, the KV facade, the durable
// task store, the instance coordinator, the chat client under its
// supervisor, the dispatcher, and the transfer pipeline.
package collector

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/coordinator"
	"github.com/takaraflow/drive-collector-js-sub006/go/dispatcher"
	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/pipeline"
	"github.com/takaraflow/drive-collector-js-sub006/go/protocol"
	"github.com/takaraflow/drive-collector-js-sub006/go/queue"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
	"github.com/takaraflow/drive-collector-js-sub006/go/webhook"
)

// App is one assembled collector instance.
type App struct {
	cfg Config

	limiter *limits.Limiter
	kv      *kvcache.Cache
	store   *store.Store
	coord   *coordinator.Coordinator
	client  *telegram.Client
	super   *protocol.Supervisor
	manager *pipeline.Manager
	disp    *dispatcher.Dispatcher
	server  *webhook.Server
}

// New wires an App from |cfg|. It opens the store and constructs every
// subsystem, but starts nothing; Run does that.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var app = &App{cfg: cfg}

	app.limiter = limits.NewLimiter(nil)

	var err error
	if app.kv, err = cfg.buildKV(app.limiter); err != nil {
		return nil, err
	}
	if app.store, err = cfg.buildStore(ctx); err != nil {
		return nil, err
	}
	app.coord = coordinator.New(app.kv, app.store.Instances, cfg.Coordinator)

	verifier, err := queue.NewVerifier(cfg.Queue.SigningKey, cfg.Queue.SigningKeyPrev)
	if err != nil {
		return nil, err
	}
	var topics = queue.NewTopics(
		queue.NewPublisher(cfg.Queue, verifier, app.limiter), cfg.WebhookBase)

	// The client reports receive-loop errors to the supervisor, which
	// exists only after the client does; the closure indirects through
	// the App so both see each other.
	var breaker = protocol.NewBreaker(protocol.BreakerConfig{})
	app.client = telegram.NewClient(cfg.Telegram, app.limiter,
		func(err error) { app.super.Notify(err) })
	app.super = protocol.NewSupervisor(app.client, breaker, app.coord.IsLeader,
		protocol.SupervisorConfig{})

	app.manager = pipeline.New(cfg.Pipeline, app.store, app.coord,
		app.client, topics, app.limiter)

	app.disp = dispatcher.New(cfg.Dispatcher, dispatcher.Deps{
		Chat:      app.client,
		Tasks:     app.manager,
		Store:     app.store,
		KV:        app.kv,
		Locks:     app.coord,
		Limiter:   app.limiter,
		Updates:   app.client.Updates(),
		ConnState: breaker.State,
	})

	app.server = webhook.New(cfg.Webhook, app.manager, verifier)

	log.WithFields(log.Fields{
		"instance": app.coord.InstanceID(),
		"store":    app.store.Backend(),
		"kv":       app.kv.ActiveProvider(),
	}).Info("collector assembled")
	return app, nil
}

// Run starts the collector and blocks until |ctx| is cancelled or the
// webhook server fails. The webhook surface comes up before everything
// else and is the last thing to drain: a subsystem that fails to start
// or crashes is logged and retried by operators, while probes and
// queue deliveries keep being answered.
func (app *App) Run(ctx context.Context) error {
	var ln, err = app.server.Listen()
	if err != nil {
		return err
	}

	// The server gets its own lifetime so it outlives the subsystems
	// during shutdown.
	var serveCtx, stopServe = context.WithCancel(context.Background())
	defer stopServe()
	var serveErr = make(chan error, 1)
	go func() { serveErr <- app.server.Serve(serveCtx, ln) }()

	var subCtx, stopSubs = context.WithCancel(ctx)
	defer stopSubs()
	var wg sync.WaitGroup

	app.start(subCtx, &wg, "kv-recovery", func(ctx context.Context) error {
		app.kv.RunRecovery(ctx)
		return nil
	})
	app.start(subCtx, &wg, "coordinator", app.coord.Run)
	app.start(subCtx, &wg, "dispatcher", app.disp.Run)
	app.start(subCtx, &wg, "pipeline", app.manager.Run)
	app.start(subCtx, &wg, "supervisor", func(ctx context.Context) error {
		return app.coord.RunExclusive(ctx, coordinator.LeaderLock, coordinator.LeaderTTL, app.super.Run)
	})

	select {
	case err = <-serveErr:
		// The HTTP surface is gone; nothing can reach us, so fold.
		stopSubs()
		wg.Wait()
		_ = app.store.Close()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	stopSubs()
	wg.Wait()
	stopServe()
	if err = <-serveErr; err != nil {
		return err
	}
	return app.store.Close()
}

// start runs one subsystem in the background. Failures are logged, not
// fatal: the webhook surface must survive them.
func (app *App) start(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"subsystem": name,
				"err":       err,
			}).Error("subsystem failed")
		}
	}()
}
