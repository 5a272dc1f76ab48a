package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/langgraphsystem/rssnews-sub002/backpressure"
	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/feeds"
	"github.com/langgraphsystem/rssnews-sub002/idempotency"
	"github.com/langgraphsystem/rssnews-sub002/locks"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
	"github.com/langgraphsystem/rssnews-sub002/pipeline"
	"github.com/langgraphsystem/rssnews-sub002/planner"
	"github.com/langgraphsystem/rssnews-sub002/queue"
	"github.com/langgraphsystem/rssnews-sub002/resilience"
	"github.com/langgraphsystem/rssnews-sub002/scheduler"
	"github.com/langgraphsystem/rssnews-sub002/worker"
)

var (
	workerQueues      []string
	workerConcurrency int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker with scheduler and admin endpoint",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerQueues, "queue", nil,
		"queues to consume (default: all)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 4,
		"workers on the batch processing queue")
}

// runtime is the fully wired processing stack shared by the worker and
// the one-shot processing command.
type runtime struct {
	svc      *services
	sink     *metrics.Sink
	monitor  *backpressure.Monitor
	lockMgr  *locks.Manager
	tasks    *queue.TaskQueue
	idem     *idempotency.Store
	planner  *planner.Planner
	runner   *pipeline.Runner
	handlers *worker.Handlers
	checker  *worker.HealthChecker
	articles *db.ArticleStore
	batches  *db.BatchStore
}

// buildRuntime wires every component over the shared connections.
func buildRuntime(svc *services) *runtime {
	cfg := svc.cfg
	prefix := cfg.Redis.KeyPrefix

	articles := db.NewArticleStore(svc.pg)
	batches := db.NewBatchStore(svc.pg)
	index := db.NewIndexStore(svc.pg)
	feedStore := db.NewFeedStore(svc.gorm)
	metricsStore := db.NewMetricsStore(svc.pg, svc.gorm)

	sink := metrics.NewSink(metrics.Config{
		BufferSize:    cfg.Monitoring.MetricsBufferSize,
		FlushInterval: cfg.Monitoring.MetricsFlushInterval,
		KeyPrefix:     prefix,
	}, svc.kv, metricsStore, common.ComponentLogger("metrics"))

	monitor := backpressure.NewMonitor(backpressure.Config{
		Interval:        cfg.Monitoring.MonitorInterval,
		ErrorRateWeight: cfg.Monitoring.ErrorRateWeight,
	}, articles.PendingDepth, articles.RecentErrorRate, sink,
		common.ComponentLogger("backpressure"))

	lockMgr := locks.NewManager(
		locks.NewRedisBackend(svc.kv, prefix),
		locks.NewAdvisoryBackend(svc.pg),
		common.ComponentLogger("locks"))

	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(),
		svc.kv, prefix, common.ComponentLogger("resilience"))

	feedCache := feeds.NewHealthCache(feedStore, common.ComponentLogger("feeds"))
	healthJob := feeds.NewHealthJob(feedStore, articles, feedCache, sink,
		common.ComponentLogger("feeds"))

	limiter := resilience.NewLimiter(svc.kv, prefix, map[string]resilience.LimitConfig{
		resilience.LimitBatchProcessing: {
			Strategy:    resilience.Adaptive,
			MaxRequests: 100,
			Window:      60 * time.Second,
		},
		resilience.LimitDatabase: {
			Strategy:    resilience.TokenBucket,
			MaxRequests: 500,
			Window:      time.Second,
		},
	}, monitor.LoadFactor, func() resilience.Adjustments {
		snap := monitor.Latest()
		return resilience.Adjustments{
			BatchWindow:      snap.BatchWindow,
			DatabaseMaxScale: snap.DatabaseMaxScale,
		}
	})

	history := planner.NewHistory(svc.kv, prefix)
	pl := planner.NewPlanner(cfg, articles, batches, feedCache, lockMgr,
		monitor, breakers, history, sink, common.ComponentLogger("planner"))
	pl.SetLimiter(limiter)

	deps := &pipeline.Deps{
		Cfg:      cfg,
		Articles: articles,
		Index:    index,
		Metrics:  metricsStore,
		Batches:  batches,
		Sink:     sink,
		Logger:   common.ComponentLogger("pipeline"),
	}
	runner := pipeline.NewRunner(deps, pipeline.NewFeedHealthStage(deps, feedCache), nil)

	tasks := queue.NewTaskQueue(svc.kv, prefix, queue.DefaultRetryPolicy(), sink)
	idem := idempotency.NewStore(svc.kv, prefix)

	handlers := worker.NewHandlers(cfg, pl, runner, history, monitor, lockMgr,
		healthJob, batches, tasks, common.ComponentLogger("worker"))

	return &runtime{
		svc:      svc,
		sink:     sink,
		monitor:  monitor,
		lockMgr:  lockMgr,
		tasks:    tasks,
		idem:     idem,
		planner:  pl,
		runner:   runner,
		handlers: handlers,
		checker:  worker.NewHealthChecker(svc.pg, svc.kv, tasks),
		articles: articles,
		batches:  batches,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	log := common.ComponentLogger("worker")

	confSvc := config.NewService(svc.gorm, configName, cfg)
	if err := confSvc.LoadActive(ctx); err != nil {
		log.WithError(err).Debug("no persisted configuration, using loaded settings")
	} else {
		svc.cfg = confSvc.Snapshot()
		cfg = svc.cfg
	}

	rt := buildRuntime(svc)
	log.WithField("worker_id", cfg.WorkerID).Info("worker starting")

	poolCfg := worker.DefaultConfig()
	poolCfg.Queues[queue.QueueBatchProcessing] = workerConcurrency
	if len(workerQueues) > 0 {
		selected := make(map[string]int, len(workerQueues))
		for _, name := range workerQueues {
			if n, ok := poolCfg.Queues[name]; ok {
				selected[name] = n
			} else {
				selected[name] = 1
			}
		}
		poolCfg.Queues = selected
	}

	pool := worker.NewPool(poolCfg, rt.tasks, rt.idem, rt.sink, log)
	rt.handlers.RegisterAll(pool)

	admin := worker.NewAdminServer(cfg.Monitoring.AdminAddr, rt.checker, rt.sink,
		common.ComponentLogger("admin"))
	sched := scheduler.New(cfg.WorkerID, rt.articles, rt.batches, rt.tasks,
		rt.lockMgr, rt.sink, common.ComponentLogger("scheduler"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { rt.sink.Run(gctx); return nil })
	g.Go(func() error { rt.monitor.Run(gctx); return nil })
	g.Go(func() error { pool.Start(gctx); return nil })
	g.Go(func() error { return admin.Start(gctx) })
	g.Go(func() error {
		err := sched.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err = g.Wait()
	rt.sink.Stop()
	log.Info("worker stopped")
	return err
}
