package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/recovery"
	"PerpVault/internal/server"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: PerpVault starting...")

	if os.Getenv("GOGC") == "" {
		log.Println("WARN: GOGC not set, recommend GOGC=400 for production")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	genesis := core.DefaultGenesis(cfg.OwnerAccount)
	if cfg.GenesisFile != "" {
		if genesis, err = config.LoadGenesis(cfg.GenesisFile); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Printf("INFO: %d migrations applied", applied)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)

	// --- Projections ---
	// Rebuilt from the log before the live core exists so the rebuild
	// cannot race live updates.
	watermark, err := syncProjections(ctx, db, snapMgr, genesis, cfg.RebuildProjections, metrics)
	if err != nil {
		log.Fatalf("FATAL: projections: %v", err)
	}

	// --- Deterministic core ---
	// The persist channel blocks (backpressure), the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	dedup := recovery.NewGate(persistence.NewPostgresIdempotencyChecker(db, metrics))
	deterministicCore, err := core.NewDeterministicCore(genesis, 0, persistCoreChan, projectionCoreChan, dedup, metrics)
	if err != nil {
		log.Fatalf("FATAL: core: %v", err)
	}

	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	var taskChan chan ingestion.LiquidationTask
	if cfg.KeeperAccount != uuid.Nil {
		taskChan = make(chan ingestion.LiquidationTask, 256)
	}

	// The output pipeline is not tied to the signal context: on shutdown it
	// drains whatever the core emitted before the channels close.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	var pipeline errgroup.Group

	// Replayed outputs are already durable and projected, so the bridge
	// drops them until the core goes live.
	b := &bridge{
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		publishOut:    publishChan,
		taskOut:       taskChan,
		metrics:       metrics,
	}
	pipeline.Go(func() error { return b.runPersist(drainCtx, persistCoreChan) })
	pipeline.Go(func() error { return b.runProjection(drainCtx, projectionCoreChan) })

	// --- Recovery: snapshot + replay ---
	if err := recoverCore(ctx, snapMgr, deterministicCore, metrics); err != nil {
		log.Fatalf("FATAL: recovery: %v", err)
	}
	dedup.Open()
	b.live.Store(true)
	healthChecker.SetSequence(deterministicCore.GetSequence() - 1)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}

	// --- Query layer ---
	var cache *query.Cache
	if cfg.RedisURL != "" {
		rdb, err := query.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("WARN: redis unavailable, query cache disabled: %v", err)
		} else {
			defer rdb.Close()
			cache = query.NewCache(rdb, cfg.CacheTTL, metrics)
			log.Println("INFO: Redis query cache enabled")
		}
	}
	queryService := query.NewQueryService(db, cache)

	// --- Workers ---
	dispatcher := ingestion.NewDispatcher(deterministicCore, cfg.DispatchQueueSize, metrics)
	persistWorker := persistence.NewPersistenceWorker(persistence.NewEventLogWriter(db), persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistWorker.OnFlush(healthChecker.SetSequence)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics)
	projWorker.Resume(watermark)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
	subscriber := ingestion.NewNATSSubscriber(js, dispatcher, metrics)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, &server.ServerDeps{
		Commands: dispatcher,
		Query:    queryService,
		Metrics:  metrics,
	})
	gateway, err := server.NewGateway(cfg.HTTPAddr, server.NewCommandServer(dispatcher), server.NewQueryServer(queryService))
	if err != nil {
		log.Fatalf("FATAL: gateway: %v", err)
	}

	pipeline.Go(func() error { return persistWorker.Run(drainCtx) })
	pipeline.Go(func() error { return projWorker.Run(drainCtx) })
	pipeline.Go(func() error { return publisher.Run(drainCtx) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(dispatcher.Run(gctx)) })
	if taskChan != nil {
		keeper := ingestion.NewKeeper(cfg.KeeperAccount, dispatcher, taskChan, metrics)
		g.Go(func() error { return ignoreCancel(keeper.Run(gctx)) })
		log.Printf("INFO: liquidation keeper running as %s", cfg.KeeperAccount)
	}
	g.Go(func() error { return grpcServer.Serve(gctx) })
	g.Go(func() error { return gateway.Serve(gctx) })
	g.Go(func() error {
		return server.ServeOps(gctx, cfg.MetricsAddr, server.NewOpsRouter(healthChecker, prometheus.DefaultGatherer))
	})
	g.Go(func() error {
		runPeriodicSnapshots(gctx, dispatcher, snapMgr, cfg.SnapshotInterval, cfg.SnapshotCheck, metrics)
		return nil
	})
	g.Go(func() error {
		reportChannels(gctx, metrics, map[string]func() (int, int){
			"dispatch":        func() (int, int) { return dispatcher.QueueLen(), cfg.DispatchQueueSize },
			"core_persist":    func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
			"core_projection": func() (int, int) { return len(projectionCoreChan), cap(projectionCoreChan) },
			"projection":      func() (int, int) { return len(projectionWorkerChan), cap(projectionWorkerChan) },
			"publish":         func() (int, int) { return len(publishChan), cap(publishChan) },
		})
		return nil
	})

	if err := subscriber.Subscribe(gctx); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	log.Printf("INFO: PerpVault ready (sequence=%d, grpc=%s, http=%s, ops=%s)",
		deterministicCore.GetSequence(), cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	<-gctx.Done()
	if ctx.Err() != nil {
		log.Println("INFO: shutdown signal received")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then let the workers drain and take a final
	// snapshot once the dispatcher has exited.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
	}

	// The dispatcher has exited, so nothing sends to the core channels.
	close(persistCoreChan)
	close(projectionCoreChan)
	drainTimer := time.AfterFunc(30*time.Second, cancelDrain)
	if err := pipeline.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: drain: %v", err)
	}
	drainTimer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := takeSnapshot(shutdownCtx, deterministicCore.CreateSnapshotState(), snapMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: PerpVault shutdown complete")
}

// syncProjections rebuilds the read models when they lag the log or when
// forced, and returns the sequence they reflect.
func syncProjections(
	ctx context.Context,
	db *sql.DB,
	snapMgr *persistence.SnapshotManager,
	genesis core.Genesis,
	force bool,
	metrics *observability.Metrics,
) (int64, error) {
	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return 0, err
	}
	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return 0, err
	}
	if !force && watermark >= head {
		return watermark, nil
	}

	log.Printf("INFO: rebuilding projections (watermark=%d, log head=%d)", watermark, head)
	if _, err := recovery.RebuildProjections(ctx, db, genesis, metrics); err != nil {
		return 0, err
	}
	return projection.Watermark(ctx, db)
}

// recoverCore restores the latest verified snapshot and replays the log
// after it. Snapshots saved at shutdown are verified here first.
func recoverCore(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore, metrics *observability.Metrics) error {
	if n, err := snapMgr.VerifyPending(ctx); err != nil {
		log.Printf("WARN: verify snapshots: %v", err)
	} else if n > 0 {
		log.Printf("INFO: verified %d pending snapshots", n)
	}

	start := time.Now()
	from, err := recovery.Restore(ctx, snapMgr, c)
	if err != nil {
		return err
	}
	if from >= 0 {
		log.Printf("INFO: loaded snapshot at sequence %d", from)
	} else {
		log.Println("INFO: no snapshot found, cold start from genesis")
	}

	replayed, err := recovery.Replay(ctx, snapMgr, c, from)
	if err != nil {
		return err
	}
	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	log.Printf("INFO: replayed %d commands in %s (next sequence %d)", replayed, time.Since(start).Round(time.Millisecond), c.GetSequence())
	return nil
}

// bridge converts core outputs into the worker formats. This keeps core
// free of persistence, projection and NATS imports.
type bridge struct {
	live          atomic.Bool
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent
	taskOut       chan<- ingestion.LiquidationTask // nil without a keeper
	metrics       *observability.Metrics
}

func (b *bridge) runPersist(ctx context.Context, in <-chan core.CoreOutput) error {
	defer close(b.publishOut)
	defer close(b.persistOut)
	for output := range in {
		if !b.live.Load() {
			continue
		}
		select {
		case b.persistOut <- persistence.NewCoreOutput(output.Envelope, output.Batch):
		case <-ctx.Done():
			return ctx.Err()
		}
		b.publish(output)
	}
	return nil
}

// publish fans an accepted command's outcomes out to NATS and the keeper.
// Neither send blocks: the keeper submits through the dispatcher, which can
// be waiting on this goroutine.
func (b *bridge) publish(output core.CoreOutput) {
	events, err := ingestion.EventsFromEnvelope(output.Envelope)
	if err != nil {
		log.Printf("WARN: outbound events for sequence %d: %v", output.Envelope.Sequence, err)
		return
	}
	for _, evt := range events {
		select {
		case b.publishOut <- evt:
		default:
			b.metrics.PublishDrops.Inc()
		}
		if b.taskOut == nil {
			continue
		}
		if task, ok := ingestion.TaskFromPublished(evt); ok {
			select {
			case b.taskOut <- task:
			default:
				log.Printf("WARN: keeper busy, dropped liquidation task from sequence %d", task.Sequence)
			}
		}
	}
}

func (b *bridge) runProjection(ctx context.Context, in <-chan core.CoreOutput) error {
	defer close(b.projectionOut)
	for output := range in {
		if !b.live.Load() {
			continue
		}
		select {
		case b.projectionOut <- projection.FromCoreOutput(output):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sizes := range channels {
				size, capacity := sizes()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
