package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/audit"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/catalog"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/logging"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/metrics"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/push"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/report"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/storage"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/transport"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/writer"
)

func main() {
	cfg := config.MustLoad()

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("shuffle pusher starting", "version", report.Version, "git_sha", report.GitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			return
		}
		log.Error("shuffle pusher failed", "error", err)
		os.Exit(1)
	}

	log.Info("shuffle pusher stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.Component("main")

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace, nil)
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var store storage.ReportStore
	if cfg.Report.Enabled {
		s, err := storage.NewReportStore(ctx, cfg.Report)
		if err != nil {
			return fmt.Errorf("create report store: %w", err)
		}
		defer s.Close()
		store = s
	}

	cat, err := catalog.New(ctx, cfg.Catalog, logging.Component("catalog"))
	if err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	defer cat.Close()

	cpMgr, err := checkpoint.NewManager(cfg.Checkpoint, cfg.Catalog.Namespace)
	if err != nil {
		return fmt.Errorf("create checkpoint manager: %w", err)
	}

	emitter, err := audit.NewEmitter(cfg.Audit, slog.Default())
	if err != nil {
		return fmt.Errorf("create audit emitter: %w", err)
	}
	defer emitter.Close()

	bench := cfg.Bench
	lb, err := transport.NewLoopback(bench.Workers, transport.WorkerConfig{
		Latency:     bench.WorkerLatency,
		Rate:        bench.WorkerRate,
		Burst:       bench.WorkerBurst,
		FailureRate: bench.FailureRate,
		Seed:        time.Now().UnixNano(),
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("start loopback workers: %w", err)
	}
	defer lb.Close()

	locations, err := writer.AssignLocations(bench.NumPartitions, bench.Workers, bench.Replicate)
	if err != nil {
		return fmt.Errorf("assign locations: %w", err)
	}

	cp, err := cpMgr.Load(ctx, bench.ShuffleID)
	if err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if done := cp.MapIDs(); len(done) > 0 {
		log.Info("resuming from checkpoint", "shuffle_id", bench.ShuffleID, "committed_map_tasks", len(done))
	}

	p := &pipeline{
		cfg:        cfg,
		store:      store,
		catalog:    cat,
		checkpoint: cpMgr,
		audit:      emitter,
		transport:  lb,
		locations:  locations,
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(bench.ParallelMapTasks, 1))
	for mapID := 0; mapID < bench.MapTasks; mapID++ {
		if cp.IsCommitted(mapID) {
			continue
		}
		mapID := mapID
		g.Go(func() error {
			return p.runMapTask(gctx, mapID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, addr := range lb.Addrs() {
		st := lb.Worker(addr).Stats()
		log.Info("worker stats",
			"worker", addr,
			"pushes", st.Pushes,
			"congested", st.Congested,
			"failed", st.Failed,
			"duplicates", st.Duplicates,
		)
	}
	log.Info("shuffle write complete",
		"map_tasks", bench.MapTasks,
		"partitions", bench.NumPartitions,
		"duration", time.Since(start).String(),
	)
	return nil
}

// pipeline runs map tasks against shared workers and publishes their
// commit reports.
type pipeline struct {
	cfg        config.Config
	store      storage.ReportStore // nil when reports are disabled
	catalog    catalog.Writer
	checkpoint checkpoint.Manager
	audit      audit.Emitter
	transport  transport.Transport
	locations  []*push.PartitionLocation
}

func (p *pipeline) runMapTask(ctx context.Context, mapID int) error {
	bench := p.cfg.Bench
	task := writer.TaskInfo{
		ShuffleID:     bench.ShuffleID,
		MapID:         mapID,
		AttemptID:     0,
		NumPartitions: bench.NumPartitions,
	}
	log := logging.TaskLogger(task.ShuffleID, task.MapID, task.AttemptID)

	if exists, err := p.catalog.CommitExists(ctx, task.ShuffleID, task.MapID, task.AttemptID); err != nil {
		log.Warn("idempotency check failed", "error", err)
	} else if exists {
		log.Info("skipping map task (already committed)")
		return nil
	}

	w, err := writer.New(p.cfg.Push, task, p.locations, p.transport, log)
	if err != nil {
		return fmt.Errorf("map %d: %w", mapID, err)
	}

	for i := 0; i < bench.RecordsPerTask; i++ {
		if err := w.Write(ctx, i%bench.NumPartitions, syntheticRecord(mapID, i, bench.RecordSize)); err != nil {
			w.Abort()
			return fmt.Errorf("map %d write record %d: %w", mapID, i, err)
		}
	}

	result, err := w.Close(ctx)
	if err != nil {
		return fmt.Errorf("map %d close: %w", mapID, err)
	}

	return p.commit(ctx, log, result)
}

// commit builds, validates and publishes the report, then records lineage.
func (p *pipeline) commit(ctx context.Context, log *slog.Logger, result *writer.CommitResult) error {
	r, err := report.Build(result)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}

	vr := report.Validate(r)
	if err := p.catalog.RecordQuality(ctx, catalog.NewQualityRecord(p.cfg.Catalog.Namespace, r, vr)); err != nil {
		log.Warn("failed to record quality result", "error", err)
	}

	manifestURI := ""
	if p.store == nil {
		if !vr.Passed {
			return fmt.Errorf("%w: %s", report.ErrValidation, vr.Error())
		}
	} else {
		pub, err := report.Publish(ctx, p.store, r, log)
		if errors.Is(err, report.ErrReportExists) {
			p.markCommitted(ctx, log, r)
			return nil
		}
		if err != nil {
			return fmt.Errorf("publish report: %w", err)
		}
		manifestURI = pub.ManifestURI

		rec := catalog.NewCommitRecord(p.cfg.Catalog.Namespace, r, manifestURI)
		if err := p.catalog.RecordCommit(ctx, rec); err != nil {
			log.Warn("failed to record commit", "error", err)
		}
	}

	// The event references the published report, so it goes out after it.
	if err := p.audit.Emit(ctx, audit.NewEvent(p.cfg.Catalog.Namespace, r, manifestURI)); err != nil {
		if p.cfg.Audit.Strict {
			return fmt.Errorf("emit audit event (strict mode): %w", err)
		}
		log.Warn("failed to emit audit event", "error", err)
	}

	p.markCommitted(ctx, log, r)

	log.Info("map task committed",
		"manifest", manifestURI,
		"failed_batches", result.FailedBatchCount(),
	)
	return nil
}

// markCommitted updates the checkpoint. This is the last step: a task is
// only skipped on rerun once everything else succeeded.
func (p *pipeline) markCommitted(ctx context.Context, log *slog.Logger, r *report.Report) {
	m := r.Manifest
	err := p.checkpoint.MarkCommitted(ctx, m.ShuffleID, checkpoint.CommittedTask{
		MapID:     m.MapID,
		AttemptID: m.AttemptID,
		SessionID: m.SessionID,
		Checksum:  m.Partitions.Checksum,
	})
	if err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
}

// syntheticRecord returns a deterministic record so reruns produce identical
// checksums.
func syntheticRecord(mapID, i, size int) []byte {
	b := make([]byte, size)
	prefix := fmt.Sprintf("map=%d rec=%d ", mapID, i)
	n := copy(b, prefix)
	for j := n; j < size; j++ {
		b[j] = byte('a' + (mapID+i+j)%26)
	}
	return b
}
