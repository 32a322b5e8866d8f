package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/report"
)

// Emitter is the interface for commit event emission.
type Emitter interface {
	Emit(ctx context.Context, evt *CommitEvent) error
	Close() error
}

// NewEvent builds the commit event of a published report.
func NewEvent(namespace string, r *report.Report, manifestURI string) *CommitEvent {
	m := r.Manifest
	failed := 0
	for _, fb := range m.FailedBatches {
		failed += len(fb.Batches)
	}
	return &CommitEvent{
		Commit: CommitInfo{
			Namespace:     namespace,
			ShuffleID:     m.ShuffleID,
			MapID:         m.MapID,
			AttemptID:     m.AttemptID,
			SessionID:     m.SessionID,
			NumPartitions: m.NumPartitions,
		},
		Report: ReportInfo{
			ManifestURI:   manifestURI,
			Checksum:      m.Partitions.Checksum,
			RowCount:      m.Partitions.RowCount,
			ByteSize:      m.Partitions.ByteSize,
			FailedBatches: failed,
		},
		Producer: ProducerInfo{
			Name:    m.Producer.Name,
			Version: m.Producer.Version,
			GitSHA:  m.Producer.GitSHA,
		},
	}
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg config.AuditConfig, logger *slog.Logger) (Emitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "audit")

	if !cfg.Enabled {
		log.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}, nil
	}

	tracker, err := NewChainTracker(context.Background(), cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	e := &ChainedEmitter{tracker: tracker, backup: backup, log: log}
	if cfg.Endpoint != "" {
		e.sink = NewHTTPSink(cfg.Endpoint, log)
		log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint, "backup_dir", cfg.BackupDir)
	} else {
		log.Info("using file-only audit emitter", "backup_dir", cfg.BackupDir)
	}
	return e, nil
}

// Sink delivers a finished event somewhere outside the process.
type Sink interface {
	Send(ctx context.Context, evt *CommitEvent) error
}

// ChainedEmitter links each event to the previous event of its chain,
// backs it up to disk and forwards it to an optional sink. Emission is
// serialized so concurrent map tasks cannot fork a chain.
type ChainedEmitter struct {
	mu      sync.Mutex
	tracker *ChainTracker
	backup  *FileBackup
	sink    Sink // nil = file only
	log     *slog.Logger
}

// Emit stamps, hashes, stores and forwards evt. A map task attempt that
// is already chained is not emitted again.
func (e *ChainedEmitter) Emit(ctx context.Context, evt *CommitEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.Commit.ChainKey()
	head := e.tracker.Head(chainKey)
	log := e.log.With("chain", chainKey, "map_id", evt.Commit.MapID, "attempt_id", evt.Commit.AttemptID)

	if head.Chained(evt.Commit.MapID, evt.Commit.AttemptID) {
		log.Debug("commit already chained, skipping event")
		return nil
	}

	evt.Version = EventVersion
	evt.EventType = EventType
	evt.EventID = GenerateEventID()
	evt.Timestamp = time.Now().UTC()
	evt.SetChainHashes(head.EventHash)
	log = log.With("event_hash", evt.Chain.EventHash)

	// the backup is written before the sink sees the event
	if err := e.backup.Save(evt); err != nil {
		if e.sink == nil {
			return fmt.Errorf("backup event: %w", err)
		}
		log.Warn("audit backup failed", "error", err)
	}

	if e.sink != nil {
		if err := e.sink.Send(ctx, evt); err != nil {
			return fmt.Errorf("audit emit failed: %w", err)
		}
	}

	if err := e.tracker.Advance(ctx, evt); err != nil {
		log.Warn("failed to advance chain head", "error", err)
	}

	log.Debug("emitted commit event", "prev_hash", head.EventHash, "chain_length", head.Length+1)
	return nil
}

// Close releases resources.
func (e *ChainedEmitter) Close() error {
	return nil
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *CommitEvent) error { return nil }
func (noopEmitter) Close() error                             { return nil }
