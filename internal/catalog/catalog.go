// Package catalog records committed map task attempts in a lineage catalog.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/report"
)

// Writer persists commit lineage.
type Writer interface {
	// CommitExists reports whether the task attempt is already recorded.
	CommitExists(ctx context.Context, shuffleID, mapID, attemptID int) (bool, error)
	RecordCommit(ctx context.Context, rec CommitRecord) error
	RecordQuality(ctx context.Context, rec QualityRecord) error
	Close() error
}

// CommitRecord is one committed map task attempt.
type CommitRecord struct {
	Namespace       string
	SessionID       string
	ShuffleID       int
	MapID           int
	AttemptID       int
	NumPartitions   int
	RecordsWritten  int64
	BytesWritten    int64
	PushedBytes     int64
	Checksum        string // partitions.parquet checksum
	StorageURI      string // manifest URI
	ProducerVersion string
	ProducerGitSHA  string
	FailedBatches   []FailedBatchRecord
	StartedAt       time.Time
	FinishedAt      time.Time
}

// FailedBatchRecord is one batch a worker never acknowledged.
type FailedBatchRecord struct {
	Location string
	BatchID  int
}

// QualityRecord is the validation outcome of a report.
type QualityRecord struct {
	Namespace    string
	ShuffleID    int
	MapID        int
	AttemptID    int
	Passed       bool
	ErrorMessage string
}

// NewCommitRecord builds the lineage row for a published report.
func NewCommitRecord(namespace string, r *report.Report, storageURI string) CommitRecord {
	m := r.Manifest
	rec := CommitRecord{
		Namespace:       namespace,
		SessionID:       m.SessionID,
		ShuffleID:       m.ShuffleID,
		MapID:           m.MapID,
		AttemptID:       m.AttemptID,
		NumPartitions:   m.NumPartitions,
		RecordsWritten:  m.Stats.RecordsWritten,
		BytesWritten:    m.Stats.BytesWritten,
		PushedBytes:     m.Stats.PushedBytes,
		Checksum:        m.Partitions.Checksum,
		StorageURI:      storageURI,
		ProducerVersion: "shuffle-pusher@" + m.Producer.Version,
		ProducerGitSHA:  m.Producer.GitSHA,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
	}
	for _, fb := range m.FailedBatches {
		for _, b := range fb.Batches {
			rec.FailedBatches = append(rec.FailedBatches, FailedBatchRecord{Location: fb.Location, BatchID: b.BatchID})
		}
	}
	return rec
}

// NewQualityRecord builds the quality row for a validation result.
func NewQualityRecord(namespace string, r *report.Report, vr report.ValidationResult) QualityRecord {
	rec := QualityRecord{
		Namespace: namespace,
		ShuffleID: r.Manifest.ShuffleID,
		MapID:     r.Manifest.MapID,
		AttemptID: r.Manifest.AttemptID,
		Passed:    vr.Passed,
	}
	if !vr.Passed {
		rec.ErrorMessage = strings.Join(vr.Errors, "; ")
	}
	return rec
}

// New returns a PostgreSQL writer when a DSN is configured and a no-op
// writer otherwise.
func New(ctx context.Context, cfg config.CatalogConfig, logger *slog.Logger) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return NoopWriter{}, nil
	}
	w, err := NewPostgresWriter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NoopWriter discards every record.
type NoopWriter struct{}

func (NoopWriter) CommitExists(context.Context, int, int, int) (bool, error) { return false, nil }
func (NoopWriter) RecordCommit(context.Context, CommitRecord) error          { return nil }
func (NoopWriter) RecordQuality(context.Context, QualityRecord) error        { return nil }
func (NoopWriter) Close() error                                              { return nil }
