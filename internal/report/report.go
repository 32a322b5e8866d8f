// Package report turns a closed writer's CommitResult into a durable commit
// report: a JSON manifest plus a per-partition parquet table.
package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/writer"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const (
	ManifestFile   = "manifest.json"
	PartitionsFile = "partitions.parquet"
)

// PartitionRow is one row of partitions.parquet.
type PartitionRow struct {
	ShuffleID     int32  `parquet:"shuffle_id"`
	MapID         int32  `parquet:"map_id"`
	AttemptID     int32  `parquet:"attempt_id"`
	PartitionID   int32  `parquet:"partition_id"`
	CRC32         int64  `parquet:"crc32"` // unsigned value widened
	BytesWritten  int64  `parquet:"bytes_written"`
	FailedBatches int32  `parquet:"failed_batches"`
	SessionID     string `parquet:"session_id"`
}

// Manifest describes one committed map task attempt.
type Manifest struct {
	SessionID string `json:"session_id"`
	ShuffleID int    `json:"shuffle_id"`
	MapID     int    `json:"map_id"`
	AttemptID int    `json:"attempt_id"`

	NumPartitions            int      `json:"num_partitions"`
	IntegrityChecked         bool     `json:"integrity_checked"`
	CRC32PerPartition        []uint32 `json:"crc32_per_partition"`
	BytesWrittenPerPartition []int64  `json:"bytes_written_per_partition"`

	FailedBatches []FailedBatchInfo `json:"failed_batches,omitempty"`

	Stats      Stats              `json:"stats"`
	Partitions PartitionsFileInfo `json:"partitions_file"`
	Producer   ProducerInfo       `json:"producer"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// FailedBatchInfo lists failed batches for one partition location.
type FailedBatchInfo struct {
	Location string  `json:"location"`
	Batches  []Batch `json:"batches"`
}

// Batch identifies a batch written by a map task attempt.
type Batch struct {
	MapID     int `json:"map_id"`
	AttemptID int `json:"attempt_id"`
	BatchID   int `json:"batch_id"`
}

type Stats struct {
	RecordsWritten int64 `json:"records_written"`
	BytesWritten   int64 `json:"bytes_written"`
	PushedBytes    int64 `json:"pushed_bytes"`
	Pushes         int64 `json:"pushes"`
	Congested      int64 `json:"congested"`
}

// PartitionsFileInfo describes partitions.parquet.
type PartitionsFileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the producer of the report.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// Report is the in-memory build artifact before publishing.
type Report struct {
	Manifest Manifest
	Rows     []PartitionRow
	Parquet  []byte
}

// Build converts a commit result into a report. With the integrity check
// disabled the manifest arrays stay empty and rows carry zero checksums.
func Build(result *writer.CommitResult) (*Report, error) {
	if result == nil {
		return nil, fmt.Errorf("nil commit result")
	}
	task := result.Task

	failedPerPartition := make(map[int]int32)
	var failed []FailedBatchInfo
	for loc, batches := range result.FailedBatches {
		info := FailedBatchInfo{Location: loc}
		for _, b := range batches {
			info.Batches = append(info.Batches, Batch{MapID: b.MapID, AttemptID: b.AttemptID, BatchID: b.BatchID})
		}
		failed = append(failed, info)

		var pid, epoch int
		if _, err := fmt.Sscanf(loc, "%d-%d", &pid, &epoch); err == nil {
			failedPerPartition[pid] += int32(len(batches))
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Location < failed[j].Location })

	integrity := len(result.CRC32PerPartition) > 0
	rows := make([]PartitionRow, task.NumPartitions)
	for pid := range rows {
		row := PartitionRow{
			ShuffleID:     int32(task.ShuffleID),
			MapID:         int32(task.MapID),
			AttemptID:     int32(task.AttemptID),
			PartitionID:   int32(pid),
			FailedBatches: failedPerPartition[pid],
			SessionID:     result.SessionID,
		}
		if integrity && pid < len(result.CRC32PerPartition) {
			row.CRC32 = int64(result.CRC32PerPartition[pid])
		}
		if integrity && pid < len(result.BytesWrittenPerPartition) {
			row.BytesWritten = result.BytesWrittenPerPartition[pid]
		}
		rows[pid] = row
	}

	data, err := EncodeRows(rows)
	if err != nil {
		return nil, err
	}

	return &Report{
		Manifest: Manifest{
			SessionID:                result.SessionID,
			ShuffleID:                task.ShuffleID,
			MapID:                    task.MapID,
			AttemptID:                task.AttemptID,
			NumPartitions:            task.NumPartitions,
			IntegrityChecked:         integrity,
			CRC32PerPartition:        result.CRC32PerPartition,
			BytesWrittenPerPartition: result.BytesWrittenPerPartition,
			FailedBatches:            failed,
			Stats: Stats{
				RecordsWritten: result.RecordsWritten,
				BytesWritten:   result.BytesWritten,
				PushedBytes:    result.PushedBytes,
				Pushes:         result.Pushes,
				Congested:      result.Congested,
			},
			Partitions: PartitionsFileInfo{
				File:     PartitionsFile,
				Checksum: ComputeChecksum(data),
				RowCount: int64(len(rows)),
				ByteSize: int64(len(data)),
			},
			Producer: ProducerInfo{
				Name:    "shuffle-pusher",
				Version: Version,
				GitSHA:  GitSHA,
			},
			StartedAt:  result.StartedAt,
			FinishedAt: result.FinishedAt,
			CreatedAt:  time.Now().UTC(),
		},
		Rows:    rows,
		Parquet: data,
	}, nil
}

// Prefix returns the storage prefix of a task attempt's report.
func Prefix(shuffleID, mapID, attemptID int) string {
	return fmt.Sprintf("shuffle=%d/map=%d/attempt=%d/", shuffleID, mapID, attemptID)
}

// Prefix returns the storage prefix of this report.
func (r *Report) Prefix() string {
	return Prefix(r.Manifest.ShuffleID, r.Manifest.MapID, r.Manifest.AttemptID)
}

// EncodeRows writes rows as a snappy-compressed parquet file.
func EncodeRows(rows []PartitionRow) ([]byte, error) {
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, parquet.Compression(&parquet.Snappy)); err != nil {
		return nil, fmt.Errorf("encode parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows reads a partitions.parquet file.
func DecodeRows(data []byte) ([]PartitionRow, error) {
	rows, err := parquet.Read[PartitionRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode parquet: %w", err)
	}
	return rows, nil
}

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}
