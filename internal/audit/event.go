// Package audit emits a tamper-evident, hash-chained stream of commit
// events, one per committed map task attempt.
package audit

import (
	"fmt"
	"time"
)

const (
	EventVersion = "1.0"
	EventType    = "shuffle_commit"
)

// CommitEvent represents one committed map task attempt.
type CommitEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Commit   CommitInfo   `json:"commit"`
	Report   ReportInfo   `json:"report"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// CommitInfo identifies the committed attempt.
type CommitInfo struct {
	Namespace     string `json:"namespace"`
	ShuffleID     int    `json:"shuffle_id"`
	MapID         int    `json:"map_id"`
	AttemptID     int    `json:"attempt_id"`
	SessionID     string `json:"session_id"`
	NumPartitions int    `json:"num_partitions"`
}

// ReportInfo points at the published commit report.
type ReportInfo struct {
	ManifestURI   string `json:"manifest_uri"`
	Checksum      string `json:"checksum"`
	RowCount      int64  `json:"row_count"`
	ByteSize      int64  `json:"byte_size"`
	FailedBatches int    `json:"failed_batches"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo provides hash chaining for tamper-evident audit log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the chain this commit belongs to. All map
// tasks of one shuffle share a chain.
func (c CommitInfo) ChainKey() string {
	return fmt.Sprintf("%s/shuffle=%d", c.Namespace, c.ShuffleID)
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *CommitEvent) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
