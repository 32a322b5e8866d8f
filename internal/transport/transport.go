// Package transport defines how merged push requests reach shuffle
// workers, and ships an in-process loopback implementation.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Status is the worker's answer to a successful push.
type Status int

const (
	StatusSuccess Status = iota
	StatusCongested
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCongested:
		return "congested"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrClosed        = errors.New("transport closed")
	ErrBadBatch      = errors.New("malformed batch")
)

// PushMergedRequest carries several batches for one destination in a
// single push. Body is the concatenation of every batch; BatchOffsets[i]
// is where batch i starts.
type PushMergedRequest struct {
	ShuffleKey         string
	HostAndPushPort    string
	ReplicaHostAndPort string // empty when not replicated
	GroupedBatchID     int
	PartitionUniqueIDs []string
	BatchOffsets       []int
	Body               []byte
	Compressed         bool
}

// Response reports how the worker handled a push.
type Response struct {
	Host   string
	Status Status
}

// Callback receives exactly one completion per accepted push.
type Callback interface {
	OnSuccess(resp Response)
	OnFailure(err error)
}

// Transport sends merged pushes. An error return means the push was not
// submitted and the callback will not be invoked.
type Transport interface {
	PushMergedData(ctx context.Context, req *PushMergedRequest, cb Callback) error
}

// BatchHeaderSize is the size of the header prefixed to every batch body.
const BatchHeaderSize = 16

// BatchHeader identifies one batch inside a merged body.
type BatchHeader struct {
	MapID     int32
	AttemptID int32
	BatchID   int32
	Length    int32
}

// EncodeBatch prefixes payload with its header.
func EncodeBatch(mapID, attemptID, batchID int, payload []byte) []byte {
	buf := make([]byte, BatchHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:], uint32(mapID))
	binary.BigEndian.PutUint32(buf[4:], uint32(attemptID))
	binary.BigEndian.PutUint32(buf[8:], uint32(batchID))
	binary.BigEndian.PutUint32(buf[12:], uint32(len(payload)))
	copy(buf[BatchHeaderSize:], payload)
	return buf
}

// DecodeBatch splits a batch body into header and payload.
func DecodeBatch(body []byte) (BatchHeader, []byte, error) {
	if len(body) < BatchHeaderSize {
		return BatchHeader{}, nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadBatch, len(body))
	}
	h := BatchHeader{
		MapID:     int32(binary.BigEndian.Uint32(body[0:])),
		AttemptID: int32(binary.BigEndian.Uint32(body[4:])),
		BatchID:   int32(binary.BigEndian.Uint32(body[8:])),
		Length:    int32(binary.BigEndian.Uint32(body[12:])),
	}
	payload := body[BatchHeaderSize:]
	if int(h.Length) != len(payload) {
		return BatchHeader{}, nil, fmt.Errorf("%w: header length %d, payload %d", ErrBadBatch, h.Length, len(payload))
	}
	return h, payload, nil
}

// SplitMerged returns the batch bodies of a merged request.
func SplitMerged(req *PushMergedRequest) ([][]byte, error) {
	if len(req.BatchOffsets) != len(req.PartitionUniqueIDs) {
		return nil, fmt.Errorf("%w: %d offsets for %d partitions", ErrBadBatch, len(req.BatchOffsets), len(req.PartitionUniqueIDs))
	}
	out := make([][]byte, len(req.BatchOffsets))
	for i, start := range req.BatchOffsets {
		end := len(req.Body)
		if i+1 < len(req.BatchOffsets) {
			end = req.BatchOffsets[i+1]
		}
		if start < 0 || start > end || end > len(req.Body) {
			return nil, fmt.Errorf("%w: offset %d out of range", ErrBadBatch, start)
		}
		out[i] = req.Body[start:end]
	}
	return out, nil
}
