package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

// recordingCallback captures the single completion of a push.
type recordingCallback struct {
	mu   sync.Mutex
	resp *Response
	err  error
	done chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{done: make(chan struct{})}
}

func (c *recordingCallback) OnSuccess(resp Response) {
	c.mu.Lock()
	c.resp = &resp
	c.mu.Unlock()
	close(c.done)
}

func (c *recordingCallback) OnFailure(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *recordingCallback) wait(t *testing.T) (*Response, error) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.err
}

func mergedRequest(t *testing.T, host string, compress bool, payloads map[string][]byte) *PushMergedRequest {
	t.Helper()

	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		defer enc.Close()
	}

	req := &PushMergedRequest{HostAndPushPort: host, Compressed: compress, GroupedBatchID: 100}
	batchID := 1
	for _, id := range []string{"0-0", "1-0", "2-0"} {
		p, ok := payloads[id]
		if !ok {
			continue
		}
		if enc != nil {
			p = enc.EncodeAll(p, nil)
		}
		req.PartitionUniqueIDs = append(req.PartitionUniqueIDs, id)
		req.BatchOffsets = append(req.BatchOffsets, len(req.Body))
		req.Body = append(req.Body, EncodeBatch(7, 0, batchID, p)...)
		batchID++
	}
	return req
}

func TestBatchHeaderRoundTrip(t *testing.T) {
	body := EncodeBatch(3, 1, 42, []byte("payload"))
	h, payload, err := DecodeBatch(body)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if h.MapID != 3 || h.AttemptID != 1 || h.BatchID != 42 || string(payload) != "payload" {
		t.Fatalf("decoded %+v %q", h, payload)
	}

	if _, _, err := DecodeBatch(body[:10]); !errors.Is(err, ErrBadBatch) {
		t.Fatalf("short body error = %v, want ErrBadBatch", err)
	}
	if _, _, err := DecodeBatch(body[:len(body)-1]); !errors.Is(err, ErrBadBatch) {
		t.Fatalf("truncated body error = %v, want ErrBadBatch", err)
	}
}

func TestLoopbackStoresDecompressedData(t *testing.T) {
	lb, err := NewLoopback([]string{"w1:1", "w2:1"}, WorkerConfig{}, nil)
	if err != nil {
		t.Fatalf("NewLoopback failed: %v", err)
	}
	defer lb.Close()

	payloads := map[string][]byte{
		"0-0": bytes.Repeat([]byte("a"), 500),
		"2-0": []byte("second partition"),
	}
	req := mergedRequest(t, "w1:1", true, payloads)
	req.ReplicaHostAndPort = "w2:1"

	cb := newRecordingCallback()
	if err := lb.PushMergedData(context.Background(), req, cb); err != nil {
		t.Fatalf("PushMergedData failed: %v", err)
	}
	resp, err := cb.wait(t)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if resp.Status != StatusSuccess || resp.Host != "w1:1" {
		t.Fatalf("response = %+v", resp)
	}

	for _, addr := range []string{"w1:1", "w2:1"} {
		w := lb.Worker(addr)
		for id, want := range payloads {
			got := w.Received(id)
			if len(got) != 1 || !bytes.Equal(got[0].Data, want) {
				t.Errorf("%s partition %s: got %d batches", addr, id, len(got))
			}
		}
	}

	// a second delivery of the same batches is deduplicated
	cb2 := newRecordingCallback()
	if err := lb.PushMergedData(context.Background(), req, cb2); err != nil {
		t.Fatalf("PushMergedData failed: %v", err)
	}
	cb2.wait(t)
	if n := len(lb.Worker("w1:1").Received("0-0")); n != 1 {
		t.Fatalf("duplicate batch stored, %d batches", n)
	}
	if d := lb.Worker("w1:1").Stats().Duplicates; d != 2 {
		t.Fatalf("duplicates = %d, want 2", d)
	}
}

func TestLoopbackCongestion(t *testing.T) {
	lb, err := NewLoopback([]string{"w1:1"}, WorkerConfig{Rate: 0.001, Burst: 1}, nil)
	if err != nil {
		t.Fatalf("NewLoopback failed: %v", err)
	}
	defer lb.Close()

	var statuses []Status
	for i := 0; i < 3; i++ {
		cb := newRecordingCallback()
		req := mergedRequest(t, "w1:1", false, map[string][]byte{"0-0": {byte(i)}})
		req.Body = EncodeBatch(7, 0, i+1, []byte{byte(i)})
		if err := lb.PushMergedData(context.Background(), req, cb); err != nil {
			t.Fatalf("PushMergedData failed: %v", err)
		}
		resp, err := cb.wait(t)
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		statuses = append(statuses, resp.Status)
	}

	if statuses[0] != StatusSuccess {
		t.Errorf("first push = %v, want success", statuses[0])
	}
	if statuses[1] != StatusCongested || statuses[2] != StatusCongested {
		t.Errorf("later pushes = %v, want congested", statuses[1:])
	}
	// congested pushes still deliver data
	if n := len(lb.Worker("w1:1").Received("0-0")); n != 3 {
		t.Errorf("stored %d batches, want 3", n)
	}
}

func TestLoopbackFailures(t *testing.T) {
	lb, err := NewLoopback([]string{"w1:1"}, WorkerConfig{FailureRate: 1}, nil)
	if err != nil {
		t.Fatalf("NewLoopback failed: %v", err)
	}
	defer lb.Close()

	cb := newRecordingCallback()
	req := mergedRequest(t, "w1:1", false, map[string][]byte{"1-0": []byte("x")})
	if err := lb.PushMergedData(context.Background(), req, cb); err != nil {
		t.Fatalf("PushMergedData failed: %v", err)
	}
	if _, err := cb.wait(t); !errors.Is(err, ErrInjectedFailure) {
		t.Fatalf("error = %v, want ErrInjectedFailure", err)
	}
	if got := lb.Worker("w1:1").Stats().Failed; got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}

	if err := lb.PushMergedData(context.Background(), &PushMergedRequest{HostAndPushPort: "nope:1"}, cb); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("unknown worker error = %v", err)
	}
}

func TestLoopbackMalformedRequest(t *testing.T) {
	lb, err := NewLoopback([]string{"w1:1"}, WorkerConfig{}, nil)
	if err != nil {
		t.Fatalf("NewLoopback failed: %v", err)
	}
	defer lb.Close()

	req := &PushMergedRequest{
		HostAndPushPort:    "w1:1",
		PartitionUniqueIDs: []string{"0-0"},
		BatchOffsets:       []int{0},
		Body:               []byte("short"),
	}
	cb := newRecordingCallback()
	if err := lb.PushMergedData(context.Background(), req, cb); err != nil {
		t.Fatalf("PushMergedData failed: %v", err)
	}
	if _, err := cb.wait(t); !errors.Is(err, ErrBadBatch) {
		t.Fatalf("error = %v, want ErrBadBatch", err)
	}
}

func TestLoopbackClose(t *testing.T) {
	lb, err := NewLoopback([]string{"w1:1"}, WorkerConfig{Latency: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewLoopback failed: %v", err)
	}

	cb := newRecordingCallback()
	req := mergedRequest(t, "w1:1", false, map[string][]byte{"0-0": []byte("x")})
	if err := lb.PushMergedData(context.Background(), req, cb); err != nil {
		t.Fatalf("PushMergedData failed: %v", err)
	}
	lb.Close()

	select {
	case <-cb.done:
	default:
		t.Fatal("Close returned before the outstanding delivery completed")
	}
	if err := lb.PushMergedData(context.Background(), req, newRecordingCallback()); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close error = %v, want ErrClosed", err)
	}
	if err := lb.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNewLoopbackDuplicateAddr(t *testing.T) {
	if _, err := NewLoopback([]string{"w1:1", "w1:1"}, WorkerConfig{}, nil); err == nil {
		t.Fatal("expected error for duplicate address")
	}
}
