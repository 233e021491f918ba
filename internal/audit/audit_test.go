package audit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Record
}

func (c *captureSink) WriteBatch(_ context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]Record, len(records))
	copy(batch, records)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestTrail_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	trail, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 7; i++ {
		trail.Log(Record{ID: uuid.New(), Endpoint: "/v1/chat/completions", Status: 200})
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := sink.total(); got != 7 {
		t.Errorf("expected 7 records flushed, got %d", got)
	}
}

func TestTrail_FlushesFullBatches(t *testing.T) {
	sink := &captureSink{}
	trail, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer trail.Close()

	for i := 0; i < batchSize; i++ {
		trail.Log(Record{ID: uuid.New()})
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < batchSize && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.total(); got != batchSize {
		t.Errorf("expected a full batch of %d flushed, got %d", batchSize, got)
	}
}

func TestTrail_AttemptChainSurvivesFlush(t *testing.T) {
	sink := &captureSink{}
	trail, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	trail.Log(Record{
		ID:    uuid.New(),
		Alias: "gpt-4",
		Attempts: []Attempt{
			{Provider: "providerA", Outcome: "server_error", KeyMasked: "...ab12"},
			{Provider: "providerB", Outcome: "ok", KeyMasked: "...cd34"},
		},
	})
	trail.Close()

	if sink.total() != 1 {
		t.Fatalf("expected 1 record, got %d", sink.total())
	}
	rec := sink.batches[0][0]
	if len(rec.Attempts) != 2 || rec.Attempts[1].Outcome != "ok" {
		t.Errorf("attempt chain mangled: %+v", rec.Attempts)
	}
	for _, a := range rec.Attempts {
		if !strings.HasPrefix(a.KeyMasked, "...") {
			t.Errorf("expected masked key, got %q", a.KeyMasked)
		}
	}
}

func TestTrail_NeverBlocks(t *testing.T) {
	sink := &captureSink{}
	trail, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer trail.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < channelBuffer*2; i++ {
			trail.Log(Record{ID: uuid.New()})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked under pressure")
	}
}
