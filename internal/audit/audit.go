// Package audit implements a non-blocking, batched audit trail for proxied
// requests.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine — so auditing never blocks the proxy hot path.
// If the channel fills up (> 10 000 records), new records are dropped and
// counted in Dropped. Each record carries the full attempt chain (every
// provider/key tried for the request) with key secrets in masked form only.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Attempt is one upstream try within a request.
type Attempt struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	KeyMasked string `json:"key"`
	Outcome   string `json:"outcome"`
	LatencyMS int64  `json:"latency_ms"`
}

// Record is the audit entry for one client request.
type Record struct {
	ID        uuid.UUID
	Endpoint  string
	Alias     string
	Provider  string // provider that served the request, empty on failure
	Model     string
	Attempts  []Attempt
	Status    uint16
	Streamed  bool
	InputTok  uint32
	OutputTok uint32
	LatencyMS int64
	CreatedAt time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
	Close() error
}

// Trail is the batching front half. Safe for concurrent Log calls.
type Trail struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the background flusher. sink may be nil, in which case records
// go to the slog fallback.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Trail, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	t := &Trail{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// Log enqueues a record. Never blocks; drops when the buffer is full.
func (t *Trail) Log(rec Record) {
	select {
	case t.ch <- rec:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

// Dropped reports how many records were discarded due to a full buffer.
func (t *Trail) Dropped() int64 {
	return atomic.LoadInt64(&t.dropped)
}

// Close drains the channel, flushes, and closes the sink.
func (t *Trail) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	return t.sink.Close()
}

func (t *Trail) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := t.sink.WriteBatch(ctx, batch); err != nil {
			t.log.WarnContext(ctx, "audit flush failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-t.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush(t.baseCtx)
			}

		case <-ticker.C:
			flush(t.baseCtx)

		case <-t.done:
			for {
				select {
				case rec := <-t.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush(t.baseCtx)
					}
				default:
					flush(t.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}
