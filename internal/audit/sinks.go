package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// SlogSink writes each record as one structured log line. It is the default
// sink and the fallback when no ClickHouse URL is configured.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) WriteBatch(ctx context.Context, records []Record) error {
	for _, r := range records {
		attempts, _ := json.Marshal(r.Attempts)
		s.Log.InfoContext(ctx, "request",
			slog.String("id", r.ID.String()),
			slog.String("endpoint", r.Endpoint),
			slog.String("alias", r.Alias),
			slog.String("provider", r.Provider),
			slog.String("model", r.Model),
			slog.String("attempts", string(attempts)),
			slog.Uint64("status", uint64(r.Status)),
			slog.Bool("streamed", r.Streamed),
			slog.Uint64("input_tokens", uint64(r.InputTok)),
			slog.Uint64("output_tokens", uint64(r.OutputTok)),
			slog.Int64("latency_ms", r.LatencyMS),
			slog.Time("created_at", normalizeTime(r.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

const requestsDDL = `
CREATE TABLE IF NOT EXISTS gateway_requests (
	id            UUID,
	endpoint      LowCardinality(String),
	alias         LowCardinality(String),
	provider      LowCardinality(String),
	model         LowCardinality(String),
	attempts      String,
	status        UInt16,
	streamed      UInt8,
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    Int64,
	created_at    DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, provider)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseSink persists records to a ClickHouse table for analytical
// queries over the request history.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouse connects via a clickhouse:// DSN and ensures the table
// exists.
func NewClickHouse(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, requestsDDL); err != nil {
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO gateway_requests")
	if err != nil {
		return err
	}

	for _, r := range records {
		attempts, _ := json.Marshal(r.Attempts)
		streamed := uint8(0)
		if r.Streamed {
			streamed = 1
		}
		if err := batch.Append(
			r.ID,
			r.Endpoint,
			r.Alias,
			r.Provider,
			r.Model,
			string(attempts),
			r.Status,
			streamed,
			r.InputTok,
			r.OutputTok,
			r.LatencyMS,
			normalizeTime(r.CreatedAt),
		); err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
