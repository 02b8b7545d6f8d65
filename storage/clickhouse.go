package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"bastion/config"
	"bastion/core"
	"bastion/metrics"
	"bastion/util/goroutine"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouse holds the ClickHouse connection used for the append-only rule
// execution history.
type ClickHouse struct {
	Conn   driver.Conn
	Config *config.Config
	Logger *zap.SugaredLogger
}

// NewClickHouse creates a new ClickHouse connection and ensures the execution
// history table exists.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
		MaxIdleConns:     cfg.ClickHouse.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			// TCP keepalive detects broken connections between batches.
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	logger.Info("Connected to ClickHouse successfully")

	ch := &ClickHouse{Conn: conn, Config: cfg, Logger: logger}
	if err := ch.createTables(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// HealthCheck pings the ClickHouse connection.
func (ch *ClickHouse) HealthCheck(ctx context.Context) error {
	return ch.Conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}

func (ch *ClickHouse) createTables(ctx context.Context) error {
	table := `
	CREATE TABLE IF NOT EXISTS rule_executions (
		rule_id String,
		execution_time_ms Float64,
		matches_found UInt32,
		executed_at DateTime64(3, 'UTC'),
		error_message String DEFAULT '',
		INDEX idx_rule_id rule_id TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(executed_at)
	ORDER BY (executed_at, rule_id)
	TTL toDateTime(executed_at) + INTERVAL 30 DAY
	SETTINGS index_granularity = 8192
	`
	if err := ch.Conn.Exec(ctx, table); err != nil {
		return fmt.Errorf("failed to create rule_executions table: %w", err)
	}
	ch.Logger.Info("Rule executions table created/verified")
	return nil
}

// ExecutionHistory is the async writer and reader for rule execution history.
// Writes are fire-and-forget: records are buffered on a channel and flushed
// in batches by a worker, so the detection path never blocks on ClickHouse.
type ExecutionHistory struct {
	ch            *ClickHouse
	records       chan core.RuleExecution
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	logger        *zap.SugaredLogger
}

// NewExecutionHistory creates the execution history writer and starts its
// flush worker.
func NewExecutionHistory(ch *ClickHouse, cfg *config.Config, logger *zap.SugaredLogger) *ExecutionHistory {
	batchSize := cfg.ClickHouse.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	flushInterval := cfg.ClickHouse.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	eh := &ExecutionHistory{
		ch:            ch,
		records:       make(chan core.RuleExecution, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		logger:        logger,
	}
	go eh.worker()
	return eh
}

// RecordExecution buffers one execution record. When the buffer is full the
// record is dropped and counted, never blocking the caller.
func (eh *ExecutionHistory) RecordExecution(exec core.RuleExecution) {
	select {
	case eh.records <- exec:
	default:
		metrics.ExecutionHistoryFailures.Inc()
		eh.logger.Warnf("Execution history buffer full, dropping record for rule %s", exec.RuleID)
	}
}

// Close flushes buffered records and stops the worker.
func (eh *ExecutionHistory) Close() {
	close(eh.records)
	<-eh.done
}

func (eh *ExecutionHistory) worker() {
	defer goroutine.Recover("execution-history-worker", eh.logger)
	defer close(eh.done)

	batch := make([]core.RuleExecution, 0, eh.batchSize)
	ticker := time.NewTicker(eh.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := eh.insertBatch(ctx, batch); err != nil {
			metrics.ExecutionHistoryFailures.Inc()
			eh.logger.Errorw("Failed to flush execution history batch",
				"error", err,
				"records", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case exec, ok := <-eh.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, exec)
			if len(batch) >= eh.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (eh *ExecutionHistory) insertBatch(ctx context.Context, batch []core.RuleExecution) error {
	prepared, err := eh.ch.Conn.PrepareBatch(ctx,
		"INSERT INTO rule_executions (rule_id, execution_time_ms, matches_found, executed_at, error_message)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, exec := range batch {
		if err := prepared.Append(
			exec.RuleID,
			exec.ExecutionTimeMs,
			uint32(exec.MatchesFound),
			exec.ExecutedAt,
			exec.ErrorMessage,
		); err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
	}
	if err := prepared.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// GetExecutionStats aggregates execution counts, failures and mean execution
// time since the given instant.
func (eh *ExecutionHistory) GetExecutionStats(ctx context.Context, since time.Time) (executions, failures int64, avgMs float64, err error) {
	row := eh.ch.Conn.QueryRow(ctx, `
		SELECT
			count() AS executions,
			countIf(error_message != '') AS failures,
			coalesce(avg(execution_time_ms), 0) AS avg_ms
		FROM rule_executions
		WHERE executed_at >= ?`, since)

	var execs, fails uint64
	if err := row.Scan(&execs, &fails, &avgMs); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to query execution stats: %w", err)
	}
	return int64(execs), int64(fails), avgMs, nil
}
