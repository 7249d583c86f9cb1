package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	peer       TEXT NOT NULL,
	state      TEXT NOT NULL,
	epoch      BIGINT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS error_log (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	path       TEXT NOT NULL,
	pass       INTEGER NOT NULL,
	attempts   INTEGER NOT NULL,
	error      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	path       TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT NOT NULL,
	bytes      BIGINT NOT NULL,
	checksum   TEXT NOT NULL,
	pass       INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS total_sync (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	state       TEXT NOT NULL,
	pass        INTEGER NOT NULL,
	epoch       BIGINT NOT NULL,
	copied      BIGINT NOT NULL,
	skipped     BIGINT NOT NULL,
	failed      BIGINT NOT NULL,
	bytes       BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);`

// PostgresSink stores events in Postgres. Record never blocks: events are
// queued and written by a background goroutine, and dropped when the queue
// is full.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	queue  chan Event
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewPostgresSink connects to url, creates the tables if needed and starts
// the writer.
func NewPostgresSink(ctx context.Context, url string, buffer int, logger *zap.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create event tables: %w", err)
	}

	s := &PostgresSink{
		pool:   pool,
		logger: logger,
		queue:  make(chan Event, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *PostgresSink) Record(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%1000 == 0 {
			s.logger.Warn("Event queue full, dropping events", zap.Int64("dropped", s.dropped))
		}
	}
}

func (s *PostgresSink) run() {
	defer s.wg.Done()
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.write(ctx, e); err != nil {
			s.logger.Warn("Failed to store event",
				zap.String("event", string(e.Kind)),
				zap.Error(err))
		}
		cancel()
	}
}

func (s *PostgresSink) write(ctx context.Context, e Event) error {
	batch := &pgx.Batch{}
	queueEvent(batch, e)
	if batch.Len() == 0 {
		return nil
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// queueEvent adds the statements that store e to batch.
func queueEvent(batch *pgx.Batch, e Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}

	switch {
	case e.Outcome != nil:
		o := e.Outcome
		batch.Queue(`INSERT INTO files (run_id, node_id, path, entry_type, outcome, detail, bytes, checksum, pass, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.RunID, string(e.Node), o.Path.String(), o.Type.String(), o.Kind.String(),
			string(o.Detail), o.Bytes, o.Checksum.String(), o.Pass, at)
		if o.Err != nil {
			batch.Queue(`INSERT INTO error_log (run_id, node_id, path, pass, attempts, error, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.RunID, string(e.Node), o.Path.String(), o.Pass, o.Attempts, o.Err.Error(), at)
		}
	case e.Stats != nil:
		st := e.Stats
		batch.Queue(`INSERT INTO total_sync (run_id, node_id, state, pass, epoch, copied, skipped, failed, bytes, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.RunID, string(e.Node), string(e.Kind), st.Pass, int64(st.Epoch),
			st.Copied, st.Skipped, st.Failed, st.Bytes, st.Duration.Milliseconds(), at)
	case e.Subject != "":
		batch.Queue(`INSERT INTO nodes (run_id, node_id, peer, state, epoch, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.RunID, string(e.Node), string(e.Subject), string(e.Kind), int64(e.Epoch), e.Reason, at)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *PostgresSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains the queue and disconnects.
func (s *PostgresSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Close()
	return nil
}
