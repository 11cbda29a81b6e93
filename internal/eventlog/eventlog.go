// Package eventlog is a secondary audit sink: it mirrors applied blocks
// and mining state transitions into Postgres so an operator can query
// history that the primary kv-backed consensus state does not retain
// (the archival mutator set and block index keep only the current and
// historical leaf/leaf-mutation data needed to reprove witnesses, not a
// human-queryable timeline). Writing here never blocks or fails a tip
// update; callers log and move on.
package eventlog

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mining"
)

const schema = `
CREATE TABLE IF NOT EXISTS applied_blocks (
	height          BIGINT NOT NULL,
	block_hash      TEXT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	num_additions   INT NOT NULL,
	num_removals    INT NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (height, block_hash)
);

CREATE TABLE IF NOT EXISTS mining_transitions (
	id           BIGSERIAL PRIMARY KEY,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	height       BIGINT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EventLog is a thin connection pool wrapper around the audit event
// table.
type EventLog struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and pings it.
func Connect(connStr string) (*EventLog, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("eventlog: unable to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("eventlog: ping failed: %w", err)
	}
	log.Println("eventlog: connected to audit database")
	return &EventLog{pool: pool}, nil
}

// Close releases the pool.
func (e *EventLog) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// InitSchema creates the audit tables if they do not already exist.
func (e *EventLog) InitSchema() error {
	if _, err := e.pool.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("eventlog: init schema: %w", err)
	}
	log.Println("eventlog: schema initialized")
	return nil
}

// LogBlockApplied records one row per block the tip-update orchestrator
// commits. numAdditions/numRemovals are the counts from that block's
// witness delta, not the full kernel, since they are what an operator
// auditing set growth actually wants.
func (e *EventLog) LogBlockApplied(ctx context.Context, height int64, hash digest.Digest, timestamp int64, numAdditions, numRemovals int) error {
	const sql = `
		INSERT INTO applied_blocks (height, block_hash, block_timestamp, num_additions, num_removals)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (height, block_hash) DO NOTHING;
	`
	_, err := e.pool.Exec(ctx, sql, height, hash.String(), timestamp, numAdditions, numRemovals)
	if err != nil {
		return fmt.Errorf("eventlog: log applied block %s: %w", hash, err)
	}
	return nil
}

// LogMiningTransition records one state-machine edge, keyed to the
// chain height it occurred at.
func (e *EventLog) LogMiningTransition(ctx context.Context, from, to mining.State, height int64) error {
	const sql = `
		INSERT INTO mining_transitions (from_state, to_state, height)
		VALUES ($1, $2, $3);
	`
	_, err := e.pool.Exec(ctx, sql, from.String(), to.String(), height)
	if err != nil {
		return fmt.Errorf("eventlog: log mining transition %s->%s: %w", from, to, err)
	}
	return nil
}

// AppliedBlockRow is one applied_blocks row as RecentBlocks returns it.
type AppliedBlockRow struct {
	Height         int64  `json:"height"`
	BlockHash      string `json:"blockHash"`
	BlockTimestamp int64  `json:"blockTimestamp"`
	NumAdditions   int    `json:"numAdditions"`
	NumRemovals    int    `json:"numRemovals"`
}

// RecentBlocks returns the last limit applied-block rows, newest first,
// the query the operator-facing history endpoint runs.
func (e *EventLog) RecentBlocks(ctx context.Context, limit int) ([]AppliedBlockRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const sql = `
		SELECT height, block_hash, block_timestamp, num_additions, num_removals
		FROM applied_blocks
		ORDER BY height DESC
		LIMIT $1;
	`
	rows, err := e.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query recent blocks: %w", err)
	}
	defer rows.Close()

	var out []AppliedBlockRow
	for rows.Next() {
		var r AppliedBlockRow
		if err := rows.Scan(&r.Height, &r.BlockHash, &r.BlockTimestamp, &r.NumAdditions, &r.NumRemovals); err != nil {
			return nil, fmt.Errorf("eventlog: scan recent block row: %w", err)
		}
		out = append(out, r)
	}
	if out == nil {
		out = []AppliedBlockRow{}
	}
	return out, nil
}

// GetPool exposes the underlying pool for callers that need raw access
// (migrations, ad hoc admin queries).
func (e *EventLog) GetPool() *pgxpool.Pool {
	return e.pool
}
