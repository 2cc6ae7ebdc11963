package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool for dsn and pings it with a 5s timeout.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS bingo_games (
	id             TEXT PRIMARY KEY,
	room_id        TEXT NOT NULL,
	stake          INTEGER NOT NULL,
	prize          INTEGER NOT NULL,
	player_count   INTEGER NOT NULL,
	called_numbers INTEGER[] NOT NULL,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bingo_winners (
	game_id      TEXT NOT NULL REFERENCES bingo_games(id) ON DELETE CASCADE,
	player_id    TEXT NOT NULL,
	player_name  TEXT NOT NULL,
	telegram_id  BIGINT,
	board_number INTEGER NOT NULL DEFAULT 0,
	pattern      TEXT NOT NULL DEFAULT '',
	claimed_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (game_id, player_id, board_number)
);
`

// EnsureSchema creates the archive tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}
