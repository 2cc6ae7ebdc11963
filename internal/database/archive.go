package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/bingo/internal/models"
)

// PgArchive stores finished game results in Postgres.
type PgArchive struct {
	pool *pgxpool.Pool
}

// NewPgArchive returns an archive writing through pool.
func NewPgArchive(pool *pgxpool.Pool) *PgArchive {
	return &PgArchive{pool: pool}
}

// SaveResults writes a batch of results in one transaction. Results already archived are
// overwritten, so replaying a batch is harmless.
func (a *PgArchive) SaveResults(ctx context.Context, results []models.GameResult) error {
	if len(results) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, res := range results {
			if err := insertResultTx(ctx, tx, res); err != nil {
				return fmt.Errorf("game %s: %w", res.GameID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx archive results: %w", err)
	}
	return nil
}

func insertResultTx(ctx context.Context, tx pgx.Tx, res models.GameResult) error {
	upsertGame := `
		INSERT INTO bingo_games (id, room_id, stake, prize, player_count, called_numbers, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			prize = $4, player_count = $5, called_numbers = $6, finished_at = $8
	`
	called := res.CalledNumbers
	if called == nil {
		called = []int{}
	}
	if _, err := tx.Exec(ctx, upsertGame,
		res.GameID, res.RoomID, res.Stake, res.Prize, res.PlayerCount, called, res.StartedAt, res.FinishedAt,
	); err != nil {
		return err
	}

	insertWinner := `
		INSERT INTO bingo_winners (game_id, player_id, player_name, telegram_id, board_number, pattern, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (game_id, player_id, board_number) DO NOTHING
	`
	for _, w := range res.Winners {
		if _, err := tx.Exec(ctx, insertWinner,
			res.GameID, w.PlayerID, w.PlayerName, w.TelegramID, w.BoardNumber, w.Pattern, w.ClaimedAt,
		); err != nil {
			return err
		}
	}
	return nil
}
