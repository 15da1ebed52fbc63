package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStateRepo はPostgreSQLを使用した会話状態リポジトリ。
type PostgresStateRepo struct {
	db *sql.DB
}

// NewPostgresStateRepo はPostgresStateRepoを生成する。
func NewPostgresStateRepo(db *sql.DB) *PostgresStateRepo {
	return &PostgresStateRepo{db: db}
}

// Get は notBefore 以降に更新された状態データを返す。無い場合はnilを返す。
func (r *PostgresStateRepo) Get(ctx context.Context, userID string, notBefore time.Time) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT state_data FROM conversation_states WHERE user_id = $1 AND updated_at >= $2`,
		userID, notBefore,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("会話状態の取得に失敗しました: %w", err)
	}
	return data, nil
}

// Set は状態データをUPSERTする。
func (r *PostgresStateRepo) Set(ctx context.Context, userID string, data []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversation_states (user_id, state_data, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET state_data = EXCLUDED.state_data, updated_at = EXCLUDED.updated_at`,
		userID, data, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("会話状態の保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は状態データを削除する。
func (r *PostgresStateRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_states WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("会話状態の削除に失敗しました: %w", err)
	}
	return nil
}

var _ StateRepository = (*PostgresStateRepo)(nil)
