// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 放置された会話状態と、期限切れのまま使われなかった招待コードを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	// DefaultStateTTL は会話状態の既定の保持期間。
	DefaultStateTTL = 24 * time.Hour
	// DefaultInviteGrace は期限切れ招待コードを削除するまでの猶予。
	DefaultInviteGrace = 7 * 24 * time.Hour
)

const (
	deleteStaleStatesQuery = `DELETE FROM conversation_states WHERE updated_at < now() - $1::interval`
	// 使用済みのコードはバインドの履歴として残す
	deleteExpiredInvitesQuery = `DELETE FROM invite_codes WHERE used_at IS NULL AND expires_at < now() - $1::interval`
)

// CleanupJob は期限切れデータの削除ジョブ。冪等に何度でも実行できる。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	StateTTL    time.Duration // 会話状態の保持期間（デフォルト: 24時間）
	InviteGrace time.Duration // 招待コード期限切れ後の猶予（デフォルト: 7日）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:          db,
		logger:      logger,
		StateTTL:    DefaultStateTTL,
		InviteGrace: DefaultInviteGrace,
	}
}

// Run は会話状態と招待コードの削除を順に実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	states, err := j.exec(ctx, "conversation_states", deleteStaleStatesQuery, j.StateTTL)
	if err != nil {
		return err
	}
	invites, err := j.exec(ctx, "invite_codes", deleteExpiredInvitesQuery, j.InviteGrace)
	if err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_states", states),
		slog.Int64("deleted_invites", invites),
		slog.Duration("state_ttl", j.StateTTL),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, age time.Duration) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, toInterval(age))
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%s のクリーンアップに失敗: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

// Start は起動直後に1回実行し、以降 interval ごとに実行する。ctx がキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// toInterval はPostgreSQLのinterval文字列に変換する。
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
