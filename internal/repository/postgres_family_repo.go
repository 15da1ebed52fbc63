package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/medremind/internal/model"
)

// PostgresInviteCodeRepo はPostgreSQLを使用した招待コードリポジトリ。
type PostgresInviteCodeRepo struct {
	db *sql.DB
}

// NewPostgresInviteCodeRepo はPostgresInviteCodeRepoを生成する。
func NewPostgresInviteCodeRepo(db *sql.DB) *PostgresInviteCodeRepo {
	return &PostgresInviteCodeRepo{db: db}
}

// Create は招待コードを作成する。
func (r *PostgresInviteCodeRepo) Create(ctx context.Context, code *model.InviteCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invite_codes (code, inviter_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		code.Code, code.InviterID, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("招待コードの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByCode はコードで招待コードを取得する。見つからない場合はnilを返す。
func (r *PostgresInviteCodeRepo) FindByCode(ctx context.Context, code string) (*model.InviteCode, error) {
	return scanInviteCode(r.db.QueryRowContext(ctx,
		`SELECT code, inviter_id, expires_at, used_at, COALESCE(recipient_id, ''), created_at
		 FROM invite_codes WHERE code = $1`,
		code,
	))
}

func scanInviteCode(row *sql.Row) (*model.InviteCode, error) {
	ic := &model.InviteCode{}
	var usedAt sql.NullTime
	err := row.Scan(&ic.Code, &ic.InviterID, &ic.ExpiresAt, &usedAt, &ic.RecipientID, &ic.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("招待コードの取得に失敗しました: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		ic.UsedAt = &t
	}
	return ic, nil
}

// PostgresFamilyRepo はPostgreSQLを使用した家族バインドリポジトリ。
type PostgresFamilyRepo struct {
	db *sql.DB
}

// NewPostgresFamilyRepo はPostgresFamilyRepoを生成する。
func NewPostgresFamilyRepo(db *sql.DB) *PostgresFamilyRepo {
	return &PostgresFamilyRepo{db: db}
}

// Redeem は招待コードを引き換えて家族バインドを作成する。
// コード行を FOR UPDATE でロックするため、同じコードの同時引き換えは直列化される。
func (r *PostgresFamilyRepo) Redeem(ctx context.Context, code, recipientID string, now time.Time) (*model.BindResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	ic, err := scanInviteCode(tx.QueryRowContext(ctx,
		`SELECT code, inviter_id, expires_at, used_at, COALESCE(recipient_id, ''), created_at
		 FROM invite_codes WHERE code = $1 FOR UPDATE`,
		code,
	))
	if err != nil {
		return nil, err
	}
	if err := CheckRedeemable(ic, recipientID, now); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO family_bindings (inviter_id, recipient_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (inviter_id, recipient_id) DO NOTHING`,
		ic.InviterID, recipientID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("家族バインドの作成に失敗しました: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("作成件数の取得に失敗しました: %w", err)
	}

	if !ic.Used() {
		_, err = tx.ExecContext(ctx,
			`UPDATE invite_codes SET used_at = $2, recipient_id = $3 WHERE code = $1`,
			code, now, recipientID,
		)
		if err != nil {
			return nil, fmt.Errorf("招待コードの使用済み化に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return &model.BindResult{InviterID: ic.InviterID, Created: inserted > 0}, nil
}

// CheckRedeemable は引き換え可否を判定する。同じ受信者による再引き換えは許可する。
// 期限切れは使用状況にかかわらず失敗する。
func CheckRedeemable(ic *model.InviteCode, recipientID string, now time.Time) error {
	switch {
	case ic == nil:
		return model.ErrInviteNotFound
	case ic.Expired(now):
		return model.ErrInviteExpired
	case ic.InviterID == recipientID:
		return model.ErrSelfBinding
	case ic.Used() && ic.RecipientID != recipientID:
		return model.ErrInviteUsed
	}
	return nil
}

// Delete は2ユーザー間のエッジを向きを問わず削除し、双方のプロファイルの対応づけを解除する。
func (r *PostgresFamilyRepo) Delete(ctx context.Context, userA, userB string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM family_bindings
		 WHERE (inviter_id = $1 AND recipient_id = $2)
		    OR (inviter_id = $2 AND recipient_id = $1)`,
		userA, userB,
	)
	if err != nil {
		return false, fmt.Errorf("家族バインドの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE patients SET linked_user_id = NULL
		 WHERE (owner_id = $1 AND linked_user_id = $2)
		    OR (owner_id = $2 AND linked_user_id = $1)`,
		userA, userB,
	)
	if err != nil {
		return false, fmt.Errorf("服薬者の対応づけ解除に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return deleted > 0, nil
}

// ListByUser はユーザーが関わるエッジを作成順に返す。
func (r *PostgresFamilyRepo) ListByUser(ctx context.Context, userID string) ([]model.FamilyBinding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT inviter_id, recipient_id, recipient_name, relation_label, created_at
		 FROM family_bindings
		 WHERE inviter_id = $1 OR recipient_id = $1
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("家族バインド一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bindings []model.FamilyBinding
	for rows.Next() {
		var b model.FamilyBinding
		if err := rows.Scan(&b.InviterID, &b.RecipientID, &b.RecipientName, &b.RelationLabel, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("家族バインド行の読み取りに失敗しました: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("家族バインド一覧の走査に失敗しました: %w", err)
	}
	return bindings, nil
}

// LinkedUserIDs は1ホップ制限付きで連携ユーザーのIDを返す。
func (r *PostgresFamilyRepo) LinkedUserIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT $1::varchar
		 UNION
		 SELECT recipient_id FROM family_bindings WHERE inviter_id = $1
		 UNION
		 SELECT inviter_id FROM family_bindings WHERE recipient_id = $1
		 UNION
		 SELECT fb.recipient_id FROM family_bindings fb
		 JOIN family_bindings mine ON mine.inviter_id = fb.inviter_id
		 WHERE mine.recipient_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("連携ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("連携ユーザー行の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("連携ユーザーの走査に失敗しました: %w", err)
	}
	return ids, nil
}

// UpdateRelation は受信者の呼び名と続柄ラベルを更新する。
func (r *PostgresFamilyRepo) UpdateRelation(ctx context.Context, inviterID, recipientID, recipientName, label string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE family_bindings SET recipient_name = $3, relation_label = $4
		 WHERE inviter_id = $1 AND recipient_id = $2`,
		inviterID, recipientID, recipientName, label,
	)
	if err != nil {
		return fmt.Errorf("続柄の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrBindingNotFound
	}
	return nil
}

var (
	_ InviteCodeRepository = (*PostgresInviteCodeRepo)(nil)
	_ FamilyRepository     = (*PostgresFamilyRepo)(nil)
)
