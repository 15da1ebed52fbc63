package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/medremind/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// PostgresUserRepo はPostgreSQLを使用した利用者リポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// Ensure は利用者と「本人」プロファイルを同一トランザクションで作成する。
// どちらも既に存在する場合は何もしない。
func (r *PostgresUserRepo) Ensure(ctx context.Context, userID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		userID, now,
	)
	if err != nil {
		return false, fmt.Errorf("利用者の作成に失敗しました: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("作成件数の取得に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patients (owner_id, name, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id, name) DO NOTHING`,
		userID, model.SelfMemberName, now,
	)
	if err != nil {
		return false, fmt.Errorf("本人プロファイルの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return inserted > 0, nil
}

// PostgresPatientRepo はPostgreSQLを使用した服薬者プロファイルリポジトリ。
type PostgresPatientRepo struct {
	db *sql.DB
}

// NewPostgresPatientRepo はPostgresPatientRepoを生成する。
func NewPostgresPatientRepo(db *sql.DB) *PostgresPatientRepo {
	return &PostgresPatientRepo{db: db}
}

// ListByOwner は記録者のプロファイル一覧を返す。「本人」が常に先頭になる。
func (r *PostgresPatientRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Patient, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT owner_id, name, COALESCE(linked_user_id, ''), created_at
		 FROM patients WHERE owner_id = $1
		 ORDER BY (name = $2) DESC, created_at ASC, name ASC`,
		ownerID, model.SelfMemberName,
	)
	if err != nil {
		return nil, fmt.Errorf("服薬者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var patients []model.Patient
	for rows.Next() {
		var p model.Patient
		if err := rows.Scan(&p.OwnerID, &p.Name, &p.LinkedUserID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("服薬者行の読み取りに失敗しました: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("服薬者一覧の走査に失敗しました: %w", err)
	}
	return patients, nil
}

// Find は指定プロファイルを取得する。見つからない場合はnilを返す。
func (r *PostgresPatientRepo) Find(ctx context.Context, ownerID, name string) (*model.Patient, error) {
	p := &model.Patient{}
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id, name, COALESCE(linked_user_id, ''), created_at
		 FROM patients WHERE owner_id = $1 AND name = $2`,
		ownerID, name,
	).Scan(&p.OwnerID, &p.Name, &p.LinkedUserID, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("服薬者の取得に失敗しました: %w", err)
	}
	return p, nil
}

// Create はプロファイルを作成する。
func (r *PostgresPatientRepo) Create(ctx context.Context, patient *model.Patient) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO patients (owner_id, name, linked_user_id, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4)`,
		patient.OwnerID, patient.Name, patient.LinkedUserID, patient.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.ErrDuplicatePatient
	}
	if err != nil {
		return fmt.Errorf("服薬者の作成に失敗しました: %w", err)
	}
	return nil
}

// Rename はプロファイル名を変更し、スケジュール・服薬記録・処方の member を同一トランザクションで追従させる。
func (r *PostgresPatientRepo) Rename(ctx context.Context, ownerID, oldName, newName string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE patients SET name = $3 WHERE owner_id = $1 AND name = $2`,
		ownerID, oldName, newName,
	)
	if isUniqueViolation(err) {
		return model.ErrDuplicatePatient
	}
	if err != nil {
		return fmt.Errorf("服薬者名の変更に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrPatientNotFound
	}

	for _, table := range []string{"schedule_entries", "medication_records", "medication_orders"} {
		query := fmt.Sprintf(`UPDATE %s SET member = $3 WHERE owner_id = $1 AND member = $2`, table)
		if _, err := tx.ExecContext(ctx, query, ownerID, oldName, newName); err != nil {
			return fmt.Errorf("%s の服薬者名の追従に失敗しました: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// SetLinkedUser はプロファイルと家族ユーザーの対応づけを更新する。
func (r *PostgresPatientRepo) SetLinkedUser(ctx context.Context, ownerID, name, linkedUserID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE patients SET linked_user_id = NULLIF($3, '') WHERE owner_id = $1 AND name = $2`,
		ownerID, name, linkedUserID,
	)
	if err != nil {
		return fmt.Errorf("服薬者の対応づけ更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrPatientNotFound
	}
	return nil
}

var (
	_ UserRepository    = (*PostgresUserRepo)(nil)
	_ PatientRepository = (*PostgresPatientRepo)(nil)
)
