package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/medremind/internal/model"
)

// PostgresFrequencyRepo はPostgreSQLを使用した頻度コード表リポジトリ。
type PostgresFrequencyRepo struct {
	db *sql.DB
}

// NewPostgresFrequencyRepo はPostgresFrequencyRepoを生成する。
func NewPostgresFrequencyRepo(db *sql.DB) *PostgresFrequencyRepo {
	return &PostgresFrequencyRepo{db: db}
}

// FindByCode は頻度コードを取得する。見つからない場合はnilを返す。
func (r *PostgresFrequencyRepo) FindByCode(ctx context.Context, code string) (*model.Frequency, error) {
	f := &model.Frequency{}
	err := r.db.QueryRowContext(ctx,
		`SELECT code, name, times_per_day FROM frequency_codes WHERE code = $1`,
		code,
	).Scan(&f.Code, &f.Name, &f.TimesPerDay)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("頻度コードの取得に失敗しました: %w", err)
	}
	return f, nil
}

// List は全頻度コードを表示順に返す。
func (r *PostgresFrequencyRepo) List(ctx context.Context) ([]model.Frequency, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT code, name, times_per_day FROM frequency_codes ORDER BY sort_order ASC, code ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("頻度コード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var freqs []model.Frequency
	for rows.Next() {
		var f model.Frequency
		if err := rows.Scan(&f.Code, &f.Name, &f.TimesPerDay); err != nil {
			return nil, fmt.Errorf("頻度コード行の読み取りに失敗しました: %w", err)
		}
		freqs = append(freqs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("頻度コード一覧の走査に失敗しました: %w", err)
	}
	return freqs, nil
}

// PostgresDrugRepo はPostgreSQLを使用した薬品マスタリポジトリ。
type PostgresDrugRepo struct {
	db *sql.DB
}

// NewPostgresDrugRepo はPostgresDrugRepoを生成する。
func NewPostgresDrugRepo(db *sql.DB) *PostgresDrugRepo {
	return &PostgresDrugRepo{db: db}
}

// FindIDByName は薬品名から薬品IDを返す。見つからない場合は空文字を返す。
func (r *PostgresDrugRepo) FindIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT drug_id FROM drug_info WHERE name_zh = $1`,
		name,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("薬品IDの取得に失敗しました: %w", err)
	}
	return id, nil
}

// PostgresScheduleRepo はPostgreSQLを使用した服薬スケジュールリポジトリ。
type PostgresScheduleRepo struct {
	db *sql.DB
}

// NewPostgresScheduleRepo はPostgresScheduleRepoを生成する。
func NewPostgresScheduleRepo(db *sql.DB) *PostgresScheduleRepo {
	return &PostgresScheduleRepo{db: db}
}

// toSlots は時刻リストを4列のスロットに前詰めで割り当てる。
func toSlots(times []string) [model.MaxSlots]sql.NullString {
	var slots [model.MaxSlots]sql.NullString
	for i, t := range times {
		if i >= model.MaxSlots {
			break
		}
		slots[i] = sql.NullString{String: t, Valid: true}
	}
	return slots
}

// fromSlots はスロット列から値のある時刻だけを順に取り出す。
func fromSlots(slots [model.MaxSlots]sql.NullString) []string {
	times := make([]string, 0, model.MaxSlots)
	for _, s := range slots {
		if s.Valid && s.String != "" {
			times = append(times, s.String)
		}
	}
	return times
}

// SaveWithRecord は処方の親レコード確保、服薬記録行の追記、スケジュール行のUPSERTを同一トランザクションで行う。
func (r *PostgresScheduleRepo) SaveWithRecord(ctx context.Context, record *model.MedicationRecord, entry *model.ScheduleEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := appendRecordTx(ctx, tx, record); err != nil {
		return err
	}

	slots := toSlots(entry.Times)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule_entries
		 (owner_id, member, frequency_code, frequency_name, medicine_name,
		  dose_quantity, dose_unit, days,
		  time_slot_1, time_slot_2, time_slot_3, time_slot_4, doses_per_day, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (owner_id, member, frequency_code) DO UPDATE SET
		   frequency_name = EXCLUDED.frequency_name,
		   medicine_name  = EXCLUDED.medicine_name,
		   dose_quantity  = EXCLUDED.dose_quantity,
		   dose_unit      = EXCLUDED.dose_unit,
		   days           = EXCLUDED.days,
		   time_slot_1    = EXCLUDED.time_slot_1,
		   time_slot_2    = EXCLUDED.time_slot_2,
		   time_slot_3    = EXCLUDED.time_slot_3,
		   time_slot_4    = EXCLUDED.time_slot_4,
		   doses_per_day  = EXCLUDED.doses_per_day,
		   updated_at     = EXCLUDED.updated_at`,
		entry.OwnerID, entry.Member, entry.FrequencyCode, entry.FrequencyName, entry.MedicineName,
		entry.Dose.Quantity, entry.Dose.Unit, entry.Days,
		slots[0], slots[1], slots[2], slots[3], len(entry.Times), entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("スケジュールのUPSERTに失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// AppendRecord は処方の親レコードを確保し、服薬記録行だけを追記する。
func (r *PostgresScheduleRepo) AppendRecord(ctx context.Context, record *model.MedicationRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := appendRecordTx(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// appendRecordTx は (owner, member) ごとに1件の処方を確保し、その下に服薬記録行を追記する。
// 頻度コードの無い記録（実際に服用した記録）は frequency_code を NULL で保存する。
func appendRecordTx(ctx context.Context, tx *sql.Tx, record *model.MedicationRecord) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO medication_orders (id, owner_id, member, source, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id, member) DO UPDATE SET source = EXCLUDED.source
		 RETURNING id`,
		record.OrderID, record.OwnerID, record.Member, record.SourceDetail, record.RecordedAt,
	).Scan(&record.OrderID)
	if err != nil {
		return fmt.Errorf("処方レコードの確保に失敗しました: %w", err)
	}

	takenAt := sql.NullTime{Time: record.TakenAt, Valid: !record.TakenAt.IsZero()}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO medication_records
		 (id, order_id, owner_id, member, drug_id, drug_name, frequency_code,
		  dose_quantity, dose_unit, days, source_detail, recorded_at, taken_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13)`,
		record.ID, record.OrderID, record.OwnerID, record.Member, record.DrugID, record.DrugName,
		record.FrequencyCode, record.Dose.Quantity, record.Dose.Unit, record.Days,
		record.SourceDetail, record.RecordedAt, takenAt,
	)
	if err != nil {
		return fmt.Errorf("服薬記録の追記に失敗しました: %w", err)
	}
	return nil
}

const selectScheduleColumns = `s.owner_id, s.member, s.frequency_code, s.frequency_name, s.medicine_name,
	s.dose_quantity, s.dose_unit, s.days,
	s.time_slot_1, s.time_slot_2, s.time_slot_3, s.time_slot_4, s.doses_per_day, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner, extra ...any) (*model.ScheduleEntry, error) {
	e := &model.ScheduleEntry{}
	var qty decimal.Decimal
	var slots [model.MaxSlots]sql.NullString
	dest := []any{
		&e.OwnerID, &e.Member, &e.FrequencyCode, &e.FrequencyName, &e.MedicineName,
		&qty, &e.Dose.Unit, &e.Days,
		&slots[0], &slots[1], &slots[2], &slots[3], &e.DosesPerDay, &e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	e.Dose.Quantity = qty
	e.Times = fromSlots(slots)
	return e, nil
}

// Find はスケジュールを取得する。見つからない場合はnilを返す。
func (r *PostgresScheduleRepo) Find(ctx context.Context, ownerID, member, frequencyCode string) (*model.ScheduleEntry, error) {
	e, err := scanSchedule(r.db.QueryRowContext(ctx,
		`SELECT `+selectScheduleColumns+`
		 FROM schedule_entries s
		 WHERE s.owner_id = $1 AND s.member = $2 AND s.frequency_code = $3`,
		ownerID, member, frequencyCode,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スケジュールの取得に失敗しました: %w", err)
	}
	return e, nil
}

// UpdateSlots は時刻スロットを置き換え、1日の服用回数を再計算する。
func (r *PostgresScheduleRepo) UpdateSlots(ctx context.Context, ownerID, member, frequencyCode string, times []string) error {
	slots := toSlots(times)
	result, err := r.db.ExecContext(ctx,
		`UPDATE schedule_entries SET
		   time_slot_1 = $4, time_slot_2 = $5, time_slot_3 = $6, time_slot_4 = $7,
		   doses_per_day = $8, updated_at = $9
		 WHERE owner_id = $1 AND member = $2 AND frequency_code = $3`,
		ownerID, member, frequencyCode,
		slots[0], slots[1], slots[2], slots[3], len(times), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("スケジュール時刻の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrScheduleNotFound
	}
	return nil
}

// Delete はスケジュール行を削除する。
func (r *PostgresScheduleRepo) Delete(ctx context.Context, ownerID, member, frequencyCode string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM schedule_entries WHERE owner_id = $1 AND member = $2 AND frequency_code = $3`,
		ownerID, member, frequencyCode,
	)
	if err != nil {
		return false, fmt.Errorf("スケジュールの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// ListByMember は服薬者のスケジュールを最新の服薬記録の登録経路とあわせて返す。
func (r *PostgresScheduleRepo) ListByMember(ctx context.Context, ownerID, member string) ([]model.ScheduleEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectScheduleColumns+`, COALESCE(rec.source_detail, '')
		 FROM schedule_entries s
		 LEFT JOIN LATERAL (
		   SELECT source_detail FROM medication_records mr
		   WHERE mr.owner_id = s.owner_id AND mr.member = s.member AND mr.frequency_code = s.frequency_code
		   ORDER BY mr.recorded_at DESC LIMIT 1
		 ) rec ON TRUE
		 WHERE s.owner_id = $1 AND s.member = $2
		 ORDER BY s.frequency_code ASC`,
		ownerID, member,
	)
	if err != nil {
		return nil, fmt.Errorf("スケジュール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.ScheduleEntry
	for rows.Next() {
		var source string
		e, err := scanSchedule(rows, &source)
		if err != nil {
			return nil, fmt.Errorf("スケジュール行の読み取りに失敗しました: %w", err)
		}
		e.LastSource = source
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スケジュール一覧の走査に失敗しました: %w", err)
	}
	return entries, nil
}

// ListDueAt はいずれかのスロットが hhmm と一致するスケジュールを返す。
// 薬品名は最新の服薬記録に紐づく薬品マスタの名称、記録の薬品名、スケジュールの保存名の順に解決する。
func (r *PostgresScheduleRepo) ListDueAt(ctx context.Context, hhmm string) ([]model.DueReminder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.owner_id, s.member,
		        COALESCE(d.name_zh, rec.drug_name, s.medicine_name),
		        s.frequency_name, s.dose_quantity, s.dose_unit
		 FROM schedule_entries s
		 LEFT JOIN LATERAL (
		   SELECT drug_id, drug_name FROM medication_records mr
		   WHERE mr.owner_id = s.owner_id AND mr.member = s.member AND mr.frequency_code = s.frequency_code
		   ORDER BY mr.recorded_at DESC LIMIT 1
		 ) rec ON TRUE
		 LEFT JOIN drug_info d ON d.drug_id = rec.drug_id
		 WHERE $1 IN (s.time_slot_1, s.time_slot_2, s.time_slot_3, s.time_slot_4)
		 ORDER BY s.owner_id, s.member, s.frequency_code`,
		hhmm,
	)
	if err != nil {
		return nil, fmt.Errorf("通知対象スケジュールの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var due []model.DueReminder
	for rows.Next() {
		d := model.DueReminder{Time: hhmm}
		if err := rows.Scan(&d.OwnerID, &d.Member, &d.MedicineName, &d.FrequencyName, &d.Dose.Quantity, &d.Dose.Unit); err != nil {
			return nil, fmt.Errorf("通知対象行の読み取りに失敗しました: %w", err)
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知対象スケジュールの走査に失敗しました: %w", err)
	}
	return due, nil
}

var (
	_ FrequencyRepository = (*PostgresFrequencyRepo)(nil)
	_ DrugRepository      = (*PostgresDrugRepo)(nil)
	_ ScheduleRepository  = (*PostgresScheduleRepo)(nil)
)
