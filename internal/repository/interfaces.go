// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/medremind/internal/model"
)

// UserRepository は利用者と服薬者プロファイルの永続化インターフェース。
type UserRepository interface {
	// Ensure は利用者が存在しなければ作成し、「本人」プロファイルも同一トランザクションで作成する。
	// 新規作成した場合はtrueを返す。既存ユーザーで「本人」が欠けている場合も補完する。
	Ensure(ctx context.Context, userID string) (bool, error)
}

// PatientRepository は服薬者プロファイルの永続化インターフェース。
type PatientRepository interface {
	// ListByOwner は記録者のプロファイル一覧を作成順に返す。
	ListByOwner(ctx context.Context, ownerID string) ([]model.Patient, error)

	// Find は指定プロファイルを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, ownerID, name string) (*model.Patient, error)

	// Create はプロファイルを作成する。
	// 同名が存在する場合は model.ErrDuplicatePatient を返す。
	Create(ctx context.Context, patient *model.Patient) error

	// Rename はプロファイル名を変更する。スケジュールと服薬記録の member も追従する。
	// 見つからない場合は model.ErrPatientNotFound、新しい名前が使用中の場合は model.ErrDuplicatePatient を返す。
	Rename(ctx context.Context, ownerID, oldName, newName string) error

	// SetLinkedUser はプロファイルと家族ユーザーの対応づけを更新する。linkedUserIDが空なら解除する。
	SetLinkedUser(ctx context.Context, ownerID, name, linkedUserID string) error
}

// InviteCodeRepository は招待コードの永続化インターフェース。
type InviteCodeRepository interface {
	// Create は招待コードを作成する。
	Create(ctx context.Context, code *model.InviteCode) error

	// FindByCode はコードで招待コードを取得する。見つからない場合はnilを返す。
	FindByCode(ctx context.Context, code string) (*model.InviteCode, error)
}

// FamilyRepository は家族バインドの永続化インターフェース。
type FamilyRepository interface {
	// Redeem は招待コードを引き換えて家族バインドを作成する。
	// コードの行ロック、期限・使用済み判定、エッジ作成、使用済み化を同一トランザクションで行う。
	// 同じ受信者による再引き換えは新しいエッジを作らずに成功する。
	Redeem(ctx context.Context, code, recipientID string, now time.Time) (*model.BindResult, error)

	// Delete は2ユーザー間のエッジを向きを問わず削除し、
	// 双方のプロファイルの対応づけも解除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, userA, userB string) (bool, error)

	// ListByUser はユーザーが招待者または受信者であるエッジを返す。
	ListByUser(ctx context.Context, userID string) ([]model.FamilyBinding, error)

	// LinkedUserIDs はユーザー自身、直接の受信者、招待者、
	// および招待者の他の受信者のIDを重複なしで返す（1ホップ制限）。
	LinkedUserIDs(ctx context.Context, userID string) ([]string, error)

	// UpdateRelation は受信者の呼び名と続柄ラベルを更新する。
	UpdateRelation(ctx context.Context, inviterID, recipientID, recipientName, label string) error
}

// FrequencyRepository は頻度コード表の参照インターフェース。
type FrequencyRepository interface {
	// FindByCode は頻度コードを取得する。見つからない場合はnilを返す。
	FindByCode(ctx context.Context, code string) (*model.Frequency, error)

	// List は全頻度コードを表示順に返す。
	List(ctx context.Context) ([]model.Frequency, error)
}

// DrugRepository は薬品マスタの参照インターフェース。
type DrugRepository interface {
	// FindIDByName は薬品名（中国語名）から薬品IDを返す。見つからない場合は空文字を返す。
	FindIDByName(ctx context.Context, name string) (string, error)
}

// ScheduleRepository は服薬スケジュールと服薬記録の永続化インターフェース。
type ScheduleRepository interface {
	// SaveWithRecord は処方の親レコードを確保し、服薬記録行を追記し、
	// スケジュール行を (owner, member, frequency_code) でUPSERTする。すべて同一トランザクションで行う。
	SaveWithRecord(ctx context.Context, record *model.MedicationRecord, entry *model.ScheduleEntry) error

	// AppendRecord は処方の親レコードを確保し、服薬記録行だけを追記する。スケジュール行には触れない。
	AppendRecord(ctx context.Context, record *model.MedicationRecord) error

	// Find はスケジュールを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, ownerID, member, frequencyCode string) (*model.ScheduleEntry, error)

	// UpdateSlots は時刻スロットを置き換え、1日の服用回数を再計算する。
	// 行が存在しない場合は model.ErrScheduleNotFound を返す。
	UpdateSlots(ctx context.Context, ownerID, member, frequencyCode string, times []string) error

	// Delete はスケジュール行を削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, ownerID, member, frequencyCode string) (bool, error)

	// ListByMember は服薬者のスケジュールを最新の服薬記録と結合して返す。
	ListByMember(ctx context.Context, ownerID, member string) ([]model.ScheduleEntry, error)

	// ListDueAt はいずれかのスロットが hhmm と一致するスケジュールを返す。
	// 薬品名は薬品マスタの正式名を優先し、無ければ保存名を使う。
	ListDueAt(ctx context.Context, hhmm string) ([]model.DueReminder, error)
}

// StateRepository は会話状態の永続化インターフェース。
type StateRepository interface {
	// Get は notBefore 以降に更新された状態データを返す。無い場合はnilを返す。
	Get(ctx context.Context, userID string, notBefore time.Time) ([]byte, error)

	// Set は状態データをUPSERTする。
	Set(ctx context.Context, userID string, data []byte) error

	// Delete は状態データを削除する。
	Delete(ctx context.Context, userID string) error
}
