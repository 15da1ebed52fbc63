package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxSlots はスケジュール1件あたりの時刻スロット数の上限。
const MaxSlots = 4

// Frequency は頻度コードと表示名、1日あたりの服用回数を表す。
type Frequency struct {
	Code        string
	Name        string
	TimesPerDay int
}

// Dose は1回あたりの服用量（数量と単位）。
type Dose struct {
	Quantity decimal.Decimal
	Unit     string
}

// String は表示用の服用量文字列を返す（例: "1 錠", "0.5 顆", "2"）。
func (d Dose) String() string {
	q := d.Quantity.String()
	if d.Unit == "" {
		return q
	}
	return q + " " + d.Unit
}

// ScheduleEntry は (OwnerID, Member, FrequencyCode) をキーとする服薬スケジュール。
// Times は最大4件で、DosesPerDay は常に len(Times) と一致する。
type ScheduleEntry struct {
	OwnerID       string
	Member        string
	FrequencyCode string
	FrequencyName string
	MedicineName  string
	Dose          Dose
	Days          int
	Times         []string
	DosesPerDay   int
	UpdatedAt     time.Time

	// LastSource は最新の服薬記録行の登録経路（一覧表示用）。
	LastSource string
}

// MedicationOrder は (OwnerID, Member) ごとの処方の親レコード。
type MedicationOrder struct {
	ID        string
	OwnerID   string
	Member    string
	VisitDate time.Time
	Source    string
	CreatedAt time.Time
}

// MedicationRecord は処方に追記される服薬記録の1行。
// DrugID は薬品マスタで解決できた場合の薬品ID。未解決なら空文字。
// 実際に服用した記録は FrequencyCode が空で、TakenAt に服用日時を持つ。
type MedicationRecord struct {
	ID            string
	OrderID       string
	OwnerID       string
	Member        string
	DrugID        string
	DrugName      string
	FrequencyCode string
	Dose          Dose
	Days          int
	SourceDetail  string
	RecordedAt    time.Time
	TakenAt       time.Time
}

// DueReminder は指定時刻に通知対象となったスケジュール1件分の情報。
type DueReminder struct {
	OwnerID       string
	Member        string
	MedicineName  string
	FrequencyName string
	Dose          Dose
	Time          string
}

// 服薬記録の登録経路。
const (
	SourceManual = "手動設定"
	SourceOCR    = "藥袋辨識"
	SourceIntake = "服藥紀錄"
)
