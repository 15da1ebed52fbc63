// Package state は会話状態（フロー）の型と永続化を提供する。
//
// 会話状態はタグ付き共用体として表現する。タグごとに1つの構造体があり、
// その状態で必要なフィールドだけを持つ。保存形式は {"state": <tag>, "data": {...}}。
package state

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/medremind/internal/ocr"
)

// Tag は会話状態の種別。
type Tag string

// 会話状態タグ。
const (
	TagPatientSelection Tag = "AWAITING_PATIENT_SELECTION"
	TagMedicineName     Tag = "AWAITING_MEDICINE_NAME"
	TagFrequency        Tag = "AWAITING_FREQUENCY_SELECTION"
	TagDosage           Tag = "AWAITING_DOSAGE"
	TagDaysInput        Tag = "AWAITING_DAYS_INPUT"
	TagTimeSelection    Tag = "AWAITING_TIME_SELECTION"
	TagOCRImage         Tag = "AWAITING_OCR_IMAGE"
	TagOCRConfirmation  Tag = "AWAITING_OCR_CONFIRMATION"
	TagInviteCode       Tag = "AWAITING_INVITE_CODE"
	TagBindConfirmation Tag = "AWAITING_BIND_CONFIRMATION"
	TagRelationLabel    Tag = "AWAITING_RELATION_LABEL"
	TagNewPatientName   Tag = "AWAITING_NEW_PATIENT_NAME"
	TagNewName          Tag = "AWAITING_NEW_NAME"
	TagUnbindSelection  Tag = "AWAITING_UNBIND_SELECTION"

	TagRecordDate         Tag = "AWAITING_MED_RECORD_DATE"
	TagRecordMedicine     Tag = "AWAITING_MED_RECORD_MEDICINE_NAME"
	TagRecordDosage       Tag = "AWAITING_MED_RECORD_DOSAGE"
	TagRecordTime         Tag = "AWAITING_MED_RECORD_TIME"
	TagRecordConfirmation Tag = "CONFIRM_MED_RECORD"
)

// Flow は1つの会話状態。
type Flow interface {
	Tag() Tag
}

// 服薬者選択の目的。
const (
	PurposeAddReminder = "add_reminder"
	PurposeOCR         = "ocr"
	PurposeManage      = "manage"
	PurposeRecord      = "record"
)

// PatientSelection は服薬者の選択待ち。
type PatientSelection struct {
	Purpose string `json:"purpose"`
}

// MedicineName は薬品名の入力待ち。
type MedicineName struct {
	Member string `json:"member"`
}

// FrequencySelection は用藥頻率の選択待ち。
type FrequencySelection struct {
	Member       string `json:"member"`
	MedicineName string `json:"medicine_name"`
}

// Dosage は用量の入力待ち。
type Dosage struct {
	Member        string `json:"member"`
	MedicineName  string `json:"medicine_name"`
	FrequencyCode string `json:"frequency_code"`
}

// DaysInput は用藥天數の入力待ち。
type DaysInput struct {
	Member        string `json:"member"`
	MedicineName  string `json:"medicine_name"`
	FrequencyCode string `json:"frequency_code"`
	Dosage        string `json:"dosage"`
}

// TimeSelection は提醒時間の選択中。Times は選択済みの時刻。
// IsEdit が真の場合は既存スケジュールの時刻だけを置き換える。
type TimeSelection struct {
	Member        string   `json:"member"`
	MedicineName  string   `json:"medicine_name"`
	FrequencyCode string   `json:"frequency_code"`
	Dosage        string   `json:"dosage,omitempty"`
	Days          *int     `json:"days,omitempty"`
	Times         []string `json:"times"`
	IsEdit        bool     `json:"is_edit,omitempty"`
}

// OCRImage は藥袋画像の送信待ち。
type OCRImage struct {
	Member string `json:"member"`
}

// OCRConfirmation は解析した処方内容の一括確認待ち。
type OCRConfirmation struct {
	Member string    `json:"member"`
	Order  ocr.Order `json:"order"`
}

// InviteCode は招待コードの入力待ち。
type InviteCode struct{}

// BindConfirmation は家族バインドの確認待ち。
type BindConfirmation struct {
	Code      string `json:"code"`
	InviterID string `json:"inviter_id"`
}

// RelationLabel はバインド後の続柄入力待ち。受信者側から招待者との関係を設定する。
type RelationLabel struct {
	InviterID string `json:"inviter_id"`
}

// NewPatientName は新しい服薬者名の入力待ち。作成後は ReturnPurpose の服薬者選択に戻る。
type NewPatientName struct {
	ReturnPurpose string `json:"return_purpose,omitempty"`
}

// NewName は服薬者の新しい名前の入力待ち。
type NewName struct {
	Member string `json:"member"`
}

// UnbindSelection は解除する家族の選択待ち。
type UnbindSelection struct{}

// RecordDate は服用日の選択待ち。
type RecordDate struct {
	Member string `json:"member"`
}

// RecordMedicine は服用した薬品名の入力待ち。Date は YYYY-MM-DD。
type RecordMedicine struct {
	Member string `json:"member"`
	Date   string `json:"record_date"`
}

// RecordDosage は服用量の入力待ち。
type RecordDosage struct {
	Member       string `json:"member"`
	Date         string `json:"record_date"`
	MedicineName string `json:"medicine_name"`
}

// RecordTime は服用時刻の選択待ち。
type RecordTime struct {
	Member       string `json:"member"`
	Date         string `json:"record_date"`
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
}

// RecordConfirmation は服用記録の確認待ち。
type RecordConfirmation struct {
	Member       string `json:"member"`
	Date         string `json:"record_date"`
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	Time         string `json:"record_time"`
}

func (PatientSelection) Tag() Tag   { return TagPatientSelection }
func (MedicineName) Tag() Tag       { return TagMedicineName }
func (FrequencySelection) Tag() Tag { return TagFrequency }
func (Dosage) Tag() Tag             { return TagDosage }
func (DaysInput) Tag() Tag          { return TagDaysInput }
func (TimeSelection) Tag() Tag      { return TagTimeSelection }
func (OCRImage) Tag() Tag           { return TagOCRImage }
func (OCRConfirmation) Tag() Tag    { return TagOCRConfirmation }
func (InviteCode) Tag() Tag         { return TagInviteCode }
func (BindConfirmation) Tag() Tag   { return TagBindConfirmation }
func (RelationLabel) Tag() Tag      { return TagRelationLabel }
func (NewPatientName) Tag() Tag     { return TagNewPatientName }
func (NewName) Tag() Tag            { return TagNewName }
func (UnbindSelection) Tag() Tag    { return TagUnbindSelection }

func (RecordDate) Tag() Tag         { return TagRecordDate }
func (RecordMedicine) Tag() Tag     { return TagRecordMedicine }
func (RecordDosage) Tag() Tag       { return TagRecordDosage }
func (RecordTime) Tag() Tag         { return TagRecordTime }
func (RecordConfirmation) Tag() Tag { return TagRecordConfirmation }

// decoders はタグから空の状態値を生成する。
var decoders = map[Tag]func() Flow{
	TagPatientSelection: func() Flow { return &PatientSelection{} },
	TagMedicineName:     func() Flow { return &MedicineName{} },
	TagFrequency:        func() Flow { return &FrequencySelection{} },
	TagDosage:           func() Flow { return &Dosage{} },
	TagDaysInput:        func() Flow { return &DaysInput{} },
	TagTimeSelection:    func() Flow { return &TimeSelection{} },
	TagOCRImage:         func() Flow { return &OCRImage{} },
	TagOCRConfirmation:  func() Flow { return &OCRConfirmation{} },
	TagInviteCode:       func() Flow { return &InviteCode{} },
	TagBindConfirmation: func() Flow { return &BindConfirmation{} },
	TagRelationLabel:    func() Flow { return &RelationLabel{} },
	TagNewPatientName:   func() Flow { return &NewPatientName{} },
	TagNewName:          func() Flow { return &NewName{} },
	TagUnbindSelection:  func() Flow { return &UnbindSelection{} },

	TagRecordDate:         func() Flow { return &RecordDate{} },
	TagRecordMedicine:     func() Flow { return &RecordMedicine{} },
	TagRecordDosage:       func() Flow { return &RecordDosage{} },
	TagRecordTime:         func() Flow { return &RecordTime{} },
	TagRecordConfirmation: func() Flow { return &RecordConfirmation{} },
}

type envelope struct {
	State Tag             `json:"state"`
	Data  json.RawMessage `json:"data"`
}

// Encode は状態を {"state": <tag>, "data": {...}} 形式にシリアライズする。
func Encode(f Flow) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("会話状態のシリアライズに失敗しました: %w", err)
	}
	return json.Marshal(envelope{State: f.Tag(), Data: data})
}

// Decode は Encode の出力から状態を復元する。ポインタではなく値を返す。
func Decode(raw []byte) (Flow, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("会話状態のデシリアライズに失敗しました: %w", err)
	}
	newFlow, ok := decoders[env.State]
	if !ok {
		return nil, fmt.Errorf("未知の会話状態タグです: %q", env.State)
	}
	ptr := newFlow()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ptr); err != nil {
			return nil, fmt.Errorf("会話状態 %s のデータ解析に失敗しました: %w", env.State, err)
		}
	}
	return deref(ptr), nil
}

// deref はデコード用のポインタを値型に戻す。型スイッチで値型を前提にできるようにする。
func deref(f Flow) Flow {
	switch v := f.(type) {
	case *PatientSelection:
		return *v
	case *MedicineName:
		return *v
	case *FrequencySelection:
		return *v
	case *Dosage:
		return *v
	case *DaysInput:
		return *v
	case *TimeSelection:
		return *v
	case *OCRImage:
		return *v
	case *OCRConfirmation:
		return *v
	case *InviteCode:
		return *v
	case *BindConfirmation:
		return *v
	case *RelationLabel:
		return *v
	case *NewPatientName:
		return *v
	case *NewName:
		return *v
	case *UnbindSelection:
		return *v
	case *RecordDate:
		return *v
	case *RecordMedicine:
		return *v
	case *RecordDosage:
		return *v
	case *RecordTime:
		return *v
	case *RecordConfirmation:
		return *v
	}
	return f
}
