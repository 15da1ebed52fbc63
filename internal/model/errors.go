package model

import (
	"errors"
	"fmt"
)

// BotError はユーザーに返信できるドメインエラーを表す。
// Message はそのまま利用者に送信される文言（繁体字中国語）。
type BotError struct {
	Code     string // エラーコード
	Message  string // 利用者向けメッセージ
	Category string // カテゴリ: validation, not_found, conflict, limit
}

// Error はerrorインターフェースを実装する。
func (e *BotError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// WithMessageで文言を差し替えたエラーも元の定義済みエラーと一致する。
func (e *BotError) Is(target error) bool {
	t, ok := target.(*BotError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage は同じコードで文言だけを差し替えたエラーを返す。
func (e *BotError) WithMessage(format string, args ...any) *BotError {
	return &BotError{
		Code:     e.Code,
		Message:  fmt.Sprintf(format, args...),
		Category: e.Category,
	}
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryLimit      = "limit"
)

// 定義済みエラー
var (
	ErrInvalidTime = &BotError{
		Code:     "INVALID_TIME",
		Message:  "時間格式不正確，請輸入 HH:MM 格式，例如 08:30。",
		Category: CategoryValidation,
	}
	ErrInvalidDays = &BotError{
		Code:     "INVALID_DAYS",
		Message:  "請輸入用藥天數（1～365 的數字），例如「7天」，或選擇「長期」。",
		Category: CategoryValidation,
	}
	ErrEmptyInput = &BotError{
		Code:     "EMPTY_INPUT",
		Message:  "輸入內容不可為空白，請重新輸入。",
		Category: CategoryValidation,
	}
	ErrInvalidName = &BotError{
		Code:     "INVALID_NAME",
		Message:  "名稱長度需介於 1～20 個字，且不可與指令相同，請重新輸入。",
		Category: CategoryValidation,
	}
	ErrInvalidDose = &BotError{
		Code:     "INVALID_DOSE",
		Message:  "劑量說明最多 20 個字，請簡短輸入（例如：1.5 錠、10 ml）。",
		Category: CategoryValidation,
	}
	ErrInvalidDate = &BotError{
		Code:     "INVALID_DATE",
		Message:  "日期格式不正確或是未來的日期，請點選「選擇日期」，或輸入 YYYY-MM-DD（例如 2025-06-12）。",
		Category: CategoryValidation,
	}
	ErrFutureIntake = &BotError{
		Code:     "FUTURE_INTAKE",
		Message:  "服藥時間不能晚於現在，請重新選擇時間。",
		Category: CategoryValidation,
	}
	ErrIncompleteRecord = &BotError{
		Code:     "INCOMPLETE_RECORD",
		Message:  "用藥記錄資訊不完整，請輸入「取消」後重新開始。",
		Category: CategoryValidation,
	}
	ErrIncompleteReminder = &BotError{
		Code:     "INCOMPLETE_REMINDER",
		Message:  "提醒資訊不完整，請輸入「取消」後重新設定。",
		Category: CategoryValidation,
	}
	ErrNoTimesSelected = &BotError{
		Code:     "NO_TIMES_SELECTED",
		Message:  "尚未選擇任何提醒時間，請先選擇時間。",
		Category: CategoryValidation,
	}

	ErrInviteNotFound = &BotError{
		Code:     "INVITE_NOT_FOUND",
		Message:  "找不到這個邀請碼，請確認後重新輸入。",
		Category: CategoryNotFound,
	}
	ErrInviteExpired = &BotError{
		Code:     "INVITE_EXPIRED",
		Message:  "這個邀請碼已過期，請對方重新產生邀請碼。",
		Category: CategoryNotFound,
	}
	ErrInviteUsed = &BotError{
		Code:     "INVITE_USED",
		Message:  "這個邀請碼已經被使用過了，請對方重新產生邀請碼。",
		Category: CategoryConflict,
	}
	ErrSelfBinding = &BotError{
		Code:     "SELF_BINDING",
		Message:  "不能使用自己產生的邀請碼進行綁定喔！",
		Category: CategoryValidation,
	}
	ErrBindingNotFound = &BotError{
		Code:     "BINDING_NOT_FOUND",
		Message:  "找不到這位家人的綁定資料，可能已經解除綁定。",
		Category: CategoryNotFound,
	}
	ErrUnknownFrequency = &BotError{
		Code:     "UNKNOWN_FREQUENCY",
		Message:  "無法辨識的用藥頻率，請重新選擇。",
		Category: CategoryNotFound,
	}
	ErrMedicineNotFound = &BotError{
		Code:     "MEDICINE_NOT_FOUND",
		Message:  "找不到這個藥品的資料。",
		Category: CategoryNotFound,
	}
	ErrPatientNotFound = &BotError{
		Code:     "PATIENT_NOT_FOUND",
		Message:  "找不到這位用藥對象的資料。",
		Category: CategoryNotFound,
	}
	ErrScheduleNotFound = &BotError{
		Code:     "SCHEDULE_NOT_FOUND",
		Message:  "找不到這筆用藥提醒，可能已經被刪除。",
		Category: CategoryNotFound,
	}

	ErrDuplicateTime = &BotError{
		Code:     "DUPLICATE_TIME",
		Message:  "這個時間已經設定過了，請選擇其他時間。",
		Category: CategoryConflict,
	}
	ErrDuplicatePatient = &BotError{
		Code:     "DUPLICATE_PATIENT",
		Message:  "已經有同名的家人了，請換一個名稱。",
		Category: CategoryConflict,
	}
	ErrSelfProfileImmutable = &BotError{
		Code:     "SELF_PROFILE_IMMUTABLE",
		Message:  "「本人」無法修改名稱。",
		Category: CategoryConflict,
	}
	ErrTooManyTimes = &BotError{
		Code:     "TOO_MANY_TIMES",
		Message:  "已達到這個用藥頻率的時間上限。",
		Category: CategoryLimit,
	}
	ErrTooManyPatients = &BotError{
		Code:     "TOO_MANY_PATIENTS",
		Message:  "最多只能建立 4 位用藥對象。",
		Category: CategoryLimit,
	}
)

// AsBotError はエラーチェーンからBotErrorを取り出す。
func AsBotError(err error) (*BotError, bool) {
	var be *BotError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
