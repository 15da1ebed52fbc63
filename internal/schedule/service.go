// Package schedule は服薬スケジュールのドメインロジックを提供する。
//
// スケジュールは (記録者, 服薬者, 頻度コード) をキーとし、最大4つの時刻スロットを持つ。
// 同じキーでの再登録は時刻スロットを丸ごと置き換える。
package schedule

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/repository"
)

// Service は服薬スケジュールのサービス層。
type Service struct {
	frequencies repository.FrequencyRepository
	drugs       repository.DrugRepository
	schedules   repository.ScheduleRepository

	now   func() time.Time
	newID func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	frequencies repository.FrequencyRepository,
	drugs repository.DrugRepository,
	schedules repository.ScheduleRepository,
) *Service {
	return &Service{
		frequencies: frequencies,
		drugs:       drugs,
		schedules:   schedules,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// UpsertRequest はスケジュール登録の入力。
type UpsertRequest struct {
	OwnerID       string
	Member        string
	MedicineName  string
	FrequencyCode string
	// Dose は「1 錠」「半顆」「5ml」のような用量の文字列。
	Dose string
	// Days は用藥天數。0は長期。
	Days  int
	Times []string
	// Source は登録経路（model.SourceManual / model.SourceOCR）。空なら手動設定。
	Source string
}

// RecordRequest は実際に服用した記録の入力。
type RecordRequest struct {
	OwnerID      string
	Member       string
	MedicineName string
	Dose         string
	TakenAt      time.Time
}

// Frequencies は頻度コード一覧を返す。
func (s *Service) Frequencies(ctx context.Context) ([]model.Frequency, error) {
	freqs, err := s.frequencies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("頻度コード一覧の取得に失敗しました: %w", err)
	}
	return freqs, nil
}

// Frequency は頻度コードを返す。未知のコードは model.ErrUnknownFrequency。
func (s *Service) Frequency(ctx context.Context, code string) (*model.Frequency, error) {
	f, err := s.frequencies.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("頻度コードの取得に失敗しました: %w", err)
	}
	if f == nil {
		return nil, model.ErrUnknownFrequency
	}
	return f, nil
}

// MaxSlots は頻度コードごとの時刻スロット数の上限を返す。
// 未知のコードは4、1日0回と設定されたコードは1として扱う。
func (s *Service) MaxSlots(ctx context.Context, code string) (int, error) {
	f, err := s.frequencies.FindByCode(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("頻度コードの取得に失敗しました: %w", err)
	}
	return maxSlotsFor(f), nil
}

func maxSlotsFor(f *model.Frequency) int {
	switch {
	case f == nil:
		return model.MaxSlots
	case f.TimesPerDay <= 0:
		return 1
	case f.TimesPerDay > model.MaxSlots:
		return model.MaxSlots
	}
	return f.TimesPerDay
}

// FindMedicineID は薬品名から薬品マスタのIDを返す。見つからない場合は model.ErrMedicineNotFound。
func (s *Service) FindMedicineID(ctx context.Context, name string) (string, error) {
	id, err := s.drugs.FindIDByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("薬品IDの取得に失敗しました: %w", err)
	}
	if id == "" {
		return "", model.ErrMedicineNotFound
	}
	return id, nil
}

// ValidateTimes は時刻リストを検証し、正規化して昇順に並べたものを返す。
// 空、形式不正、重複、上限超過はそれぞれのエラーを返す。
func ValidateTimes(times []string, maxSlots int) ([]string, error) {
	if len(times) == 0 {
		return nil, model.ErrNoTimesSelected
	}
	out := make([]string, 0, len(times))
	for _, t := range times {
		normalized, err := ParseTime(t)
		if err != nil {
			return nil, err
		}
		if slices.Contains(out, normalized) {
			return nil, model.ErrDuplicateTime
		}
		out = append(out, normalized)
	}
	if len(out) > maxSlots {
		return nil, model.ErrTooManyTimes.WithMessage("這個用藥頻率最多只能設定 %d 個時間。", maxSlots)
	}
	slices.Sort(out)
	return out, nil
}

// Upsert は服薬記録行を追記し、スケジュールを登録または置き換える。
// 頻度コードが未知の場合は何も書き込まずに失敗する。
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*model.ScheduleEntry, error) {
	if req.MedicineName == "" || req.Member == "" {
		return nil, model.ErrIncompleteReminder
	}
	freq, err := s.Frequency(ctx, req.FrequencyCode)
	if err != nil {
		return nil, err
	}
	times, err := ValidateTimes(req.Times, maxSlotsFor(freq))
	if err != nil {
		return nil, err
	}
	dose, err := ValidateDose(req.Dose)
	if err != nil {
		return nil, err
	}

	drugID, err := s.drugs.FindIDByName(ctx, req.MedicineName)
	if err != nil {
		return nil, fmt.Errorf("薬品IDの取得に失敗しました: %w", err)
	}

	source := req.Source
	if source == "" {
		source = model.SourceManual
	}
	now := s.now()

	record := &model.MedicationRecord{
		ID:            s.newID(),
		OrderID:       s.newID(),
		OwnerID:       req.OwnerID,
		Member:        req.Member,
		DrugID:        drugID,
		DrugName:      req.MedicineName,
		FrequencyCode: freq.Code,
		Dose:          dose,
		Days:          req.Days,
		SourceDetail:  source,
		RecordedAt:    now,
	}
	entry := &model.ScheduleEntry{
		OwnerID:       req.OwnerID,
		Member:        req.Member,
		FrequencyCode: freq.Code,
		FrequencyName: freq.Name,
		MedicineName:  req.MedicineName,
		Dose:          dose,
		Days:          req.Days,
		Times:         times,
		DosesPerDay:   len(times),
		UpdatedAt:     now,
		LastSource:    source,
	}
	if err := s.schedules.SaveWithRecord(ctx, record, entry); err != nil {
		return nil, fmt.Errorf("スケジュールの保存に失敗しました: %w", err)
	}
	return entry, nil
}

// Record は実際に服用した記録を1行追記する。スケジュールの時刻スロットには触れない。
// 薬品マスタに無い薬品名もそのまま記録する。服用日時が現在より後なら model.ErrFutureIntake。
func (s *Service) Record(ctx context.Context, req RecordRequest) (*model.MedicationRecord, error) {
	if req.Member == "" || req.MedicineName == "" || req.TakenAt.IsZero() {
		return nil, model.ErrIncompleteRecord
	}
	dose, err := ValidateDose(req.Dose)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if req.TakenAt.After(now) {
		return nil, model.ErrFutureIntake
	}

	drugID, err := s.drugs.FindIDByName(ctx, req.MedicineName)
	if err != nil {
		return nil, fmt.Errorf("薬品IDの取得に失敗しました: %w", err)
	}
	record := &model.MedicationRecord{
		ID:           s.newID(),
		OrderID:      s.newID(),
		OwnerID:      req.OwnerID,
		Member:       req.Member,
		DrugID:       drugID,
		DrugName:     req.MedicineName,
		Dose:         dose,
		SourceDetail: model.SourceIntake,
		RecordedAt:   now,
		TakenAt:      req.TakenAt,
	}
	if err := s.schedules.AppendRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("服用記録の追記に失敗しました: %w", err)
	}
	return record, nil
}

// UpdateTimes は既存スケジュールの時刻スロットだけを置き換える。服薬記録行は追記しない。
func (s *Service) UpdateTimes(ctx context.Context, ownerID, member, frequencyCode string, times []string) (*model.ScheduleEntry, error) {
	freq, err := s.Frequency(ctx, frequencyCode)
	if err != nil {
		return nil, err
	}
	normalized, err := ValidateTimes(times, maxSlotsFor(freq))
	if err != nil {
		return nil, err
	}
	if err := s.schedules.UpdateSlots(ctx, ownerID, member, frequencyCode, normalized); err != nil {
		if _, ok := model.AsBotError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("スケジュール時刻の更新に失敗しました: %w", err)
	}
	return s.Get(ctx, ownerID, member, frequencyCode)
}

// DeleteTime は時刻スロットを1つ削除し、残りを前詰めにする。
// 最後のスロットを削除した場合、または at が空の場合はスケジュール行ごと削除する。
// 戻り値は削除後に残った時刻（行ごと削除した場合は空）。
func (s *Service) DeleteTime(ctx context.Context, ownerID, member, frequencyCode, at string) ([]string, error) {
	if at == "" {
		if _, err := s.schedules.Delete(ctx, ownerID, member, frequencyCode); err != nil {
			return nil, fmt.Errorf("スケジュールの削除に失敗しました: %w", err)
		}
		return nil, nil
	}

	entry, err := s.Get(ctx, ownerID, member, frequencyCode)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(entry.Times, at) {
		return nil, model.ErrScheduleNotFound
	}
	remaining := slices.DeleteFunc(slices.Clone(entry.Times), func(t string) bool { return t == at })

	if len(remaining) == 0 {
		if _, err := s.schedules.Delete(ctx, ownerID, member, frequencyCode); err != nil {
			return nil, fmt.Errorf("スケジュールの削除に失敗しました: %w", err)
		}
		return nil, nil
	}
	if err := s.schedules.UpdateSlots(ctx, ownerID, member, frequencyCode, remaining); err != nil {
		if _, ok := model.AsBotError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("スケジュール時刻の更新に失敗しました: %w", err)
	}
	return remaining, nil
}

// Get はスケジュールを返す。存在しない場合は model.ErrScheduleNotFound。
func (s *Service) Get(ctx context.Context, ownerID, member, frequencyCode string) (*model.ScheduleEntry, error) {
	entry, err := s.schedules.Find(ctx, ownerID, member, frequencyCode)
	if err != nil {
		return nil, fmt.Errorf("スケジュールの取得に失敗しました: %w", err)
	}
	if entry == nil {
		return nil, model.ErrScheduleNotFound
	}
	return entry, nil
}

// List は服薬者のスケジュール一覧を返す。
func (s *Service) List(ctx context.Context, ownerID, member string) ([]model.ScheduleEntry, error) {
	entries, err := s.schedules.ListByMember(ctx, ownerID, member)
	if err != nil {
		return nil, fmt.Errorf("スケジュール一覧の取得に失敗しました: %w", err)
	}
	return entries, nil
}

// ListDueAt は hh:mm に通知対象となるスケジュールを返す。
func (s *Service) ListDueAt(ctx context.Context, hhmm string) ([]model.DueReminder, error) {
	due, err := s.schedules.ListDueAt(ctx, hhmm)
	if err != nil {
		return nil, fmt.Errorf("通知対象スケジュールの取得に失敗しました: %w", err)
	}
	return due, nil
}
