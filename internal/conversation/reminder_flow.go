package conversation

import (
	"context"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/state"
)

// startPatientSelection は目的ごとの服薬者選択を始めるハンドラーを返す。
func (e *Engine) startPatientSelection(purpose string) handlerFunc {
	return func(ctx context.Context, t *turn) (reply, error) {
		patients, err := e.family.ListPatients(ctx, t.userID)
		if err != nil {
			return reply{}, err
		}
		return advance(state.PatientSelection{Purpose: purpose}, patientSelectionMessage(purpose, patients)), nil
	}
}

// onSelectPatient は選択された服薬者で目的のフローに進む。
// ボタンの member パラメータ、または自由入力の名前を受け付ける。
func (e *Engine) onSelectPatient(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.PatientSelection)
	name := t.in.param("member")
	if t.in.class == classText {
		name = e.sanitize(t.in.text)
	}
	if name == "" {
		return reply{}, model.ErrEmptyInput
	}
	p, err := e.family.FindPatient(ctx, t.userID, name)
	if err != nil {
		return reply{}, err
	}

	switch f.Purpose {
	case state.PurposeOCR:
		return advance(state.OCRImage{Member: p.Name}, ocrImagePrompt(p.Name)), nil
	case state.PurposeManage:
		return finish(manageMenu(p.Name)), nil
	case state.PurposeRecord:
		today := e.today().Format(time.DateOnly)
		return advance(state.RecordDate{Member: p.Name}, recordDatePrompt(p.Name, today)), nil
	}
	return advance(state.MedicineName{Member: p.Name}, medicineNamePrompt(p.Name)), nil
}

func (e *Engine) onMedicineName(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.MedicineName)
	name := e.sanitize(t.in.text)
	if name == "" {
		return reply{}, model.ErrEmptyInput
	}
	if utf8.RuneCountInString(name) > maxMedicineNameLength {
		return reply{}, model.ErrEmptyInput.WithMessage("藥品名稱最多 %d 個字，請重新輸入。", maxMedicineNameLength)
	}
	freqs, err := e.schedules.Frequencies(ctx)
	if err != nil {
		return reply{}, err
	}
	next := state.FrequencySelection{Member: f.Member, MedicineName: name}
	return advance(next, frequencyPrompt(name, freqs)), nil
}

// onFrequency は頻度コードを確定する。自由入力の場合はコードまたは表示名で照合する。
func (e *Engine) onFrequency(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.FrequencySelection)
	code := t.in.param("code")
	if t.in.class == classText {
		freqs, err := e.schedules.Frequencies(ctx)
		if err != nil {
			return reply{}, err
		}
		text := t.in.text
		matched, ok := lo.Find(freqs, func(fr model.Frequency) bool {
			return fr.Name == text || fr.Code == text
		})
		if !ok {
			return say(message.Text(model.ErrUnknownFrequency.Message), frequencyPrompt(f.MedicineName, freqs)), nil
		}
		code = matched.Code
	}
	freq, err := e.schedules.Frequency(ctx, code)
	if err != nil {
		return reply{}, err
	}
	next := state.Dosage{Member: f.Member, MedicineName: f.MedicineName, FrequencyCode: freq.Code}
	return advance(next, dosagePrompt()), nil
}

func (e *Engine) onDosage(_ context.Context, t *turn) (reply, error) {
	f := t.flow.(state.Dosage)
	dosage := t.in.param("dosage")
	if t.in.class == classText {
		dosage = e.sanitize(t.in.text)
	}
	if dosage == otherDosage {
		return say(customDosagePrompt()), nil
	}
	if dosage == "" {
		return reply{}, model.ErrEmptyInput
	}
	if _, err := schedule.ValidateDose(dosage); err != nil {
		return reply{}, err
	}
	next := state.DaysInput{
		Member:        f.Member,
		MedicineName:  f.MedicineName,
		FrequencyCode: f.FrequencyCode,
		Dosage:        dosage,
	}
	return advance(next, daysPrompt()), nil
}

// onDays は用藥天數を確定し、時刻の選択を空の状態から始める。
func (e *Engine) onDays(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.DaysInput)
	raw := t.in.param("days")
	if t.in.class == classText {
		raw = t.in.text
	}
	days, err := schedule.ParseDays(raw)
	if err != nil {
		return reply{}, err
	}
	next := state.TimeSelection{
		Member:        f.Member,
		MedicineName:  f.MedicineName,
		FrequencyCode: f.FrequencyCode,
		Dosage:        f.Dosage,
		Days:          &days,
		Times:         []string{},
	}
	return e.renderTimeSelection(ctx, next)
}

func (e *Engine) renderTimeSelection(ctx context.Context, f state.TimeSelection) (reply, error) {
	freq, err := e.schedules.Frequency(ctx, f.FrequencyCode)
	if err != nil {
		return reply{}, err
	}
	maxSlots, err := e.schedules.MaxSlots(ctx, f.FrequencyCode)
	if err != nil {
		return reply{}, err
	}
	return advance(f, timeSelectionMessage(f, freq.Name, maxSlots)), nil
}

// onTime は提醒時間を1つ追加する。重複または上限超過の場合は選択済みの時刻を変更せずに拒否する。
func (e *Engine) onTime(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.TimeSelection)
	raw := t.in.param("time")
	if t.in.class == classText {
		raw = t.in.text
	}
	at, err := schedule.ParseTime(raw)
	if err != nil {
		return reply{}, err
	}
	if slices.Contains(f.Times, at) {
		return reply{}, model.ErrDuplicateTime
	}
	maxSlots, err := e.schedules.MaxSlots(ctx, f.FrequencyCode)
	if err != nil {
		return reply{}, err
	}
	if len(f.Times) >= maxSlots {
		return reply{}, model.ErrTooManyTimes.WithMessage("這個用藥頻率最多只能設定 %d 個時間，請按「完成設定」。", maxSlots)
	}

	times := append(slices.Clone(f.Times), at)
	slices.Sort(times)
	f.Times = times
	return e.renderTimeSelection(ctx, f)
}

func (e *Engine) onResetTimes(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.TimeSelection)
	f.Times = []string{}
	return e.renderTimeSelection(ctx, f)
}

// onFinishTime は選択した時刻でスケジュールを確定する。
// 修改の場合は時刻だけを置き換え、新規の場合は服薬記録を追記してスケジュールを登録する。
func (e *Engine) onFinishTime(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.TimeSelection)
	if len(f.Times) == 0 {
		return reply{}, model.ErrNoTimesSelected
	}
	if f.Member == "" || f.FrequencyCode == "" {
		return reply{}, model.ErrIncompleteReminder
	}

	if f.IsEdit {
		entry, err := e.schedules.UpdateTimes(ctx, t.userID, f.Member, f.FrequencyCode, f.Times)
		if err != nil {
			return reply{}, err
		}
		return finish(reminderSummary(entry, true)), nil
	}

	if f.MedicineName == "" || f.Dosage == "" || f.Days == nil {
		return reply{}, model.ErrIncompleteReminder
	}
	entry, err := e.schedules.Upsert(ctx, schedule.UpsertRequest{
		OwnerID:       t.userID,
		Member:        f.Member,
		MedicineName:  f.MedicineName,
		FrequencyCode: f.FrequencyCode,
		Dose:          f.Dosage,
		Days:          *f.Days,
		Times:         f.Times,
		Source:        model.SourceManual,
	})
	if err != nil {
		return reply{}, err
	}
	return finish(reminderSummary(entry, false)), nil
}

// --- 既存リマインダーの参照・修改・刪除 ---

// onViewCommand は提醒の一覧を表示する。進行中のフローには触れない。
// 服薬者が本人だけならすぐに一覧を返し、複数いれば一覧ボタンを並べる。
func (e *Engine) onViewCommand(ctx context.Context, t *turn) (reply, error) {
	patients, err := e.family.ListPatients(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	if len(patients) == 1 {
		entries, err := e.schedules.List(ctx, t.userID, patients[0].Name)
		if err != nil {
			return reply{}, err
		}
		return say(scheduleListMessage(patients[0].Name, entries)), nil
	}
	return say(viewSelectionMessage(patients)), nil
}

func (e *Engine) onShowReminders(ctx context.Context, t *turn) (reply, error) {
	member := t.in.param("member")
	entries, err := e.schedules.List(ctx, t.userID, member)
	if err != nil {
		return reply{}, err
	}
	return say(scheduleListMessage(member, entries)), nil
}

func (e *Engine) onManageEdit(ctx context.Context, t *turn) (reply, error) {
	member := t.in.param("member")
	entries, err := e.schedules.List(ctx, t.userID, member)
	if err != nil {
		return reply{}, err
	}
	if len(entries) == 0 {
		return say(scheduleListMessage(member, entries)), nil
	}
	return say(editListMessage(member, entries)), nil
}

func (e *Engine) onManageDelete(ctx context.Context, t *turn) (reply, error) {
	member := t.in.param("member")
	entries, err := e.schedules.List(ctx, t.userID, member)
	if err != nil {
		return reply{}, err
	}
	if len(entries) == 0 {
		return say(scheduleListMessage(member, entries)), nil
	}
	return say(deleteListMessage(member, entries)), nil
}

// onEditReminder は既存の時刻を選択済みにした状態で時刻の選択に入る。
func (e *Engine) onEditReminder(ctx context.Context, t *turn) (reply, error) {
	entry, err := e.schedules.Get(ctx, t.userID, t.in.param("member"), t.in.param("code"))
	if err != nil {
		return reply{}, err
	}
	next := state.TimeSelection{
		Member:        entry.Member,
		MedicineName:  entry.MedicineName,
		FrequencyCode: entry.FrequencyCode,
		Times:         slices.Clone(entry.Times),
		IsEdit:        true,
	}
	return e.renderTimeSelection(ctx, next)
}

func (e *Engine) onDeleteReminderMenu(ctx context.Context, t *turn) (reply, error) {
	entry, err := e.schedules.Get(ctx, t.userID, t.in.param("member"), t.in.param("code"))
	if err != nil {
		return reply{}, err
	}
	return say(deleteTimeMenu(entry)), nil
}

// onDeleteTime は時刻を1つ削除し、服薬者の残りのスケジュールを表示する。
func (e *Engine) onDeleteTime(ctx context.Context, t *turn) (reply, error) {
	member, at := t.in.param("member"), t.in.param("time")
	if at == "" {
		return reply{}, model.ErrScheduleNotFound
	}
	if _, err := e.schedules.DeleteTime(ctx, t.userID, member, t.in.param("code"), at); err != nil {
		return reply{}, err
	}
	return e.afterDelete(ctx, t.userID, member, fmt.Sprintf("🗑️ 已刪除 %s 的提醒。", at))
}

func (e *Engine) onDeleteReminder(ctx context.Context, t *turn) (reply, error) {
	member := t.in.param("member")
	if _, err := e.schedules.DeleteTime(ctx, t.userID, member, t.in.param("code"), ""); err != nil {
		return reply{}, err
	}
	return e.afterDelete(ctx, t.userID, member, "🗑️ 已刪除這筆用藥提醒。")
}

func (e *Engine) afterDelete(ctx context.Context, userID, member, notice string) (reply, error) {
	entries, err := e.schedules.List(ctx, userID, member)
	if err != nil {
		return reply{}, err
	}
	return say(message.Text(notice), scheduleListMessage(member, entries)), nil
}
