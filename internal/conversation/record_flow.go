package conversation

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/state"
)

// 服用記録フロー: 服薬者 → 日付 → 薬品名 → 用量 → 時刻 → 確認。
// 記録は服薬記録行に追記するだけで、スケジュールには影響しない。

func (e *Engine) today() time.Time {
	return e.now().In(e.loc)
}

// onRecordDate は服用日を確定する。日付ピッカーの date パラメータ、または自由入力を受け付ける。
func (e *Engine) onRecordDate(_ context.Context, t *turn) (reply, error) {
	f := t.flow.(state.RecordDate)
	raw := t.in.param("date")
	if t.in.class == classText {
		raw = t.in.text
	}
	day, err := schedule.ParseDate(raw, e.today())
	if err != nil {
		return reply{}, err
	}
	next := state.RecordMedicine{Member: f.Member, Date: day}
	return advance(next, recordMedicinePrompt(f.Member, day)), nil
}

func (e *Engine) onRecordMedicine(_ context.Context, t *turn) (reply, error) {
	f := t.flow.(state.RecordMedicine)
	name := e.sanitize(t.in.text)
	if name == "" {
		return reply{}, model.ErrEmptyInput
	}
	if utf8.RuneCountInString(name) > maxMedicineNameLength {
		return reply{}, model.ErrEmptyInput.WithMessage("藥品名稱最多 %d 個字，請重新輸入。", maxMedicineNameLength)
	}
	next := state.RecordDosage{Member: f.Member, Date: f.Date, MedicineName: name}
	return advance(next, recordDosagePrompt(name)), nil
}

func (e *Engine) onRecordDosage(_ context.Context, t *turn) (reply, error) {
	f := t.flow.(state.RecordDosage)
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
	next := state.RecordTime{Member: f.Member, Date: f.Date, MedicineName: f.MedicineName, Dosage: dosage}
	return advance(next, recordTimePrompt(e.suggestIntakeTime(f.Date))), nil
}

// suggestIntakeTime は時刻ピッカーの初期値を返す。当日なら現在時刻、それ以外は08:00。
func (e *Engine) suggestIntakeTime(date string) string {
	now := e.today()
	if date == now.Format(time.DateOnly) {
		return now.Format("15:04")
	}
	return "08:00"
}

func (e *Engine) onRecordTime(_ context.Context, t *turn) (reply, error) {
	f := t.flow.(state.RecordTime)
	raw := t.in.param("time")
	if t.in.class == classText {
		raw = t.in.text
	}
	at, err := schedule.ParseTime(raw)
	if err != nil {
		return reply{}, err
	}
	takenAt, err := e.intakeTime(f.Date, at)
	if err != nil {
		return reply{}, err
	}
	if takenAt.After(e.now()) {
		return reply{}, model.ErrFutureIntake
	}
	next := state.RecordConfirmation{
		Member:       f.Member,
		Date:         f.Date,
		MedicineName: f.MedicineName,
		Dosage:       f.Dosage,
		Time:         at,
	}
	return advance(next, recordConfirmationMessage(next)), nil
}

// onConfirmRecord は確認済みの服用記録を保存する。
func (e *Engine) onConfirmRecord(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.RecordConfirmation)
	if f.Date == "" || f.Time == "" {
		return reply{}, model.ErrIncompleteRecord
	}
	takenAt, err := e.intakeTime(f.Date, f.Time)
	if err != nil {
		return reply{}, err
	}
	rec, err := e.schedules.Record(ctx, schedule.RecordRequest{
		OwnerID:      t.userID,
		Member:       f.Member,
		MedicineName: f.MedicineName,
		Dose:         f.Dosage,
		TakenAt:      takenAt,
	})
	if err != nil {
		return reply{}, err
	}
	return finish(recordSavedMessage(rec, e.loc)), nil
}

func (e *Engine) intakeTime(date, hhmm string) (time.Time, error) {
	at, err := time.ParseInLocation(time.DateOnly+" 15:04", date+" "+hhmm, e.loc)
	if err != nil {
		return time.Time{}, model.ErrIncompleteRecord
	}
	return at, nil
}
