package conversation

import (
	"context"
	"fmt"

	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/state"
)

// onAddPatientCommand は服薬者の追加を始める。上限に達していれば名前を尋ねない。
func (e *Engine) onAddPatientCommand(ctx context.Context, t *turn) (reply, error) {
	if err := e.checkPatientLimit(ctx, t.userID); err != nil {
		return reply{}, err
	}
	return advance(state.NewPatientName{}, newPatientPrompt()), nil
}

// onAddNewPatientButton は服薬者選択の途中で新しい服薬者を追加する。追加後は元の選択に戻る。
func (e *Engine) onAddNewPatientButton(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.PatientSelection)
	if err := e.checkPatientLimit(ctx, t.userID); err != nil {
		return reply{}, err
	}
	return advance(state.NewPatientName{ReturnPurpose: f.Purpose}, newPatientPrompt()), nil
}

func (e *Engine) checkPatientLimit(ctx context.Context, userID string) error {
	patients, err := e.family.ListPatients(ctx, userID)
	if err != nil {
		return err
	}
	if len(patients) >= model.MaxPatientsPerOwner {
		return model.ErrTooManyPatients
	}
	return nil
}

func (e *Engine) onNewPatientName(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.NewPatientName)
	name, err := e.validName(t.in.text)
	if err != nil {
		return reply{}, err
	}
	if _, err := e.family.AddPatient(ctx, t.userID, name); err != nil {
		return reply{}, err
	}

	done := message.Text(fmt.Sprintf("✅ 已新增家人「%s」。", name))
	if f.ReturnPurpose == "" {
		return finish(done), nil
	}
	patients, err := e.family.ListPatients(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	next := state.PatientSelection{Purpose: f.ReturnPurpose}
	return advance(next, done, patientSelectionMessage(f.ReturnPurpose, patients)), nil
}

func (e *Engine) onRenameCommand(ctx context.Context, t *turn) (reply, error) {
	patients, err := e.family.ListPatients(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	return finish(renameMenu(patients)), nil
}

// onRenameSelect は名前を変更する服薬者を選ぶ。「本人」は選べない。
func (e *Engine) onRenameSelect(ctx context.Context, t *turn) (reply, error) {
	p, err := e.family.FindPatient(ctx, t.userID, t.in.param("member"))
	if err != nil {
		return reply{}, err
	}
	if p.IsSelf() {
		return reply{}, model.ErrSelfProfileImmutable
	}
	return advance(state.NewName{Member: p.Name}, newNamePrompt(p.Name)), nil
}

func (e *Engine) onNewName(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.NewName)
	name, err := e.validName(t.in.text)
	if err != nil {
		return reply{}, err
	}
	if err := e.family.RenamePatient(ctx, t.userID, f.Member, name); err != nil {
		return reply{}, err
	}
	return finish(message.Text(fmt.Sprintf("✅ 已將「%s」改名為「%s」。", f.Member, name))), nil
}
