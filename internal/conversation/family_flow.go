package conversation

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/hitoshi/medremind/internal/family"
	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/state"
)

func (e *Engine) onFamilyMenu(_ context.Context, _ *turn) (reply, error) {
	return say(familyMenu()), nil
}

func (e *Engine) onGenerateInvite(ctx context.Context, t *turn) (reply, error) {
	ic, err := e.family.GenerateInviteCode(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	return say(inviteMessage(ic, family.InviteLink(e.basicID, ic.Code), e.loc)), nil
}

func (e *Engine) onListFamily(ctx context.Context, t *turn) (reply, error) {
	bindings, err := e.family.ListBindings(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	return say(familyListMessage(t.userID, bindings)), nil
}

// onBindCommand は招待コードの入力を始める。コードが続けて入力されていれば確認に進む。
func (e *Engine) onBindCommand(ctx context.Context, t *turn) (reply, error) {
	if t.in.text == "" {
		return advance(state.InviteCode{}, inviteCodePrompt()), nil
	}
	return e.confirmCode(ctx, t.userID, t.in.text)
}

// onInviteCode は入力された招待コードを検証する。コードだけでは綁定せず、必ず確認を挟む。
func (e *Engine) onInviteCode(ctx context.Context, t *turn) (reply, error) {
	if t.in.text == "" {
		return reply{}, model.ErrEmptyInput
	}
	return e.confirmCode(ctx, t.userID, t.in.text)
}

func (e *Engine) confirmCode(ctx context.Context, userID, code string) (reply, error) {
	ic, err := e.family.PeekInviteCode(ctx, code, userID)
	if err != nil {
		return reply{}, err
	}
	next := state.BindConfirmation{Code: ic.Code, InviterID: ic.InviterID}
	return advance(next, bindConfirmationMessage(ic, e.loc)), nil
}

// onConfirmBind は招待コードを引き換え、続柄の設定に進む。
func (e *Engine) onConfirmBind(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.BindConfirmation)
	result, err := e.family.Bind(ctx, f.Code, t.userID)
	if err != nil {
		return reply{}, err
	}
	patients, err := e.family.ListPatients(ctx, result.InviterID)
	if err != nil {
		return reply{}, err
	}
	return advance(state.RelationLabel{InviterID: result.InviterID}, relationPrompt(patients)), nil
}

func (e *Engine) onRejectBind(_ context.Context, _ *turn) (reply, error) {
	return finish(message.Text("好的，已取消綁定。")), nil
}

// onRelationLabel は招待者から見た受信者の呼び名を設定する。
func (e *Engine) onRelationLabel(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.RelationLabel)
	raw := t.in.param("label")
	if t.in.class == classText {
		raw = t.in.text
	}
	label, err := e.validName(raw)
	if err != nil {
		return reply{}, err
	}
	profile, err := e.family.SetRelation(ctx, f.InviterID, t.userID, label)
	if err != nil {
		return reply{}, err
	}
	text := fmt.Sprintf("✅ 已設定您是對方的「%s」。", label)
	if profile != "" {
		text += fmt.Sprintf("\n對方為「%s」設定的用藥提醒，也會同步通知您。", profile)
	}
	return finish(message.Text(text)), nil
}

func (e *Engine) onSkipRelation(_ context.Context, _ *turn) (reply, error) {
	return finish(message.Text("✅ 綁定完成！之後可以輸入「查看家人」確認綁定狀態。")), nil
}

func (e *Engine) onUnbindCommand(ctx context.Context, t *turn) (reply, error) {
	bindings, err := e.family.ListBindings(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	if len(bindings) == 0 {
		return finish(familyListMessage(t.userID, bindings)), nil
	}
	return advance(state.UnbindSelection{}, unbindSelectionMessage(t.userID, bindings)), nil
}

// onUnbind は選択された家族とのバインドを解除する。
func (e *Engine) onUnbind(ctx context.Context, t *turn) (reply, error) {
	other := t.in.param("user")
	bindings, err := e.family.ListBindings(ctx, t.userID)
	if err != nil {
		return reply{}, err
	}
	b, ok := lo.Find(bindings, func(b model.FamilyBinding) bool { return b.Other(t.userID) == other })
	if !ok {
		return finish(message.Text(model.ErrBindingNotFound.Message)), nil
	}
	removed, err := e.family.Unbind(ctx, t.userID, other)
	if err != nil {
		return reply{}, err
	}
	if !removed {
		return finish(message.Text(model.ErrBindingNotFound.Message)), nil
	}
	return finish(message.Text(fmt.Sprintf("✅ 已解除與「%s」的綁定。", bindingLabel(b, t.userID)))), nil
}
