package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/medremind/internal/family"
	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/metrics"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/ocr"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/state"
)

// maxNameLength は服薬者名・続柄ラベルの最大文字数。
const maxNameLength = 20

// maxMedicineNameLength は薬品名の最大文字数。
const maxMedicineNameLength = 50

// anyState はどの会話状態でも一致するルートのタグ。
const anyState state.Tag = "*"

// noState は会話状態が無いことを表すタグ。
const noState state.Tag = ""

// Deps はEngineの依存関係。
type Deps struct {
	Family     *family.Service
	Schedules  *schedule.Service
	States     state.Store
	Locker     *state.Locker
	Recognizer ocr.Recognizer
	Parser     ocr.Parser
	Images     ImageFetcher
	Sanitizer  TextSanitizer
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
	// BasicID は招待リンクに埋め込む公式アカウントのベーシックID。空なら招待リンクを出さない。
	BasicID string
	// Location は時刻表示に使うタイムゾーン。
	Location *time.Location
}

// Engine は受信イベントを会話状態に応じて処理する状態機械。
type Engine struct {
	family     *family.Service
	schedules  *schedule.Service
	states     state.Store
	locker     *state.Locker
	recognizer ocr.Recognizer
	parser     ocr.Parser
	images     ImageFetcher
	sanitizer  TextSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	basicID    string
	loc        *time.Location
	now        func() time.Time

	routes map[routeKey]route
}

type routeKey struct {
	tag   state.Tag
	class inputClass
	name  string
}

// route は遷移表の1エントリ。
// starts が真のルートは新しいフローを始めるため、進行中のフローを取り消す。
type route struct {
	handle handlerFunc
	starts bool
}

type handlerFunc func(ctx context.Context, t *turn) (reply, error)

// turn は1イベント分の処理文脈。
type turn struct {
	userID string
	flow   state.Flow
	in     input
}

// reply はハンドラーの処理結果。next も clear も指定しない場合は状態を変更しない。
type reply struct {
	msgs  []message.Message
	next  state.Flow
	clear bool
}

func say(msgs ...message.Message) reply {
	return reply{msgs: msgs}
}

func advance(next state.Flow, msgs ...message.Message) reply {
	return reply{msgs: msgs, next: next}
}

func finish(msgs ...message.Message) reply {
	return reply{msgs: msgs, clear: true}
}

// NewEngine はEngineを生成し、遷移表を構築する。
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}
	locker := deps.Locker
	if locker == nil {
		locker = state.NewLocker()
	}
	parser := deps.Parser
	if parser == nil {
		parser = ocr.NewKeywordParser()
	}
	e := &Engine{
		family:     deps.Family,
		schedules:  deps.Schedules,
		states:     deps.States,
		locker:     locker,
		recognizer: deps.Recognizer,
		parser:     parser,
		images:     deps.Images,
		sanitizer:  deps.Sanitizer,
		metrics:    m,
		logger:     logger,
		basicID:    deps.BasicID,
		loc:        loc,
		now:        time.Now,
		routes:     make(map[routeKey]route),
	}
	e.registerRoutes()
	return e
}

func (e *Engine) on(tag state.Tag, class inputClass, name string, h handlerFunc) {
	e.routes[routeKey{tag: tag, class: class, name: name}] = route{handle: h}
}

func (e *Engine) start(class inputClass, name string, h handlerFunc) {
	e.routes[routeKey{tag: anyState, class: class, name: name}] = route{handle: h, starts: true}
}

// registerRoutes は遷移表を構築する。
func (e *Engine) registerRoutes() {
	// 状態に依存しない入力
	e.on(anyState, classFollow, "", e.onFollow)
	e.on(anyState, classJoin, "", e.onJoin)
	e.on(anyState, classImage, "", e.onUnexpectedImage)
	e.on(anyState, classCommand, cmdHelp, e.onHelp)
	e.on(anyState, classCommand, cmdCancel, e.onCancel)
	e.on(anyState, classPostback, "cancel", e.onCancel)
	e.on(anyState, classCommand, cmdFamilyMenu, e.onFamilyMenu)
	e.on(anyState, classCommand, cmdGenInvite, e.onGenerateInvite)
	e.on(anyState, classCommand, cmdListFamily, e.onListFamily)
	e.on(anyState, classCommand, cmdView, e.onViewCommand)

	// 新しいフローを始める入力
	e.start(classCommand, cmdAddReminder, e.startPatientSelection(state.PurposeAddReminder))
	e.start(classCommand, cmdOCR, e.startPatientSelection(state.PurposeOCR))
	e.start(classCommand, cmdManage, e.startPatientSelection(state.PurposeManage))
	e.start(classCommand, cmdAddRecord, e.startPatientSelection(state.PurposeRecord))
	e.start(classCommand, cmdBind, e.onBindCommand)
	e.start(classCommand, cmdUnbind, e.onUnbindCommand)
	e.start(classCommand, cmdAddPatient, e.onAddPatientCommand)
	e.start(classCommand, cmdRename, e.onRenameCommand)
	e.start(classPostback, "edit_reminder", e.onEditReminder)
	e.start(classPostback, "rename_select", e.onRenameSelect)

	// 服薬者の選択
	e.on(state.TagPatientSelection, classPostback, "select_patient", e.onSelectPatient)
	e.on(state.TagPatientSelection, classText, "", e.onSelectPatient)
	e.on(state.TagPatientSelection, classPostback, "add_new_patient", e.onAddNewPatientButton)
	e.on(state.TagNewPatientName, classText, "", e.onNewPatientName)

	// 手動でのリマインダー登録
	e.on(state.TagMedicineName, classText, "", e.onMedicineName)
	e.on(state.TagFrequency, classPostback, "set_frequency", e.onFrequency)
	e.on(state.TagFrequency, classText, "", e.onFrequency)
	e.on(state.TagDosage, classPostback, "set_dosage", e.onDosage)
	e.on(state.TagDosage, classText, "", e.onDosage)
	e.on(state.TagDaysInput, classPostback, "set_days", e.onDays)
	e.on(state.TagDaysInput, classText, "", e.onDays)
	e.on(state.TagTimeSelection, classPostback, "set_time", e.onTime)
	e.on(state.TagTimeSelection, classText, "", e.onTime)
	e.on(state.TagTimeSelection, classPostback, "reset_times", e.onResetTimes)
	e.on(state.TagTimeSelection, classPostback, "finish_time", e.onFinishTime)

	// 既存リマインダーの参照・修改・刪除
	e.on(anyState, classPostback, "show_reminders", e.onShowReminders)
	e.on(anyState, classPostback, "manage_edit", e.onManageEdit)
	e.on(anyState, classPostback, "manage_delete", e.onManageDelete)
	e.on(anyState, classPostback, "delete_reminder_menu", e.onDeleteReminderMenu)
	e.on(anyState, classPostback, "delete_time", e.onDeleteTime)
	e.on(anyState, classPostback, "delete_reminder", e.onDeleteReminder)

	// 服用記録
	e.on(state.TagRecordDate, classPostback, "set_record_date", e.onRecordDate)
	e.on(state.TagRecordDate, classText, "", e.onRecordDate)
	e.on(state.TagRecordMedicine, classText, "", e.onRecordMedicine)
	e.on(state.TagRecordDosage, classPostback, "set_record_dosage", e.onRecordDosage)
	e.on(state.TagRecordDosage, classText, "", e.onRecordDosage)
	e.on(state.TagRecordTime, classPostback, "set_record_time", e.onRecordTime)
	e.on(state.TagRecordTime, classText, "", e.onRecordTime)
	e.on(state.TagRecordConfirmation, classPostback, "confirm_record", e.onConfirmRecord)

	// 藥袋辨識
	e.on(state.TagOCRImage, classImage, "", e.onOCRImage)
	e.on(state.TagOCRConfirmation, classPostback, "confirm_med_order", e.onConfirmOrder)

	// 家族バインド
	e.on(state.TagInviteCode, classText, "", e.onInviteCode)
	e.on(state.TagBindConfirmation, classPostback, "confirm_bind", e.onConfirmBind)
	e.on(state.TagBindConfirmation, classPostback, "reject_bind", e.onRejectBind)
	e.on(state.TagRelationLabel, classPostback, "set_relation", e.onRelationLabel)
	e.on(state.TagRelationLabel, classText, "", e.onRelationLabel)
	e.on(state.TagRelationLabel, classPostback, "skip_relation", e.onSkipRelation)
	e.on(state.TagUnbindSelection, classPostback, "unbind", e.onUnbind)

	// 名前の変更
	e.on(state.TagNewName, classText, "", e.onNewName)
}

// lookup は (状態, 入力種別, 名前) の完全一致、任意状態での一致、
// 名前を問わない状態ごとの既定、任意状態の既定の順にルートを探す。
func (e *Engine) lookup(current state.Flow, in input) route {
	tag := noState
	if current != nil {
		tag = current.Tag()
	}
	keys := []routeKey{
		{tag: tag, class: in.class, name: in.name},
		{tag: anyState, class: in.class, name: in.name},
		{tag: tag, class: in.class},
		{tag: anyState, class: in.class},
	}
	for _, k := range keys {
		if r, ok := e.routes[k]; ok {
			return r
		}
	}
	return route{handle: e.onUnmatched}
}

// Handle は1イベントを処理して返信メッセージを返す。
// 同一ユーザーのイベントは直列に処理する。エラーとpanicはここで返信に変換され、呼び出し元には伝播しない。
func (e *Engine) Handle(ctx context.Context, ev Event) (msgs []message.Message) {
	if ev.UserID == "" {
		return nil
	}
	e.metrics.RecordEvent(string(ev.Kind))

	unlock := e.locker.Lock(ev.UserID)
	defer unlock()

	logger := e.logger.With(
		slog.String("user_id", ev.UserID),
		slog.String("event", string(ev.Kind)),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("イベント処理中にpanicが発生しました",
				slog.String("panic", fmt.Sprint(rec)),
			)
			e.metrics.RecordHandlerFailure(metrics.FailurePanic)
			e.clearAfterFailure(ctx, ev.UserID, logger)
			msgs = []message.Message{apologyMessage()}
		}
	}()

	out, err := e.dispatch(ctx, ev)
	if err == nil {
		return out
	}

	if be, ok := model.AsBotError(err); ok {
		logger.Info("入力を受け付けませんでした",
			slog.String("code", be.Code),
			slog.String("category", be.Category),
		)
		e.metrics.RecordHandlerFailure(metrics.FailureBotError)
		return []message.Message{message.Text(be.Message)}
	}

	logger.Error("イベント処理に失敗しました", slog.String("error", err.Error()))
	e.metrics.RecordHandlerFailure(metrics.FailureSystem)
	e.clearAfterFailure(ctx, ev.UserID, logger)
	return []message.Message{apologyMessage()}
}

// dispatch は状態を読み込み、遷移表のハンドラーを呼び、結果に応じて状態を書き戻す。
func (e *Engine) dispatch(ctx context.Context, ev Event) ([]message.Message, error) {
	// 参加イベントの UserID はグループのIDなので利用者として登録しない
	if ev.Kind != EventJoin {
		if _, err := e.family.EnsureUser(ctx, ev.UserID); err != nil {
			return nil, err
		}
	}
	current, err := e.states.Get(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("会話状態の取得に失敗しました: %w", err)
	}

	in := classify(ev, schedule.Normalize)
	r := e.lookup(current, in)
	t := &turn{userID: ev.UserID, flow: current, in: in}

	rep, err := r.handle(ctx, t)
	if err != nil {
		return nil, err
	}

	switch {
	case rep.next != nil:
		if err := e.states.Set(ctx, ev.UserID, rep.next); err != nil {
			return nil, fmt.Errorf("会話状態の保存に失敗しました: %w", err)
		}
	case rep.clear && current != nil:
		if err := e.states.Clear(ctx, ev.UserID); err != nil {
			return nil, fmt.Errorf("会話状態の削除に失敗しました: %w", err)
		}
	}

	if r.starts && current != nil && !isEntryStep(current) && (rep.next != nil || rep.clear) {
		notice := message.Text(fmt.Sprintf("已取消先前未完成的「%s」。", flowLabel(current)))
		return append([]message.Message{notice}, rep.msgs...), nil
	}
	return rep.msgs, nil
}

// clearAfterFailure はシステムエラー後に会話状態を破棄する。削除の失敗はログに残すだけにする。
func (e *Engine) clearAfterFailure(ctx context.Context, userID string, logger *slog.Logger) {
	if err := e.states.Clear(ctx, userID); err != nil {
		logger.Warn("会話状態の削除に失敗しました", slog.String("error", err.Error()))
	}
}

// isEntryStep はまだ入力を受け取っていないフローの最初の段階かどうかを返す。
// 最初の段階を置き換えても失われる入力は無いため、取消通知を出さない。
func isEntryStep(f state.Flow) bool {
	switch f.(type) {
	case state.PatientSelection, state.InviteCode, state.UnbindSelection:
		return true
	}
	return false
}

// flowLabel は取消通知に表示するフロー名を返す。
func flowLabel(f state.Flow) string {
	switch v := f.(type) {
	case state.PatientSelection:
		switch v.Purpose {
		case state.PurposeOCR:
			return "藥袋辨識"
		case state.PurposeManage:
			return "用藥管理"
		case state.PurposeRecord:
			return "新增用藥記錄"
		}
		return "新增用藥提醒"
	case state.TimeSelection:
		if v.IsEdit {
			return "修改提醒時間"
		}
		return "新增用藥提醒"
	case state.MedicineName, state.FrequencySelection, state.Dosage, state.DaysInput:
		return "新增用藥提醒"
	case state.RecordDate, state.RecordMedicine, state.RecordDosage, state.RecordTime, state.RecordConfirmation:
		return "新增用藥記錄"
	case state.OCRImage, state.OCRConfirmation:
		return "藥袋辨識"
	case state.InviteCode, state.BindConfirmation, state.RelationLabel:
		return "家人綁定"
	case state.UnbindSelection:
		return "解除綁定"
	case state.NewPatientName:
		return "新增家人"
	case state.NewName:
		return "修改名稱"
	}
	return "設定"
}

// sanitize は自由入力から表示に不要なマークアップを取り除く。
func (e *Engine) sanitize(s string) string {
	if e.sanitizer != nil {
		s = e.sanitizer.SanitizeText(s)
	}
	return strings.TrimSpace(s)
}

// validName は服薬者名・続柄ラベルとして使える文字列かどうかを検証する。
func (e *Engine) validName(raw string) (string, error) {
	name := e.sanitize(raw)
	if name == "" {
		return "", model.ErrEmptyInput
	}
	if utf8.RuneCountInString(name) > maxNameLength || isCommandWord(name) {
		return "", model.ErrInvalidName
	}
	return name, nil
}

// --- 状態に依存しない入力 ---

func (e *Engine) onFollow(_ context.Context, _ *turn) (reply, error) {
	return say(welcomeMessage()), nil
}

func (e *Engine) onJoin(_ context.Context, _ *turn) (reply, error) {
	return say(joinMessage()), nil
}

func (e *Engine) onHelp(_ context.Context, _ *turn) (reply, error) {
	return say(helpMessage()), nil
}

func (e *Engine) onCancel(_ context.Context, t *turn) (reply, error) {
	return finish(cancelledMessage(t.flow != nil)), nil
}

func (e *Engine) onUnexpectedImage(_ context.Context, _ *turn) (reply, error) {
	return say(message.WithButtons(
		"如需辨識藥袋，請先輸入「藥袋辨識」並選擇用藥對象，再上傳照片。",
		message.Reply("藥袋辨識", "藥袋辨識"),
	)), nil
}

// onUnmatched は遷移表に一致しない入力を処理する。
func (e *Engine) onUnmatched(ctx context.Context, t *turn) (reply, error) {
	if t.in.class == classPostback {
		return say(expiredButtonMessage()), nil
	}
	if t.flow == nil {
		return say(fallbackMessage()), nil
	}
	return e.reprompt(ctx, t)
}

// reprompt は現在の状態で期待される入力を改めて案内する。状態は変更しない。
func (e *Engine) reprompt(ctx context.Context, t *turn) (reply, error) {
	hint := message.Text("請依照下方的選項操作，或輸入「取消」結束目前的設定。")
	switch f := t.flow.(type) {
	case state.OCRImage:
		return say(hint, ocrImagePrompt(f.Member)), nil
	case state.OCRConfirmation:
		return say(hint, ocrConfirmationMessage(f.Order)), nil
	case state.RecordConfirmation:
		return say(hint, recordConfirmationMessage(f)), nil
	case state.BindConfirmation:
		return say(hint, message.WithButtons(
			fmt.Sprintf("是否要使用邀請碼 %s 完成綁定？", f.Code),
			message.Postback("✅ 確認綁定", "confirm_bind"),
			message.Postback("❌ 不要綁定", "reject_bind"),
		)), nil
	case state.UnbindSelection:
		bindings, err := e.family.ListBindings(ctx, t.userID)
		if err != nil {
			return reply{}, err
		}
		return say(hint, unbindSelectionMessage(t.userID, bindings)), nil
	}
	return say(hint), nil
}
