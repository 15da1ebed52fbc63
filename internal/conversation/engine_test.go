package conversation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/medremind/internal/family"
	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/ocr"
	"github.com/hitoshi/medremind/internal/repository"
	"github.com/hitoshi/medremind/internal/repository/memrepo"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/state"
)

// --- モック ---

type mockImages struct {
	contentFn func(ctx context.Context, messageID string) ([]byte, error)
}

func (m *mockImages) Content(ctx context.Context, messageID string) ([]byte, error) {
	if m.contentFn != nil {
		return m.contentFn(ctx, messageID)
	}
	return []byte("jpeg"), nil
}

// failingScheduleRepo は保存だけを失敗させる。
type failingScheduleRepo struct {
	*memrepo.ScheduleRepo
	err error
}

func (r failingScheduleRepo) SaveWithRecord(context.Context, *model.MedicationRecord, *model.ScheduleEntry) error {
	return r.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- テスト用ハーネス ---

type harness struct {
	t      *testing.T
	store  *memrepo.Store
	family *family.Service
	sched  *schedule.Service
	states state.Store
	engine *Engine
	logs   *bytes.Buffer
}

type harnessOption func(*Deps, *memrepo.Store)

func withRecognizer(r ocr.Recognizer) harnessOption {
	return func(d *Deps, _ *memrepo.Store) { d.Recognizer = r }
}

func withImages(f ImageFetcher) harnessOption {
	return func(d *Deps, _ *memrepo.Store) { d.Images = f }
}

func withScheduleRepo(fn func(*memrepo.Store) repository.ScheduleRepository) harnessOption {
	return func(d *Deps, s *memrepo.Store) {
		d.Schedules = schedule.NewService(s.Frequencies(), s.Drugs(), fn(s))
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store := memrepo.New()
	logs := &bytes.Buffer{}
	logger := newTestLogger(logs)

	deps := Deps{
		Family: family.NewService(family.Deps{
			Users:    store.Users(),
			Patients: store.Patients(),
			Invites:  store.Invites(),
			Family:   store.Family(),
			Logger:   logger,
		}),
		Schedules:  schedule.NewService(store.Frequencies(), store.Drugs(), store.Schedules()),
		States:     state.NewSQLStore(store.States(), time.Hour),
		Recognizer: ocr.NewStubRecognizer(),
		Images:     &mockImages{},
		Logger:     logger,
		Location:   time.UTC,
	}
	for _, opt := range opts {
		opt(&deps, store)
	}
	return &harness{
		t:      t,
		store:  store,
		family: deps.Family,
		sched:  deps.Schedules,
		states: deps.States,
		engine: NewEngine(deps),
		logs:   logs,
	}
}

func (h *harness) send(ev Event) []message.Message {
	h.t.Helper()
	msgs := h.engine.Handle(context.Background(), ev)
	if len(msgs) == 0 {
		h.t.Fatalf("event %+v produced no reply", ev)
	}
	return msgs
}

func (h *harness) text(user, text string) []message.Message {
	h.t.Helper()
	return h.send(Event{Kind: EventText, UserID: user, Text: text})
}

func (h *harness) postback(user, action string, pairs ...string) []message.Message {
	h.t.Helper()
	return h.send(Event{Kind: EventPostback, UserID: user, Data: message.EncodeData(action, pairs...)})
}

func (h *harness) pickTime(user, at string) []message.Message {
	h.t.Helper()
	return h.send(Event{
		Kind:   EventPostback,
		UserID: user,
		Data:   message.EncodeData("set_time"),
		Params: map[string]string{"time": at},
	})
}

// press は返信に含まれるボタンを押したときのイベントを送る。
func (h *harness) press(user string, msgs []message.Message, label string) []message.Message {
	h.t.Helper()
	for _, m := range msgs {
		for _, b := range m.QuickReplies {
			if b.Label != label {
				continue
			}
			if b.Kind == message.KindMessage {
				return h.text(user, b.Text)
			}
			return h.send(Event{Kind: EventPostback, UserID: user, Data: b.Data})
		}
	}
	h.t.Fatalf("button %q not found in %+v", label, msgs)
	return nil
}

func (h *harness) flow(user string) state.Flow {
	h.t.Helper()
	f, err := h.states.Get(context.Background(), user)
	if err != nil {
		h.t.Fatalf("states.Get: %v", err)
	}
	return f
}

func joined(msgs []message.Message) string {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
	}
	return strings.Join(texts, "\n")
}

func assertContains(t *testing.T, msgs []message.Message, want string) {
	t.Helper()
	if got := joined(msgs); !strings.Contains(got, want) {
		t.Errorf("reply = %q, want it to contain %q", got, want)
	}
}

// toTimeSelection は手動登録フローを時刻の選択まで進める。
func (h *harness) toTimeSelection(user, medicine, code string) {
	h.t.Helper()
	h.text(user, "新增用藥提醒")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.text(user, medicine)
	h.postback(user, "set_frequency", "code", code)
	h.postback(user, "set_dosage", "dosage", "1 錠")
	h.text(user, "7天")
	if _, ok := h.flow(user).(state.TimeSelection); !ok {
		h.t.Fatalf("flow = %#v, want TimeSelection", h.flow(user))
	}
}

// --- テスト ---

func TestEngine_FollowCreatesSelfProfile(t *testing.T) {
	h := newHarness(t)

	msgs := h.send(Event{Kind: EventFollow, UserID: "U1"})
	assertContains(t, msgs, "歡迎")

	patients, err := h.family.ListPatients(context.Background(), "U1")
	if err != nil {
		t.Fatalf("ListPatients: %v", err)
	}
	if len(patients) != 1 || patients[0].Name != model.SelfMemberName {
		t.Errorf("patients = %+v, want exactly [本人]", patients)
	}

	h.send(Event{Kind: EventFollow, UserID: "U1"})
	patients, _ = h.family.ListPatients(context.Background(), "U1")
	if len(patients) != 1 {
		t.Errorf("second follow: len(patients) = %d, want 1", len(patients))
	}
}

func TestEngine_ManualReminderFlow(t *testing.T) {
	h := newHarness(t)
	const user = "U1"

	msgs := h.text(user, "新增用藥提醒")
	if f, ok := h.flow(user).(state.PatientSelection); !ok || f.Purpose != state.PurposeAddReminder {
		t.Fatalf("flow = %#v, want PatientSelection(add_reminder)", h.flow(user))
	}
	msgs = h.press(user, msgs, "👤 本人")
	if _, ok := h.flow(user).(state.MedicineName); !ok {
		t.Fatalf("flow = %#v, want MedicineName", h.flow(user))
	}
	msgs = h.text(user, "普拿疼")
	msgs = h.press(user, msgs, "一日兩次")
	msgs = h.press(user, msgs, "1 錠")
	h.press(user, msgs, "7天")

	ts, ok := h.flow(user).(state.TimeSelection)
	if !ok {
		t.Fatalf("flow = %#v, want TimeSelection", h.flow(user))
	}
	if len(ts.Times) != 0 || ts.Days == nil || *ts.Days != 7 || ts.Dosage != "1 錠" {
		t.Fatalf("TimeSelection = %+v, want empty times, 7 days, dosage 1 錠", ts)
	}

	h.pickTime(user, "08:00")
	msgs = h.pickTime(user, "20:00")
	assertContains(t, msgs, "08:00、20:00")

	msgs = h.press(user, msgs, "✅ 完成設定")
	assertContains(t, msgs, "用藥提醒設定完成")
	if f := h.flow(user); f != nil {
		t.Errorf("flow after finish = %#v, want nil", f)
	}

	entries, err := h.sched.List(context.Background(), user, model.SelfMemberName)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.FrequencyCode != "BID" || !slices.Equal(e.Times, []string{"08:00", "20:00"}) || e.DosesPerDay != 2 {
		t.Errorf("entry = %+v, want BID [08:00 20:00] doses 2", e)
	}
	if e.Days != 7 || e.Dose.String() != "1 錠" {
		t.Errorf("entry days/dose = %d/%q, want 7/%q", e.Days, e.Dose.String(), "1 錠")
	}
}

func TestEngine_TimeSelectionRejectsDuplicateAndExcess(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.toTimeSelection(user, "普拿疼", "BID")

	h.pickTime(user, "08:00")
	msgs := h.pickTime(user, "08:00")
	assertContains(t, msgs, model.ErrDuplicateTime.Message)
	if ts := h.flow(user).(state.TimeSelection); !slices.Equal(ts.Times, []string{"08:00"}) {
		t.Fatalf("Times after duplicate = %v, want [08:00]", ts.Times)
	}

	h.text(user, "２０：００")
	if ts := h.flow(user).(state.TimeSelection); !slices.Equal(ts.Times, []string{"08:00", "20:00"}) {
		t.Fatalf("Times = %v, want [08:00 20:00]", ts.Times)
	}

	msgs = h.pickTime(user, "12:00")
	assertContains(t, msgs, "最多只能設定 2 個時間")
	if ts := h.flow(user).(state.TimeSelection); len(ts.Times) != 2 {
		t.Errorf("Times after cap = %v, want 2 entries", ts.Times)
	}
}

func TestEngine_ZeroTimesFrequencyAllowsOneSlot(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.toTimeSelection(user, "普拿疼", "PRN")

	h.pickTime(user, "09:00")
	msgs := h.pickTime(user, "21:00")
	assertContains(t, msgs, "最多只能設定 1 個時間")
}

func TestEngine_InvalidInputKeepsState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		input string
		want  string
		tag   state.Tag
	}{
		{
			name: "days",
			setup: func(h *harness) {
				h.text("U1", "新增用藥提醒")
				h.postback("U1", "select_patient", "member", model.SelfMemberName)
				h.text("U1", "普拿疼")
				h.postback("U1", "set_frequency", "code", "QD")
				h.postback("U1", "set_dosage", "dosage", "1 錠")
			},
			input: "好幾天",
			want:  model.ErrInvalidDays.Message,
			tag:   state.TagDaysInput,
		},
		{
			name:  "time",
			setup: func(h *harness) { h.toTimeSelection("U1", "普拿疼", "QD") },
			input: "早上",
			want:  model.ErrInvalidTime.Message,
			tag:   state.TagTimeSelection,
		},
		{
			name: "unknown patient",
			setup: func(h *harness) {
				h.text("U1", "新增用藥提醒")
			},
			input: "隔壁鄰居",
			want:  model.ErrPatientNotFound.Message,
			tag:   state.TagPatientSelection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			before := h.flow("U1")

			msgs := h.text("U1", tt.input)
			assertContains(t, msgs, tt.want)

			after := h.flow("U1")
			if after == nil || after.Tag() != tt.tag {
				t.Fatalf("flow = %#v, want tag %s", after, tt.tag)
			}
			if before.Tag() != after.Tag() {
				t.Errorf("tag changed from %s to %s", before.Tag(), after.Tag())
			}
		})
	}
}

func TestEngine_CustomDosageReprompts(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.text(user, "新增用藥提醒")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.text(user, "普拿疼")
	h.postback(user, "set_frequency", "code", "QD")

	msgs := h.postback(user, "set_dosage", "dosage", "其他")
	assertContains(t, msgs, "請直接輸入每次服用的劑量")
	if _, ok := h.flow(user).(state.Dosage); !ok {
		t.Fatalf("flow = %#v, want Dosage", h.flow(user))
	}

	h.text(user, "1.5 錠")
	f, ok := h.flow(user).(state.DaysInput)
	if !ok || f.Dosage != "1.5 錠" {
		t.Errorf("flow = %#v, want DaysInput with dosage 1.5 錠", h.flow(user))
	}
}

func TestEngine_CustomDosageTooLongKeepsState(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.text(user, "新增用藥提醒")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.text(user, "普拿疼")
	h.postback(user, "set_frequency", "code", "QD")
	h.postback(user, "set_dosage", "dosage", "其他")

	msgs := h.text(user, "早上一顆晚上半顆飯後配溫開水吞服並且多喝水")
	assertContains(t, msgs, model.ErrInvalidDose.Message)
	if strings.Contains(joined(msgs), "系統發生錯誤") {
		t.Errorf("reply = %q, want a corrective prompt", joined(msgs))
	}
	if f, ok := h.flow(user).(state.Dosage); !ok || f.MedicineName != "普拿疼" {
		t.Fatalf("flow = %#v, want Dosage kept", h.flow(user))
	}

	h.text(user, "1.5 錠")
	if _, ok := h.flow(user).(state.DaysInput); !ok {
		t.Errorf("flow = %#v, want DaysInput after a short dosage", h.flow(user))
	}
}

func TestEngine_FinishWithoutTimesIsRejected(t *testing.T) {
	h := newHarness(t)
	h.toTimeSelection("U1", "普拿疼", "QD")

	msgs := h.postback("U1", "finish_time")
	assertContains(t, msgs, model.ErrNoTimesSelected.Message)
	if _, ok := h.flow("U1").(state.TimeSelection); !ok {
		t.Errorf("flow = %#v, want TimeSelection", h.flow("U1"))
	}
}

// toRecordTime は服用記録フローを時刻の選択まで進める。
func (h *harness) toRecordTime(user, date string) {
	h.t.Helper()
	msgs := h.text(user, "新增用藥記錄")
	h.press(user, msgs, "👤 本人")
	h.send(Event{Kind: EventPostback, UserID: user, Data: message.EncodeData("set_record_date"), Params: map[string]string{"date": date}})
	h.text(user, "普拿疼")
	h.postback(user, "set_record_dosage", "dosage", "半顆")
	if _, ok := h.flow(user).(state.RecordTime); !ok {
		h.t.Fatalf("flow = %#v, want RecordTime", h.flow(user))
	}
}

func TestEngine_MedicationRecordFlow(t *testing.T) {
	h := newHarness(t)
	h.engine.now = func() time.Time { return time.Date(2025, 6, 12, 21, 0, 0, 0, time.UTC) }
	const user = "U1"

	msgs := h.text(user, "新增用藥記錄")
	if f, ok := h.flow(user).(state.PatientSelection); !ok || f.Purpose != state.PurposeRecord {
		t.Fatalf("flow = %#v, want PatientSelection(record)", h.flow(user))
	}
	msgs = h.press(user, msgs, "👤 本人")
	assertContains(t, msgs, "請選擇服藥日期")
	msgs = h.press(user, msgs, "昨天")
	if f, ok := h.flow(user).(state.RecordMedicine); !ok || f.Date != "2025-06-11" {
		t.Fatalf("flow = %#v, want RecordMedicine on 2025-06-11", h.flow(user))
	}
	h.text(user, "普拿疼")
	msgs = h.postback(user, "set_record_dosage", "dosage", "半顆")
	assertContains(t, msgs, "請選擇服藥時間")
	h.send(Event{Kind: EventPostback, UserID: user, Data: message.EncodeData("set_record_time"), Params: map[string]string{"time": "08:30"}})
	f, ok := h.flow(user).(state.RecordConfirmation)
	if !ok || f.Time != "08:30" || f.Dosage != "半顆" {
		t.Fatalf("flow = %#v, want RecordConfirmation", h.flow(user))
	}

	msgs = h.postback(user, "confirm_record")
	assertContains(t, msgs, "用藥記錄已新增")
	assertContains(t, msgs, "2025-06-11 08:30")
	if f := h.flow(user); f != nil {
		t.Errorf("flow = %#v, want nil", f)
	}

	records := h.store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.FrequencyCode != "" || rec.SourceDetail != model.SourceIntake || rec.Dose.String() != "0.5 顆" {
		t.Errorf("record = %+v", rec)
	}
	if want := time.Date(2025, 6, 11, 8, 30, 0, 0, time.UTC); !rec.TakenAt.Equal(want) {
		t.Errorf("TakenAt = %v, want %v", rec.TakenAt, want)
	}
	entries, _ := h.sched.List(context.Background(), user, model.SelfMemberName)
	if len(entries) != 0 {
		t.Errorf("schedules = %+v, want none", entries)
	}
}

func TestEngine_MedicationRecordRejectsFuture(t *testing.T) {
	h := newHarness(t)
	h.engine.now = func() time.Time { return time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC) }
	const user = "U1"

	h.text(user, "新增用藥記錄")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	msgs := h.send(Event{Kind: EventPostback, UserID: user, Data: message.EncodeData("set_record_date"), Params: map[string]string{"date": "2025-06-13"}})
	assertContains(t, msgs, model.ErrInvalidDate.Message)
	if _, ok := h.flow(user).(state.RecordDate); !ok {
		t.Fatalf("flow = %#v, want RecordDate kept", h.flow(user))
	}

	h.toRecordTime(user, "2025-06-12")
	msgs = h.text(user, "10:00")
	assertContains(t, msgs, model.ErrFutureIntake.Message)
	if _, ok := h.flow(user).(state.RecordTime); !ok {
		t.Fatalf("flow = %#v, want RecordTime kept", h.flow(user))
	}
	h.text(user, "08:45")
	if _, ok := h.flow(user).(state.RecordConfirmation); !ok {
		t.Errorf("flow = %#v, want RecordConfirmation", h.flow(user))
	}
}

func TestEngine_OCRFlowCommitsResolvedItems(t *testing.T) {
	h := newHarness(t)
	const user = "U1"

	h.text(user, "藥袋辨識")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	if _, ok := h.flow(user).(state.OCRImage); !ok {
		t.Fatalf("flow = %#v, want OCRImage", h.flow(user))
	}

	msgs := h.send(Event{Kind: EventImage, UserID: user, MessageID: "m-1"})
	assertContains(t, msgs, "普拿疼")
	conf, ok := h.flow(user).(state.OCRConfirmation)
	if !ok {
		t.Fatalf("flow = %#v, want OCRConfirmation", h.flow(user))
	}
	if len(conf.Order.Items) != 2 || conf.Order.DaysSupply != 3 {
		t.Fatalf("order = %+v, want 2 items and 3 days", conf.Order)
	}

	msgs = h.press(user, msgs, "✅ 確認設定")
	assertContains(t, msgs, "成功：1 筆")
	assertContains(t, msgs, "「脈優錠」與「普拿疼」的用藥頻率相同")
	if f := h.flow(user); f != nil {
		t.Errorf("flow after confirm = %#v, want nil", f)
	}

	entry, err := h.sched.Get(context.Background(), user, model.SelfMemberName, "TID")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.MedicineName != "普拿疼" || !slices.Equal(entry.Times, []string{"08:00", "14:00", "20:00"}) {
		t.Errorf("entry = %+v, want 普拿疼 at 08:00/14:00/20:00", entry)
	}
	records := h.store.Records()
	if len(records) != 1 || records[0].SourceDetail != model.SourceOCR || records[0].Days != 3 {
		t.Errorf("records = %+v, want one OCR record for 3 days", records)
	}
}

func TestEngine_OCRAsNeededIsReportedNotScheduled(t *testing.T) {
	text := "藥品名稱 單次劑量 用藥頻率 主要用途\n" +
		"普拿疼 1錠 需要時服用 止痛\n" +
		"脈優錠 1錠 一日一次 治療高血壓\n" +
		"維他命 1錠 看情況 保健"
	h := newHarness(t, withRecognizer(&ocr.StubRecognizer{Text: text}))
	const user = "U1"

	h.text(user, "藥袋辨識")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.send(Event{Kind: EventImage, UserID: user, MessageID: "m-1"})
	msgs := h.postback(user, "confirm_med_order")

	assertContains(t, msgs, "「普拿疼」為「需要時服用」，未設定固定提醒時間")
	assertContains(t, msgs, "「維他命」的用藥頻率「看情況」無法判斷服用時間")
	assertContains(t, msgs, "失敗：1 筆")

	entries, err := h.sched.List(context.Background(), user, model.SelfMemberName)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].MedicineName != "脈優錠" || entries[0].FrequencyCode != "QD" {
		t.Errorf("entries = %+v, want only 脈優錠 QD", entries)
	}
	for _, r := range h.store.Records() {
		if r.DrugName == "普拿疼" {
			t.Errorf("as-needed item must not be recorded: %+v", r)
		}
	}
}

func TestEngine_OCRUnknownMedicineIsFailure(t *testing.T) {
	text := "藥品名稱 單次劑量 用藥頻率\n神秘藥 1錠 睡前"
	h := newHarness(t, withRecognizer(&ocr.StubRecognizer{Text: text}))
	const user = "U1"

	h.text(user, "藥袋辨識")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.send(Event{Kind: EventImage, UserID: user, MessageID: "m-1"})
	msgs := h.postback(user, "confirm_med_order")

	assertContains(t, msgs, "找不到藥品「神秘藥」的資料")
	if entries, _ := h.sched.List(context.Background(), user, model.SelfMemberName); len(entries) != 0 {
		t.Errorf("entries = %+v, want none", entries)
	}
}

func TestEngine_OCRUnreadableImageKeepsWaiting(t *testing.T) {
	h := newHarness(t, withRecognizer(&ocr.StubRecognizer{Text: "模糊不清"}))
	const user = "U1"

	h.text(user, "藥袋辨識")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	msgs := h.send(Event{Kind: EventImage, UserID: user, MessageID: "m-1"})

	assertContains(t, msgs, "無法從照片中辨識出藥品資訊")
	if _, ok := h.flow(user).(state.OCRImage); !ok {
		t.Errorf("flow = %#v, want OCRImage", h.flow(user))
	}
}

func TestEngine_StartingNewFlowCancelsActiveOne(t *testing.T) {
	h := newHarness(t)
	const user = "U1"

	h.text(user, "新增用藥提醒")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.text(user, "普拿疼")

	msgs := h.text(user, "綁定邀請碼")
	if len(msgs) < 2 || msgs[0].Text != "已取消先前未完成的「新增用藥提醒」。" {
		t.Fatalf("reply = %q, want cancel notice first", joined(msgs))
	}
	if _, ok := h.flow(user).(state.InviteCode); !ok {
		t.Errorf("flow = %#v, want InviteCode", h.flow(user))
	}
}

func TestEngine_RestartingFromEntryStepHasNoNotice(t *testing.T) {
	h := newHarness(t)
	const user = "U1"

	h.text(user, "新增用藥提醒")
	msgs := h.text(user, "用藥管理")
	if strings.Contains(joined(msgs), "已取消先前未完成") {
		t.Errorf("reply = %q, want no cancel notice", joined(msgs))
	}
	if f, ok := h.flow(user).(state.PatientSelection); !ok || f.Purpose != state.PurposeManage {
		t.Errorf("flow = %#v, want PatientSelection(manage)", h.flow(user))
	}
}

func TestEngine_ViewRemindersKeepsActiveFlow(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.toTimeSelection(user, "普拿疼", "BID")
	h.pickTime(user, "08:00")

	msgs := h.text(user, "查看提醒")
	if strings.Contains(joined(msgs), "已取消先前未完成") {
		t.Errorf("reply = %q, want no cancel notice", joined(msgs))
	}
	assertContains(t, msgs, "目前沒有任何用藥提醒")
	f, ok := h.flow(user).(state.TimeSelection)
	if !ok || !slices.Equal(f.Times, []string{"08:00"}) {
		t.Fatalf("flow = %#v, want TimeSelection with [08:00]", h.flow(user))
	}

	h.pickTime(user, "20:00")
	msgs = h.postback(user, "finish_time")
	assertContains(t, msgs, "用藥提醒設定完成")
}

func TestEngine_ViewRemindersWithSeveralMembers(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	ctx := context.Background()
	h.family.EnsureUser(ctx, user)
	if _, err := h.family.AddPatient(ctx, user, "媽媽"); err != nil {
		t.Fatalf("AddPatient: %v", err)
	}
	h.sched.Upsert(ctx, schedule.UpsertRequest{
		OwnerID: user, Member: "媽媽", MedicineName: "脈優錠",
		FrequencyCode: "QD", Dose: "1 顆", Times: []string{"09:00"},
	})
	h.text(user, "新增用藥提醒")
	h.postback(user, "select_patient", "member", model.SelfMemberName)

	msgs := h.text(user, "查看提醒")
	assertContains(t, msgs, "請選擇要查看提醒的對象")
	msgs = h.press(user, msgs, "📋 媽媽")
	assertContains(t, msgs, "媽媽 的用藥提醒")
	assertContains(t, msgs, "脈優錠")
	if f, ok := h.flow(user).(state.MedicineName); !ok || f.Member != model.SelfMemberName {
		t.Errorf("flow = %#v, want MedicineName kept", h.flow(user))
	}
}

func TestEngine_CancelClearsState(t *testing.T) {
	h := newHarness(t)
	const user = "U1"

	msgs := h.text(user, "取消")
	assertContains(t, msgs, "目前沒有進行中的設定")

	h.text(user, "新增用藥提醒")
	msgs = h.postback(user, "cancel")
	assertContains(t, msgs, "已取消目前的設定")
	if f := h.flow(user); f != nil {
		t.Errorf("flow = %#v, want nil", f)
	}
}

func TestEngine_StorageErrorClearsState(t *testing.T) {
	h := newHarness(t, withScheduleRepo(func(s *memrepo.Store) repository.ScheduleRepository {
		return failingScheduleRepo{ScheduleRepo: s.Schedules(), err: errors.New("connection refused")}
	}))
	const user = "U1"
	h.toTimeSelection(user, "普拿疼", "QD")
	h.pickTime(user, "09:00")

	msgs := h.postback(user, "finish_time")
	assertContains(t, msgs, "系統發生錯誤")
	if f := h.flow(user); f != nil {
		t.Errorf("flow = %#v, want nil after storage failure", f)
	}
	if !strings.Contains(h.logs.String(), "イベント処理に失敗しました") {
		t.Errorf("logs = %s, want failure entry", h.logs.String())
	}
	if !strings.Contains(h.logs.String(), "connection refused") {
		t.Errorf("logs = %s, want underlying error", h.logs.String())
	}
}

func TestEngine_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, withImages(&mockImages{
		contentFn: func(context.Context, string) ([]byte, error) { panic("boom") },
	}))
	const user = "U1"
	h.text(user, "藥袋辨識")
	h.postback(user, "select_patient", "member", model.SelfMemberName)

	msgs := h.send(Event{Kind: EventImage, UserID: user, MessageID: "m-1"})
	assertContains(t, msgs, "系統發生錯誤")
	if f := h.flow(user); f != nil {
		t.Errorf("flow = %#v, want nil after panic", f)
	}
	if !strings.Contains(h.logs.String(), "panic") {
		t.Errorf("logs = %s, want panic entry", h.logs.String())
	}
}

func TestEngine_StalePostbackAndUnknownText(t *testing.T) {
	h := newHarness(t)

	msgs := h.pickTime("U1", "08:00")
	assertContains(t, msgs, "這個按鈕已經失效了")

	msgs = h.text("U1", "你好")
	assertContains(t, msgs, "不太明白您的意思")

	msgs = h.send(Event{Kind: EventImage, UserID: "U1", MessageID: "m-1"})
	assertContains(t, msgs, "請先輸入「藥袋辨識」")
}

func TestEngine_TextInButtonOnlyStateReprompts(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.text(user, "藥袋辨識")
	h.postback(user, "select_patient", "member", model.SelfMemberName)
	h.send(Event{Kind: EventImage, UserID: user, MessageID: "m-1"})

	msgs := h.text(user, "好")
	assertContains(t, msgs, "請依照下方的選項操作")
	if _, ok := h.flow(user).(state.OCRConfirmation); !ok {
		t.Errorf("flow = %#v, want OCRConfirmation", h.flow(user))
	}
}

var inviteCodeRe = regexp.MustCompile(`邀請碼：([A-Z0-9]{6})`)

func TestEngine_BindFlowRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msgs := h.text("A", "產生邀請碼")
	m := inviteCodeRe.FindStringSubmatch(joined(msgs))
	if m == nil {
		t.Fatalf("invite reply = %q, want code", joined(msgs))
	}
	code := m[1]

	msgs = h.text("B", "綁定 "+code)
	assertContains(t, msgs, "確認綁定")
	if _, ok := h.flow("B").(state.BindConfirmation); !ok {
		t.Fatalf("flow = %#v, want BindConfirmation", h.flow("B"))
	}
	if n := len(h.store.Bindings()); n != 0 {
		t.Fatalf("bindings before confirm = %d, want 0", n)
	}

	h.postback("B", "confirm_bind")
	if _, ok := h.flow("B").(state.RelationLabel); !ok {
		t.Fatalf("flow = %#v, want RelationLabel", h.flow("B"))
	}
	msgs = h.text("B", "媽媽")
	assertContains(t, msgs, "已設定您是對方的「媽媽」")

	p, err := h.family.FindPatient(ctx, "A", "媽媽")
	if err != nil {
		t.Fatalf("FindPatient: %v", err)
	}
	if p.LinkedUserID != "B" {
		t.Errorf("LinkedUserID = %q, want B", p.LinkedUserID)
	}
	ids, _ := h.family.LinkedIdentities(ctx, "A")
	if !slices.Contains(ids, "B") {
		t.Errorf("LinkedIdentities(A) = %v, want to contain B", ids)
	}

	h.text("B", "解除綁定")
	if _, ok := h.flow("B").(state.UnbindSelection); !ok {
		t.Fatalf("flow = %#v, want UnbindSelection", h.flow("B"))
	}
	msgs = h.postback("B", "unbind", "user", "A")
	assertContains(t, msgs, "已解除與")
	if n := len(h.store.Bindings()); n != 0 {
		t.Errorf("bindings after unbind = %d, want 0", n)
	}
	ids, _ = h.family.LinkedIdentities(ctx, "A")
	if slices.Contains(ids, "B") {
		t.Errorf("LinkedIdentities(A) = %v, want B removed", ids)
	}
}

func TestEngine_RejectBindCreatesNoEdge(t *testing.T) {
	h := newHarness(t)
	ic, err := h.family.GenerateInviteCode(context.Background(), "A")
	if err != nil {
		t.Fatalf("GenerateInviteCode: %v", err)
	}

	h.text("B", "綁定邀請碼")
	h.text("B", strings.ToLower(ic.Code))
	msgs := h.postback("B", "reject_bind")
	assertContains(t, msgs, "已取消綁定")
	if n := len(h.store.Bindings()); n != 0 {
		t.Errorf("bindings = %d, want 0", n)
	}
}

func TestEngine_BindRejectsOwnAndUnknownCode(t *testing.T) {
	h := newHarness(t)
	ic, _ := h.family.GenerateInviteCode(context.Background(), "A")

	msgs := h.text("A", "綁定 "+ic.Code)
	assertContains(t, msgs, model.ErrSelfBinding.Message)

	msgs = h.text("B", "綁定 ZZZZZZ")
	assertContains(t, msgs, model.ErrInviteNotFound.Message)
}

func TestEngine_EditReminderReplacesTimesOnly(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	ctx := context.Background()
	h.family.EnsureUser(ctx, user)
	if _, err := h.sched.Upsert(ctx, schedule.UpsertRequest{
		OwnerID: user, Member: model.SelfMemberName, MedicineName: "普拿疼",
		FrequencyCode: "BID", Dose: "1 錠", Days: 7, Times: []string{"08:00", "20:00"},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	h.postback(user, "edit_reminder", "member", model.SelfMemberName, "code", "BID")
	ts, ok := h.flow(user).(state.TimeSelection)
	if !ok || !ts.IsEdit || !slices.Equal(ts.Times, []string{"08:00", "20:00"}) {
		t.Fatalf("flow = %#v, want edit TimeSelection with existing times", h.flow(user))
	}
	h.postback(user, "reset_times")
	h.pickTime(user, "07:30")
	msgs := h.postback(user, "finish_time")
	assertContains(t, msgs, "提醒時間已更新")

	entry, _ := h.sched.Get(ctx, user, model.SelfMemberName, "BID")
	if !slices.Equal(entry.Times, []string{"07:30"}) || entry.DosesPerDay != 1 {
		t.Errorf("entry = %+v, want [07:30] doses 1", entry)
	}
	if n := len(h.store.Records()); n != 1 {
		t.Errorf("records = %d, want 1 (edit must not append)", n)
	}
}

func TestEngine_DeleteTimeShowsRemainingSchedule(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	ctx := context.Background()
	h.family.EnsureUser(ctx, user)
	h.sched.Upsert(ctx, schedule.UpsertRequest{
		OwnerID: user, Member: model.SelfMemberName, MedicineName: "普拿疼",
		FrequencyCode: "BID", Dose: "1 錠", Times: []string{"08:00", "20:00"},
	})

	msgs := h.postback(user, "delete_reminder_menu", "member", model.SelfMemberName, "code", "BID")
	msgs = h.press(user, msgs, "🗑️ 08:00")
	assertContains(t, msgs, "已刪除 08:00 的提醒")
	assertContains(t, msgs, "⏰ 20:00")

	msgs = h.postback(user, "delete_time", "member", model.SelfMemberName, "code", "BID", "time", "20:00")
	assertContains(t, msgs, "目前沒有任何用藥提醒")
	if _, err := h.sched.Get(ctx, user, model.SelfMemberName, "BID"); !errors.Is(err, model.ErrScheduleNotFound) {
		t.Errorf("Get err = %v, want ErrScheduleNotFound", err)
	}
}

func TestEngine_ManageMenuListsReminders(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	ctx := context.Background()
	h.family.EnsureUser(ctx, user)
	h.sched.Upsert(ctx, schedule.UpsertRequest{
		OwnerID: user, Member: model.SelfMemberName, MedicineName: "脈優錠",
		FrequencyCode: "QD", Dose: "1 顆", Times: []string{"09:00"},
	})

	msgs := h.text(user, "用藥管理")
	msgs = h.press(user, msgs, "👤 本人")
	if f := h.flow(user); f != nil {
		t.Errorf("flow = %#v, want nil after manage menu", f)
	}
	msgs = h.press(user, msgs, "✏️ 修改提醒時間")
	assertContains(t, msgs, "請選擇要修改時間的提醒")
	h.press(user, msgs, "脈優錠（一日一次）")
	if ts, ok := h.flow(user).(state.TimeSelection); !ok || !ts.IsEdit {
		t.Errorf("flow = %#v, want edit TimeSelection", h.flow(user))
	}
}

func TestEngine_AddAndRenamePatient(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	ctx := context.Background()

	h.text(user, "新增用藥提醒")
	h.postback(user, "add_new_patient")
	msgs := h.text(user, "媽媽")
	assertContains(t, msgs, "已新增家人「媽媽」")
	if f, ok := h.flow(user).(state.PatientSelection); !ok || f.Purpose != state.PurposeAddReminder {
		t.Fatalf("flow = %#v, want back to PatientSelection", h.flow(user))
	}
	h.text(user, "取消")

	msgs = h.text(user, "修改名稱")
	msgs = h.press(user, msgs, "媽媽")
	if _, ok := h.flow(user).(state.NewName); !ok {
		t.Fatalf("flow = %#v, want NewName", h.flow(user))
	}
	h.text(user, "取消")
	h.postback(user, "rename_select", "member", "媽媽")
	msgs = h.text(user, "外婆")
	assertContains(t, msgs, "已將「媽媽」改名為「外婆」")

	if _, err := h.family.FindPatient(ctx, user, "外婆"); err != nil {
		t.Errorf("FindPatient(外婆): %v", err)
	}

	msgs = h.postback(user, "rename_select", "member", model.SelfMemberName)
	assertContains(t, msgs, model.ErrSelfProfileImmutable.Message)
}

func TestEngine_PatientLimit(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	ctx := context.Background()
	h.family.EnsureUser(ctx, user)
	for _, name := range []string{"媽媽", "爸爸", "奶奶"} {
		if _, err := h.family.AddPatient(ctx, user, name); err != nil {
			t.Fatalf("AddPatient(%s): %v", name, err)
		}
	}

	msgs := h.text(user, "新增家人")
	assertContains(t, msgs, model.ErrTooManyPatients.Message)
	if f := h.flow(user); f != nil {
		t.Errorf("flow = %#v, want nil", f)
	}
}

func TestEngine_NameTooLongKeepsState(t *testing.T) {
	h := newHarness(t)
	const user = "U1"
	h.text(user, "新增家人")

	msgs := h.text(user, "這是一個非常非常非常非常長的家人名稱超過二十字")
	assertContains(t, msgs, model.ErrInvalidName.Message)
	if _, ok := h.flow(user).(state.NewPatientName); !ok {
		t.Errorf("flow = %#v, want NewPatientName", h.flow(user))
	}
}
