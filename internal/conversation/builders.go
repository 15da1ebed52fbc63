package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/ocr"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/state"
)

// 返信メッセージのビルダー。状態と表示用データだけから組み立て、副作用を持たない。

// DosageOptions は用量のクイックリプライ候補。
var DosageOptions = []string{"1 錠", "1 顆", "1 ml", "5 ml", "1 包", "半顆", "2 錠", "其他"}

// DaysPresets は用藥天數のクイックリプライ候補。
var DaysPresets = []string{"7天", "14天", "28天", "30天", "長期"}

const otherDosage = "其他"

var cancelButton = message.Postback("❌ 取消", "cancel")

func welcomeMessage() message.Message {
	return message.WithButtons(
		"歡迎加入！👋\n我是您的用藥小幫手，可以協助您記錄用藥並準時提醒。\n\n"+
			"如果家人已經給您邀請碼，請輸入「綁定邀請碼」完成綁定；\n"+
			"或輸入「產生邀請碼」邀請家人一起管理用藥。",
		message.Reply("新增用藥提醒", "新增用藥提醒"),
		message.Reply("綁定邀請碼", "綁定邀請碼"),
		message.Reply("產生邀請碼", "產生邀請碼"),
		message.Reply("使用說明", "使用說明"),
	)
}

func joinMessage() message.Message {
	return message.Text("大家好！我是用藥小幫手 💊\n請各自加我為好友後，再透過「產生邀請碼」綁定家人，即可共享用藥提醒。")
}

func helpMessage() message.Message {
	return message.WithButtons(
		"📖 使用說明\n\n"+
			"• 新增用藥提醒：手動設定藥品、頻率、劑量與提醒時間\n"+
			"• 藥袋辨識：拍攝藥袋照片，自動帶入用藥資訊\n"+
			"• 用藥管理：修改或刪除已設定的提醒\n"+
			"• 查看提醒：查看目前所有提醒\n"+
			"• 新增用藥記錄：記下實際服藥的時間與劑量\n"+
			"• 家人綁定：產生或輸入邀請碼，和家人共享提醒\n"+
			"• 新增家人／修改名稱：管理用藥對象\n"+
			"• 取消：隨時中止目前的設定流程",
		message.Reply("新增用藥提醒", "新增用藥提醒"),
		message.Reply("藥袋辨識", "藥袋辨識"),
		message.Reply("用藥管理", "用藥管理"),
		message.Reply("家人綁定", "家人綁定"),
	)
}

func fallbackMessage() message.Message {
	return message.WithButtons(
		"不好意思，我不太明白您的意思。🙇\n請輸入「使用說明」查看可以使用的功能。",
		message.Reply("使用說明", "使用說明"),
	)
}

func expiredButtonMessage() message.Message {
	return message.Text("這個按鈕已經失效了，請重新開始操作。")
}

func cancelledMessage(hadFlow bool) message.Message {
	if hadFlow {
		return message.Text("已取消目前的設定。")
	}
	return message.Text("目前沒有進行中的設定。")
}

func apologyMessage() message.Message {
	return message.Text("系統發生錯誤，請稍後再試。😥\n目前的設定流程已取消。")
}

func patientSelectionMessage(purpose string, patients []model.Patient) message.Message {
	title := map[string]string{
		state.PurposeAddReminder: "請選擇要設定用藥提醒的對象：",
		state.PurposeOCR:         "請選擇這份藥袋是誰的：",
		state.PurposeManage:      "請選擇要管理用藥提醒的對象：",
	}[purpose]
	if title == "" {
		title = "請選擇用藥對象："
	}
	buttons := lo.Map(patients, func(p model.Patient, _ int) message.Button {
		return message.Postback("👤 "+p.Name, "select_patient", "member", p.Name)
	})
	if len(patients) < model.MaxPatientsPerOwner {
		buttons = append(buttons, message.Postback("➕ 新增家人", "add_new_patient"))
	}
	return message.WithButtons(title, append(buttons, cancelButton)...)
}

// viewSelectionMessage は一覧を見る服薬者のボタンを返す。押しても会話状態は変わらない。
func viewSelectionMessage(patients []model.Patient) message.Message {
	buttons := lo.Map(patients, func(p model.Patient, _ int) message.Button {
		return message.Postback("📋 "+p.Name, "show_reminders", "member", p.Name)
	})
	return message.WithButtons("請選擇要查看提醒的對象：", buttons...)
}

func newPatientPrompt() message.Message {
	return message.WithButtons("請輸入新家人的稱呼（例如：媽媽、爺爺）：", cancelButton)
}

func medicineNamePrompt(member string) message.Message {
	return message.WithButtons(fmt.Sprintf("👤 用藥對象：%s\n請輸入藥品名稱：", member), cancelButton)
}

func frequencyPrompt(medicine string, freqs []model.Frequency) message.Message {
	buttons := lo.Map(freqs, func(f model.Frequency, _ int) message.Button {
		return message.Postback(f.Name, "set_frequency", "code", f.Code)
	})
	return message.WithButtons(fmt.Sprintf("💊 藥品：%s\n請選擇用藥頻率：", medicine), append(buttons, cancelButton)...)
}

func dosagePrompt() message.Message {
	buttons := lo.Map(DosageOptions, func(d string, _ int) message.Button {
		return message.Postback(d, "set_dosage", "dosage", d)
	})
	return message.WithButtons("請選擇每次服用的劑量，或直接輸入（例如：2 錠）：", append(buttons, cancelButton)...)
}

func customDosagePrompt() message.Message {
	return message.WithButtons("請直接輸入每次服用的劑量（例如：1.5 錠、10 ml）：", cancelButton)
}

func daysPrompt() message.Message {
	buttons := lo.Map(DaysPresets, func(d string, _ int) message.Button {
		return message.Postback(d, "set_days", "days", d)
	})
	return message.WithButtons("請輸入用藥天數（例如：7天），或選擇下方選項：", append(buttons, cancelButton)...)
}

func timeSelectionMessage(f state.TimeSelection, freqName string, maxSlots int) message.Message {
	var b strings.Builder
	if f.IsEdit {
		fmt.Fprintf(&b, "✏️ 修改提醒時間\n💊 %s（%s）\n", f.MedicineName, freqName)
	} else {
		fmt.Fprintf(&b, "💊 %s（%s）\n", f.MedicineName, freqName)
	}
	if len(f.Times) == 0 {
		fmt.Fprintf(&b, "目前尚未選擇時間，最多可設定 %d 個時間。\n請點選「選擇時間」。", maxSlots)
	} else {
		fmt.Fprintf(&b, "已選擇時間：%s（%d/%d）", strings.Join(f.Times, "、"), len(f.Times), maxSlots)
	}

	var buttons []message.Button
	if len(f.Times) < maxSlots {
		buttons = append(buttons, message.TimePicker("⏰ 選擇時間", "set_time", suggestTime(f.Times)))
	} else {
		b.WriteString("\n已達到這個頻率的時間上限，請按「完成設定」。")
	}
	if len(f.Times) > 0 {
		buttons = append(buttons,
			message.Postback("✅ 完成設定", "finish_time"),
			message.Postback("🔄 重新選擇", "reset_times"),
		)
	}
	return message.WithButtons(b.String(), append(buttons, cancelButton)...)
}

// suggestTime は時刻選択の初期値を返す。最後に選んだ時刻の4時間後、未選択なら08:00。
func suggestTime(times []string) string {
	if len(times) == 0 {
		return "08:00"
	}
	t, err := time.Parse("15:04", times[len(times)-1])
	if err != nil {
		return "08:00"
	}
	return t.Add(4 * time.Hour).Format("15:04")
}

func reminderSummary(e *model.ScheduleEntry, edited bool) message.Message {
	head := "✅ 用藥提醒設定完成！"
	if edited {
		head = "✅ 提醒時間已更新！"
	}
	return message.Text(fmt.Sprintf(
		"%s\n\n👤 用藥對象：%s\n💊 藥品：%s\n🔁 頻率：%s\n💊 劑量：%s\n📅 天數：%s\n⏰ 時間：%s",
		head, e.Member, e.MedicineName, e.FrequencyName, e.Dose, schedule.FormatDays(e.Days), strings.Join(e.Times, "、"),
	))
}

func scheduleListMessage(member string, entries []model.ScheduleEntry) message.Message {
	if len(entries) == 0 {
		return message.WithButtons(
			fmt.Sprintf("👤 %s 目前沒有任何用藥提醒。", member),
			message.Reply("新增用藥提醒", "新增用藥提醒"),
		)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 %s 的用藥提醒：", member)
	for _, e := range entries {
		fmt.Fprintf(&b, "\n\n💊 %s（%s）\n💊 劑量：%s\n⏰ %s", e.MedicineName, e.FrequencyName, e.Dose, strings.Join(e.Times, "、"))
		if e.LastSource != "" {
			fmt.Fprintf(&b, "\n📝 來源：%s", e.LastSource)
		}
	}
	return message.WithButtons(b.String(),
		message.Postback("✏️ 修改提醒", "manage_edit", "member", member),
		message.Postback("🗑️ 刪除提醒", "manage_delete", "member", member),
	)
}

func manageMenu(member string) message.Message {
	buttons := []message.Button{
		message.Postback("📋 查看提醒", "show_reminders", "member", member),
		message.Postback("✏️ 修改提醒時間", "manage_edit", "member", member),
		message.Postback("🗑️ 刪除提醒", "manage_delete", "member", member),
	}
	if member != model.SelfMemberName {
		buttons = append(buttons, message.Postback("📝 修改名稱", "rename_select", "member", member))
	}
	return message.WithButtons(fmt.Sprintf("👤 %s\n請選擇要進行的操作：", member), buttons...)
}

func editListMessage(member string, entries []model.ScheduleEntry) message.Message {
	buttons := lo.Map(entries, func(e model.ScheduleEntry, _ int) message.Button {
		return message.Postback(fmt.Sprintf("%s（%s）", e.MedicineName, e.FrequencyName), "edit_reminder",
			"member", member, "code", e.FrequencyCode)
	})
	return message.WithButtons(fmt.Sprintf("請選擇要修改時間的提醒（%s）：", member), buttons...)
}

func deleteListMessage(member string, entries []model.ScheduleEntry) message.Message {
	buttons := lo.Map(entries, func(e model.ScheduleEntry, _ int) message.Button {
		return message.Postback(fmt.Sprintf("%s（%s）", e.MedicineName, e.FrequencyName), "delete_reminder_menu",
			"member", member, "code", e.FrequencyCode)
	})
	return message.WithButtons(fmt.Sprintf("請選擇要刪除的提醒（%s）：", member), buttons...)
}

func deleteTimeMenu(e *model.ScheduleEntry) message.Message {
	buttons := lo.Map(e.Times, func(t string, _ int) message.Button {
		return message.Postback("🗑️ "+t, "delete_time", "member", e.Member, "code", e.FrequencyCode, "time", t)
	})
	buttons = append(buttons, message.Postback("🗑️ 全部刪除", "delete_reminder", "member", e.Member, "code", e.FrequencyCode))
	return message.WithButtons(
		fmt.Sprintf("💊 %s（%s）\n⏰ %s\n請選擇要刪除的時間：", e.MedicineName, e.FrequencyName, strings.Join(e.Times, "、")),
		buttons...,
	)
}

func recordDatePrompt(member, today string) message.Message {
	return message.WithButtons(
		fmt.Sprintf("👤 用藥對象：%s\n請選擇服藥日期，或輸入 YYYY-MM-DD：", member),
		message.DatePicker("📅 選擇日期", "set_record_date", today, today),
		message.Reply("今天", "今天"),
		message.Reply("昨天", "昨天"),
		cancelButton,
	)
}

func recordMedicinePrompt(member, date string) message.Message {
	return message.WithButtons(fmt.Sprintf("👤 %s／📅 %s\n請輸入服用的藥品名稱：", member, date), cancelButton)
}

func recordDosagePrompt(medicine string) message.Message {
	buttons := lo.Map(DosageOptions, func(d string, _ int) message.Button {
		return message.Postback(d, "set_record_dosage", "dosage", d)
	})
	return message.WithButtons(fmt.Sprintf("💊 藥品：%s\n請選擇這次服用的劑量，或直接輸入：", medicine), append(buttons, cancelButton)...)
}

func recordTimePrompt(initial string) message.Message {
	return message.WithButtons("請選擇服藥時間，或輸入 HH:MM：",
		message.TimePicker("⏰ 選擇時間", "set_record_time", initial),
		cancelButton,
	)
}

func recordConfirmationMessage(f state.RecordConfirmation) message.Message {
	return message.WithButtons(
		fmt.Sprintf("📝 請確認用藥記錄：\n\n👤 用藥對象：%s\n📅 日期：%s\n⏰ 時間：%s\n💊 藥品：%s\n💊 劑量：%s",
			f.Member, f.Date, f.Time, f.MedicineName, f.Dosage),
		message.Postback("✅ 確定記錄", "confirm_record"),
		cancelButton,
	)
}

func recordSavedMessage(rec *model.MedicationRecord, loc *time.Location) message.Message {
	return message.Text(fmt.Sprintf("✅ 用藥記錄已新增！\n👤 %s 於 %s 服用「%s」%s。",
		rec.Member, rec.TakenAt.In(loc).Format("2006-01-02 15:04"), rec.DrugName, rec.Dose))
}

func ocrImagePrompt(member string) message.Message {
	return message.WithButtons(fmt.Sprintf("👤 用藥對象：%s\n請拍攝或上傳藥袋照片 📷", member), cancelButton)
}

func ocrConfirmationMessage(order ocr.Order) message.Message {
	var b strings.Builder
	b.WriteString("🔍 辨識結果如下，請確認：")
	if order.VisitDate != "" {
		fmt.Fprintf(&b, "\n📅 看診日期：%s", order.VisitDate)
	}
	if order.DaysSupply > 0 {
		fmt.Fprintf(&b, "\n📦 發藥天數：%d 天", order.DaysSupply)
	}
	for i, item := range order.Items {
		fmt.Fprintf(&b, "\n\n%d. 💊 %s\n   劑量：%s\n   頻率：%s", i+1, item.Name, item.Dosage, item.FrequencyText)
		switch {
		case item.AsNeeded():
			b.WriteString("\n   ⏰ 需要時服用（不設定提醒）")
		case len(item.Times) > 0:
			fmt.Fprintf(&b, "\n   ⏰ %s", strings.Join(item.Times, "、"))
		default:
			b.WriteString("\n   ⏰ 無法判斷時間")
		}
		if item.Purpose != "" {
			fmt.Fprintf(&b, "\n   用途：%s", item.Purpose)
		}
		if item.SideEffects != "" {
			fmt.Fprintf(&b, "\n   副作用：%s", item.SideEffects)
		}
	}
	return message.WithButtons(b.String(),
		message.Postback("✅ 確認設定", "confirm_med_order"),
		cancelButton,
	)
}

func ocrResultMessage(succeeded, skipped, failed []string) message.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 藥單提醒設定完成！\n成功：%d 筆\n失敗：%d 筆\n\n詳細：", len(succeeded), len(failed))
	for _, s := range succeeded {
		b.WriteString("\n✅ " + s)
	}
	for _, s := range skipped {
		b.WriteString("\nℹ️ " + s)
	}
	for _, s := range failed {
		b.WriteString("\n❌ " + s)
	}
	return message.Text(b.String())
}

func familyMenu() message.Message {
	return message.WithButtons("👨‍👩‍👧 家人綁定\n請選擇要進行的操作：",
		message.Reply("產生邀請碼", "產生邀請碼"),
		message.Reply("綁定邀請碼", "綁定邀請碼"),
		message.Reply("查看家人", "查看家人"),
		message.Reply("解除綁定", "解除綁定"),
	)
}

func inviteMessage(ic *model.InviteCode, link string, loc *time.Location) message.Message {
	text := fmt.Sprintf("🔑 您的邀請碼：%s\n有效期限至 %s\n\n請家人加入好友後輸入「綁定 %s」完成綁定。",
		ic.Code, ic.ExpiresAt.In(loc).Format("01/02 15:04"), ic.Code)
	if link == "" {
		return message.Text(text)
	}
	return message.WithButtons(text, message.Link("📤 分享邀請連結", link))
}

func inviteCodePrompt() message.Message {
	return message.WithButtons("請輸入家人提供的 6 位數邀請碼：", cancelButton)
}

func bindConfirmationMessage(ic *model.InviteCode, loc *time.Location) message.Message {
	return message.WithButtons(
		fmt.Sprintf("🔗 確認綁定\n邀請碼：%s\n邀請人：%s\n有效期限：%s\n\n綁定後，對方設定的用藥提醒也會通知您。確定要綁定嗎？",
			ic.Code, shortID(ic.InviterID), ic.ExpiresAt.In(loc).Format("01/02 15:04")),
		message.Postback("✅ 確認綁定", "confirm_bind"),
		message.Postback("❌ 不要綁定", "reject_bind"),
	)
}

func relationPrompt(patients []model.Patient) message.Message {
	buttons := lo.FilterMap(patients, func(p model.Patient, _ int) (message.Button, bool) {
		return message.Postback(p.Name, "set_relation", "label", p.Name), !p.IsSelf()
	})
	buttons = append(buttons, message.Postback("略過", "skip_relation"))
	return message.WithButtons(
		"✅ 綁定成功！\n請問您是對方的哪一位家人？可以點選下方名稱，或直接輸入稱呼（例如：媽媽）。",
		buttons...,
	)
}

func bindingLabel(b model.FamilyBinding, userID string) string {
	if b.InviterID == userID {
		if b.RelationLabel != "" {
			return b.RelationLabel
		}
		return "家人 " + shortID(b.RecipientID)
	}
	return "邀請人 " + shortID(b.InviterID)
}

func familyListMessage(userID string, bindings []model.FamilyBinding) message.Message {
	if len(bindings) == 0 {
		return message.WithButtons("目前沒有綁定的家人。", message.Reply("產生邀請碼", "產生邀請碼"))
	}
	lines := lo.Map(bindings, func(b model.FamilyBinding, _ int) string {
		return "👤 " + bindingLabel(b, userID)
	})
	return message.Text("👨‍👩‍👧 已綁定的家人：\n" + strings.Join(lines, "\n"))
}

func unbindSelectionMessage(userID string, bindings []model.FamilyBinding) message.Message {
	buttons := lo.Map(bindings, func(b model.FamilyBinding, _ int) message.Button {
		return message.Postback("解除 "+bindingLabel(b, userID), "unbind", "user", b.Other(userID))
	})
	return message.WithButtons("請選擇要解除綁定的家人：", append(buttons, cancelButton)...)
}

func renameMenu(patients []model.Patient) message.Message {
	buttons := lo.FilterMap(patients, func(p model.Patient, _ int) (message.Button, bool) {
		return message.Postback(p.Name, "rename_select", "member", p.Name), !p.IsSelf()
	})
	if len(buttons) == 0 {
		return message.WithButtons("目前沒有可以修改名稱的家人。", message.Reply("新增家人", "新增家人"))
	}
	return message.WithButtons("請選擇要修改名稱的家人：", append(buttons, cancelButton)...)
}

func newNamePrompt(member string) message.Message {
	return message.WithButtons(fmt.Sprintf("請輸入「%s」的新名稱：", member), cancelButton)
}

// shortID はユーザーIDの末尾4文字を返す。表示専用。
func shortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return "…" + id[len(id)-4:]
}
