// Package line はLINE Messaging APIとのアダプターを提供する。
// 受信Webhookイベントの変換、返信・プッシュ送信、画像コンテンツの取得を扱う。
package line

import (
	"unicode/utf8"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/samber/lo"

	"github.com/hitoshi/medremind/internal/message"
)

// LINEプラットフォームの制限値。
const (
	// MaxQuickReplyItems はクイックリプライのボタン数の上限。
	MaxQuickReplyItems = 13
	// MaxMessagesPerRequest は1回の返信・プッシュで送れるメッセージ数の上限。
	MaxMessagesPerRequest = 5
	// MaxLabelLength はアクションラベルの最大文字数。
	MaxLabelLength = 20
	// MaxTextLength はテキストメッセージの最大文字数。
	MaxTextLength = 5000
)

// ToMessages は送信メッセージをLINEのメッセージに変換する。
// 上限を超えるメッセージは末尾を1通にまとめ、ボタンは上限数で切り詰める。
func ToMessages(msgs []message.Message) []messaging_api.MessageInterface {
	msgs = fold(msgs)
	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, m := range msgs {
		text := truncate(m.Text, MaxTextLength)
		if text == "" {
			continue
		}
		tm := messaging_api.TextMessage{Text: text}
		if items := quickReplyItems(m.QuickReplies); len(items) > 0 {
			tm.QuickReply = &messaging_api.QuickReply{Items: items}
		}
		out = append(out, tm)
	}
	return out
}

// fold は MaxMessagesPerRequest を超えた分を最後の1通に連結する。ボタンは最後のメッセージのものを残す。
func fold(msgs []message.Message) []message.Message {
	if len(msgs) <= MaxMessagesPerRequest {
		return msgs
	}
	head := msgs[:MaxMessagesPerRequest-1]
	tail := msgs[MaxMessagesPerRequest-1:]
	merged := message.Message{
		Text: lo.Reduce(tail, func(acc string, m message.Message, i int) string {
			if i == 0 {
				return m.Text
			}
			return acc + "\n\n" + m.Text
		}, ""),
		QuickReplies: tail[len(tail)-1].QuickReplies,
	}
	return append(append([]message.Message{}, head...), merged)
}

func quickReplyItems(buttons []message.Button) []messaging_api.QuickReplyItem {
	if len(buttons) > MaxQuickReplyItems {
		buttons = buttons[:MaxQuickReplyItems]
	}
	return lo.FilterMap(buttons, func(b message.Button, _ int) (messaging_api.QuickReplyItem, bool) {
		action := toAction(b)
		if action == nil {
			return messaging_api.QuickReplyItem{}, false
		}
		return messaging_api.QuickReplyItem{Action: action}, true
	})
}

func toAction(b message.Button) messaging_api.ActionInterface {
	label := truncate(b.Label, MaxLabelLength)
	switch b.Kind {
	case message.KindMessage:
		return &messaging_api.MessageAction{Label: label, Text: b.Text}
	case message.KindPostback:
		return &messaging_api.PostbackAction{Label: label, Data: b.Data, DisplayText: b.Text}
	case message.KindURI:
		return &messaging_api.UriAction{Label: label, Uri: b.URI}
	case message.KindTimePicker:
		return &messaging_api.DatetimePickerAction{
			Label:   label,
			Data:    b.Data,
			Mode:    messaging_api.DatetimePickerActionMODE_TIME,
			Initial: b.Initial,
		}
	case message.KindDatePicker:
		return &messaging_api.DatetimePickerAction{
			Label:   label,
			Data:    b.Data,
			Mode:    messaging_api.DatetimePickerActionMODE_DATE,
			Initial: b.Initial,
			Max:     b.Max,
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
