package line

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/hitoshi/medremind/internal/conversation"
)

// Inbound は変換済みの受信イベントと返信トークン。
type Inbound struct {
	Event      conversation.Event
	ReplyToken string
}

// ToEvent はWebhookイベントを会話エンジンの入力に変換する。
// 対象外のイベント（スタンプ、ブロックなど）やユーザーIDが取れないイベントは false を返す。
func ToEvent(ev webhook.EventInterface) (Inbound, bool) {
	switch e := ev.(type) {
	case webhook.FollowEvent:
		return inbound(conversation.Event{Kind: conversation.EventFollow}, e.Source, e.ReplyToken)
	case webhook.JoinEvent:
		// 参加イベントには発言者がいないため、グループ・トークルームのIDを宛先にする
		id := sourceID(e.Source)
		if id == "" {
			return Inbound{}, false
		}
		return Inbound{Event: conversation.Event{Kind: conversation.EventJoin, UserID: id}, ReplyToken: e.ReplyToken}, true
	case webhook.PostbackEvent:
		if e.Postback == nil {
			return Inbound{}, false
		}
		return inbound(conversation.Event{
			Kind:   conversation.EventPostback,
			Data:   e.Postback.Data,
			Params: e.Postback.Params,
		}, e.Source, e.ReplyToken)
	case webhook.MessageEvent:
		switch m := e.Message.(type) {
		case webhook.TextMessageContent:
			return inbound(conversation.Event{Kind: conversation.EventText, Text: m.Text}, e.Source, e.ReplyToken)
		case webhook.ImageMessageContent:
			return inbound(conversation.Event{Kind: conversation.EventImage, MessageID: m.Id}, e.Source, e.ReplyToken)
		}
	}
	return Inbound{}, false
}

func inbound(ev conversation.Event, src webhook.SourceInterface, replyToken string) (Inbound, bool) {
	ev.UserID = userID(src)
	if ev.UserID == "" {
		return Inbound{}, false
	}
	return Inbound{Event: ev, ReplyToken: replyToken}, true
}

// userID は送信元のユーザーIDを返す。グループ・トークルームでは発言者のIDを使う。
func userID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	}
	return ""
}

func sourceID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.GroupSource:
		return s.GroupId
	case webhook.RoomSource:
		return s.RoomId
	}
	return userID(src)
}
