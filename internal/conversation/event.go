// Package conversation は会話状態機械を提供する。
//
// 受信イベントと現在の会話状態から、次の会話状態と返信メッセージを決める。
// 遷移は (状態タグ, 入力種別, 名前) をキーとする表で引く。
package conversation

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

// EventKind は受信イベントの種類。
type EventKind string

// 受信イベントの種類。
const (
	EventFollow   EventKind = "follow"
	EventJoin     EventKind = "join"
	EventText     EventKind = "text"
	EventImage    EventKind = "image"
	EventPostback EventKind = "postback"
)

// Event はプラットフォームから受信した1イベント。
type Event struct {
	Kind   EventKind
	UserID string
	// Text はテキストメッセージの本文。
	Text string
	// MessageID は画像メッセージのID。画像本体は ImageFetcher で取得する。
	MessageID string
	// Data は postback のデータ（key=value&... 形式）。
	Data string
	// Params は postback に付随するパラメータ（時刻選択の "time" など）。
	Params map[string]string
}

// ImageFetcher はメッセージIDから画像本体を取得する。
type ImageFetcher interface {
	Content(ctx context.Context, messageID string) ([]byte, error)
}

// TextSanitizer は利用者の自由入力から表示に不要なマークアップを取り除く。
type TextSanitizer interface {
	SanitizeText(s string) string
}

type inputClass int

const (
	classFollow inputClass = iota
	classJoin
	classCommand
	classText
	classPostback
	classImage
)

func (c inputClass) String() string {
	switch c {
	case classFollow:
		return "follow"
	case classJoin:
		return "join"
	case classCommand:
		return "command"
	case classText:
		return "text"
	case classPostback:
		return "postback"
	case classImage:
		return "image"
	}
	return "unknown"
}

// input は分類済みの入力。
type input struct {
	class inputClass
	// name はコマンド名または postback の action。自由入力では空。
	name string
	// text は正規化済みの本文、コマンドの場合は引数部分。
	text   string
	params url.Values
	event  Event
}

func (in input) param(key string) string {
	return in.params.Get(key)
}

// コマンド名。同義のキーワードはここで1つにまとめる。
const (
	cmdAddReminder = "add_reminder"
	cmdOCR         = "ocr"
	cmdManage      = "manage"
	cmdView        = "view"
	cmdAddRecord   = "add_record"
	cmdFamilyMenu  = "family_menu"
	cmdGenInvite   = "generate_invite"
	cmdBind        = "bind"
	cmdUnbind      = "unbind"
	cmdListFamily  = "list_family"
	cmdAddPatient  = "add_patient"
	cmdRename      = "rename"
	cmdHelp        = "help"
	cmdCancel      = "cancel"
)

var commandKeywords = map[string]string{
	"新增用藥提醒": cmdAddReminder,
	"新增提醒":   cmdAddReminder,
	"藥袋辨識":   cmdOCR,
	"上傳藥單":   cmdOCR,
	"用藥管理":   cmdManage,
	"提醒管理":   cmdManage,
	"查看提醒":   cmdView,
	"新增用藥記錄": cmdAddRecord,
	"用藥記錄":   cmdAddRecord,
	"家人綁定":   cmdFamilyMenu,
	"家人管理":   cmdFamilyMenu,
	"產生邀請碼":  cmdGenInvite,
	"綁定邀請碼":  cmdBind,
	"綁定":     cmdBind,
	"解除綁定":   cmdUnbind,
	"查看家人":   cmdListFamily,
	"新增家人":   cmdAddPatient,
	"修改名稱":   cmdRename,
	"使用說明":   cmdHelp,
	"說明":     cmdHelp,
	"取消":     cmdCancel,
	"取消設定":   cmdCancel,
	"取消藥單設定": cmdCancel,
}

// bindCodeRe は「綁定ABC123」のように空白なしで招待コードが続く入力に一致する。
var bindCodeRe = regexp.MustCompile(`^綁定([A-Za-z0-9]{6})$`)

// isCommandWord は文字列がコマンドキーワードかどうかを返す。名前入力の検証に使う。
func isCommandWord(s string) bool {
	_, ok := commandKeywords[s]
	return ok
}

// classify はイベントを入力種別に分類する。
// テキストは先頭の語がコマンドキーワードならコマンド、それ以外は自由入力とする。
func classify(ev Event, normalize func(string) string) input {
	in := input{event: ev, params: url.Values{}}
	switch ev.Kind {
	case EventFollow:
		in.class = classFollow
	case EventJoin:
		in.class = classJoin
	case EventImage:
		in.class = classImage
	case EventPostback:
		in.class = classPostback
		if v, err := url.ParseQuery(ev.Data); err == nil {
			in.params = v
		}
		for k, v := range ev.Params {
			in.params.Set(k, v)
		}
		in.name = in.params.Get("action")
	default:
		in.class = classText
		text := normalize(ev.Text)
		in.text = text
		head, rest, _ := strings.Cut(text, " ")
		if name, ok := commandKeywords[head]; ok {
			in.class = classCommand
			in.name = name
			in.text = strings.TrimSpace(rest)
		} else if m := bindCodeRe.FindStringSubmatch(text); m != nil {
			in.class = classCommand
			in.name = cmdBind
			in.text = m[1]
		}
	}
	return in
}
