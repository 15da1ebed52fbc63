// Package message はプラットフォームに依存しない送信メッセージの表現を定義する。
// LINE向けの変換は line パッケージが行う。
package message

import (
	"context"
	"net/url"
)

// ButtonKind はクイックリプライボタンの種類。
type ButtonKind string

// ボタンの種類。
const (
	KindMessage    ButtonKind = "message"
	KindPostback   ButtonKind = "postback"
	KindURI        ButtonKind = "uri"
	KindTimePicker ButtonKind = "time_picker"
	KindDatePicker ButtonKind = "date_picker"
)

// Button はクイックリプライの1ボタン。
type Button struct {
	Kind  ButtonKind
	Label string
	// Text は message の送信文字列、postback の表示文字列。
	Text string
	// Data は postback と picker のペイロード（key=value&... 形式）。
	Data string
	// URI は uri ボタンのリンク先。
	URI string
	// Initial は picker の初期値（HH:MM または YYYY-MM-DD）。
	Initial string
	// Max は date_picker で選べる最後の日付。
	Max string
}

// Message はテキストとクイックリプライからなる送信メッセージ。
type Message struct {
	Text         string
	QuickReplies []Button
}

// Text はボタンなしのテキストメッセージを返す。
func Text(text string) Message {
	return Message{Text: text}
}

// WithButtons はボタン付きのテキストメッセージを返す。
func WithButtons(text string, buttons ...Button) Message {
	return Message{Text: text, QuickReplies: buttons}
}

// Reply はそのまま送信される文字列ボタン。
func Reply(label, text string) Button {
	return Button{Kind: KindMessage, Label: label, Text: text}
}

// Postback は action と追加パラメータを持つボタン。
// pairs は key, value の順に並べる。
func Postback(label, action string, pairs ...string) Button {
	return Button{Kind: KindPostback, Label: label, Text: label, Data: EncodeData(action, pairs...)}
}

// Link はURIを開くボタン。
func Link(label, uri string) Button {
	return Button{Kind: KindURI, Label: label, URI: uri}
}

// TimePicker は時刻選択ボタン。
func TimePicker(label, action, initial string, pairs ...string) Button {
	return Button{Kind: KindTimePicker, Label: label, Data: EncodeData(action, pairs...), Initial: initial}
}

// DatePicker は日付選択ボタン。max より後の日付は選べない。
func DatePicker(label, action, initial, max string, pairs ...string) Button {
	return Button{Kind: KindDatePicker, Label: label, Data: EncodeData(action, pairs...), Initial: initial, Max: max}
}

// EncodeData は action と追加パラメータを postback データ文字列に変換する。
func EncodeData(action string, pairs ...string) string {
	v := url.Values{}
	v.Set("action", action)
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i], pairs[i+1])
	}
	return v.Encode()
}

// Pusher は指定ユーザーへメッセージをプッシュ送信する。
type Pusher interface {
	Push(ctx context.Context, to string, msgs ...Message) error
}
