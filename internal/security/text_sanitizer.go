// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は利用者が自由入力した服薬者名・薬品名・続柄ラベルから
// マークアップと制御文字を取り除く。外部エンドポイントへの接続には
// SSRF防止機能付きのHTTPクライアントを使う。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はbluemondayのStrictPolicyで全タグを除去する。
// ポリシーはスレッドセーフなので1つのインスタンスを共有してよい。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去し、エスケープされた文字を元に戻したうえで
// 制御文字を取り除き、前後の空白を削る。
// 結果はプレーンテキストとしてLINEに送るため、HTMLエスケープは残さない。
func (s *TextSanitizer) SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(text))
	stripped = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, stripped)
	return strings.TrimSpace(stripped)
}
