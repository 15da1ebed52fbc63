// Package ocr は藥袋（処方薬袋）画像の文字認識と、認識結果テキストの解析を提供する。
//
// 文字認識（Recognizer）と解析（Parser）はどちらも差し替え可能な戦略として定義する。
// 既定の KeywordParser は頻度キーワードから固定の服用時刻を導出する。
package ocr

import "github.com/hitoshi/medremind/internal/model"

// FrequencyAsNeeded は「需要時」（頓服）の頻度コード。自動スケジュールの対象外。
const FrequencyAsNeeded = "PRN"

// Order は1枚の藥袋から解析した処方内容。永続化されず、確認ステップの会話状態にのみ保持される。
type Order struct {
	// VisitDate は民国暦の看診日（例: "114.06.12"）。読み取れなければ空文字。
	VisitDate string `json:"visit_date,omitempty"`
	// DaysSupply は本次發藥天數。読み取れなければ0。
	DaysSupply int    `json:"days_supply,omitempty"`
	Items      []Item `json:"items"`
}

// Item は処方内の薬品1件。
type Item struct {
	Name          string   `json:"name"`
	Dosage        string   `json:"dosage"`
	FrequencyText string   `json:"frequency_text"`
	FrequencyCode string   `json:"frequency_code,omitempty"`
	Times         []string `json:"times"`
	Purpose       string   `json:"purpose,omitempty"`
	SideEffects   string   `json:"side_effects,omitempty"`
}

// AsNeeded は頓服薬かどうかを返す。頓服薬は時刻を持たない。
func (i Item) AsNeeded() bool {
	return i.FrequencyCode == FrequencyAsNeeded
}

// Resolved は頻度コードと時刻の両方が導出できたかどうかを返す。
func (i Item) Resolved() bool {
	return i.FrequencyCode != "" && len(i.Times) > 0 && len(i.Times) <= model.MaxSlots
}
