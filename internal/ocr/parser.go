package ocr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Parser は認識結果テキストを処方内容に変換する。
type Parser interface {
	Parse(text string) Order
}

// FrequencyRule は頻度キーワードと、対応する頻度コード・服用時刻の対応。
type FrequencyRule struct {
	Keywords []string
	Code     string
	Times    []string
}

// DefaultRules は既定の頻度キーワード表。先に一致した規則が優先される。
// 「需要時」は時刻を持たないため、他の規則より先に判定する。
var DefaultRules = []FrequencyRule{
	{Keywords: []string{"需要時", "需要時服用", "PRN"}, Code: FrequencyAsNeeded, Times: nil},
	{Keywords: []string{"一日四次", "每日四次", "QID"}, Code: "QID", Times: []string{"08:00", "12:00", "18:00", "22:00"}},
	{Keywords: []string{"一日三次", "每日三次", "TID"}, Code: "TID", Times: []string{"08:00", "14:00", "20:00"}},
	{Keywords: []string{"一日兩次", "一日二次", "每日兩次", "BID"}, Code: "BID", Times: []string{"09:00", "18:00"}},
	{Keywords: []string{"一日一次", "每日一次", "QD"}, Code: "QD", Times: []string{"09:00"}},
	{Keywords: []string{"睡前", "HS"}, Code: "HS", Times: []string{"22:00"}},
	{Keywords: []string{"飯前"}, Code: "TID", Times: []string{"07:30", "11:30", "17:30"}},
	{Keywords: []string{"飯後"}, Code: "TID", Times: []string{"08:30", "12:30", "18:30"}},
}

var (
	headerKeywords = []string{"藥品名稱", "單次劑量", "用藥頻率"}
	visitDateRe    = regexp.MustCompile(`看診日期[:：]\s*(\d{2,3}\.\d{1,2}\.\d{1,2})`)
	daysSupplyRe   = regexp.MustCompile(`本次發藥天數[:：]\s*(\d+)\s*日份`)
	itemLineRe     = regexp.MustCompile(`^(\S+)\s+(\d+(?:\.\d+)?|半)([^\s\d]*)\s+(\S+)(?:\s+(\S+))?(?:\s+(.+))?$`)
)

// KeywordParser は表形式の藥袋テキストを行単位で解析する。
type KeywordParser struct {
	Rules []FrequencyRule
}

// NewKeywordParser は既定の頻度キーワード表を使うKeywordParserを生成する。
func NewKeywordParser() *KeywordParser {
	return &KeywordParser{Rules: DefaultRules}
}

// Parse はヘッダー行（藥品名稱・單次劑量・用藥頻率）以降の各行を薬品として解析する。
// ヘッダー行が無い場合は全行を対象にする。解析できない行は読み飛ばす。
func (p *KeywordParser) Parse(text string) Order {
	var order Order
	if m := visitDateRe.FindStringSubmatch(text); m != nil {
		order.VisitDate = m[1]
	}
	if m := daysSupplyRe.FindStringSubmatch(text); m != nil {
		order.DaysSupply, _ = strconv.Atoi(m[1])
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	start := 0
	if _, idx, ok := lo.FindIndexOf(lines, isHeader); ok {
		start = idx + 1
	}

	for _, line := range lines[start:] {
		line = strings.TrimSpace(strings.ReplaceAll(line, "　", " "))
		if line == "" || visitDateRe.MatchString(line) || daysSupplyRe.MatchString(line) {
			continue
		}
		item, ok := p.parseLine(line)
		if ok {
			order.Items = append(order.Items, item)
		}
	}
	return order
}

func isHeader(line string) bool {
	return lo.SomeBy(headerKeywords, func(k string) bool { return strings.Contains(line, k) })
}

// parseLine は「藥名 劑量[單位] 頻率 [用途] [副作用...]」の1行を解析する。
func (p *KeywordParser) parseLine(line string) (Item, bool) {
	m := itemLineRe.FindStringSubmatch(line)
	if m == nil {
		return Item{}, false
	}
	dosage := m[2]
	if m[3] != "" {
		dosage += " " + m[3]
	}
	item := Item{
		Name:          m[1],
		Dosage:        dosage,
		FrequencyText: m[4],
		Purpose:       m[5],
		SideEffects:   m[6],
	}
	// 「1 錠 一日三次」のように単位が離れている場合は、次の語を頻度として扱う
	if _, ok := p.Match(item.FrequencyText); !ok && m[3] == "" && m[5] != "" {
		if _, ok := p.Match(m[5]); ok {
			item.Dosage = m[2] + " " + m[4]
			item.FrequencyText = m[5]
			item.Purpose = ""
			if m[6] != "" {
				item.Purpose, item.SideEffects, _ = strings.Cut(m[6], " ")
			}
		}
	}
	if rule, ok := p.Match(item.FrequencyText); ok {
		item.FrequencyCode = rule.Code
		item.Times = append([]string(nil), rule.Times...)
	}
	return item, true
}

// Match は頻度テキストに一致する最初の規則を返す。
func (p *KeywordParser) Match(frequencyText string) (FrequencyRule, bool) {
	upper := strings.ToUpper(frequencyText)
	return lo.Find(p.Rules, func(r FrequencyRule) bool {
		return lo.SomeBy(r.Keywords, func(k string) bool { return strings.Contains(upper, k) })
	})
}

var _ Parser = (*KeywordParser)(nil)
