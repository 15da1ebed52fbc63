package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/width"

	"github.com/hitoshi/medremind/internal/model"
)

var (
	doseRe = regexp.MustCompile(`^(\d+(?:\.\d+)?|半)\s*(.*)$`)
	timeRe = regexp.MustCompile(`^(\d{1,2})\s*[:：時点點]\s*(\d{2})(?:分)?$`)
	daysRe = regexp.MustCompile(`^(\d+)\s*(?:天|日)?$`)
)

// MaxDays は用藥天數の上限。
const MaxDays = 365

// LongTerm は長期服用を表す用藥天數。
const LongTerm = 0

// MaxDoseUnitLength は用量の単位部分の最大文字数。dose_unit 列の長さと一致させる。
const MaxDoseUnitLength = 20

// Normalize は全角英数字・記号を半角に変換し、前後の空白を取り除く。
func Normalize(s string) string {
	return strings.TrimSpace(width.Fold.String(s))
}

// ParseDose は用量の文字列を数量と単位に分解する。
// 先頭の数値（「半」は0.5）を数量、残りを単位とし、数値が読み取れなければ数量1・入力全体を単位とする。
func ParseDose(s string) model.Dose {
	s = Normalize(s)
	one := decimal.NewFromInt(1)
	m := doseRe.FindStringSubmatch(s)
	if m == nil {
		return model.Dose{Quantity: one, Unit: s}
	}
	if m[1] == "半" {
		return model.Dose{Quantity: decimal.RequireFromString("0.5"), Unit: strings.TrimSpace(m[2])}
	}
	qty, err := decimal.NewFromString(m[1])
	if err != nil || !qty.IsPositive() {
		qty = one
	}
	return model.Dose{Quantity: qty, Unit: strings.TrimSpace(m[2])}
}

// ValidateDose は用量の文字列を解釈し、単位部分が長すぎれば model.ErrInvalidDose を返す。
func ValidateDose(s string) (model.Dose, error) {
	d := ParseDose(s)
	if utf8.RuneCountInString(d.Unit) > MaxDoseUnitLength {
		return model.Dose{}, model.ErrInvalidDose
	}
	return d, nil
}

// dateLayouts は自由入力で受け付ける日付の書式。
var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006.01.02"}

// ParseDate は服用日の入力を YYYY-MM-DD に正規化する。「今天」「昨天」は today から求める。
// today より後の日付は model.ErrInvalidDate。
func ParseDate(s string, today time.Time) (string, error) {
	s = Normalize(s)
	var day time.Time
	switch s {
	case "今天":
		day = today
	case "昨天":
		day = today.AddDate(0, 0, -1)
	default:
		var err error
		for _, layout := range dateLayouts {
			if day, err = time.ParseInLocation(layout, s, today.Location()); err == nil {
				break
			}
		}
		if err != nil {
			return "", model.ErrInvalidDate
		}
	}
	if day.Format(time.DateOnly) > today.Format(time.DateOnly) {
		return "", model.ErrInvalidDate
	}
	return day.Format(time.DateOnly), nil
}

// ParseTime は「8:00」「08：30」「8點30」などを HH:MM に正規化する。
func ParseTime(s string) (string, error) {
	m := timeRe.FindStringSubmatch(Normalize(s))
	if m == nil {
		return "", model.ErrInvalidTime
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return "", model.ErrInvalidTime
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

// ParseDays は用藥天數の入力を解釈する。「長期」は LongTerm を返す。
func ParseDays(s string) (int, error) {
	s = Normalize(s)
	if s == "長期" {
		return LongTerm, nil
	}
	m := daysRe.FindStringSubmatch(s)
	if m == nil {
		return 0, model.ErrInvalidDays
	}
	days, err := strconv.Atoi(m[1])
	if err != nil || days < 1 || days > MaxDays {
		return 0, model.ErrInvalidDays
	}
	return days, nil
}

// FormatDays は用藥天數の表示文字列を返す。
func FormatDays(days int) string {
	if days == LongTerm {
		return "長期"
	}
	return strconv.Itoa(days) + " 天"
}
