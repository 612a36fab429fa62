package event

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTitle はイベント種別から人が読める既定タイトルを生成する。
// 例: "budget_exceeded" → "Budget Exceeded"
func DefaultTitle(t Type) string {
	words := strings.FieldsFunc(string(t), func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	// Caserは状態を持つためgoroutine間で共有しない
	caser := cases.Title(language.English)
	for i, w := range words {
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}

// DefaultMessage はメッセージ未指定時の汎用本文を返す。
func DefaultMessage(t Type) string {
	return fmt.Sprintf("An alert of type %s occurred", t)
}

// DefaultPriority は優先度未指定時の既定値を返す。
// 危険・予算超過・工程遅延は high、それ以外は medium。
func DefaultPriority(t Type) Priority {
	switch t {
	case TypeHazard, TypeBudgetExceeded, TypeScheduleDelay:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// WithDefaults は未指定の項目を既定値で補ったPayloadを返す。
// 定義外の優先度も既定値に置き換える。
func (p Payload) WithDefaults(t Type) Payload {
	out := p
	if strings.TrimSpace(out.Title) == "" {
		out.Title = DefaultTitle(t)
	}
	if strings.TrimSpace(out.Message) == "" {
		out.Message = DefaultMessage(t)
	}
	if !out.Priority.Valid() {
		out.Priority = DefaultPriority(t)
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out
}
