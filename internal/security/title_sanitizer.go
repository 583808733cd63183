package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTitleLength はタイトルとして保持する最大文字数（rune単位）。
const MaxTitleLength = 255

// TitleSanitizer はフィードのタイトルや購読の表示名からマークアップを取り除く。
type TitleSanitizer interface {
	// Sanitize はタグを全て除去し、空白を1つにまとめ、MaxTitleLength文字に切り詰める。
	Sanitize(raw string) string
}

// titleSanitizer はbluemondayのStrictPolicyを使うTitleSanitizerの実装。
// Policyはスレッドセーフなので共有できる。
type titleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerの新しいインスタンスを生成する。
func NewTitleSanitizer() *titleSanitizer {
	return &titleSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

var _ TitleSanitizer = (*titleSanitizer)(nil)

// Sanitize はタイトル文字列を無害化する。
// StrictPolicyはエンティティをエスケープして返すため、最後にアンエスケープしてプレーンテキストにする。
func (s *titleSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	collapsed := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(collapsed) <= MaxTitleLength {
		return collapsed
	}
	runes := []rune(collapsed)
	return strings.TrimSpace(string(runes[:MaxTitleLength]))
}
