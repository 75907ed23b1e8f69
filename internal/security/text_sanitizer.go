// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はクライアントから受け取った自由入力テキスト（地名など）を
// 友人のコネクションへ配信する前に無害化する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextLength は自由入力テキストの最大文字数（rune数）。
const DefaultMaxTextLength = 200

// TextSanitizer は自由入力テキストを無害なプレーンテキストに変換するインターフェース。
type TextSanitizer interface {
	// SanitizeText はタグを除去し、制御文字と余分な空白を取り除いたテキストを返す。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す。
	SanitizeText(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使用するTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewTextSanitizer は新しいTextSanitizerを生成する。
// maxLenが0以下の場合はDefaultMaxTextLengthを使用する。
func NewTextSanitizer(maxLen int) *textSanitizer {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLength
	}
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: maxLen,
	}
}

// SanitizeText は以下の順で処理する:
//   - bluemondayでタグをすべて除去
//   - HTMLエンティティを戻したうえで山括弧を除去
//   - 制御文字を除去し、連続する空白を1つにまとめる
//   - maxLen文字で切り詰める
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}

	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '<' || r == '>':
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > s.maxLen {
		text = strings.TrimSpace(string(runes[:s.maxLen]))
	}
	return text
}
