package ai

import (
	"regexp"
	"strings"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	"github.com/zhouzirui/medivoice/backend/internal/model/language"
)

var (
	// (Follow-up question: ...), (This will help ...), (Note: ...), (Translation: ...)
	metaParenthetical = regexp.MustCompile(`(?i)[(\[]\s*(?:follow[- ]?up(?: question)?|this will|this helps|note|translation|english|in english|meta|i am asking|i will)\b[^)\]]*[)\]]`)
	translationMarker = regexp.MustCompile(`(?i)\b(?:translation|english translation)\s*:`)
	codeSwitchMarker  = regexp.MustCompile(`(?i)\b(?:translation|english)\s*:`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
)

// Sanitize removes instruction leakage from a model reply. Applying it twice
// yields the same result as applying it once.
func Sanitize(raw, lang string) string {
	out := raw
	for i := 0; i < 4; i++ {
		next := sanitizeOnce(out, lang)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func sanitizeOnce(text, lang string) string {
	text = metaParenthetical.ReplaceAllString(text, " ")

	// 非英语会话中出现翻译标记说明模型夹带了英文，只保留标记之前的部分。
	if !language.IsEnglish(lang) {
		if loc := codeSwitchMarker.FindStringIndex(text); loc != nil {
			if head := strings.TrimSpace(text[:loc[0]]); head != "" {
				text = head
			}
		}
	}

	text = translationMarker.ReplaceAllString(text, " ")
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ClampWords caps text at limit words, preferring to cut after the last
// complete sentence that fits.
func ClampWords(text string, limit int) string {
	words := strings.Fields(text)
	if limit <= 0 || len(words) <= limit {
		return text
	}

	clipped := strings.Join(words[:limit], " ")
	if idx := strings.LastIndexAny(clipped, ".?!"); idx > 0 {
		return clipped[:idx+1]
	}
	return clipped
}

// WordLimit returns the reply ceiling for a stage.
func WordLimit(stage consultation.Stage) int {
	if stage == consultation.StageGreeting {
		return GreetingWordLimit
	}
	return OngoingWordLimit
}
