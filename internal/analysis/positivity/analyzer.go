package positivity

import (
	"strings"
	"unicode"
)

// Result 给出内容审核结论以及可展示给作者的提示。
type Result struct {
	OK   bool   `json:"ok"`
	Hint string `json:"hint,omitempty"`
}

const (
	HintUnkind   = "Please keep it kind and constructive. Try rephrasing positively."
	HintNegative = "Focus on what you appreciate about the teammate."
	maxNegatives = 3
	apostrophe   = '\''
	rightQuote   = '’'
)

var bannedPhrases = []string{
	"stupid",
	"idiot",
	"dumb",
	"trash",
	"hate you",
}

var negationWords = map[string]struct{}{
	"not":    {},
	"never":  {},
	"no":     {},
	"isn't":  {},
	"wasn't": {},
}

// Check 判断文本是否足够友善：包含攻击性短语或否定词过多时拒绝。
func Check(text string) Result {
	normalized := strings.ToLower(strings.ReplaceAll(text, string(rightQuote), string(apostrophe)))

	for _, phrase := range bannedPhrases {
		if strings.Contains(normalized, phrase) {
			return Result{OK: false, Hint: HintUnkind}
		}
	}

	if countNegations(normalized) > maxNegatives {
		return Result{OK: false, Hint: HintNegative}
	}
	return Result{OK: true}
}

// countNegations counts whole-word negations so that "know" or "nothing" do not match.
func countNegations(normalized string) int {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && r != apostrophe
	})
	count := 0
	for _, word := range words {
		if _, ok := negationWords[strings.Trim(word, string(apostrophe))]; ok {
			count++
		}
	}
	return count
}
