package resolve

import "strings"

var affirmative = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "sure": {},
	"ok": {}, "okay": {}, "correct": {}, "right": {}, "exactly": {},
	"please": {}, "do": {},
}

var negative = map[string]struct{}{
	"no": {}, "nope": {}, "nah": {}, "wrong": {}, "cancel": {},
	"stop": {}, "don't": {}, "dont": {}, "never": {},
}

// IsAffirmative reports whether a short reply confirms a pending question.
func IsAffirmative(text string) bool {
	return matchesReply(text, affirmative)
}

// IsNegative reports whether a short reply rejects a pending question.
func IsNegative(text string) bool {
	return matchesReply(text, negative)
}

func matchesReply(text string, words map[string]struct{}) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 || len(fields) > 3 {
		return false
	}
	for _, f := range fields {
		f = strings.Trim(f, ".,!?")
		if _, ok := words[f]; ok {
			return true
		}
	}
	return false
}
