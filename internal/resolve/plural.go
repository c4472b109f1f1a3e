package resolve

import "strings"

// groupWords address every matching entity rather than a single device.
var groupWords = map[string]struct{}{
	"all":        {},
	"everything": {},
	"lights":     {},
	"lamps":      {},
	"blinds":     {},
	"curtains":   {},
	"switches":   {},
	"speakers":   {},
}

// isGroupReference reports whether the spoken name addresses a set of
// devices ("the lights", "all lamps") instead of one.
func isGroupReference(name string) bool {
	words := strings.Fields(strings.ToLower(name))
	for _, w := range words {
		if _, ok := groupWords[w]; ok {
			return true
		}
	}
	return false
}

// singular strips a trailing plural suffix for name comparison, so
// "lamps" still matches an entity named "Lamp".
func singular(word string) string {
	w := strings.ToLower(word)
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 3:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "es") && len(w) > 2:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && len(w) > 1:
		return w[:len(w)-1]
	default:
		return w
	}
}
