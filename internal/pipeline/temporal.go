package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// Temporal intents carry a delay or duration that must be re-read from the
// current utterance on every cache hit: "turn off the tv in 10 minutes" and
// "turn off the tv in 2 hours" rightly share a cache entry, but not a timer.
var temporalIntents = map[string]struct{}{
	domain.IntentDelayedControl: {},
	domain.IntentTempControl:    {},
	domain.IntentTimerSet:       {},
}

var durationPattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?|a|an|half)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?)\b`)

func isTemporalIntent(intent string) bool {
	_, ok := temporalIntents[intent]
	return ok
}

// extractDurationSeconds pulls the first spoken duration out of the text.
func extractDurationSeconds(text string) (float64, bool) {
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "half an hour"), strings.Contains(lowered, "half hour"):
		return 1800, true
	case strings.Contains(lowered, "half a minute"):
		return 30, true
	}

	m := durationPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	var amount float64
	switch strings.ToLower(m[1]) {
	case "a", "an":
		amount = 1
	case "half":
		amount = 0.5
	default:
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		amount = v
	}

	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "sec"):
		return amount, true
	case strings.HasPrefix(unit, "min"):
		return amount * 60, true
	default:
		return amount * 3600, true
	}
}

// refreshTemporalParams overrides the cached delay with the one spoken in
// this turn. Cached params are not mutated.
func refreshTemporalParams(intent, text string, cached map[string]any) map[string]any {
	if !isTemporalIntent(intent) {
		return cached
	}
	seconds, ok := extractDurationSeconds(text)
	if !ok {
		return cached
	}
	out := make(map[string]any, len(cached)+1)
	for k, v := range cached {
		out[k] = v
	}
	out["duration_seconds"] = seconds
	return out
}
