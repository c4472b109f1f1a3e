package domain

const (
	IntentTurnOn         = "TurnOn"
	IntentTurnOff        = "TurnOff"
	IntentLightSet       = "LightSet"
	IntentSetPosition    = "SetPosition"
	IntentGetState       = "GetState"
	IntentSetTemperature = "ClimateSetTemperature"
	IntentDelayedControl = "DelayedControl"
	IntentTempControl    = "TemporaryControl"
	IntentTimerSet       = "TimerSet"
	IntentTimerCancel    = "TimerCancel"
	IntentCalendarCreate = "CalendarCreate"
)

// ExpectedState returns the device state an intent should produce, and
// whether the intent has a verifiable state effect at all. Read-only and
// scheduling intents verify trivially.
func ExpectedState(intent string, params map[string]any) (string, bool) {
	switch intent {
	case IntentTurnOn, IntentLightSet:
		return "on", true
	case IntentTurnOff:
		return "off", true
	default:
		return "", false
	}
}

// KnownIntent reports whether the name is one of the intents the pipeline
// can act on. Anchor patterns are validated against this set at load time.
func KnownIntent(intent string) bool {
	switch intent {
	case IntentTurnOn, IntentTurnOff, IntentLightSet, IntentSetPosition,
		IntentGetState, IntentSetTemperature, IntentDelayedControl,
		IntentTempControl, IntentTimerSet, IntentTimerCancel,
		IntentCalendarCreate:
		return true
	default:
		return false
	}
}

// NoCacheIntent reports whether resolutions of this intent must never be
// learned: timers and calendar events carry one-off context that does not
// generalize.
func NoCacheIntent(intent string) bool {
	switch intent {
	case IntentTimerSet, IntentTimerCancel, IntentCalendarCreate:
		return true
	default:
		return false
	}
}

// ParsedIntent is the structured output of an LLM or NLU parse.
type ParsedIntent struct {
	Intent      string         `json:"intent"`
	Domain      string         `json:"domain"`
	Area        string         `json:"area"`
	Floor       string         `json:"floor"`
	Name        string         `json:"name"`
	DeviceClass string         `json:"device_class"`
	Params      map[string]any `json:"params"`
	Confidence  float64        `json:"confidence"`
	Chat        bool           `json:"chat"`
	ChatReply   string         `json:"chat_reply"`
}
