package ollama

import "strings"

func buildIntentPrompt(utterance string, areas, floors []string) string {
	const maxUtterance = 500
	if len(utterance) > maxUtterance {
		utterance = utterance[:maxUtterance]
	}

	var b strings.Builder
	b.WriteString(`You are a smart home command parser.
Return strict JSON object with keys:
intent (one of TurnOn, TurnOff, LightSet, SetPosition, GetState, ClimateSetTemperature, DelayedControl, TemporaryControl, TimerSet, TimerCancel, CalendarCreate),
domain (string), area (string), floor (string), name (string), device_class (string),
params (object), confidence (number from 0 to 1), chat (boolean), chat_reply (string).
If the text is conversation rather than a device command, set chat to true and leave intent empty.
No markdown, no extra keys.
`)
	if len(areas) > 0 {
		b.WriteString("\nKnown areas: " + strings.Join(areas, ", ") + ".")
	}
	if len(floors) > 0 {
		b.WriteString("\nKnown floors: " + strings.Join(floors, ", ") + ".")
	}
	b.WriteString("\n\nCommand:\n")
	b.WriteString(utterance)
	return b.String()
}
