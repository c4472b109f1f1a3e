package domain

type StageStatus string

const (
	StatusSuccess      StageStatus = "success"
	StatusEscalate     StageStatus = "escalate"
	StatusEscalateChat StageStatus = "escalate_chat"
	StatusError        StageStatus = "error"
)

// StageResult is the unified result container for all pipeline stages.
// Exactly one status is set per invocation; Context is carried forward
// across escalations with an append-only merge.
type StageResult struct {
	Status    StageStatus
	Intent    string
	EntityIDs []string
	Params    map[string]any
	Context   map[string]any
	Response  string
	RawText   string
}

func Success(intent string, entityIDs []string, params, context map[string]any, rawText string) StageResult {
	return StageResult{
		Status:    StatusSuccess,
		Intent:    intent,
		EntityIDs: entityIDs,
		Params:    params,
		Context:   context,
		RawText:   rawText,
	}
}

// ChatSuccess is a terminal conversational reply with no intent to execute.
func ChatSuccess(response string, context map[string]any, rawText string) StageResult {
	return StageResult{
		Status:   StatusSuccess,
		Response: response,
		Context:  context,
		RawText:  rawText,
	}
}

func Escalate(context map[string]any, rawText string) StageResult {
	return StageResult{
		Status:  StatusEscalate,
		Context: context,
		RawText: rawText,
	}
}

// EscalateChat fast-tracks the turn to the conversational fallback stage.
func EscalateChat(context map[string]any, rawText string) StageResult {
	if context == nil {
		context = map[string]any{}
	}
	context["chat_mode"] = true
	return StageResult{
		Status:  StatusEscalateChat,
		Context: context,
		RawText: rawText,
	}
}

func Error(message, userResponse, rawText string) StageResult {
	return StageResult{
		Status:   StatusError,
		Response: userResponse,
		Context:  map[string]any{"error": message},
		RawText:  rawText,
	}
}

// MergeContext folds src into dst without overwriting accumulated keys.
// Stage context is append-only: the first stage to set a key owns it.
func MergeContext(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
	return dst
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ResolveRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// TurnResult is the caller-facing outcome of one conversation turn.
type TurnResult struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	Intent    string         `json:"intent,omitempty"`
	EntityIDs []string       `json:"entity_ids,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	FromCache bool           `json:"from_cache"`
	Stage     string         `json:"stage,omitempty"`
	ChatMode  bool           `json:"chat_mode"`
	Pending   bool           `json:"pending"`
}
