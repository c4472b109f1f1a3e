package domain

type Entity struct {
	ID         string         `json:"entity_id"`
	Domain     string         `json:"domain"`
	Name       string         `json:"name"`
	AreaID     string         `json:"area_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	Exposed    bool           `json:"exposed"`
}

type Area struct {
	ID      string `json:"area_id"`
	Name    string `json:"name"`
	FloorID string `json:"floor_id"`
}

type Floor struct {
	ID   string `json:"floor_id"`
	Name string `json:"name"`
}

type ResolutionStatus string

const (
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
	ResolutionNotFound  ResolutionStatus = "not_found"
)

// AliasLearning is an offer to remember a spoken alias; it is persisted
// only after the user explicitly confirms it.
type AliasLearning struct {
	Kind   string // "area" or "entity"
	Alias  string
	Target string
}

// Resolution is the outcome of resolving a free-text entity reference:
// resolved entity ids, a disambiguation question, or a not-found signal.
type Resolution struct {
	Status    ResolutionStatus
	EntityIDs []string
	Question  string
	Options   map[string]string // entity id -> friendly name, when ambiguous
	Learning  *AliasLearning
}
