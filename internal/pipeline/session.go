package pipeline

import (
	"sync"
	"time"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

const (
	defaultSessionTTL  = 30 * time.Minute
	defaultChatModeTTL = 5 * time.Minute
	maxChatHistory     = 20
)

// PendingKind marks what the previous turn left open.
type PendingKind string

const (
	PendingNone           PendingKind = ""
	PendingDisambiguation PendingKind = "disambiguation"
	PendingAliasConfirm   PendingKind = "alias_confirm"
)

// PendingAction is a question asked last turn whose answer this turn must
// be interpreted against before the pipeline runs.
type PendingAction struct {
	Kind     PendingKind
	Text     string // the original utterance being disambiguated
	Intent   string
	Params   map[string]any
	Options  map[string]string
	Learning *domain.AliasLearning
	AskedAt  time.Time
}

// Session is per-conversation state surviving between turns. The mutex
// serializes whole turns: concurrent requests on one session id run one
// after the other, never interleaved.
type Session struct {
	mu sync.Mutex

	ID            string
	History       []domain.ChatMessage
	Pending       *PendingAction
	ChatMode      bool
	ChatModeUntil time.Time
	LastSeen      time.Time
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// ChatModeActive reports whether the sticky conversational mode still
// applies at the given instant.
func (s *Session) ChatModeActive(now time.Time) bool {
	return s.ChatMode && now.Before(s.ChatModeUntil)
}

func (s *Session) EnterChatMode(now time.Time, ttl time.Duration) {
	s.ChatMode = true
	s.ChatModeUntil = now.Add(ttl)
}

func (s *Session) LeaveChatMode() {
	s.ChatMode = false
	s.ChatModeUntil = time.Time{}
}

func (s *Session) AppendHistory(role, content string) {
	s.History = append(s.History, domain.ChatMessage{Role: role, Content: content})
	if len(s.History) > maxChatHistory {
		s.History = s.History[len(s.History)-maxChatHistory:]
	}
}

// SessionStore is an in-memory session table with TTL sweeping.
type SessionStore struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	sessionTTL time.Duration
	now        func() time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{
		sessions:   make(map[string]*Session),
		sessionTTL: ttl,
		now:        time.Now,
	}
}

// Get returns the session, creating it on first use.
func (st *SessionStore) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		s = &Session{ID: id}
		st.sessions[id] = s
	}
	s.LastSeen = st.now()
	return s
}

// Sweep drops sessions idle beyond the TTL and returns how many were removed.
func (st *SessionStore) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := st.now().Add(-st.sessionTTL)
	removed := 0
	for id, s := range st.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
