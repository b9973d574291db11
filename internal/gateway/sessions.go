package gateway

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"orchestra/internal/types"
)

const (
	defaultMaxSessions = 4096
	defaultKeepTurns   = 12
)

// Sessions keeps the recent conversation of each session so clients that
// only send the new message still get history-aware security checks.
type Sessions struct {
	mu    sync.Mutex
	turns *lru.Cache[string, []types.Turn]
	keep  int
}

func NewSessions(maxSessions, keepTurns int) *Sessions {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if keepTurns <= 0 {
		keepTurns = defaultKeepTurns
	}
	c, _ := lru.New[string, []types.Turn](maxSessions)
	return &Sessions{turns: c, keep: keepTurns}
}

// History returns a copy of the stored turns for a session.
func (s *Sessions) History(sessionID string) []types.Turn {
	sessionID = strings.TrimSpace(sessionID)
	if s == nil || sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, _ := s.turns.Get(sessionID)
	return append([]types.Turn(nil), turns...)
}

// Append records one exchange, trimming to the newest turns.
func (s *Sessions) Append(sessionID, user, assistant string) {
	sessionID = strings.TrimSpace(sessionID)
	if s == nil || sessionID == "" {
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, _ := s.turns.Get(sessionID)
	turns = append(turns, types.Turn{Role: "user", Content: user, At: now})
	if strings.TrimSpace(assistant) != "" {
		turns = append(turns, types.Turn{Role: "assistant", Content: assistant, At: now})
	}
	if len(turns) > s.keep {
		turns = append([]types.Turn(nil), turns[len(turns)-s.keep:]...)
	}
	s.turns.Add(sessionID, turns)
}
