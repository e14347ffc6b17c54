package match

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/models"
)

type MatchStore struct {
	mu      sync.Mutex
	matches map[uuid.UUID]*Match
}

func NewMatchStore() *MatchStore {
	return &MatchStore{
		matches: make(map[uuid.UUID]*Match),
	}
}

func (s *MatchStore) AddMatch(m *Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[m.ID] = m
}

func (s *MatchStore) GetMatch(id uuid.UUID) (*Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.matches[id]
	return m, exists
}

func (s *MatchStore) DeleteMatch(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, id)
}

// GetMatchByLobbyID returns the match started from a given lobby, or nil.
func (s *MatchStore) GetMatchByLobbyID(lobbyID uuid.UUID) *Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.matches {
		if m.LobbyID == lobbyID {
			return m
		}
	}
	return nil
}

// ReapStale walks every match and repairs the ones the timers missed:
// overdue active matches are pushed into rendering, rendering matches that
// never got a job are failed, and terminal matches past the retention
// window are dropped from memory. Returns (expired, dropped).
func (s *MatchStore) ReapStale(now time.Time, retention time.Duration) (int, int) {
	s.mu.Lock()
	candidates := make([]*Match, 0, len(s.matches))
	for _, m := range s.matches {
		candidates = append(candidates, m)
	}
	s.mu.Unlock()

	var expired, dropped int
	var drop []uuid.UUID
	for _, m := range candidates {
		if m.ExpireIfOverdue(now) {
			expired++
			continue
		}
		m.Mu.Lock()
		if m.Status == models.MatchRendering && m.RenderJobID == uuid.Nil {
			// No job was ever recorded, so no reply can arrive.
			m.failUnsafe("render job lost")
		}
		terminal := m.Status.Terminal()
		finished := m.FinishedAt
		m.Mu.Unlock()
		if terminal && !finished.IsZero() && now.Sub(finished) > retention {
			drop = append(drop, m.ID)
		}
	}

	if len(drop) > 0 {
		s.mu.Lock()
		for _, id := range drop {
			if _, ok := s.matches[id]; ok {
				delete(s.matches, id)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return expired, dropped
}
