// internal/lobby/lobby_store.go
package lobby

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/match"
	"github.com/cutroom-app/cutroom/internal/models"
)

// LobbyStore manages active ephemeral lobbies in memory.
// It provides thread-safe access to add, retrieve, and delete lobbies, and
// indexes them by join code for human-friendly lookup.
type LobbyStore struct {
	mu      sync.Mutex           // Protects the maps below.
	lobbies map[uuid.UUID]*Lobby // Map of lobby ID to Lobby object pointer.
	byCode  map[string]uuid.UUID // Normalized join code -> lobby ID.
}

// NewLobbyStore initializes and returns an empty LobbyStore.
func NewLobbyStore() *LobbyStore {
	return &LobbyStore{
		lobbies: make(map[uuid.UUID]*Lobby),
		byCode:  make(map[string]uuid.UUID),
	}
}

// AddLobby adds a new lobby instance to the store and claims its join code.
// A code collision gets the lobby a fresh code before registration.
// It's recommended to configure the lobby's OnEmpty callback before adding it
// to ensure automatic cleanup when the last user leaves.
func (s *LobbyStore) AddLobby(lobby *Lobby) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lobbies[lobby.ID]; exists {
		log.Printf("LobbyStore WARNING: Attempted to add lobby %s which already exists.", lobby.ID)
		return
	}
	for {
		if _, taken := s.byCode[lobby.JoinCode]; !taken {
			break
		}
		lobby.JoinCode = newJoinCode()
	}
	s.lobbies[lobby.ID] = lobby
	s.byCode[lobby.JoinCode] = lobby.ID
	log.Printf("LobbyStore: Added lobby %s (code %s).", lobby.ID, lobby.JoinCode)
}

// DeleteLobby removes a lobby instance from the store by its ID.
// This is typically called via the lobby's OnEmpty callback.
func (s *LobbyStore) DeleteLobby(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, exists := s.lobbies[id]
	if !exists {
		log.Printf("LobbyStore WARNING: Attempted to delete non-existent lobby %s.", id)
		return
	}
	delete(s.lobbies, id)
	delete(s.byCode, l.JoinCode)
	log.Printf("LobbyStore: Deleted lobby %s.", id)
}

// GetLobby retrieves a lobby instance from the store by its ID.
func (s *LobbyStore) GetLobby(id uuid.UUID) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[id]
	return l, ok
}

// GetLobbyByCode retrieves a lobby by join code. Lookup is case-insensitive.
func (s *LobbyStore) GetLobbyByCode(code string) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[NormalizeJoinCode(code)]
	if !ok {
		return nil, false
	}
	l, ok := s.lobbies[id]
	return l, ok
}

// Resolve finds a lobby by UUID first, then by join code.
func (s *LobbyStore) Resolve(idOrCode string) (*Lobby, bool) {
	if id, err := uuid.Parse(idOrCode); err == nil {
		if l, ok := s.GetLobby(id); ok {
			return l, true
		}
	}
	return s.GetLobbyByCode(idOrCode)
}

// GetLobbies returns a copy of the map containing all active lobbies.
// Returning a copy prevents race conditions if the caller iterates over the
// map while another goroutine modifies the store.
func (s *LobbyStore) GetLobbies() map[uuid.UUID]*Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	lobbiesCopy := make(map[uuid.UUID]*Lobby, len(s.lobbies))
	for k, v := range s.lobbies {
		lobbiesCopy[k] = v
	}
	return lobbiesCopy
}

// ListWaiting returns the lobbies currently accepting members, oldest first.
func (s *LobbyStore) ListWaiting() []*Lobby {
	s.mu.Lock()
	all := make([]*Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		all = append(all, l)
	}
	s.mu.Unlock()

	var waiting []*Lobby
	for _, l := range all {
		l.Mu.Lock()
		if l.Status == models.LobbyWaiting {
			waiting = append(waiting, l)
		}
		l.Mu.Unlock()
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	return waiting
}

// EnsureSystemLobbies reconciles the standing service-owned rooms: each
// named room must have one open instance. Missing ones are created with cfg.
// Returns the lobbies created by this pass.
func (s *LobbyStore) EnsureSystemLobbies(names []string, cfg match.Config) []*Lobby {
	open := make(map[string]bool)
	for _, l := range s.GetLobbies() {
		l.Mu.Lock()
		if l.System && (l.Status == models.LobbyWaiting || l.Status == models.LobbyStarting) {
			open[l.Name] = true
		}
		l.Mu.Unlock()
	}

	var created []*Lobby
	for _, name := range names {
		if open[name] {
			continue
		}
		l := NewSystemLobby(name, cfg)
		s.AddLobby(l)
		created = append(created, l)
		log.Printf("LobbyStore: Reconciled system lobby %q as %s.", name, l.ID)
	}
	return created
}

// ReapClosed drops closed lobbies that have been terminal longer than the
// retention window. Returns how many were removed.
func (s *LobbyStore) ReapClosed(now time.Time, retention time.Duration) int {
	var drop []uuid.UUID
	for id, l := range s.GetLobbies() {
		l.Mu.Lock()
		if l.Status == models.LobbyClosed && !l.ClosedAt.IsZero() && now.Sub(l.ClosedAt) > retention {
			drop = append(drop, id)
		}
		l.Mu.Unlock()
	}
	for _, id := range drop {
		s.DeleteLobby(id)
	}
	return len(drop)
}
