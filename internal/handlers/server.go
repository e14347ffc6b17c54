// internal/handlers/server.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/config"
	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/hub"
	"github.com/cutroom-app/cutroom/internal/lobby"
	"github.com/cutroom-app/cutroom/internal/match"
	"github.com/cutroom-app/cutroom/internal/models"
	"github.com/cutroom-app/cutroom/internal/render"
)

// matchCloseLinger delays the teardown of a finished match's broadcast
// group so the write pumps can flush the terminal snapshot first.
const matchCloseLinger = 2 * time.Second

// Server bundles the stores, the render queue and the connection registry
// behind the HTTP surface.
type Server struct {
	Mu sync.Mutex

	LobbyStore *lobby.LobbyStore
	MatchStore *match.MatchStore
	Queue      *render.Queue
	Registry   *hub.Registry

	Cfg    config.Config
	Logger *logrus.Logger
}

// NewServer wires the stores together: render completions feed back into
// matches, emptied broadcast groups are logged, and the renderer is the
// Redis dispatcher when Redis is up, a local stub otherwise.
func NewServer(cfg config.Config, logger *logrus.Logger) *Server {
	s := &Server{
		LobbyStore: lobby.NewLobbyStore(),
		MatchStore: match.NewMatchStore(),
		Cfg:        cfg,
		Logger:     logger,
	}

	var renderer render.Renderer
	if cache.Rdb != nil {
		renderer = &render.RedisRenderer{ReplyTimeout: cfg.RenderLivenessTimeout}
	} else {
		logger.Warn("Redis not configured, falling back to the stub renderer")
		renderer = &render.StubRenderer{}
	}

	s.Queue = render.NewQueue(renderer, cfg.RenderWorkers, cfg.RenderLivenessTimeout, logger)
	s.Queue.OnComplete = func(jobID, matchID uuid.UUID, url string) {
		if matchID == uuid.Nil {
			return
		}
		m, ok := s.MatchStore.GetMatch(matchID)
		if !ok {
			logger.Warnf("Render job %s finished for unknown match %s", jobID, matchID)
			s.archiveRenderResult(matchID, models.MatchCompleted, url, "")
			return
		}
		if err := m.CompleteRender(jobID, url); err != nil {
			logger.Warnf("Match %s rejected render completion: %v", matchID, err)
		}
	}
	s.Queue.OnFail = func(jobID, matchID uuid.UUID, msg string) {
		if matchID == uuid.Nil {
			return
		}
		m, ok := s.MatchStore.GetMatch(matchID)
		if !ok {
			logger.Warnf("Render job %s failed for unknown match %s: %s", jobID, matchID, msg)
			s.archiveRenderResult(matchID, models.MatchFailed, "", msg)
			return
		}
		if err := m.FailRender(jobID, msg); err != nil {
			logger.Warnf("Match %s rejected render failure: %v", matchID, err)
		}
	}

	s.Registry = hub.NewRegistry(logger, cfg.ConnGraceWindow)
	s.Registry.OnGroupEmpty = func(matchID uuid.UUID) {
		logger.Infof("Broadcast group for match %s stayed empty past the grace window", matchID)
	}

	return s
}

// Start brings up the render workers. Stop drains them.
func (s *Server) Start() {
	s.Queue.Start()
}

func (s *Server) Stop() {
	s.Queue.Stop()
}

// CreateMatchFromLobby snapshots the lobby membership into a new match,
// wires its callbacks through the hub and the render queue, and begins it.
// The lobby is flipped to in_match on success.
func (s *Server) CreateMatchFromLobby(ctx context.Context, lob *lobby.Lobby) (*match.Match, error) {
	lob.Mu.Lock()
	if lob.Status == models.LobbyInMatch {
		lob.Mu.Unlock()
		return nil, errs.Conflict("lobby %s already has a match in progress", lob.ID)
	}
	if lob.Status == models.LobbyClosed {
		lob.Mu.Unlock()
		return nil, errs.Conflict("lobby %s is closed", lob.ID)
	}
	cfg := lob.Config
	name := lob.Name
	members := append([]uuid.UUID(nil), lob.Members...)
	users := make(map[uuid.UUID]*models.User, len(members))
	for id, u := range lob.Users {
		users[id] = u
	}
	lob.Mu.Unlock()

	// The lobby status can lag the store: a reset may have returned it to
	// waiting while its match is still live. The store is authoritative.
	if prev := s.MatchStore.GetMatchByLobbyID(lob.ID); prev != nil {
		prev.Mu.Lock()
		busy := !prev.Status.Terminal()
		prev.Mu.Unlock()
		if busy {
			return nil, errs.Conflict("lobby %s already has a match in progress", lob.ID)
		}
	}

	if len(members) < cfg.MinPlayers {
		return nil, errs.Conflict("lobby %s needs %d members to start, has %d", lob.ID, cfg.MinPlayers, len(members))
	}

	m := match.New(lob.ID, name, cfg)
	for _, uid := range members {
		player := &models.Player{ID: uid}
		if u := users[uid]; u != nil {
			player.DisplayName = u.Username
			player.AvatarURL = u.AvatarURL
			player.User = u
		}
		m.AddPlayer(player)
	}

	s.wireMatch(m)
	s.MatchStore.AddMatch(m)

	if err := m.Begin(); err != nil {
		s.MatchStore.DeleteMatch(m.ID)
		return nil, err
	}
	lob.BeginMatch(m.ID)
	s.Logger.Infof("Match %s started from lobby %s with %d players", m.ID, lob.ID, len(members))
	return m, nil
}

// wireMatch connects a match's outbound callbacks to the hub registry, the
// render queue and the originating lobby.
func (s *Server) wireMatch(m *match.Match) {
	m.BroadcastFn = func(ev match.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.Logger.Errorf("Match %s: event marshal failed: %v", m.ID, err)
			return
		}
		s.Registry.Broadcast(m.ID, data, uuid.Nil)
	}
	m.BroadcastToPlayerFn = func(playerID uuid.UUID, ev match.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.Logger.Errorf("Match %s: event marshal failed: %v", m.ID, err)
			return
		}
		s.Registry.SendTo(m.ID, playerID, data)
	}
	m.OnRenderStart = func(mm *match.Match, timeline *models.Timeline, mediaIDs []string) (uuid.UUID, error) {
		job, err := s.Queue.Enqueue(mm.ID, timeline, mediaIDs)
		if err != nil {
			return uuid.Nil, err
		}
		return job.ID, nil
	}
	m.QueuePositionFn = s.Queue.QueuePosition
	m.OnEnd = func(mm *match.Match) {
		s.finishMatch(mm)
	}
}

// finishMatch notifies the lobby that its match reached a terminal state
// and, after a short linger, closes the broadcast group. The match itself
// stays in the store for status polling until the reaper drops it.
func (s *Server) finishMatch(m *match.Match) {
	snap := m.StatusProjection()

	result := map[string]interface{}{
		"match_id": m.ID.String(),
		"status":   string(snap.Status),
	}
	if snap.RenderURL != "" {
		result["render_url"] = snap.RenderURL
	}
	if snap.RenderError != "" {
		result["render_error"] = snap.RenderError
	}

	if lob, ok := s.LobbyStore.GetLobby(m.LobbyID); ok {
		lob.ResetAfterMatch(m.ID, result)
	} else {
		s.Logger.Warnf("Match %s ended but lobby %s is gone", m.ID, m.LobbyID)
	}

	time.AfterFunc(matchCloseLinger, func() {
		s.Registry.CloseGroup(m.ID, websocket.StatusNormalClosure, "match finished")
	})
}

// archiveRenderResult records a render outcome that arrived after its match
// left memory, so the archived row still reflects the terminal state.
func (s *Server) archiveRenderResult(matchID uuid.UUID, status models.MatchStatus, url, renderErr string) {
	if database.DB == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := database.StoreRenderResult(ctx, matchID, status, url, renderErr); err != nil {
			s.Logger.Warnf("Failed to archive render result for match %s: %v", matchID, err)
		}
	}()
}

// lookupUser fetches display details for a member, falling back to a bare
// ephemeral identity when no database is configured or the row is missing.
func (s *Server) lookupUser(r *http.Request, userID uuid.UUID) *models.User {
	if database.DB != nil {
		if u, err := database.GetUserByID(r.Context(), userID); err == nil {
			return u
		}
	}
	return &models.User{ID: userID, IsEphemeral: true}
}

// Reconcile sweeps expired matches, stale terminal state and missing
// system lobbies. Called from the janitor loop and before lobby listings.
func (s *Server) Reconcile(now time.Time) {
	expired, reapedMatches := s.MatchStore.ReapStale(now, s.Cfg.MatchRetention)
	reapedLobbies := s.LobbyStore.ReapClosed(now, s.Cfg.LobbyRetention)
	reapedJobs := s.Queue.ReapTerminal(now, s.Cfg.MatchRetention)

	created := s.LobbyStore.EnsureSystemLobbies(s.Cfg.SystemLobbies, match.DefaultConfig())
	for _, lob := range created {
		s.Logger.Infof("System lobby %q recreated as %s", lob.Name, lob.ID)
	}

	// The in-memory reap above only covers live state; archived rows age
	// out of the database on the same retention.
	if database.DB != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if n, err := database.DeleteStaleMatches(ctx, s.Cfg.MatchRetention); err != nil {
				s.Logger.Warnf("Stale match row sweep failed: %v", err)
			} else if n > 0 {
				s.Logger.Infof("Stale match row sweep removed %d rows", n)
			}
		}()
	}

	if expired+reapedMatches+reapedLobbies+reapedJobs > 0 {
		s.Logger.Infof("Reconcile: %d matches expired, %d matches, %d lobbies, %d render jobs reaped",
			expired, reapedMatches, reapedLobbies, reapedJobs)
	}
}
