// cmd/server/main.go
package main

import (
	"log"
	"net/http"
	"time"

	"github.com/cutroom-app/cutroom/internal/auth"
	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/config"
	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/handlers"
	"github.com/cutroom-app/cutroom/internal/middleware"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

// janitorInterval paces the background sweep that expires overdue matches,
// reaps closed lobbies and terminal render jobs, and restores the standing
// system lobbies.
const janitorInterval = time.Minute

func main() {
	auth.Init()
	database.ConnectDB()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	if err := cache.ConnectRedis(); err != nil {
		logger.Warnf("Redis unavailable, renders will use the local stub: %v", err)
	}

	cfg := config.Load()
	srv := handlers.NewServer(cfg, logger)
	srv.Start()
	defer srv.Stop()

	srv.Reconcile(time.Now())
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for range ticker.C {
			srv.Reconcile(time.Now())
		}
	}()

	mux := http.NewServeMux()

	// account endpoints
	mux.HandleFunc("/users", handlers.CreateUserHandler)
	mux.HandleFunc("/users/claim", handlers.ClaimEphemeralHandler)
	mux.HandleFunc("/login", handlers.LoginHandler)

	// lobby endpoints
	mux.Handle("/lobbies", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.LobbiesHandler(srv),
	)))
	mux.Handle("/lobbies/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.LobbyActionHandler(srv),
	)))

	// lobby ws
	mux.Handle("/lobbies/ws/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.LobbyWSHandler(logger, srv),
	)))

	// match endpoints
	mux.Handle("/matches/start", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.StartMatchHandler(srv),
	)))
	mux.Handle("/matches/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.MatchActionHandler(srv),
	)))

	// match ws
	mux.Handle("/matches/ws/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.MatchWSHandler(logger, srv),
	)))

	// render endpoints
	mux.Handle("/render", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.RenderHandler(srv),
	)))
	mux.Handle("/render/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.RenderJobHandler(srv),
	)))

	logger.Infof("Running on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
