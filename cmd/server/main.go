// Package main is the entry point of the application
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/corvith/match-server/internal/auth"
	"github.com/corvith/match-server/pkg/archive"
	"github.com/corvith/match-server/pkg/config"
	"github.com/corvith/match-server/pkg/events"
	"github.com/corvith/match-server/pkg/server"
	"github.com/corvith/match-server/pkg/session"
	"github.com/corvith/match-server/pkg/store"
)

// idleThreshold is how long a session may go without activity before the
// periodic sweep abandons it.
const idleThreshold = 10 * time.Minute

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,

	CheckOrigin: func(r *http.Request) bool {
		path := os.Getenv("FRONTEND_PATH")
		return path == r.Header.Get("Origin")
	},
}

// App encapsulates global dependencies
type application struct {
	Auth      *auth.APIKeyAuth
	Logger    *zap.Logger
	Config    *config.Config
	Publisher *events.Publisher
	Manager   *session.Manager
	Hub       *server.Hub
	Cron      *cron.Cron
	Server    *http.Server

	StartTime time.Time
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.String("port", "8080", "server port")
	flag.Parse()

	// Initialize logger
	logger := initLogger(*debug)
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded", zap.Error(err))
	}

	cfg := config.Load(*debug, *port)

	// Initialize event publisher
	publisher := events.NewPublisher()

	// Initialize session store
	st, err := store.New(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("connecting to redis", zap.Error(err))
	}

	opts := []session.Option{}

	// Archive is optional; without a database the server still runs, it
	// just keeps no finished-game history.
	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connecting to postgres", zap.Error(err))
		}
		if err := repo.Init(context.Background()); err != nil {
			logger.Fatal("initializing archive schema", zap.Error(err))
		}
		opts = append(opts, session.WithArchive(repo))
	} else {
		logger.Info("DATABASE_URL not set, archive disabled")
	}

	// Initialize session manager
	manager := session.NewManager(st, publisher, logger, opts...)

	hub := server.NewHub(manager, publisher, logger)
	manager.SetBroadcaster(hub)

	app := &application{
		Auth:      auth.NewAPIKeyAuth(cfg.APIKeys),
		Logger:    logger,
		Config:    cfg,
		Publisher: publisher,
		Manager:   manager,
		Hub:       hub,
		Cron:      cron.New(),
		StartTime: time.Now(),
	}

	go app.Hub.Run()

	app.Cron.AddFunc("@every 2m", func() {
		n, err := app.Manager.SweepIdle(context.Background(), idleThreshold)
		if err != nil {
			app.Logger.Error("idle sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			app.Logger.Info("idle sweep abandoned sessions", zap.Int("count", n))
		}
	})
	app.Cron.Start()

	if err := app.serve(); err != nil {
		logger.Fatal("error serving", zap.Error(err))
	}
}

func initLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	return logger
}

// Shutdown cleans up resources
func (app *application) Shutdown() {
	if app.Cron != nil {
		app.Cron.Stop()
	}

	if app.Hub != nil {
		app.Hub.Shutdown()
	}

	app.Logger.Info("All components shut down successfully")
}
