package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/kincall/signal/internal/config"
	"github.com/kincall/signal/internal/presence"
	"github.com/kincall/signal/internal/session"
	"github.com/kincall/signal/internal/store"
	"github.com/kincall/signal/internal/turn"
)

type Handlers struct {
	db         *gorm.DB
	config     *config.Config
	logger     *slog.Logger
	presence   *presence.Registry
	sessions   *session.Manager
	store      *store.Store
	turnServer *turn.Server
	wsUpgrader websocket.Upgrader
}

func New(db *gorm.DB, cfg *config.Config, logger *slog.Logger, registry *presence.Registry, sessions *session.Manager, st *store.Store, turnServer *turn.Server) *Handlers {
	return &Handlers{
		db:         db,
		config:     cfg,
		logger:     logger,
		presence:   registry,
		sessions:   sessions,
		store:      st,
		turnServer: turnServer,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth gates the upgrade; origins are not restricted here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}
