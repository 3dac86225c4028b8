package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/berfenger/soc2mqtt/internal/config"
	"github.com/berfenger/soc2mqtt/internal/profile"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
)

type Server struct {
	port         uint
	httpLog      bool
	pollDeadline time.Duration
	rootContext  *actor.RootContext
	masterActor  *actor.PID
	profiles     *profile.Registry
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID, profiles *profile.Registry) *http.Server {
	NewServer := newServer(cfg, rootContext, masterActor, profiles)

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: NewServer.pollDeadline + 10*time.Second,
	}

	return server
}

func newServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID, profiles *profile.Registry) *Server {
	return &Server{
		port:         cfg.Port,
		rootContext:  rootContext,
		masterActor:  masterActor,
		httpLog:      cfg.HttpLog,
		profiles:     profiles,
		pollDeadline: cfg.Modbus.Deadline() + 2*time.Second,
	}
}
