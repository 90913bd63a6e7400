// Package rpc exposes VoiceCI's tool-call surface: an MCP server over
// streamable HTTP plus a small REST read API for dashboards.
//
// Every request is authenticated by a bearer token resolved to a
// (tenant, key) identity before the MCP handler runs, so tool handlers read
// the identity straight off the context. Per-session state (adapter
// configs, run bindings, the push stream) lives in a single [Registry]
// owned by the Server; the scheduler and the callback sink push results
// through it. Accepted runs are persisted via [store.Store] and handed to
// an [Enqueuer] for dispatch.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sgzrov/VoiceCI-sub000/internal/loadtest"
	"github.com/sgzrov/VoiceCI-sub000/internal/scheduler"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const serverVersion = "1.0.0"

// Enqueuer places accepted runs on their tenant queue. Implemented by the
// scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, job scheduler.Job) error
}

// LoadStarter launches in-process load campaigns. Implemented by the
// loadtest package.
type LoadStarter interface {
	Start(ctx context.Context, c loadtest.Campaign) (string, error)
}

// CredentialCheck reports whether the server holds the credentials an
// adapter kind needs. Implementations return an error naming what is
// missing; nil means the kind is usable.
type CredentialCheck func(kind types.AdapterKind) error

// ServerConfig wires the RPC surface's collaborators. Store, Queue, and
// Resolver are required; Uploads, Load, and Creds degrade gracefully when
// absent (the corresponding tools report config_missing or allow all).
type ServerConfig struct {
	Store    store.Store
	Queue    Enqueuer
	Resolver TokenResolver

	Uploads Presigner
	Load    LoadStarter
	Creds   CredentialCheck

	Log *slog.Logger
}

// Server is the RPC surface. Create with New, serve via Handler.
type Server struct {
	store    store.Store
	queue    Enqueuer
	resolver TokenResolver
	uploads  Presigner
	load     LoadStarter
	creds    CredentialCheck
	log      *slog.Logger

	registry *Registry
	mcp      *mcpsdk.Server
}

// New builds the server and registers the tool table.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rpc: server config requires a store")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("rpc: server config requires a queue")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("rpc: server config requires a token resolver")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		store:    cfg.Store,
		queue:    cfg.Queue,
		resolver: cfg.Resolver,
		uploads:  cfg.Uploads,
		load:     cfg.Load,
		creds:    cfg.Creds,
		log:      log,
		registry: NewRegistry(log),
	}

	srv := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "voiceci", Version: serverVersion},
		&mcpsdk.ServerOptions{Instructions: serverInstructions},
	)
	s.attachTools(srv)
	s.mcp = srv
	return s, nil
}

// Registry exposes the session registry so the scheduler and the callback
// sink can push results.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP surface: the MCP endpoint at /mcp and the
// dashboard reads under /api, all behind bearer auth.
func (s *Server) Handler() http.Handler {
	streamable := mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return s.mcp },
		nil,
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.requireAuth(streamable))
	mux.Handle("GET /api/runs", s.requireAuth(http.HandlerFunc(s.handleListRuns)))
	mux.Handle("GET /api/runs/{id}", s.requireAuth(http.HandlerFunc(s.handleGetRun)))
	return mux
}
