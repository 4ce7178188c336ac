// Package server is the HTTP admin API of a running actorq process.
//
// Routes:
//
//	GET  /api/v1/status                  pool and queue counters
//	POST /api/v1/pool/pause              stop fetching new messages
//	POST /api/v1/pool/resume             resume fetching
//	GET  /api/v1/actors                  registered actors
//	POST /api/v1/actors/{name}/messages  enqueue a message for an actor
//	GET  /api/v1/queues/{name}/dead      dead letters of a queue
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/actorq/pkg/broker"
	"github.com/ChuLiYu/actorq/pkg/worker"
)

// Pool is the part of the worker pool the admin API controls.
type Pool interface {
	Pause()
	Resume()
	Stats() worker.Stats
}

type Options struct {
	Addr   string
	Logger *slog.Logger
}

type runtime struct {
	logger *slog.Logger
	br     broker.Broker
	pool   Pool
}

type Server struct {
	opts    *Options
	logger  *slog.Logger
	sm      chi.Router
	hs      *http.Server
	runtime *runtime
}

func NewServer(opts *Options, br broker.Broker, pool Pool) *Server {
	o := defaultOpts(opts)

	s := &Server{
		logger: o.Logger,
		opts:   o,
		sm:     chi.NewRouter(),
		runtime: &runtime{
			br:     br,
			pool:   pool,
			logger: o.Logger,
		},
	}

	s.registerV1()

	s.hs = &http.Server{
		Addr:              o.Addr,
		Handler:           s.sm,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func defaultOpts(opts *Options) *Options {
	o := &Options{
		Addr:   ":8080",
		Logger: slog.Default(),
	}
	if opts == nil {
		return o
	}

	if len(opts.Addr) > 0 {
		o.Addr = opts.Addr
	}
	if opts.Logger != nil {
		o.Logger = opts.Logger
	}

	return o
}

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

func (s *Server) registerV1() {
	getStatus(s.sm, s.runtime)
	pausePool(s.sm, s.runtime)
	resumePool(s.sm, s.runtime)
	listActors(s.sm, s.runtime)
	sendMessage(s.sm, s.runtime)
	listDeadLetters(s.sm, s.runtime)
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.sm
}

// Run binds the listen address and serves in the background. A bind failure
// (for example, address in use) is returned before anything is served.
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	go func() {
		s.logger.
			With("addr", lis.Addr().String()).
			Info("admin server is running")

		err := s.hs.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.
				With("err", err).
				Error("failed to run admin server")
			return
		}
	}()

	return nil
}

func (s *Server) Close() error {
	s.logger.Info("admin server is closing")
	return s.hs.Close()
}
