package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-resilience/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// FastHTTPServer serves the operational endpoints.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	router          *Router
	httpConfig      *types.HTTPConfig
	server          *fasthttp.Server
	listener        net.Listener
	listenerMu      sync.Mutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(ctx context.Context, config *types.HTTPConfig, logger types.Logger, router *Router) *FastHTTPServer {
	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := 5 * time.Second
	if config.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		router:          router,
		httpConfig:      config,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server
}

// Start binds host:port and serves in the background.
func (h *FastHTTPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	if err = h.Serve(listener); err != nil {
		_ = listener.Close()
		return err
	}

	return nil
}

// Serve runs the server on an existing listener, which it takes ownership of.
func (h *FastHTTPServer) Serve(listener net.Listener) error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:                      h.router.Handler(),
		Name:                         "sai-resilience",
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		CloseOnShutdown:              true,
		DisablePreParseMultipartForm: true,
		Logger:                       fasthttpLogger{logger: h.logger},
	}

	h.listenerMu.Lock()
	h.listener = listener
	h.listenerMu.Unlock()

	server := h.server
	go func() {
		if err := server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.setState(StateRunning)

	h.logger.Info("HTTP server started successfully",
		zap.String("address", listener.Addr().String()))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		h.logger.Warn("Server stop timeout, some connections may not have closed gracefully", zap.Error(err))
		return nil
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound address, empty before the server starts.
func (h *FastHTTPServer) Addr() string {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()

	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) {
	h.state.Store(newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

type fasthttpLogger struct {
	logger types.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
