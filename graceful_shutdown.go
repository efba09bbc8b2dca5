package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ShutdownStatus struct {
	Reason     string
	Components map[string]string // component name -> status
}

type shutdownHook struct {
	name string
	fn   func() error
}

// GracefulShutdown stops registered components in reverse registration order, once.
type GracefulShutdown struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
	mu         sync.Mutex
	components []shutdownHook
	once       sync.Once
	err        error
	status     ShutdownStatus
}

func NewGracefulShutdown(logger *zap.Logger) *GracefulShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("shutdown"),
		status: ShutdownStatus{Components: make(map[string]string)},
	}
}

// Context is cancelled when shutdown starts.
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Register a shutdown hook for a component
func (gs *GracefulShutdown) Register(component string, shutdownFunc func() error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.components = append(gs.components, shutdownHook{name: component, fn: shutdownFunc})
	gs.status.Components[component] = "running"
}

// ListenAndServe triggers shutdown on SIGINT or SIGTERM.
func (gs *GracefulShutdown) ListenAndServe() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			gs.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			_ = gs.Shutdown("signal: " + sig.String())
		case <-gs.ctx.Done():
		}
	}()
}

// Shutdown stops every component and returns their combined errors. Later calls
// return the result of the first.
func (gs *GracefulShutdown) Shutdown(reason string) error {
	gs.once.Do(func() {
		gs.mu.Lock()
		gs.status.Reason = reason
		hooks := append([]shutdownHook(nil), gs.components...)
		gs.mu.Unlock()
		gs.cancel()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			err := h.fn()
			gs.mu.Lock()
			if err != nil {
				gs.status.Components[h.name] = "error: " + err.Error()
			} else {
				gs.status.Components[h.name] = "stopped"
			}
			gs.mu.Unlock()
			if err != nil {
				gs.logger.Error("component failed to stop", zap.String("component", h.name), zap.Error(err))
			}
			gs.err = multierr.Append(gs.err, err)
		}
		gs.logger.Info("all components shut down", zap.String("reason", reason))
	})
	return gs.err
}

// Status returns a copy of the current shutdown status.
func (gs *GracefulShutdown) Status() ShutdownStatus {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	components := make(map[string]string, len(gs.status.Components))
	for k, v := range gs.status.Components {
		components[k] = v
	}
	return ShutdownStatus{Reason: gs.status.Reason, Components: components}
}
