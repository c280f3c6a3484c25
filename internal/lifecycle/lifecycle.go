// Package lifecycle normalizes transport state into ConnectionState,
// republishes transport errors, and drives the one-shot readiness signal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/hubmux/internal/stream"
	"github.com/rickgao/hubmux/internal/transport"
)

// Errors
var (
	ErrAlreadyStarted = errors.New("lifecycle already started")
	ErrClosed         = errors.New("lifecycle closed")
)

// Lifecycle owns the transport handle and broadcasts its health.
type Lifecycle struct {
	tr     transport.Transport
	logger *slog.Logger

	states *stream.Subject[ConnectionState]
	errs   *stream.Subject[error]

	mu        sync.Mutex
	ready     *stream.Signal
	attempted bool
	starting  bool
	started   bool
	closed    bool
	current   ConnectionState
}

// New wires state and error observers onto tr. It does not connect.
func New(tr transport.Transport, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lifecycle{
		tr:      tr,
		logger:  logger.With("component", "lifecycle"),
		states:  stream.NewSubject[ConnectionState](stream.DefaultBufferSize),
		errs:    stream.NewSubject[error](stream.DefaultBufferSize),
		ready:   stream.NewSignal(),
		current: Disconnected,
	}

	tr.OnStateChanged(l.handleStateChange)
	tr.OnError(l.handleError)

	return l
}

// Start triggers the transport's connect sequence and returns immediately.
// The outcome is observable only through Ready.
//
// Start may be called again only after a failed start; each retry gets a
// fresh readiness signal.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.starting || l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	if l.attempted {
		// Previous attempt failed. Its signal may still be resolving.
		l.ready = stream.NewSignal()
	}
	l.attempted = true
	l.starting = true
	ready := l.ready
	l.mu.Unlock()

	l.logger.Info("starting connection")

	go func() {
		err := l.tr.Start(ctx)

		l.mu.Lock()
		l.starting = false
		l.started = err == nil
		l.mu.Unlock()

		if err != nil {
			l.logger.Error("connection start failed", "error", err)
			ready.Resolve(fmt.Errorf("start connection: %w", err))
			return
		}
		l.logger.Info("connection ready")
		ready.Resolve(nil)
	}()

	return nil
}

// Ready returns the readiness signal for the current start attempt. It
// resolves once per successful startup and never again on reconnects.
func (l *Lifecycle) Ready() *stream.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// States returns the multicast connection-state stream.
func (l *Lifecycle) States() *stream.Stream[ConnectionState] {
	return l.states.Stream()
}

// Errors returns the multicast transport-error stream.
func (l *Lifecycle) Errors() *stream.Stream[error] {
	return l.errs.Stream()
}

// State returns the most recently mapped connection state.
func (l *Lifecycle) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Close shuts the transport down and completes the state and error streams.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ready := l.ready
	l.mu.Unlock()

	err := l.tr.Close()
	ready.Resolve(ErrClosed)

	l.states.Complete()
	l.errs.Complete()

	l.logger.Info("lifecycle closed")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

func (l *Lifecycle) handleStateChange(change transport.StateChange) {
	state, ok := MapState(change.New)
	if !ok {
		l.logger.Warn("unrecognized transport state, treating as connecting",
			"raw_state", int(change.New),
		)
	}

	l.mu.Lock()
	l.current = state
	l.mu.Unlock()

	l.logger.Debug("connection state", "state", state, "raw_state", change.New)
	l.states.Next(state)
}

func (l *Lifecycle) handleError(err error) {
	l.logger.Warn("transport error", "error", err)
	l.errs.Next(err)
}
