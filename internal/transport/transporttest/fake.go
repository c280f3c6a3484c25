// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rickgao/hubmux/internal/transport"
)

// Invocation is one recorded Invoke call.
type Invocation struct {
	Method string
	Args   []any
}

// Fake is a scripted transport.Transport. Start blocks until the test
// releases it with CompleteStart, unless StartErr/AutoStart is preset.
type Fake struct {
	mu            sync.Mutex
	stateHandlers []func(transport.StateChange)
	errorHandlers []func(error)
	eventHandlers []func(string, json.RawMessage)
	invocations   []Invocation
	invokeErrs    map[string]error
	state         transport.State
	starts        int
	closed        bool

	// AutoStart makes Start return StartErr immediately.
	AutoStart bool
	StartErr  error

	startCh  chan error
	invoked  chan Invocation
	blockers map[string]chan struct{}
}

var _ transport.Transport = (*Fake)(nil)

// NewFake creates a fake whose Start waits for CompleteStart.
func NewFake() *Fake {
	return &Fake{
		invokeErrs: make(map[string]error),
		blockers:   make(map[string]chan struct{}),
		state:      transport.StateDisconnected,
		startCh:    make(chan error, 1),
		invoked:    make(chan Invocation, 1024),
	}
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	auto, autoErr := f.AutoStart, f.StartErr
	f.mu.Unlock()

	f.SetState(transport.StateConnecting)

	var err error
	if auto {
		err = autoErr
	} else {
		select {
		case err = <-f.startCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	if err != nil {
		f.SetState(transport.StateDisconnected)
		return err
	}
	f.SetState(transport.StateConnected)
	return nil
}

// CompleteStart releases a pending Start with err (nil = success).
func (f *Fake) CompleteStart(err error) {
	f.startCh <- err
}

// Starts returns how many times Start was called.
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *Fake) OnStateChanged(fn func(transport.StateChange)) {
	f.mu.Lock()
	f.stateHandlers = append(f.stateHandlers, fn)
	f.mu.Unlock()
}

func (f *Fake) OnError(fn func(error)) {
	f.mu.Lock()
	f.errorHandlers = append(f.errorHandlers, fn)
	f.mu.Unlock()
}

func (f *Fake) OnEvent(fn func(string, json.RawMessage)) {
	f.mu.Lock()
	f.eventHandlers = append(f.eventHandlers, fn)
	f.mu.Unlock()
}

func (f *Fake) Invoke(ctx context.Context, method string, args ...any) error {
	f.mu.Lock()
	inv := Invocation{Method: method, Args: args}
	f.invocations = append(f.invocations, inv)
	err := f.invokeErrs[method]
	block := f.blockers[method]
	f.mu.Unlock()

	f.invoked <- inv

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.SetState(transport.StateDisconnected)
	return nil
}

// FailInvoke makes every Invoke of method return err.
func (f *Fake) FailInvoke(method string, err error) {
	f.mu.Lock()
	f.invokeErrs[method] = err
	f.mu.Unlock()
}

// BlockInvoke makes Invoke of method wait until the returned func is called.
func (f *Fake) BlockInvoke(method string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blockers[method] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Invoked delivers every Invoke call as it happens.
func (f *Fake) Invoked() <-chan Invocation {
	return f.invoked
}

// Invocations returns the recorded calls, optionally filtered by method.
func (f *Fake) Invocations(method string) []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Invocation
	for _, inv := range f.invocations {
		if method == "" || inv.Method == method {
			out = append(out, inv)
		}
	}
	return out
}

// SetState reports a raw transition to the registered handlers.
func (f *Fake) SetState(s transport.State) {
	f.mu.Lock()
	old := f.state
	f.state = s
	handlers := append([]func(transport.StateChange){}, f.stateHandlers...)
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(transport.StateChange{Old: old, New: s})
	}
}

// EmitError reports a transport error.
func (f *Fake) EmitError(err error) {
	f.mu.Lock()
	handlers := append([]func(error){}, f.errorHandlers...)
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

// Deliver pushes a server event through the receive hook.
func (f *Fake) Deliver(channel string, payload string) {
	f.mu.Lock()
	handlers := append([]func(string, json.RawMessage){}, f.eventHandlers...)
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(channel, json.RawMessage(payload))
	}
}
