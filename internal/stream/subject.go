package stream

import (
	"context"
	"sync"
)

// DefaultBufferSize is the initial per-subscriber queue capacity.
const DefaultBufferSize = 64

// Subject is a hot multicast source. Values sent with Next reach every
// subscription attached at that moment; nothing is replayed except the
// terminal outcome.
type Subject[T any] struct {
	bufferSize int
	view       *Stream[T]

	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	done   bool
	err    error
}

// NewSubject creates a subject whose subscriptions start with the given
// queue capacity (queues grow as needed).
func NewSubject[T any](bufferSize int) *Subject[T] {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	s := &Subject[T]{
		bufferSize: bufferSize,
		subs:       make(map[uint64]*Subscription[T]),
	}
	s.view = &Stream[T]{subject: s}
	return s
}

// Stream returns the read-only view. Every call returns the same pointer.
func (s *Subject[T]) Stream() *Stream[T] {
	return s.view
}

// Next emits v to all current subscriptions. It is a no-op once the
// subject has terminated.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	for _, sub := range s.subs {
		sub.queue.Send(v)
	}
}

// Error terminates the subject with err. Only the first terminal call counts.
func (s *Subject[T]) Error(err error) {
	s.terminate(err)
}

// Complete terminates the subject without an error.
func (s *Subject[T]) Complete() {
	s.terminate(nil)
}

// Terminated reports whether the subject has ended, and with which error.
func (s *Subject[T]) Terminated() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.err
}

// Observers returns the number of attached subscriptions.
func (s *Subject[T]) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Subject[T]) terminate(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	subs := s.subs
	s.subs = make(map[uint64]*Subscription[T])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.finish(err)
	}
}

func (s *Subject[T]) subscribe() *Subscription[T] {
	sub := newSubscription[T](s, s.bufferSize)

	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		sub.finish(err)
		return sub
	}
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.mu.Unlock()

	return sub
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Stream is the read-only side of a Subject.
type Stream[T any] struct {
	subject *Subject[T]
}

// Subscribe attaches a new consumer. Values emitted after this call are
// delivered in emission order on the subscription's channel.
func (s *Stream[T]) Subscribe() *Subscription[T] {
	return s.subject.subscribe()
}

// Err returns the terminal error, or nil if the stream is live or completed.
func (s *Stream[T]) Err() error {
	_, err := s.subject.Terminated()
	return err
}

// Consume subscribes and calls fn for every value until the stream
// terminates or ctx is done. It returns the terminal error, or ctx.Err().
func (s *Stream[T]) Consume(ctx context.Context, fn func(T)) error {
	sub := s.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
			fn(v)
		}
	}
}

// Subscription is one consumer's ordered view of a stream.
type Subscription[T any] struct {
	id     uint64
	parent *Subject[T]
	queue  *Buffer[T]
	out    chan T
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newSubscription[T any](parent *Subject[T], size int) *Subscription[T] {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription[T]{
		parent: parent,
		queue:  NewBuffer[T](size),
		out:    make(chan T),
		ctx:    ctx,
		cancel: cancel,
	}
	go sub.pump()
	return sub
}

// C returns the delivery channel. It is closed after the terminal outcome
// once every queued value has been received, or when Close is called.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Err returns the stream's terminal error. Only meaningful after C is closed.
func (s *Subscription[T]) Err() error {
	return s.queue.Err()
}

// Close detaches this consumer. Other subscriptions are unaffected.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.parent.remove(s.id)
		s.cancel()
		s.queue.Close(nil)
	})
}

// finish hands the terminal outcome to the queue; the pump drains first.
func (s *Subscription[T]) finish(err error) {
	s.queue.Close(err)
}

// pump moves values from the queue to out so that emitters never block on
// slow consumers.
func (s *Subscription[T]) pump() {
	defer close(s.out)

	for {
		v, ok := s.queue.Receive(s.ctx)
		if !ok {
			return
		}
		select {
		case s.out <- v:
		case <-s.ctx.Done():
			return
		}
	}
}
