package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed early, err = %v", sub.Err())
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func waitClosed[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for subscription to close")
		}
	}
}

func TestSubject_StreamIdentity(t *testing.T) {
	s := NewSubject[int](4)
	if s.Stream() != s.Stream() {
		t.Error("Stream() returned different pointers")
	}
}

func TestSubject_MulticastInOrder(t *testing.T) {
	s := NewSubject[int](2)
	a := s.Stream().Subscribe()
	b := s.Stream().Subscribe()
	defer a.Close()
	defer b.Close()

	for i := 1; i <= 50; i++ {
		s.Next(i)
	}

	for i := 1; i <= 50; i++ {
		if got := receive(t, a); got != i {
			t.Fatalf("a received %d, want %d", got, i)
		}
	}
	for i := 1; i <= 50; i++ {
		if got := receive(t, b); got != i {
			t.Fatalf("b received %d, want %d", got, i)
		}
	}
}

func TestSubject_HotNoReplayOfValues(t *testing.T) {
	s := NewSubject[string](4)
	s.Next("before")

	sub := s.Stream().Subscribe()
	defer sub.Close()
	s.Next("after")

	if got := receive(t, sub); got != "after" {
		t.Errorf("received %q, want %q", got, "after")
	}
}

func TestSubject_ErrorTerminatesAfterQueuedValues(t *testing.T) {
	s := NewSubject[int](4)
	sub := s.Stream().Subscribe()

	s.Next(1)
	s.Next(2)
	boom := errors.New("boom")
	s.Error(boom)
	s.Next(3) // ignored after termination

	if got := receive(t, sub); got != 1 {
		t.Errorf("received %d, want 1", got)
	}
	if got := receive(t, sub); got != 2 {
		t.Errorf("received %d, want 2", got)
	}
	waitClosed(t, sub)

	if !errors.Is(sub.Err(), boom) {
		t.Errorf("Err() = %v, want %v", sub.Err(), boom)
	}
	if !errors.Is(s.Stream().Err(), boom) {
		t.Errorf("Stream().Err() = %v, want %v", s.Stream().Err(), boom)
	}
}

func TestSubject_LateSubscriberSeesTerminalError(t *testing.T) {
	s := NewSubject[int](4)
	boom := errors.New("boom")
	s.Error(boom)
	s.Error(errors.New("second")) // first terminal wins

	sub := s.Stream().Subscribe()
	waitClosed(t, sub)
	if !errors.Is(sub.Err(), boom) {
		t.Errorf("Err() = %v, want %v", sub.Err(), boom)
	}
}

func TestSubject_CompleteHasNilError(t *testing.T) {
	s := NewSubject[int](4)
	sub := s.Stream().Subscribe()
	s.Complete()

	waitClosed(t, sub)
	if sub.Err() != nil {
		t.Errorf("Err() = %v, want nil", sub.Err())
	}
	if done, _ := s.Terminated(); !done {
		t.Error("Terminated() = false, want true")
	}
}

func TestSubscription_CloseDetachesOnlyItself(t *testing.T) {
	s := NewSubject[int](4)
	a := s.Stream().Subscribe()
	b := s.Stream().Subscribe()
	defer b.Close()

	if s.Observers() != 2 {
		t.Fatalf("Observers() = %d, want 2", s.Observers())
	}

	a.Close()
	a.Close() // idempotent
	waitClosed(t, a)

	if s.Observers() != 1 {
		t.Errorf("Observers() = %d, want 1", s.Observers())
	}

	s.Next(7)
	if got := receive(t, b); got != 7 {
		t.Errorf("b received %d, want 7", got)
	}
}

func TestSubscription_SlowConsumerDoesNotBlockEmitter(t *testing.T) {
	s := NewSubject[int](1)
	sub := s.Stream().Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Next(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next blocked on an idle subscriber")
	}

	for i := 0; i < 10000; i++ {
		if got := receive(t, sub); got != i {
			t.Fatalf("received %d, want %d", got, i)
		}
	}
}

func TestStream_Consume(t *testing.T) {
	s := NewSubject[int](4)
	boom := errors.New("boom")

	var got []int
	errCh := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		errCh <- s.Stream().Consume(context.Background(), func(v int) {
			got = append(got, v)
		})
	}()
	<-started

	// Wait until Consume has attached.
	deadline := time.Now().Add(time.Second)
	for s.Observers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	s.Next(1)
	s.Next(2)
	s.Error(boom)

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("Consume() = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return")
	}

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("consumed %v, want [1 2]", got)
	}
}

func TestStream_ConsumeContextCancel(t *testing.T) {
	s := NewSubject[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Stream().Consume(ctx, func(int) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Consume() = %v, want context.Canceled", err)
	}
	if s.Observers() != 0 {
		t.Errorf("Observers() = %d, want 0 after Consume returns", s.Observers())
	}
}
