package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/hubmux/internal/lifecycle"
	"github.com/rickgao/hubmux/internal/model"
	"github.com/rickgao/hubmux/internal/stream"
	"github.com/rickgao/hubmux/internal/transport"
	"github.com/rickgao/hubmux/internal/transport/transporttest"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, *lifecycle.Lifecycle, *transporttest.Fake) {
	t.Helper()

	fake := transporttest.NewFake()
	lc := lifecycle.New(fake, nil)
	b := New(cfg, fake, lc, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b, lc, fake
}

func expectInvoke(t *testing.T, fake *transporttest.Fake, method string) transporttest.Invocation {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case inv := <-fake.Invoked():
			if inv.Method == method {
				return inv
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s invoke", method)
		}
	}
}

func waitChannelState(t *testing.T, b *Broker, name string, want JoinState) ChannelInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, ok := b.Channel(name)
		if ok && info.State == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel %q state = %s, want %s", name, info.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// terminal waits for sub to end and returns its terminal error.
func terminal(t *testing.T, sub *stream.Subscription[model.ChannelEvent]) error {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
		case <-deadline:
			t.Fatal("timeout waiting for stream to terminate")
		}
	}
}

func TestBroker_SubscribeReturnsSameStream(t *testing.T) {
	b, _, _ := newTestBroker(t, DefaultConfig())

	a1 := b.Subscribe("alerts")
	a2 := b.Subscribe("alerts")
	o := b.Subscribe("orders")

	if a1 != a2 {
		t.Error("Subscribe(alerts) twice should return the same stream")
	}
	if a1 == o {
		t.Error("different channels should get distinct streams")
	}
	if b.Subscribe("Alerts") == a1 {
		t.Error("channel names match exactly, including case")
	}
}

func TestBroker_ConcurrentSubscribeJoinsOnce(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())

	const n = 50
	streams := make([]*stream.Stream[model.ChannelEvent], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			streams[i] = b.Subscribe("alerts")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if streams[i] != streams[0] {
			t.Fatalf("stream %d differs from stream 0", i)
		}
	}
	if len(fake.Invocations(MethodSubscribe)) != 0 {
		t.Fatal("join issued before readiness")
	}

	lc.Start(context.Background())
	fake.CompleteStart(nil)
	waitChannelState(t, b, "alerts", Joined)

	// A late caller after the join still gets the same stream.
	if b.Subscribe("alerts") != streams[0] {
		t.Error("Subscribe after join returned a new stream")
	}

	invs := fake.Invocations(MethodSubscribe)
	if len(invs) != 1 {
		t.Fatalf("Subscribe invoked %d times, want 1", len(invs))
	}
	if invs[0].Args[0] != "alerts" {
		t.Errorf("Subscribe args = %v, want [alerts]", invs[0].Args)
	}
}

func TestBroker_SubscribeAfterReadyJoinsImmediately(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())

	lc.Start(context.Background())
	fake.CompleteStart(nil)
	if err := lc.Ready().Wait(context.Background()); err != nil {
		t.Fatalf("Ready() = %v", err)
	}

	b.Subscribe("late")
	inv := expectInvoke(t, fake, MethodSubscribe)
	if inv.Args[0] != "late" {
		t.Errorf("Subscribe args = %v, want [late]", inv.Args)
	}
	info := waitChannelState(t, b, "late", Joined)
	if info.JoinedAt.IsZero() {
		t.Error("JoinedAt not set")
	}
}

func TestBroker_AlertsOrdersScenario(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())
	fake.AutoStart = true
	lc.Start(context.Background())

	sub := b.Subscribe("alerts").Subscribe()
	defer sub.Close()
	waitChannelState(t, b, "alerts", Joined)

	fake.Deliver("alerts", `{"id":1}`)
	fake.Deliver("orders", `{"id":2}`)
	fake.Deliver("alerts", `{"id":3}`)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, string(ev.Raw))
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	if got[0] != `{"id":1}` || got[1] != `{"id":3}` {
		t.Errorf("alerts = %v, want [{\"id\":1} {\"id\":3}]", got)
	}

	select {
	case ev := <-sub.C():
		t.Errorf("unexpected extra event %s", ev.Raw)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := b.Channel("orders"); ok {
		t.Error("inbound events must not register channels")
	}
	if stats := b.Stats(); stats.Router.Dropped != 1 {
		t.Errorf("Router.Dropped = %d, want 1", stats.Router.Dropped)
	}
}

func TestBroker_RoutingMissIsSilent(t *testing.T) {
	b, _, fake := newTestBroker(t, DefaultConfig())

	other := b.Subscribe("alerts").Subscribe()
	defer other.Close()

	fake.Deliver("ghost", `{"id":9}`)

	select {
	case ev := <-other.C():
		t.Errorf("unexpected emission %s", ev.Raw)
	case <-time.After(50 * time.Millisecond):
	}
	if len(b.Channels()) != 1 {
		t.Errorf("Channels() = %v, want only alerts", b.Channels())
	}
}

func TestBroker_StartupFailureThenRetry(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())
	unreachable := errors.New("network unreachable")

	// Subscribed before start was ever called.
	a := b.Subscribe("A")
	subA := a.Subscribe()

	lc.Start(context.Background())
	fake.CompleteStart(unreachable)

	err := terminal(t, subA)
	if !errors.Is(err, unreachable) {
		t.Fatalf("stream A ended with %v, want %v", err, unreachable)
	}
	var jerr *JoinError
	if !errors.As(err, &jerr) || jerr.Channel != "A" {
		t.Errorf("error = %#v, want *JoinError for A", err)
	}
	waitChannelState(t, b, "A", Failed)

	// Retry succeeds; channels subscribed after it are unaffected.
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("retry Start failed: %v", err)
	}
	subB := b.Subscribe("B").Subscribe()
	defer subB.Close()
	fake.CompleteStart(nil)

	waitChannelState(t, b, "B", Joined)
	fake.Deliver("B", `{"ok":true}`)
	select {
	case ev := <-subB.C():
		if string(ev.Raw) != `{"ok":true}` {
			t.Errorf("B got %s", ev.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B never received its event")
	}

	// A stays dead and is never rejoined.
	if b.Subscribe("A") != a || a.Err() == nil {
		t.Error("failed channel should keep its terminated stream")
	}
	for _, inv := range fake.Invocations(MethodSubscribe) {
		if inv.Args[0] == "A" {
			t.Error("failed channel A was joined")
		}
	}
}

func TestBroker_JoinFailureIsolated(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())
	fake.AutoStart = true
	lc.Start(context.Background())

	denied := &transport.RemoteError{Method: MethodSubscribe, Message: "denied"}
	fake.FailInvoke(MethodSubscribe, denied)
	bad := b.Subscribe("bad").Subscribe()
	if err := terminal(t, bad); !errors.Is(err, denied) {
		t.Fatalf("bad ended with %v, want %v", err, denied)
	}

	fake.FailInvoke(MethodSubscribe, nil)
	good := b.Subscribe("good").Subscribe()
	defer good.Close()
	waitChannelState(t, b, "good", Joined)

	stats := b.Stats()
	if stats.Channels != 2 || stats.Joined != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 2 channels, 1 joined, 1 failed", stats)
	}
	if stats.JoinFailures != 1 {
		t.Errorf("JoinFailures = %d, want 1", stats.JoinFailures)
	}
}

func TestBroker_PublishIgnoresReadiness(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())

	ev := model.ChannelEvent{Name: "ping", ChannelName: "alerts", Data: json.RawMessage(`{"type":"ping"}`)}
	b.Publish(ev)

	inv := expectInvoke(t, fake, MethodPublish)
	if len(inv.Args) != 1 || !reflect.DeepEqual(inv.Args[0], ev) {
		t.Errorf("Publish args = %#v, want [%#v]", inv.Args, ev)
	}
	if lc.Ready().Resolved() {
		t.Error("Publish should not touch readiness")
	}
	if n := len(fake.Invocations(MethodPublish)); n != 1 {
		t.Errorf("Publish invoked %d times, want 1", n)
	}
}

func TestBroker_PublishKeepsCallOrder(t *testing.T) {
	b, _, fake := newTestBroker(t, DefaultConfig())

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(model.ChannelEvent{
			Name:        "tick",
			ChannelName: "alerts",
			Data:        json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	invs := fake.Invocations(MethodPublish)
	if len(invs) != n {
		t.Fatalf("invoked %d publishes, want %d", len(invs), n)
	}
	for i, inv := range invs {
		ev := inv.Args[0].(model.ChannelEvent)
		if want := fmt.Sprintf(`{"seq":%d}`, i); string(ev.Data) != want {
			t.Fatalf("publish %d carried %s, want %s", i, ev.Data, want)
		}
	}
}

func TestBroker_PublishAfterStopDropped(t *testing.T) {
	b, _, fake := newTestBroker(t, DefaultConfig())
	b.Stop(context.Background())

	b.Publish(model.NewChannelEvent("alerts", "late", nil))

	if stats := b.Stats(); stats.Publishes != 1 || stats.PublishFailures != 1 {
		t.Errorf("stats = %+v, want 1 publish, 1 failure", stats)
	}
	if n := len(fake.Invocations(MethodPublish)); n != 0 {
		t.Errorf("Publish after Stop invoked %d times, want 0", n)
	}
}

func TestBroker_PublishWait(t *testing.T) {
	b, _, fake := newTestBroker(t, DefaultConfig())
	ev := model.NewChannelEvent("alerts", "fired", nil)

	if err := b.PublishWait(context.Background(), ev); err != nil {
		t.Fatalf("PublishWait failed: %v", err)
	}

	fake.FailInvoke(MethodPublish, transport.ErrNotConnected)
	err := b.PublishWait(context.Background(), ev)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("PublishWait = %v, want ErrNotConnected", err)
	}
	if stats := b.Stats(); stats.Publishes != 2 || stats.PublishFailures != 1 {
		t.Errorf("stats = %+v, want 2 publishes, 1 failure", stats)
	}
}

func TestBroker_SubscribeFromReadinessCallback(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())

	late := make(chan *stream.Stream[model.ChannelEvent], 1)
	lc.Ready().Then(func(err error) {
		if err == nil {
			late <- b.Subscribe("late")
		}
	})

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fake.CompleteStart(nil)

	select {
	case <-late:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe inside a readiness callback did not return")
	}

	if inv := expectInvoke(t, fake, MethodSubscribe); inv.Args[0] != "late" {
		t.Errorf("Subscribe args = %v, want [late]", inv.Args)
	}
	waitChannelState(t, b, "late", Joined)

	// Later subscribers still get their join.
	b.Subscribe("after")
	waitChannelState(t, b, "after", Joined)
}

func TestBroker_RejoinOnReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RejoinOnReconnect = true
	b, lc, fake := newTestBroker(t, cfg)
	fake.AutoStart = true
	lc.Start(context.Background())

	b.Subscribe("alerts")
	waitChannelState(t, b, "alerts", Joined)
	expectInvoke(t, fake, MethodSubscribe)

	fake.SetState(transport.StateReconnecting)
	fake.SetState(transport.StateConnected)

	inv := expectInvoke(t, fake, MethodSubscribe)
	if inv.Args[0] != "alerts" {
		t.Errorf("rejoin args = %v, want [alerts]", inv.Args)
	}
}

func TestBroker_NoRejoinByDefault(t *testing.T) {
	b, lc, fake := newTestBroker(t, DefaultConfig())
	fake.AutoStart = true
	lc.Start(context.Background())

	b.Subscribe("alerts")
	waitChannelState(t, b, "alerts", Joined)

	fake.SetState(transport.StateReconnecting)
	fake.SetState(transport.StateConnected)
	time.Sleep(50 * time.Millisecond)

	if n := len(fake.Invocations(MethodSubscribe)); n != 1 {
		t.Errorf("Subscribe invoked %d times, want 1", n)
	}
}

func TestBroker_StopCompletesStreams(t *testing.T) {
	fake := transporttest.NewFake()
	lc := lifecycle.New(fake, nil)
	b := New(DefaultConfig(), fake, lc, nil)
	b.Start(context.Background())

	sub := b.Subscribe("alerts").Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	if err := terminal(t, sub); err != nil {
		t.Errorf("stream ended with %v, want completion", err)
	}

	// Readiness after stop cannot join.
	fake.AutoStart = true
	lc.Start(context.Background())
	lc.Ready().Wait(ctx)
	if n := len(fake.Invocations(MethodSubscribe)); n != 0 {
		t.Errorf("Subscribe invoked %d times after Stop, want 0", n)
	}
}

func TestJoinState_String(t *testing.T) {
	tests := []struct {
		state JoinState
		want  string
	}{
		{Unjoined, "unjoined"},
		{JoinRequested, "join_requested"},
		{Joined, "joined"},
		{Failed, "failed"},
		{JoinState(9), "JoinState(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
