package cdp

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func subscribe(d *dispatcher, sessionID string, methods ...string) *Subscription {
	sub := &Subscription{sessionID: sessionID, methods: methods, stream: newStream[Event](16)}
	d.add(sub)
	return sub
}

func queued(sub *Subscription) []string {
	var out []string
	for {
		select {
		case ev := <-sub.stream.ch:
			out = append(out, ev.Method+"@"+ev.SessionID)
		default:
			return out
		}
	}
}

func TestDispatcher_Routing(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	console := subscribe(d, "S1", "Runtime.consoleAPICalled")
	s1 := subscribe(d, "S1")
	browser := subscribe(d, "")
	all := subscribe(d, AllSessions)
	allLoads := subscribe(d, AllSessions, "Page.loadEventFired")

	d.dispatch(Event{Method: "Runtime.consoleAPICalled", SessionID: "S1"})
	d.dispatch(Event{Method: "Page.loadEventFired", SessionID: "S1"})
	d.dispatch(Event{Method: "Page.loadEventFired", SessionID: "S2"})
	d.dispatch(Event{Method: "Target.targetCreated"})

	check := func(name string, sub *Subscription, want ...string) {
		t.Helper()
		got := queued(sub)
		if len(got) != len(want) {
			t.Fatalf("%s got %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s got %v, want %v", name, got, want)
			}
		}
	}
	check("console", console, "Runtime.consoleAPICalled@S1")
	check("s1", s1, "Runtime.consoleAPICalled@S1", "Page.loadEventFired@S1")
	check("browser", browser, "Target.targetCreated@")
	check("all", all, "Runtime.consoleAPICalled@S1", "Page.loadEventFired@S1", "Page.loadEventFired@S2", "Target.targetCreated@")
	check("allLoads", allLoads, "Page.loadEventFired@S1", "Page.loadEventFired@S2")
}

func TestDispatcher_RemoveStopsDelivery(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	sub := subscribe(d, "S1", "A.b", "A.c")

	if !d.remove(sub.id, nil) {
		t.Fatal("remove returned false")
	}
	if d.remove(sub.id, nil) {
		t.Error("second remove returned true")
	}
	if n := d.dispatch(Event{Method: "A.b", SessionID: "S1"}); n != 0 {
		t.Errorf("delivered %d after remove", n)
	}
	if len(d.registry) != 0 {
		t.Errorf("registry not emptied: %v", d.registry)
	}
	if _, ok := <-sub.stream.ch; ok {
		t.Error("stream still open")
	}
}

func TestDispatcher_CloseSession(t *testing.T) {
	d := newDispatcher(zap.NewNop())
	a := subscribe(d, "S1", "A.b")
	b := subscribe(d, "S1")
	other := subscribe(d, "S2")

	if n := d.closeSession("S1", ErrTargetGone); n != 2 {
		t.Fatalf("closed %d, want 2", n)
	}
	for _, sub := range []*Subscription{a, b} {
		if _, ok := <-sub.stream.ch; ok {
			t.Error("stream still open")
		}
		if !errors.Is(sub.Err(), ErrTargetGone) {
			t.Errorf("Err = %v, want ErrTargetGone", sub.Err())
		}
	}
	if d.dispatch(Event{Method: "A.b", SessionID: "S2"}) != 1 {
		t.Error("other session lost its subscriber")
	}
	_ = other
}
