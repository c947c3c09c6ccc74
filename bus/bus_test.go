package bus

import (
	"context"
	"sort"
	"testing"
	"time"
)

var (
	topicVarState  = T("var", "state")
	topicVarData   = T("var", "data")
	topicCmd       = T("cmd", "device")
	topicCfgCtrl   = T("config", "controller")
	topicCfgSerial = T("config", "serial")
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("runtime")

	sub := conn.Subscribe(topicVarState)
	conn.Publish(conn.NewMessage(topicVarState, `{"dt":1}`, false))
	expectOneOf(t, sub, `{"dt":1}`)
}

func TestRetainedReplayedOnSubscribe(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("config")

	conn.Publish(conn.NewMessage(topicCfgCtrl, "first", true))
	conn.Publish(conn.NewMessage(topicCfgCtrl, "second", true))

	sub := conn.Subscribe(topicCfgCtrl)
	expectOneOf(t, sub, "second")
	expectNoMessage(t, sub)
}

func TestRetainedNilClearsValue(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("config")

	c.Publish(b.NewMessage(topicCfgCtrl, "keep", true))
	c.Publish(b.NewMessage(topicCfgSerial, "other", true))
	c.Publish(b.NewMessage(topicCfgCtrl, nil, true))

	s := c.Subscribe(T("config", "#"))
	got := drainPayloads(t, s, 1)
	if got[0] != "other" {
		t.Fatalf("expected only 'other' after clear, got %v", got)
	}

	// The clear itself is not delivered to live subscribers.
	live := c.Subscribe(topicCfgSerial)
	drainPayloads(t, live, 1)
	c.Publish(b.NewMessage(topicCfgSerial, nil, true))
	expectNoMessage(t, live)
}

// -----------------------------------------------------------------------------
// Wildcards
// -----------------------------------------------------------------------------

func TestSingleLevelWildcard(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	vars := c.Subscribe(T("var", "+"))
	any2 := c.Subscribe(T("+", "+"))
	state := c.Subscribe(T("+", "state"))
	none := c.Subscribe(T("var", "+", "x"))

	c.Publish(b.NewMessage(topicVarState, "s", false))
	expectOneOf(t, vars, "s")
	expectOneOf(t, any2, "s")
	expectOneOf(t, state, "s")
	expectNoMessage(t, none)

	c.Publish(b.NewMessage(topicCmd, "c", false))
	expectOneOf(t, any2, "c")
	expectNoMessage(t, vars)
	expectNoMessage(t, state)

	c.Publish(b.NewMessage(T("var"), "short", false))
	expectNoMessage(t, vars)
	expectNoMessage(t, any2)
}

func TestMultiLevelWildcard(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	varHash := c.Subscribe(T("var", "#"))
	all := c.Subscribe(T("#"))
	exact := c.Subscribe(T("var"))

	c.Publish(b.NewMessage(T("var"), "p1", false))
	expectOneOf(t, varHash, "p1")
	expectOneOf(t, all, "p1")
	expectOneOf(t, exact, "p1")

	c.Publish(b.NewMessage(T("var", "data", "chunk"), "p2", false))
	expectOneOf(t, varHash, "p2")
	expectOneOf(t, all, "p2")
	expectNoMessage(t, exact)
}

func TestWildcardRetainedDelivery(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("var"), "r0", true))
	c.Publish(b.NewMessage(topicVarState, "r1", true))
	c.Publish(b.NewMessage(T("var", "state", "old"), "r2", true))
	c.Publish(b.NewMessage(topicVarData, "r3", true))

	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("var", "#")), 4), []string{"r0", "r1", "r2", "r3"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("var", "+", "#")), 3), []string{"r1", "r2", "r3"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("var", "+")), 2), []string{"r1", "r3"})
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

func TestFullQueueDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	sub := c.Subscribe(topicVarData)

	for _, p := range []string{"a", "b", "c"} {
		c.Publish(b.NewMessage(topicVarData, p, false))
	}
	assertUnorderedEqual(t, drainPayloads(t, sub, 2), []string{"b", "c"})
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	sub := c.Subscribe(topicVarState)

	sub.Unsubscribe()
	if _, ok := <-sub.Channel(); ok {
		t.Fatal("channel should be closed")
	}
	c.Unsubscribe(sub) // second call is a no-op

	c.Publish(b.NewMessage(topicVarState, "late", false))
}

func TestDisconnectClosesAll(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	s1 := c.Subscribe(topicVarState)
	s2 := c.Subscribe(topicCmd)

	c.Disconnect()
	for _, s := range []*Subscription{s1, s2} {
		if _, ok := <-s.Channel(); ok {
			t.Fatalf("subscription %v still open", s.Topic())
		}
	}
}

// -----------------------------------------------------------------------------
// Request–Reply
// -----------------------------------------------------------------------------

func TestRequestWaitGetsReply(t *testing.T) {
	b := NewBus(8)
	client := b.NewConnection("cloud")
	rt := b.NewConnection("runtime")

	cmds := rt.Subscribe(topicCmd)
	defer rt.Unsubscribe(cmds)
	go func() {
		if msg, ok := <-cmds.Channel(); ok {
			rt.Reply(msg, 0, false)
		}
	}()

	req := b.NewMessage(topicCmd, "tz 1", false)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	reply, err := client.RequestWait(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error waiting for reply: %v", err)
	}
	if got, ok := reply.Payload.(int); !ok || got != 0 {
		t.Fatalf("unexpected reply payload: %#v", reply.Payload)
	}
	if len(req.ReplyTo) != 3 || req.ReplyTo[0] != "_reply" || req.ReplyTo[1] != "cloud" {
		t.Fatalf("unexpected reply topic %v", req.ReplyTo)
	}
	if !topicsEqual(reply.Topic, req.ReplyTo) {
		t.Fatalf("reply topic %v != request ReplyTo %v", reply.Topic, req.ReplyTo)
	}
}

func TestRequestWaitTimesOut(t *testing.T) {
	b := NewBus(8)
	client := b.NewConnection("cloud")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.RequestWait(ctx, b.NewMessage(topicCmd, "restart", false)); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestRequestTopicsAreUnique(t *testing.T) {
	b := NewBus(8)
	c := b.NewConnection("console")

	m1 := b.NewMessage(topicCmd, "a", false)
	m2 := b.NewMessage(topicCmd, "b", false)
	s1 := c.Request(m1)
	s2 := c.Request(m2)
	defer c.Unsubscribe(s1)
	defer c.Unsubscribe(s2)

	if topicsEqual(m1.ReplyTo, m2.ReplyTo) {
		t.Fatalf("reply topics collide: %v", m1.ReplyTo)
	}
	c.Reply(m2, "for b", false)
	expectOneOf(t, s2, "for b")
	expectNoMessage(t, s1)

	// Messages without a reply topic are not answered.
	c.Reply(b.NewMessage(topicCmd, "x", false), "lost", false)
}

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

func TestTopicString(t *testing.T) {
	if got := T("_reply", "cloud", 7).String(); got != "_reply/cloud/7" {
		t.Fatalf("got %q", got)
	}
	base := T("var")
	ext := base.Append("state")
	if len(base) != 1 || ext.String() != "var/state" {
		t.Fatalf("Append modified base or built %q", ext.String())
	}
}

func TestInvalidTokenPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for non-comparable token, got none")
		}
	}()
	_ = T([]byte{1, 2, 3})
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func topicsEqual(a, b Topic) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func expectOneOf(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		if !ok || s != want {
			t.Fatalf("unexpected payload: %v (want %q)", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func drainPayloads(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			s, ok := m.Payload.(string)
			if !ok {
				t.Fatalf("non-string payload in drain: %#v", m.Payload)
			}
			out = append(out, s)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}

func assertUnorderedEqual(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
