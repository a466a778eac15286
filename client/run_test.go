package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/lioil1020-JackLee/water-house/config"
)

// fakeSession is a scripted in-memory server keyed by node-id string.
type fakeSession struct {
	mu           sync.Mutex
	values       map[string]any
	failReads    int // >0: fail that many reads; <0: fail all
	writeErr     error
	rejectWrites bool // respond with a bad status instead of failing transport
	applyWrites  bool
	writes       []fakeWrite
	closes       int
}

type fakeWrite struct {
	node  string
	value any
}

func newFakeSession() *fakeSession {
	return &fakeSession{values: make(map[string]any)}
}

func (f *fakeSession) set(node string, v any) {
	f.mu.Lock()
	f.values[node] = v
	f.mu.Unlock()
}

func (f *fakeSession) failNextReads(n int) {
	f.mu.Lock()
	f.failReads = n
	f.mu.Unlock()
}

func (f *fakeSession) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeSession) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads != 0 {
		if f.failReads > 0 {
			f.failReads--
		}
		return nil, io.EOF
	}
	results := make([]*ua.DataValue, len(req.NodesToRead))
	for i, n := range req.NodesToRead {
		v, ok := f.values[n.NodeID.String()]
		if !ok {
			results[i] = &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}
			continue
		}
		results[i] = &ua.DataValue{Status: ua.StatusOK, Value: ua.MustVariant(v)}
	}
	return &ua.ReadResponse{Results: results}, nil
}

func (f *fakeSession) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	results := make([]ua.StatusCode, len(req.NodesToWrite))
	for i, w := range req.NodesToWrite {
		if f.rejectWrites {
			results[i] = ua.StatusBadNodeIDUnknown
			continue
		}
		node := w.NodeID.String()
		v := w.Value.Value.Value()
		f.writes = append(f.writes, fakeWrite{node: node, value: v})
		if f.applyWrites {
			f.values[node] = v
		}
		results[i] = ua.StatusOK
	}
	return &ua.WriteResponse{Results: results}, nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

// recorder drains the event stream so the worker never blocks on emit.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(c *Client) *recorder {
	r := &recorder{}
	go func() {
		for ev := range c.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// await polls until some recorded event satisfies pred.
func (r *recorder) await(t *testing.T, timeout time.Duration, what string, pred func(Event) bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range r.snapshot() {
			if pred(ev) {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; saw %v", what, r.snapshot())
}

func batchesWith(events []Event, tag string) []BatchEvent {
	var out []BatchEvent
	for _, ev := range events {
		if b, ok := ev.(BatchEvent); ok {
			if _, has := b.Values[tag]; has {
				out = append(out, b)
			}
		}
	}
	return out
}

func healthTransitions(events []Event) []bool {
	var out []bool
	for _, ev := range events {
		if h, ok := ev.(HealthEvent); ok {
			out = append(out, h.Up)
		}
	}
	return out
}

func isHealth(up bool) func(Event) bool {
	return func(ev Event) bool {
		h, ok := ev.(HealthEvent)
		return ok && h.Up == up
	}
}

func hasBatchValue(tag string, want Value) func(Event) bool {
	return func(ev Event) bool {
		b, ok := ev.(BatchEvent)
		if !ok {
			return false
		}
		v, has := b.Values[tag]
		return has && equalValues(v, want)
	}
}

func testConfig() Config {
	return Config{
		Endpoint:       "opc.tcp://fake:4840",
		PollInterval:   5 * time.Millisecond,
		BackoffFloor:   5 * time.Millisecond,
		BackoffStep:    5 * time.Millisecond,
		BackoffCeiling: 20 * time.Millisecond,
		FailedCycles:   3,
		ReadTimeout:    500 * time.Millisecond,
		CloseTimeout:   100 * time.Millisecond,
	}
}

func startTestClient(t *testing.T, fake *fakeSession, tags []config.Tag) (*Client, *recorder) {
	t.Helper()
	c := New(testConfig(), tags, zerolog.New(io.Discard))
	c.dial = func(ctx context.Context, endpoint string) (session, error) {
		return fake, nil
	}
	r := record(c)
	c.Start()
	t.Cleanup(c.Stop)
	return c, r
}

func TestFirstPollEmitsHealthThenFullBatch(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)
	fake.set("ns=2;s=B", 0.0)

	_, r := startTestClient(t, fake, testTags)

	r.await(t, 2*time.Second, "first batch", func(ev Event) bool {
		b, ok := ev.(BatchEvent)
		return ok && len(b.Values) == 2
	})

	events := r.snapshot()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if h, ok := events[0].(HealthEvent); !ok || !h.Up {
		t.Fatalf("first event should be connection-restored, got %v", events[0])
	}
	b := events[1].(BatchEvent)
	if b.Values["A"] != false || b.Values["B"] != 0.0 {
		t.Fatalf("unexpected first batch %v", b.Values)
	}
}

func TestUnresolvableTagIsSkippedNotFatal(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", true)

	tags := []config.Tag{
		{Name: "A", Address: "ns=2;s=A"},
		{Name: "broken", Address: "ns=abc;s=broken"},
	}
	_, r := startTestClient(t, fake, tags)

	r.await(t, 2*time.Second, "batch with A", hasBatchValue("A", true))
	for _, b := range batchesWith(r.snapshot(), "broken") {
		t.Fatalf("unresolvable tag must not appear in batches: %v", b.Values)
	}
}

func TestSingleFailedCycleDoesNotDropHealth(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)
	fake.failNextReads(1)

	_, r := startTestClient(t, fake, testTags[:1])

	r.await(t, 2*time.Second, "batch after transient failure", hasBatchValue("A", false))
	ups := healthTransitions(r.snapshot())
	if len(ups) != 1 || !ups[0] {
		t.Fatalf("expected a single up transition, got %v", ups)
	}
}

func TestFailedCycleThresholdTriggersReconnect(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)

	_, r := startTestClient(t, fake, testTags[:1])
	r.await(t, 2*time.Second, "initial batch", hasBatchValue("A", false))

	fake.failNextReads(3)
	r.await(t, 2*time.Second, "connection-lost", isHealth(false))
	r.await(t, 2*time.Second, "connection-restored", isHealth(true))

	// Exactly one down edge: the repeated failing cycles and the reconnect
	// must not re-signal.
	downs := 0
	for _, up := range healthTransitions(r.snapshot()) {
		if !up {
			downs++
		}
	}
	if downs != 1 {
		t.Fatalf("expected one down transition, got %v", healthTransitions(r.snapshot()))
	}
}

func TestReconnectReemitsUnchangedValues(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", true)

	_, r := startTestClient(t, fake, testTags[:1])
	r.await(t, 2*time.Second, "initial batch", hasBatchValue("A", true))

	fake.failNextReads(3)
	r.await(t, 2*time.Second, "recovery", isHealth(true))

	// The value never changed on the server, but the post-reconnect poll
	// must re-emit it: last-emitted state was discarded with the session.
	r.await(t, 2*time.Second, "re-emission after reconnect", func(ev Event) bool {
		bs := batchesWith(r.snapshot(), "A")
		return len(bs) >= 2
	})
}

func TestWriteRoundTripEmitsOnce(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)
	fake.applyWrites = true

	c, r := startTestClient(t, fake, testTags[:1])
	r.await(t, 2*time.Second, "initial batch", hasBatchValue("A", false))

	if err := c.SubmitWrite("A", true); err != nil {
		t.Fatal(err)
	}
	r.await(t, 2*time.Second, "optimistic emission", hasBatchValue("A", true))

	deadline := time.Now().Add(2 * time.Second)
	for c.HasPending("A") {
		if time.Now().After(deadline) {
			t.Fatal("write never confirmed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Let a few more cycles run: confirmation must not re-emit.
	time.Sleep(30 * time.Millisecond)
	if got := len(batchesWith(r.snapshot(), "A")); got != 2 {
		// initial false + optimistic true
		t.Fatalf("expected exactly 2 batches carrying A, got %d", got)
	}

	fake.mu.Lock()
	wrote := len(fake.writes)
	fake.mu.Unlock()
	if wrote != 1 {
		t.Fatalf("expected exactly one server write, got %d", wrote)
	}
}

func TestTransportWriteFailureSignalsCaller(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)
	fake.setWriteErr(errors.New("boom"))

	c, r := startTestClient(t, fake, testTags[:1])
	r.await(t, 2*time.Second, "initial batch", hasBatchValue("A", false))

	if err := c.SubmitWrite("A", true); err != nil {
		t.Fatal(err)
	}
	r.await(t, 2*time.Second, "write-failed event", func(ev Event) bool {
		w, ok := ev.(WriteFailedEvent)
		return ok && w.Tag == "A"
	})

	// Clearing the optimistic state is the caller's decision, not ours.
	if !c.HasPending("A") {
		t.Fatal("pending entry should survive a transport write failure")
	}
	c.ClearPending("A")
	if c.HasPending("A") {
		t.Fatal("ClearPending should remove the entry")
	}
}

func TestRejectedWriteSignalsCaller(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)
	fake.rejectWrites = true

	c, r := startTestClient(t, fake, testTags[:1])
	r.await(t, 2*time.Second, "initial batch", hasBatchValue("A", false))

	if err := c.SubmitWrite("A", true); err != nil {
		t.Fatal(err)
	}
	// The server answered with a bad status code; same surface as a
	// transport failure.
	r.await(t, 2*time.Second, "write-failed event", func(ev Event) bool {
		w, ok := ev.(WriteFailedEvent)
		return ok && w.Tag == "A"
	})

	fake.mu.Lock()
	wrote := len(fake.writes)
	fake.mu.Unlock()
	if wrote != 0 {
		t.Fatalf("rejected write must not land, got %d writes", wrote)
	}
}

func TestReadValueRoundTrip(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", true)

	c, r := startTestClient(t, fake, testTags)
	r.await(t, 2*time.Second, "connected", isHealth(true))

	v, err := c.ReadValue(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if v != true {
		t.Fatalf("expected true, got %v", v)
	}

	if _, err := c.ReadValue(context.Background(), "nope"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}

	// B is configured but the fake server has no such node: bounded error,
	// not a hang.
	if _, err := c.ReadValue(context.Background(), "B"); err == nil {
		t.Fatal("expected an error for a node the server does not serve")
	}
}

func TestStopIsBoundedAndClosesStream(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)

	c, r := startTestClient(t, fake, testTags[:1])
	r.await(t, 2*time.Second, "initial batch", hasBatchValue("A", false))

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	c.Stop() // idempotent

	if err := c.SubmitWrite("A", true); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	c := New(testConfig(), testTags, zerolog.New(io.Discard))

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a client that was never started")
	}

	if err := c.SubmitWrite("A", true); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

// TestAlarmScenario walks the panel's canonical flow: initial state, a server
// alarm, an operator disarm with delayed server convergence, and verifies no
// duplicate emissions anywhere.
func TestAlarmScenario(t *testing.T) {
	fake := newFakeSession()
	fake.set("ns=2;s=A", false)
	fake.set("ns=2;s=B", 0.0)

	c, r := startTestClient(t, fake, testTags)
	r.await(t, 2*time.Second, "initial batch", func(ev Event) bool {
		b, ok := ev.(BatchEvent)
		return ok && len(b.Values) == 2
	})

	// Server raises the alarm.
	fake.set("ns=2;s=A", true)
	r.await(t, 2*time.Second, "alarm emission", hasBatchValue("A", true))

	// Operator clears it; the server takes a few cycles to follow. The
	// initial batch already carried A=false, so the optimistic clear is the
	// third batch naming A, not the first A=false seen.
	if err := c.SubmitWrite("A", false); err != nil {
		t.Fatal(err)
	}
	r.await(t, 2*time.Second, "optimistic clear", func(Event) bool {
		return len(batchesWith(r.snapshot(), "A")) >= 3
	})

	before := len(batchesWith(r.snapshot(), "A"))
	time.Sleep(20 * time.Millisecond) // several cycles with the server still at true
	fake.set("ns=2;s=A", false)       // server converges within the settlement window

	deadline := time.Now().Add(2 * time.Second)
	for c.HasPending("A") {
		if time.Now().After(deadline) {
			t.Fatal("write never settled")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	// The convergence matches what was already emitted optimistically, so
	// nothing new may appear.
	if after := len(batchesWith(r.snapshot(), "A")); after != before {
		t.Fatalf("expected no duplicate emission, went from %d to %d batches", before, after)
	}
}
