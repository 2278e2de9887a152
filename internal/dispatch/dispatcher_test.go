package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dealwatch/internal/board"
	"dealwatch/internal/eventbus"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

// fakeChannel records calls and fails on demand.
type fakeChannel struct {
	name string

	// gate, when set, blocks every Send until it is closed.
	gate chan struct{}
	// retryAfter is attached to transient failures as a backend cooldown.
	retryAfter time.Duration

	mu        sync.Mutex
	calls     []string
	attempts  []time.Time
	transient map[string]int // article id -> remaining transient failures
	permanent map[string]bool
	nextMsgID int
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:      name,
		transient: map[string]int{},
		permanent: map[string]bool{},
	}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) fail(id string) error {
	f.attempts = append(f.attempts, time.Now())
	if f.permanent[id] {
		return &transport.DeliveryError{Channel: f.name, Permanent: true, Err: errors.New("rejected")}
	}
	if f.transient[id] > 0 {
		f.transient[id]--
		return &transport.DeliveryError{Channel: f.name, RetryAfter: f.retryAfter, Err: errors.New("flaky")}
	}
	return nil
}

func (f *fakeChannel) Send(_ context.Context, a *board.Article) (transport.Ref, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(a.ID); err != nil {
		return transport.Ref{}, err
	}
	f.nextMsgID++
	f.calls = append(f.calls, "send:"+a.ID)
	return transport.Ref{ChatID: 1, MessageID: f.nextMsgID}, nil
}

func (f *fakeChannel) Edit(_ context.Context, ref transport.Ref, a *board.Article) (transport.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(a.ID); err != nil {
		return ref, err
	}
	f.calls = append(f.calls, fmt.Sprintf("edit:%s@%d", a.ID, ref.MessageID))
	return ref, nil
}

func (f *fakeChannel) Delete(_ context.Context, ref transport.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete:%d", ref.MessageID))
	return nil
}

func (f *fakeChannel) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChannel) attemptTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

// memRefStore is an in-memory RefStore for tests.
type memRefStore struct {
	mu   sync.Mutex
	refs map[string]map[string]transport.Ref
}

func newMemRefStore() *memRefStore {
	return &memRefStore{refs: map[string]map[string]transport.Ref{}}
}

func (s *memRefStore) LoadRefs(_ context.Context, channel string) (map[string]transport.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]transport.Ref{}
	for k, v := range s.refs[channel] {
		out[k] = v
	}
	return out, nil
}

func (s *memRefStore) SaveRef(_ context.Context, channel, key string, ref transport.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[channel] == nil {
		s.refs[channel] = map[string]transport.Ref{}
	}
	s.refs[channel][key] = ref
	return nil
}

func (s *memRefStore) DeleteRef(_ context.Context, channel, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs[channel], key)
	return nil
}

func fastConfig() ChannelConfig {
	return ChannelConfig{
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		ActionTimeout: time.Second,
	}
}

func startDispatcher(t *testing.T, ch transport.Channel, cfg ChannelConfig, store RefStore, bus eventbus.Bus) *Dispatcher {
	t.Helper()
	d := New(store, bus, logx.Nop(), Options{DrainTimeout: time.Second})
	if err := d.Register(ch, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.Bind("board", ch.Name())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func art(id string) *board.Article {
	return &board.Article{ID: id, Title: "t-" + id}
}

func TestDeliveryOrderSurvivesTransientFailures(t *testing.T) {
	ch := newFakeChannel("tg")
	ch.transient["b"] = 2 // send of b fails twice, then succeeds
	store := newMemRefStore()

	// Pre-seed refs so the edit and the delete correlate.
	_ = store.SaveRef(context.Background(), "tg", CorrelationKey("board", "c"), transport.Ref{ChatID: 1, MessageID: 77})
	_ = store.SaveRef(context.Background(), "tg", CorrelationKey("board", "d"), transport.Ref{ChatID: 1, MessageID: 78})

	d := startDispatcher(t, ch, fastConfig(), store, nil)

	d.Route(&board.CrawlResult{
		Source:       "board",
		NewItems:     []*board.Article{art("a"), art("b")},
		UpdatedItems: []board.UpdatedPair{{Old: art("c"), New: art("c")}},
		GoneItems:    []*board.Article{art("d")},
	})

	waitFor(t, func() bool { return len(ch.snapshot()) == 4 })

	want := []string{"send:a", "send:b", "edit:c@77", "delete:78"}
	got := ch.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call order: got %v, want %v", got, want)
		}
	}
}

func TestRetryDeliversExactlyOnce(t *testing.T) {
	ch := newFakeChannel("tg")
	ch.transient["a"] = 2 // two failures, third attempt succeeds within RetryMax=3
	store := newMemRefStore()

	d := startDispatcher(t, ch, fastConfig(), store, nil)
	d.Route(&board.CrawlResult{Source: "board", NewItems: []*board.Article{art("a")}})

	waitFor(t, func() bool { return len(ch.snapshot()) == 1 })
	time.Sleep(20 * time.Millisecond) // catch any duplicate delivery

	if got := ch.snapshot(); len(got) != 1 || got[0] != "send:a" {
		t.Fatalf("expected a single send, got %v", got)
	}
	st := d.Stats()["tg"]
	if st.Delivered != 1 || st.Failed != 0 {
		t.Fatalf("stats: %+v", st)
	}

	refs, _ := store.LoadRefs(context.Background(), "tg")
	if _, ok := refs[CorrelationKey("board", "a")]; !ok {
		t.Fatal("ref not persisted after send")
	}
}

func TestExhaustedActionIsDroppedAndReported(t *testing.T) {
	ch := newFakeChannel("tg")
	ch.transient["a"] = 100 // never recovers within the budget
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	d := startDispatcher(t, ch, fastConfig(), newMemRefStore(), bus)
	d.Route(&board.CrawlResult{
		Source:   "board",
		NewItems: []*board.Article{art("a"), art("b")},
	})

	// The failing head must not starve the action behind it.
	waitFor(t, func() bool {
		calls := ch.snapshot()
		return len(calls) == 1 && calls[0] == "send:b"
	})

	st := d.Stats()["tg"]
	if st.Failed != 1 || st.Delivered != 1 {
		t.Fatalf("stats: %+v", st)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.EventDeliveryFailed {
			t.Fatalf("event type: %s", e.Type)
		}
		df := e.Data.(eventbus.DeliveryFailure)
		if df.Key != CorrelationKey("board", "a") || df.Verb != "send" {
			t.Fatalf("failure payload: %+v", df)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	ch := newFakeChannel("tg")
	ch.permanent["a"] = true

	d := startDispatcher(t, ch, fastConfig(), newMemRefStore(), nil)
	d.Route(&board.CrawlResult{Source: "board", NewItems: []*board.Article{art("a")}})

	waitFor(t, func() bool { return d.Stats()["tg"].Failed == 1 })
	if calls := ch.snapshot(); len(calls) != 0 {
		t.Fatalf("permanent failure should not record a delivery: %v", calls)
	}
}

func TestCorrelationMissIsNoOp(t *testing.T) {
	ch := newFakeChannel("tg")
	d := startDispatcher(t, ch, fastConfig(), newMemRefStore(), nil)

	d.Route(&board.CrawlResult{
		Source:       "board",
		UpdatedItems: []board.UpdatedPair{{Old: art("ghost"), New: art("ghost")}},
		GoneItems:    []*board.Article{art("phantom")},
	})

	waitFor(t, func() bool { return d.Stats()["tg"].Skipped == 2 })
	if calls := ch.snapshot(); len(calls) != 0 {
		t.Fatalf("correlation misses must not reach the backend: %v", calls)
	}
}

func TestDuplicateSendIsSuppressed(t *testing.T) {
	ch := newFakeChannel("tg")
	store := newMemRefStore()
	_ = store.SaveRef(context.Background(), "tg", CorrelationKey("board", "a"), transport.Ref{ChatID: 1, MessageID: 5})

	d := startDispatcher(t, ch, fastConfig(), store, nil)
	d.Route(&board.CrawlResult{Source: "board", NewItems: []*board.Article{art("a")}})

	waitFor(t, func() bool { return d.Stats()["tg"].Skipped == 1 })
	if calls := ch.snapshot(); len(calls) != 0 {
		t.Fatalf("re-send of a known article must be suppressed: %v", calls)
	}
}

func TestSendThenDeleteClearsRef(t *testing.T) {
	ch := newFakeChannel("tg")
	store := newMemRefStore()
	d := startDispatcher(t, ch, fastConfig(), store, nil)

	d.Route(&board.CrawlResult{Source: "board", NewItems: []*board.Article{art("a")}})
	waitFor(t, func() bool { return len(ch.snapshot()) == 1 })

	d.Route(&board.CrawlResult{Source: "board", GoneItems: []*board.Article{art("a")}})
	waitFor(t, func() bool { return len(ch.snapshot()) == 2 })

	got := ch.snapshot()
	if got[1] != "delete:1" {
		t.Fatalf("delete should target the message created by send: %v", got)
	}
	refs, _ := store.LoadRefs(context.Background(), "tg")
	if len(refs) != 0 {
		t.Fatalf("ref should be cleared after delete: %v", refs)
	}
}

func TestDrainOnShutdownFlushesQueue(t *testing.T) {
	ch := newFakeChannel("tg")
	cfg := fastConfig()
	cfg.DrainOnShutdown = true

	d := New(newMemRefStore(), nil, logx.Nop(), Options{DrainTimeout: 2 * time.Second})
	if err := d.Register(ch, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.Bind("board", "tg")
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	items := make([]*board.Article, 20)
	for i := range items {
		items[i] = art(fmt.Sprintf("a%02d", i))
	}
	d.Route(&board.CrawlResult{Source: "board", NewItems: items})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(ch.snapshot()); got != 20 {
		t.Fatalf("drain delivered %d of 20", got)
	}
}

func TestShutdownAbandonsQueueWithoutDrain(t *testing.T) {
	ch := newFakeChannel("tg")
	ch.gate = make(chan struct{})
	cfg := fastConfig() // DrainOnShutdown stays false

	d := New(newMemRefStore(), nil, logx.Nop(), Options{DrainTimeout: time.Second})
	if err := d.Register(ch, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d.Bind("board", "tg")
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	items := make([]*board.Article, 20)
	for i := range items {
		items[i] = art(fmt.Sprintf("a%02d", i))
	}
	d.Route(&board.CrawlResult{Source: "board", NewItems: items})

	// The first send is in flight (parked on the gate); 19 remain queued.
	waitFor(t, func() bool { return d.Stats()["tg"].Queued == 19 })

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopped <- d.Stop(ctx)
	}()
	// Let Stop close the queue before the in-flight send completes.
	time.Sleep(50 * time.Millisecond)
	close(ch.gate)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop never returned")
	}

	if got := len(ch.snapshot()); got != 1 {
		t.Fatalf("abandon policy delivered %d sends, want only the in-flight one", got)
	}
	if queued := d.Stats()["tg"].Queued; queued != 19 {
		t.Fatalf("backlog should be abandoned in place, got %d queued", queued)
	}
}

func TestRetryWaitsOutBackendCooldown(t *testing.T) {
	ch := newFakeChannel("tg")
	ch.transient["a"] = 1
	ch.retryAfter = 150 * time.Millisecond // far above the 5ms backoff cap

	d := startDispatcher(t, ch, fastConfig(), newMemRefStore(), nil)
	d.Route(&board.CrawlResult{Source: "board", NewItems: []*board.Article{art("a")}})

	waitFor(t, func() bool { return len(ch.snapshot()) == 1 })

	attempts := ch.attemptTimes()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < ch.retryAfter {
		t.Fatalf("retry fired after %v, before the backend cooldown %v", gap, ch.retryAfter)
	}
}
