package changewatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/domobs/mutation"
)

type fakePrimitive struct {
	mu          sync.Mutex
	deliver     func([]mutation.Record)
	observed    []Config
	node        Node
	disconnects int
	observeErr  error
}

func (p *fakePrimitive) Observe(node Node, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.observeErr != nil {
		return p.observeErr
	}
	p.node = node
	p.observed = append(p.observed, cfg)
	return nil
}

func (p *fakePrimitive) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

func (p *fakePrimitive) send(records []mutation.Record) { p.deliver(records) }

// newNative returns a native-mode Watcher and the primitive it constructs.
func newNative(t *testing.T) (*Watcher, *fakePrimitive) {
	t.Helper()
	prim := &fakePrimitive{}
	w := New(Options{Native: func(deliver func([]mutation.Record)) (Primitive, error) {
		prim.deliver = deliver
		return prim, nil
	}})
	return w, prim
}

type selection []string

func (s selection) Unwrap() Node {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

func noop([]mutation.Record, ...any) error { return nil }

// call records one handler invocation.
type call struct {
	records []mutation.Record
	args    []any
}

func recorder(ch chan<- call) Handler {
	return func(records []mutation.Record, args ...any) error {
		ch <- call{records: records, args: args}
		return nil
	}
}

func receive(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("handler not called within 1s")
	}
	return call{}
}

func expectNone(t *testing.T, ch <-chan call, name string) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("%s: unexpected call with %d records", name, len(c.records))
	case <-time.After(30 * time.Millisecond):
	}
}

func mustInit(t *testing.T, w *Watcher, target Node, overrides *Overrides) {
	t.Helper()
	if err := w.Init(target, overrides); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func mustOn(t *testing.T, w *Watcher, event Event, h Handler) {
	t.Helper()
	if _, err := w.On(event, h); err != nil {
		t.Fatalf("On(%s): %v", event, err)
	}
}

func TestInit_NilTarget(t *testing.T) {
	w := New(Options{})
	var target *int

	for _, tgt := range []Node{nil, target, selection{}} {
		err := w.Init(tgt, nil)
		var invalid *InvalidTargetError
		if !errors.As(err, &invalid) {
			t.Fatalf("Init(%#v): got %v, want InvalidTargetError", tgt, err)
		}
	}
	if w.Node() != nil {
		t.Fatal("failed Init must not store a node")
	}
}

func TestInit_UnwrapsWrappedReference(t *testing.T) {
	w := New(Options{})
	if err := w.Init(selection{"div#feed", "div#other"}, nil); err != nil {
		t.Fatal(err)
	}
	if got := w.Node(); got != "div#feed" {
		t.Fatalf("Node: got %v, want div#feed", got)
	}
}

func TestInit_Twice(t *testing.T) {
	w := New(Options{})
	if err := w.Init("a", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Init("b", nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init: got %v, want ErrAlreadyInitialized", err)
	}
	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := w.Init("b", nil); err != nil {
		t.Fatalf("Init after Destroy: %v", err)
	}
}

func TestInit_SelectsMode(t *testing.T) {
	if m := New(Options{}).Mode(); m != ModePolling {
		t.Errorf("no primitive: got %v, want polling", m)
	}
	w, _ := newNative(t)
	if m := w.Mode(); m != ModeNative {
		t.Errorf("with primitive: got %v, want native", m)
	}
}

func TestInit_ConstructorError(t *testing.T) {
	boom := errors.New("no devtools session")
	w := New(Options{Native: func(func([]mutation.Record)) (Primitive, error) { return nil, boom }})
	if err := w.Init("node", nil); !errors.Is(err, boom) {
		t.Fatalf("Init: got %v, want wrapped constructor error", err)
	}
	if w.Node() != nil {
		t.Fatal("failed Init must not store a node")
	}
}

func TestOn_UnknownEvent(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)
	_, err := w.On("on-whatever", noop)
	var invalid *InvalidCategoryError
	if !errors.As(err, &invalid) {
		t.Fatalf("On: got %v, want InvalidCategoryError", err)
	}
}

func TestOn_DisabledCategory(t *testing.T) {
	cases := []struct {
		event     Event
		overrides *Overrides
	}{
		{OnAttributesChanged, &Overrides{Attributes: Bool(false)}},
		{OnCharacterDataChanged, &Overrides{CharacterData: Bool(false)}},
		{OnChildListChanged, &Overrides{ChildList: Bool(false)}},
		{OnSubtreeChanged, &Overrides{Subtree: Bool(false)}},
		{OnAttributeOldValue, &Overrides{AttributeOldValue: Bool(false)}},
		{OnCharacterDataOldValue, &Overrides{CharacterDataOldValue: Bool(false)}},
	}
	for _, tc := range cases {
		t.Run(string(tc.event), func(t *testing.T) {
			w := New(Options{})
			if err := w.Init("node", tc.overrides); err != nil {
				t.Fatal(err)
			}
			for _, h := range []Handler{noop, nil} {
				_, err := w.On(tc.event, h)
				var disabled *DisabledCategoryError
				if !errors.As(err, &disabled) {
					t.Fatalf("On: got %v, want DisabledCategoryError", err)
				}
				if disabled.Event != tc.event {
					t.Errorf("Event: got %s, want %s", disabled.Event, tc.event)
				}
			}
		})
	}
}

func TestOn_AppendsInOrder(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)

	for i := 1; i <= 3; i++ {
		list, err := w.On(OnChildListChanged, noop)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != i {
			t.Fatalf("On #%d: list length %d", i, len(list))
		}
	}
}

func TestOn_OnChangeNeverGated(t *testing.T) {
	w := New(Options{})
	off := Bool(false)
	mustInit(t, w, "node", &Overrides{
		ChildList: off, Attributes: off, CharacterData: off, Subtree: off,
		AttributeOldValue: off, CharacterDataOldValue: off,
	})
	if _, err := w.On(OnChange, noop); err != nil {
		t.Fatalf("On(on-change): %v", err)
	}
}

func TestStartListening_RequiresOnChange(t *testing.T) {
	w, _ := newNative(t)
	mustInit(t, w, "node", nil)
	mustOn(t, w, OnAttributesChanged, noop)

	err := w.StartListening(0)
	var missing *MissingRequiredHandlerError
	if !errors.As(err, &missing) {
		t.Fatalf("StartListening: got %v, want MissingRequiredHandlerError", err)
	}

	// Same answer before Init.
	fresh := New(Options{})
	if err := fresh.StartListening(0); !errors.As(err, &missing) {
		t.Fatalf("StartListening before Init: got %v, want MissingRequiredHandlerError", err)
	}
}

func TestStartListening_NotInitialized(t *testing.T) {
	w := New(Options{})
	mustOn(t, w, OnChange, noop)
	if err := w.StartListening(0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("StartListening: got %v, want ErrNotInitialized", err)
	}
}

func TestStartListening_NativeObservesWithMergedConfig(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, selection{"ul#items"}, &Overrides{Subtree: Bool(false), AttributeFilter: []string{"class"}})
	mustOn(t, w, OnChange, noop)

	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}
	if prim.node != "ul#items" {
		t.Errorf("observed node: got %v", prim.node)
	}
	if len(prim.observed) != 1 {
		t.Fatalf("Observe calls: got %d, want 1", len(prim.observed))
	}
	cfg := prim.observed[0]
	if cfg.Subtree || !cfg.ChildList || len(cfg.AttributeFilter) != 1 {
		t.Errorf("observed config: got %+v", cfg)
	}
	if !w.Listening() {
		t.Error("expected Listening")
	}
}

func TestStartListening_Twice(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", nil)
	mustOn(t, w, OnChange, noop)

	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}
	if err := w.StartListening(0); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second StartListening: got %v, want ErrAlreadyListening", err)
	}
	if len(prim.observed) != 1 {
		t.Fatalf("Observe calls: got %d, want 1", len(prim.observed))
	}
}

func TestStartListening_ObserveErrorLeavesIdle(t *testing.T) {
	w, prim := newNative(t)
	prim.observeErr = errors.New("node detached")
	mustInit(t, w, "node", nil)
	mustOn(t, w, OnChange, noop)

	if err := w.StartListening(0); !errors.Is(err, prim.observeErr) {
		t.Fatalf("StartListening: got %v", err)
	}
	if w.Listening() {
		t.Fatal("failed StartListening must not leave the watcher listening")
	}
}

func TestPolling_FiresOnChangeEveryTick(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)

	ch := make(chan call, 64)
	mustOn(t, w, OnChange, recorder(ch))
	if err := w.StartListening(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		c := receive(t, ch)
		if c.records == nil || len(c.records) != 0 {
			t.Fatalf("tick %d: got records %v, want empty non-nil list", i, c.records)
		}
	}

	stats, ok := w.PollStats()
	if !ok || stats.Ticks < 3 {
		t.Fatalf("PollStats: got %+v ok=%v", stats, ok)
	}

	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}
	// Drain what was queued before Destroy, then expect silence.
	time.Sleep(30 * time.Millisecond)
	for len(ch) > 0 {
		<-ch
	}
	expectNone(t, ch, "on-change after Destroy")
}

func TestPolling_DefaultInterval(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)
	mustOn(t, w, OnChange, noop)
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}
	defer w.Destroy()

	stats, ok := w.PollStats()
	if !ok || !stats.Running {
		t.Fatalf("PollStats: got %+v ok=%v", stats, ok)
	}
}

func TestDispatch_RoutesByCategory(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", nil)

	onChange := make(chan call, 4)
	attrs := make(chan call, 4)
	children := make(chan call, 4)
	text := make(chan call, 4)
	mustOn(t, w, OnChange, recorder(onChange))
	mustOn(t, w, OnAttributesChanged, recorder(attrs))
	mustOn(t, w, OnChildListChanged, recorder(children))
	mustOn(t, w, OnCharacterDataChanged, recorder(text))
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}

	prim.send([]mutation.Record{
		{Category: mutation.CategoryChildList, Target: "/ul", Added: []string{"/ul/li[1]"}},
		{Category: mutation.CategoryAttributes, Target: "/ul", AttributeName: "class"},
		{Category: mutation.CategoryChildList, Target: "/ul", Removed: []string{"/ul/li[2]"}},
	})

	c := receive(t, children)
	if len(c.records) != 2 || len(c.records[0].Added) != 1 || len(c.records[1].Removed) != 1 {
		t.Fatalf("child list group: got %+v", c.records)
	}
	a := receive(t, attrs)
	if len(a.records) != 1 || a.records[0].AttributeName != "class" {
		t.Fatalf("attributes group: got %+v", a.records)
	}
	expectNone(t, text, "on-character-data-changed")
	expectNone(t, onChange, "on-change")
}

func TestDispatch_UnregisteredCategoriesSkipped(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", nil)
	onChange := make(chan call, 4)
	mustOn(t, w, OnChange, recorder(onChange))
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}

	prim.send([]mutation.Record{
		{Category: mutation.CategoryChildList},
		{Category: mutation.CategoryAttributes},
	})
	expectNone(t, onChange, "on-change")
}

func TestDispatch_EmptyBatchFiresOnChange(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", nil)
	onChange := make(chan call, 4)
	mustOn(t, w, OnChange, recorder(onChange))
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}

	prim.send(nil)
	c := receive(t, onChange)
	if c.records == nil || len(c.records) != 0 {
		t.Fatalf("on-change records: got %v, want empty list", c.records)
	}
}

func TestDispatch_OldValueGroups(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", nil)
	attrOld := make(chan call, 4)
	textOld := make(chan call, 4)
	mustOn(t, w, OnChange, noop)
	mustOn(t, w, OnAttributeOldValue, recorder(attrOld))
	mustOn(t, w, OnCharacterDataOldValue, recorder(textOld))
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}

	prim.send([]mutation.Record{
		{Category: mutation.CategoryAttributes, AttributeName: "class", OldValue: mutation.StringPtr("a")},
		{Category: mutation.CategoryAttributes, AttributeName: "id"},
		{Category: mutation.CategoryCharacterData, OldValue: mutation.StringPtr("")},
	})

	a := receive(t, attrOld)
	if len(a.records) != 1 || a.records[0].AttributeName != "class" {
		t.Fatalf("attribute old-value group: got %+v", a.records)
	}
	tx := receive(t, textOld)
	if len(tx.records) != 1 || *tx.records[0].OldValue != "" {
		t.Fatalf("text old-value group: got %+v", tx.records)
	}
}

func TestDispatch_DroppedAfterDestroy(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", nil)
	onChange := make(chan call, 4)
	mustOn(t, w, OnChange, recorder(onChange))
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}
	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}

	prim.send(nil)
	expectNone(t, onChange, "on-change after Destroy")
}

func TestGroupRecords_Order(t *testing.T) {
	groups := GroupRecords([]mutation.Record{
		{Category: mutation.CategoryCharacterData, Value: "1"},
		{Category: mutation.CategoryUnknown},
		{Category: mutation.CategorySubtree, Value: "2"},
		{Category: mutation.CategoryCharacterData, Value: "3"},
	})
	if len(groups) != 2 {
		t.Fatalf("groups: got %d, want 2", len(groups))
	}
	if groups[0].Event != OnCharacterDataChanged || groups[1].Event != OnSubtreeChanged {
		t.Fatalf("group order: got %s, %s", groups[0].Event, groups[1].Event)
	}
	if v := groups[0].Records; v[0].Value != "1" || v[1].Value != "3" {
		t.Fatalf("relative order lost: %+v", v)
	}
	if GroupRecords(nil) != nil {
		t.Fatal("GroupRecords(nil): want nil")
	}
}

func TestTrigger_DeferredInRegistrationOrder(t *testing.T) {
	w := New(Options{DeferDelay: 20 * time.Millisecond})
	mustInit(t, w, "node", nil)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		mustOn(t, w, OnChange, func(records []mutation.Record, args ...any) error {
			defer wg.Done()
			if records == nil || len(records) != 0 {
				t.Errorf("handler %d: records %v, want []", i, records)
			}
			if len(args) != 1 || args[0] != "manual" {
				t.Errorf("handler %d: args %v, want [manual]", i, args)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	wg.Add(3)
	if err := w.Trigger(OnChange, "manual"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	ran := len(order)
	mu.Unlock()
	if ran != 0 {
		t.Fatalf("deferred handlers ran before Trigger returned: %d", ran)
	}

	wg.Wait()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("order: got %v, want [0 1 2]", order)
	}
}

func TestSyncTrigger_RunsBeforeReturn(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)

	recA := mutation.Record{Category: mutation.CategoryAttributes, AttributeName: "a"}
	var got [][]mutation.Record
	for i := 0; i < 2; i++ {
		mustOn(t, w, OnChange, func(records []mutation.Record, _ ...any) error {
			got = append(got, records)
			return nil
		})
	}

	if err := w.SyncTrigger(OnChange, []mutation.Record{recA}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("handlers run: got %d, want 2", len(got))
	}
	for i, recs := range got {
		if len(recs) != 1 || recs[0].AttributeName != "a" {
			t.Errorf("handler %d: got %+v, want [recA]", i, recs)
		}
	}
}

func TestSyncTrigger_IsolatesFailures(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)

	errBoom := errors.New("boom")
	ran := 0
	mustOn(t, w, OnChange, func([]mutation.Record, ...any) error { ran++; return errBoom })
	mustOn(t, w, OnChange, func([]mutation.Record, ...any) error { ran++; panic("bad handler") })
	mustOn(t, w, OnChange, func([]mutation.Record, ...any) error { ran++; return nil })

	err := w.SyncTrigger(OnChange)
	if !errors.Is(err, errBoom) {
		t.Fatalf("SyncTrigger: got %v, want errBoom joined", err)
	}
	if ran != 3 {
		t.Fatalf("handlers run: got %d, want 3", ran)
	}
}

func TestTrigger_DeferredFailureDoesNotStopSiblings(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)
	ch := make(chan call, 1)
	mustOn(t, w, OnChange, func([]mutation.Record, ...any) error { panic("first") })
	mustOn(t, w, OnChange, recorder(ch))

	if err := w.Trigger(OnChange); err != nil {
		t.Fatal(err)
	}
	receive(t, ch)
}

func TestTrigger_InvalidEvent(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)

	err := w.Trigger("on-nothing")
	var invalidEvent *InvalidEventError
	var invalidCategory *InvalidCategoryError
	if !errors.As(err, &invalidEvent) || !errors.As(err, &invalidCategory) {
		t.Fatalf("unknown name: got %v, want InvalidEventError wrapping InvalidCategoryError", err)
	}

	err = w.SyncTrigger(OnSubtreeChanged)
	if !errors.As(err, &invalidEvent) {
		t.Fatalf("unregistered name: got %v, want InvalidEventError", err)
	}
	if errors.As(err, &invalidCategory) {
		t.Fatal("unregistered but known name must not report InvalidCategoryError")
	}
}

func TestDestroy(t *testing.T) {
	w, prim := newNative(t)
	mustInit(t, w, "node", &Overrides{Attributes: Bool(false)})
	mustOn(t, w, OnChange, noop)
	if err := w.StartListening(0); err != nil {
		t.Fatal(err)
	}

	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}
	if w.Node() != nil {
		t.Fatalf("Node after Destroy: got %v, want nil", w.Node())
	}
	if !w.Config().Attributes {
		t.Error("Destroy must reset the configuration to defaults")
	}
	if w.Listening() {
		t.Error("Listening after Destroy")
	}
	if prim.disconnects != 1 {
		t.Fatalf("Disconnect calls: got %d, want 1", prim.disconnects)
	}

	if err := w.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if prim.disconnects != 1 {
		t.Fatalf("second Destroy disconnected again: %d", prim.disconnects)
	}
}

func TestDestroy_QueuedTriggersStillFire(t *testing.T) {
	w := New(Options{DeferDelay: 20 * time.Millisecond})
	mustInit(t, w, "node", nil)
	ch := make(chan call, 1)
	mustOn(t, w, OnChange, recorder(ch))

	if err := w.Trigger(OnChange); err != nil {
		t.Fatal(err)
	}
	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}
	receive(t, ch)
}

func TestPolling_SlowHandlerDoesNotBacklog(t *testing.T) {
	w := New(Options{})
	mustInit(t, w, "node", nil)

	var runs atomic.Int32
	mustOn(t, w, OnChange, func([]mutation.Record, ...any) error {
		runs.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if err := w.StartListening(5 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.queue.mu.Lock()
		queued := len(w.queue.tasks)
		w.queue.mu.Unlock()
		if queued > 1 {
			t.Fatalf("queued checks: got %d, want at most 1", queued)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}
	// Let the run in progress finish; the check queued behind it is stale.
	time.Sleep(80 * time.Millisecond)
	settled := runs.Load()
	if settled > 10 {
		t.Fatalf("handler runs: got %d over 300ms with a 50ms handler", settled)
	}
	time.Sleep(150 * time.Millisecond)
	if n := runs.Load(); n != settled {
		t.Fatalf("handler ran %d more times after Destroy", n-settled)
	}
}

func TestInit_RejectsOverridesDisablingRegisteredCategory(t *testing.T) {
	w, _ := newNative(t)
	mustInit(t, w, "node", nil)
	mustOn(t, w, OnChange, noop)
	mustOn(t, w, OnAttributesChanged, noop)
	if err := w.Destroy(); err != nil {
		t.Fatal(err)
	}

	err := w.Init("node", &Overrides{Attributes: Bool(false)})
	var disabled *DisabledCategoryError
	if !errors.As(err, &disabled) || disabled.Event != OnAttributesChanged {
		t.Fatalf("re-Init: got %v, want DisabledCategoryError for %s", err, OnAttributesChanged)
	}
	if w.Node() != nil {
		t.Fatal("rejected Init must not bind the node")
	}

	mustInit(t, w, "node", &Overrides{CharacterData: Bool(false)})
}
