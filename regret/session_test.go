package regret_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/reconcile"
)

// fakeHost serves the session from an in-memory document. The document
// doubles as the live page and the mirror, so restore plans have already
// taken effect by the time Apply is called; Apply just records the plan
// and echoes the mutation the way a real page observer would.
type fakeHost struct {
	mu       sync.Mutex
	doc      *html.Node
	sess     *regret.Session
	applyErr error

	binds    []string
	observed []string
	docObs   []bool
	applied  []*reconcile.Plan
	notices  []string
}

func (h *fakeHost) Refresh(context.Context) (*html.Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc, nil
}

func (h *fakeHost) Apply(_ context.Context, _ string, plan *reconcile.Plan) error {
	h.mu.Lock()
	if h.applyErr != nil {
		err := h.applyErr
		h.mu.Unlock()
		return err
	}
	h.applied = append(h.applied, plan)
	sess := h.sess
	h.mu.Unlock()
	if sess != nil {
		sess.MutationObserved(len(plan.InsertHTML), len(plan.RemoveIndexes))
	}
	return nil
}

func (h *fakeHost) BindTrigger(_ context.Context, xpath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binds = append(h.binds, xpath)
	return nil
}

func (h *fakeHost) ObserveContainer(_ context.Context, xpath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observed = append(h.observed, xpath)
	return nil
}

func (h *fakeHost) ObserveDocument(_ context.Context, on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.docObs = append(h.docObs, on)
	return nil
}

func (h *fakeHost) Notify(_ context.Context, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, message)
}

func (h *fakeHost) setDoc(doc *html.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doc = doc
}

func (h *fakeHost) noticed(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.notices {
		if n == message {
			return true
		}
	}
	return false
}

func (h *fakeHost) docObserved() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.docObs...)
}

// memRecorder collects journal events for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []regret.Event
}

func (r *memRecorder) Record(_ context.Context, ev regret.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *memRecorder) kinds() []regret.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]regret.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *memRecorder) has(kind regret.EventKind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func feedDoc(t *testing.T, ids ...string) *html.Node {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<html><body><div id="app"><div class="recommended-container">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<div class="feed-card"><a href="/video/%s">video %s</a></div>`, id, id)
	}
	b.WriteString(`<div class="feed-roll-btn"><button class="roll-btn">换一换</button></div>`)
	b.WriteString(`</div></div></body></html>`)
	doc, err := dom.ParseDocument(b.String())
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	return doc
}

// replaceCards simulates the host page swapping the grid contents: the
// old cards go away and new ones appear, while the roll control stays.
func replaceCards(t *testing.T, doc *html.Node, ids ...string) {
	t.Helper()
	container := dom.Query(doc, "div.recommended-container")
	if container == nil {
		t.Fatal("container missing from document")
	}
	for _, c := range dom.ElementChildren(container) {
		if dom.HasClass(c, "feed-card") {
			dom.Detach(c)
		}
	}
	anchor := dom.Query(container, "div.feed-roll-btn")
	for _, id := range ids {
		nodes, err := dom.ParseFragment(fmt.Sprintf(`<div class="feed-card"><a href="/video/%s">video %s</a></div>`, id, id))
		if err != nil {
			t.Fatalf("ParseFragment: %v", err)
		}
		for _, n := range nodes {
			if anchor != nil {
				container.InsertBefore(n, anchor)
			} else {
				container.AppendChild(n)
			}
		}
	}
}

// liveLinks reads the normalized content links currently in the grid.
func liveLinks(doc *html.Node) []string {
	var out []string
	for _, a := range dom.QueryAll(doc, "div.recommended-container a") {
		if href := dom.Attr(a, "href"); href != "" {
			out = append(out, strings.ToLower(href))
		}
	}
	return out
}

func links(ids ...string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "/video/" + strings.ToLower(id)
	}
	return out
}

func equalLinks(a, b []string) bool {
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

func testConfig() *regret.Config {
	return &regret.Config{
		Page:      regret.PageConfig{ID: "bili-home", URL: "https://www.bilibili.com"},
		Discovery: regret.DiscoveryConfig{RetryInterval: 10 * time.Millisecond, MaxAttempts: 500},
		Debounce:  regret.DebounceConfig{Quiet: 25 * time.Millisecond},
		Restore:   regret.RestoreConfig{Grace: 40 * time.Millisecond},
	}
}

func startSession(t *testing.T, h *fakeHost, rec regret.Recorder) *regret.Session {
	t.Helper()
	opts := []regret.Option{}
	if rec != nil {
		opts = append(opts, regret.WithRecorder(rec))
	}
	s, err := regret.NewSession(testConfig(), h, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.sess = s
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func waitStatus(t *testing.T, s *regret.Session, what string, cond func(regret.Status) bool) regret.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if cond(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last status %+v", what, s.Status())
	return regret.Status{}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d", "BV1e", "BV1f")}
	rec := &memRecorder{}
	s := startSession(t, h, rec)

	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })
	if obs := h.docObserved(); len(obs) != 2 || !obs[0] || obs[1] {
		t.Errorf("document observer toggles = %v, want [true false]", obs)
	}
	if !rec.has(regret.EventBound) {
		t.Error("bound event not journaled")
	}

	// User clicks the roll control; the engine captures the outgoing grid.
	s.TriggerActivated()
	st := waitStatus(t, s, "pre-roll capture", func(st regret.Status) bool {
		return st.State == regret.StateAwaitStabilization
	})
	if st.OldCards != 6 || st.OldFirst != "/video/bv1a" {
		t.Errorf("old slot = %d cards, first %q; want 6, /video/bv1a", st.OldCards, st.OldFirst)
	}
	if !st.CanUndo {
		t.Error("undo not offered once the pre-roll state is stored")
	}

	// The page swaps in the next batch; after the quiet window the engine
	// stores it as the new state.
	replaceCards(t, h.doc, "BV2a", "BV2b", "BV2c", "BV2d", "BV2e", "BV2f")
	s.MutationObserved(6, 6)
	st = waitStatus(t, s, "stabilization", func(st regret.Status) bool {
		return st.State == regret.StateShowingNew
	})
	if st.NewCards != 6 || st.NewFirst != "/video/bv2a" {
		t.Errorf("new slot = %d cards, first %q; want 6, /video/bv2a", st.NewCards, st.NewFirst)
	}
	if !st.CanUndo || st.CanRedo {
		t.Errorf("CanUndo=%v CanRedo=%v after stabilization, want true,false", st.CanUndo, st.CanRedo)
	}

	if err := s.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := liveLinks(h.doc); !equalLinks(got, links("BV1a", "BV1b", "BV1c", "BV1d", "BV1e", "BV1f")) {
		t.Errorf("grid after undo = %v", got)
	}
	st = s.Status()
	if st.State != regret.StateShowingOld || st.CanUndo || !st.CanRedo {
		t.Errorf("after undo: state=%s CanUndo=%v CanRedo=%v", st.State, st.CanUndo, st.CanRedo)
	}
	if !h.noticed("已换回上一批推荐") {
		t.Error("undo toast not shown")
	}

	// The restore's own DOM writes echoed back as a mutation batch; the
	// suppression window must keep it from being stored as a new state.
	time.Sleep(80 * time.Millisecond)
	st = s.Status()
	if st.State != regret.StateShowingOld || st.NewFirst != "/video/bv2a" {
		t.Errorf("echoed restore mutation clobbered state: %+v", st)
	}

	if err := s.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := liveLinks(h.doc); !equalLinks(got, links("BV2a", "BV2b", "BV2c", "BV2d", "BV2e", "BV2f")) {
		t.Errorf("grid after redo = %v", got)
	}
	st = s.Status()
	if st.State != regret.StateShowingNew || !st.CanUndo || st.CanRedo {
		t.Errorf("after redo: state=%s CanUndo=%v CanRedo=%v", st.State, st.CanUndo, st.CanRedo)
	}
	if !h.noticed("已换回新一批推荐") {
		t.Error("redo toast not shown")
	}

	// Toggling stays available in both directions.
	time.Sleep(60 * time.Millisecond)
	if err := s.Undo(ctx); err != nil {
		t.Fatalf("second Undo: %v", err)
	}
	if !rec.has(regret.EventUndo) || !rec.has(regret.EventRedo) {
		t.Errorf("journal kinds = %v, missing undo/redo", rec.kinds())
	}
}

func TestSessionDeniesWithoutHistory(t *testing.T) {
	ctx := context.Background()
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	rec := &memRecorder{}
	s := startSession(t, h, rec)
	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })

	if err := s.Undo(ctx); !errors.Is(err, regret.ErrDenied) {
		t.Errorf("Undo with empty history = %v, want ErrDenied", err)
	}
	if err := s.Redo(ctx); !errors.Is(err, regret.ErrDenied) {
		t.Errorf("Redo with empty history = %v, want ErrDenied", err)
	}
	if got := liveLinks(h.doc); !equalLinks(got, links("BV1a", "BV1b", "BV1c", "BV1d")) {
		t.Errorf("denied commands touched the grid: %v", got)
	}
	if !rec.has(regret.EventDenied) {
		t.Error("denial not journaled")
	}
}

func TestSessionRedoDeniedWhileShowingNew(t *testing.T) {
	ctx := context.Background()
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	s := startSession(t, h, nil)
	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })

	s.TriggerActivated()
	waitStatus(t, s, "pre-roll capture", func(st regret.Status) bool {
		return st.State == regret.StateAwaitStabilization
	})
	replaceCards(t, h.doc, "BV2a", "BV2b", "BV2c", "BV2d")
	s.MutationObserved(4, 4)
	waitStatus(t, s, "stabilization", func(st regret.Status) bool {
		return st.State == regret.StateShowingNew
	})

	// The new state is already on screen; only undo makes sense.
	if err := s.Redo(ctx); !errors.Is(err, regret.ErrDenied) {
		t.Errorf("Redo while showing new = %v, want ErrDenied", err)
	}
	if err := s.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if err := s.Undo(ctx); !errors.Is(err, regret.ErrDenied) {
		t.Errorf("Undo while showing old = %v, want ErrDenied", err)
	}
}

func TestSessionRollBeforeSettle(t *testing.T) {
	ctx := context.Background()
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	s := startSession(t, h, nil)
	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })

	s.TriggerActivated()
	waitStatus(t, s, "first capture", func(st regret.Status) bool {
		return st.State == regret.StateAwaitStabilization
	})
	replaceCards(t, h.doc, "BV2a", "BV2b", "BV2c", "BV2d")
	s.MutationObserved(4, 4)
	waitStatus(t, s, "first stabilization", func(st regret.Status) bool {
		return st.State == regret.StateShowingNew
	})

	// Second roll lands while the grid is mid-replacement and holds no
	// usable cards. The stored new state stands in for the live capture.
	replaceCards(t, h.doc)
	s.TriggerActivated()
	st := waitStatus(t, s, "fallback capture", func(st regret.Status) bool {
		return st.State == regret.StateAwaitStabilization
	})
	if st.OldFirst != "/video/bv2a" {
		t.Errorf("old slot first = %q, want stored new state /video/bv2a", st.OldFirst)
	}

	replaceCards(t, h.doc, "BV3a", "BV3b", "BV3c", "BV3d")
	s.MutationObserved(4, 0)
	waitStatus(t, s, "second stabilization", func(st regret.Status) bool {
		return st.State == regret.StateShowingNew && st.NewFirst == "/video/bv3a"
	})

	if err := s.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := liveLinks(h.doc); !equalLinks(got, links("BV2a", "BV2b", "BV2c", "BV2d")) {
		t.Errorf("grid after undo = %v, want the second batch back", got)
	}
}

func TestSessionIgnoresBelowThresholdCapture(t *testing.T) {
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	s := startSession(t, h, nil)
	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })

	// A degenerate grid with no stored history: nothing to substitute,
	// so the trigger is dropped rather than storing a partial state.
	replaceCards(t, h.doc, "BV9a")
	s.TriggerActivated()
	time.Sleep(60 * time.Millisecond)
	if st := s.Status(); st.OldCards != 0 || st.State == regret.StateAwaitStabilization {
		t.Errorf("partial grid was captured: %+v", st)
	}
}

func TestSessionDiscoveryRetriesUntilReady(t *testing.T) {
	skeleton, err := dom.ParseDocument(`<html><body><div id="app"><div class="loading-skeleton"></div></div></body></html>`)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	h := &fakeHost{doc: skeleton}
	s := startSession(t, h, nil)

	waitStatus(t, s, "retry attempts", func(st regret.Status) bool { return st.Attempts >= 3 })
	if s.Status().Bound {
		t.Fatal("bound against a skeleton page")
	}

	h.setDoc(feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d", "BV1e"))
	st := waitStatus(t, s, "late binding", func(st regret.Status) bool { return st.Bound })
	if st.State != regret.StateIdle {
		t.Errorf("state after binding = %s, want idle", st.State)
	}
	if st.ContainerXPath == "" || st.TriggerXPath == "" {
		t.Errorf("handle paths missing: %+v", st)
	}
}

func TestSessionDocumentBackstop(t *testing.T) {
	skeleton, err := dom.ParseDocument(`<html><body><div id="app"></div></body></html>`)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	h := &fakeHost{doc: skeleton}
	cfg := testConfig()
	cfg.Discovery.RetryInterval = time.Hour // only the backstop can bind
	s, err := regret.NewSession(cfg, h)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.sess = s
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	time.Sleep(20 * time.Millisecond)
	if s.Status().Bound {
		t.Fatal("bound before content appeared")
	}

	h.setDoc(feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d"))
	s.DocumentMutated()
	waitStatus(t, s, "backstop binding", func(st regret.Status) bool { return st.Bound })
}

func TestSessionRestoreFailure(t *testing.T) {
	ctx := context.Background()
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	rec := &memRecorder{}
	s := startSession(t, h, rec)
	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })

	s.TriggerActivated()
	waitStatus(t, s, "pre-roll capture", func(st regret.Status) bool {
		return st.State == regret.StateAwaitStabilization
	})
	replaceCards(t, h.doc, "BV2a", "BV2b", "BV2c", "BV2d")
	s.MutationObserved(4, 4)
	waitStatus(t, s, "stabilization", func(st regret.Status) bool {
		return st.State == regret.StateShowingNew
	})

	h.mu.Lock()
	h.applyErr = errors.New("node detached")
	h.mu.Unlock()

	if err := s.Undo(ctx); err == nil || errors.Is(err, regret.ErrDenied) {
		t.Fatalf("Undo with failing apply = %v, want wrapped apply error", err)
	}
	if !h.noticed("后悔药：恢复失败") {
		t.Error("failure toast not shown")
	}
	if !rec.has(regret.EventRestoreFailed) {
		t.Error("restore failure not journaled")
	}
	// The view flag only flips after a successful write, so undo stays
	// available once the page recovers.
	if st := s.Status(); st.State == regret.StateShowingOld || !st.CanUndo {
		t.Errorf("failed restore flipped the view flag: %+v", st)
	}
}

func TestSessionStoppedCommands(t *testing.T) {
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	s, err := regret.NewSession(testConfig(), h)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Stop()
	if err := s.Undo(context.Background()); !errors.Is(err, regret.ErrStopped) {
		t.Errorf("Undo after Stop = %v, want ErrStopped", err)
	}
}

func TestSessionSnapshotHTML(t *testing.T) {
	h := &fakeHost{doc: feedDoc(t, "BV1a", "BV1b", "BV1c", "BV1d")}
	s := startSession(t, h, nil)
	waitStatus(t, s, "binding", func(st regret.Status) bool { return st.Bound })

	if got := s.SnapshotHTML("old"); got != "" {
		t.Errorf("empty old slot rendered %q", got)
	}

	s.TriggerActivated()
	waitStatus(t, s, "pre-roll capture", func(st regret.Status) bool {
		return st.State == regret.StateAwaitStabilization
	})
	if got := s.SnapshotHTML("old"); !strings.Contains(got, "/video/BV1a") {
		t.Errorf("old slot markup = %q, want the captured cards", got)
	}
	if got := s.SnapshotHTML("sideways"); got != "" {
		t.Errorf("unknown slot rendered %q", got)
	}
}
