// Package regret implements the refresh-undo engine: it watches a feed
// page's "roll" control, captures the recommendation grid immediately
// before and after each roll, and toggles between the two captured states
// on demand without reloading the page.
//
// One Session owns one page. All engine state (container and trigger
// handles, the two snapshot slots, the view flag) is confined to the
// session loop goroutine; external surfaces talk to it through channels.
package regret

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/classify"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/locator"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/observe"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/snapshot"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/reconcile"
)

// State is the session's coarse phase, surfaced for status and journal.
type State string

const (
	// StateSearching means discovery has not yet bound both handles.
	StateSearching State = "searching"
	// StateIdle means bound with no history captured yet.
	StateIdle State = "idle"
	// StateAwaitStabilization means a roll was observed and the engine is
	// waiting for the host's asynchronous update to settle.
	StateAwaitStabilization State = "await_stabilization"
	// StateShowingNew means the live grid shows the post-roll state.
	StateShowingNew State = "showing_new"
	// StateShowingOld means the live grid shows the restored pre-roll state.
	StateShowingOld State = "showing_old"
)

// Status is a point-in-time view of the session, safe to read from any
// goroutine.
type Status struct {
	PageID         string    `json:"page_id"`
	PageURL        string    `json:"page_url"`
	State          State     `json:"state"`
	Bound          bool      `json:"bound"`
	Attempts       int       `json:"attempts"`
	CanUndo        bool      `json:"can_undo"`
	CanRedo        bool      `json:"can_redo"`
	OldCards       int       `json:"old_cards"`
	NewCards       int       `json:"new_cards"`
	OldFirst       string    `json:"old_first,omitempty"`
	NewFirst       string    `json:"new_first,omitempty"`
	ContainerXPath string    `json:"container_xpath,omitempty"`
	TriggerXPath   string    `json:"trigger_xpath,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRecorder wires an event journal.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// Session is the engine instance for one page.
type Session struct {
	cfg    *Config
	host   Host
	logger *slog.Logger
	rec    Recorder

	rules *classify.Rules
	loc   *locator.Locator
	store *snapshot.Store
	deb   *observe.Debouncer
	guard observe.Guard

	triggerCh chan struct{}
	noticeCh  chan observe.Notice
	docCh     chan struct{}
	cmdCh     chan command

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	// Loop-owned state. Never touched outside run().
	root           *html.Node
	container      *html.Node
	trigger        *html.Node
	containerXPath string
	triggerXPath   string
	oldSnap        *snapshot.Snapshot
	newSnap        *snapshot.Snapshot
	showingOld     bool
	bound          bool
	attempts       int
	state          State

	mu        sync.RWMutex
	status    Status
	statusOld *snapshot.Snapshot
	statusNew *snapshot.Snapshot
}

type cmdKind int

const (
	cmdUndo cmdKind = iota
	cmdRedo
)

type command struct {
	kind  cmdKind
	ctx   context.Context
	reply chan error
}

// NewSession builds a session over the given host. The configuration is
// fixed for the session's lifetime.
func NewSession(cfg *Config, host Host, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	rules, err := classify.Compile(cfg.Heuristics.LinkPattern, cfg.Heuristics.CardHints, cfg.Heuristics.SentinelHints)
	if err != nil {
		return nil, fmt.Errorf("regret: compile heuristics: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		host:   host,
		logger: slog.Default(),
		rec:    nopRecorder{},
		rules:  rules,
		deb:    observe.NewDebouncer(cfg.Debounce.Quiet),

		triggerCh: make(chan struct{}, 8),
		noticeCh:  make(chan observe.Notice, 256),
		docCh:     make(chan struct{}, 1),
		cmdCh:     make(chan command),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),

		state: StateSearching,
	}
	for _, o := range opts {
		o(s)
	}

	s.loc = locator.New(rules, locator.Options{
		MinCards:          cfg.Heuristics.MinCards,
		TriggerSelectors:  cfg.Heuristics.TriggerSelectors,
		TriggerTexts:      cfg.Heuristics.TriggerTexts,
		CardSelectorLists: cfg.Heuristics.CardSelectors,
		Logger:            s.logger,
	})
	s.store = snapshot.NewStore(rules, s.logger)
	s.publish()
	return s, nil
}

// Start launches the session loop and the discovery sequence. It returns
// immediately; binding progress is visible through Status.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run(ctx)
	})
}

// Stop shuts the loop down and waits for it to drain.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
}

// TriggerActivated is called by the host when the user activates the
// refresh control. Non-blocking.
func (s *Session) TriggerActivated() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// MutationObserved is called by the host for each mutation batch on the
// container, with the batch's added/removed child counts. Non-blocking;
// overflow drops are safe because any qualifying batch only restarts the
// same quiet window.
func (s *Session) MutationObserved(added, removed int) {
	n := observe.Notice{Added: added, Removed: removed, At: time.Now()}
	select {
	case s.noticeCh <- n:
	default:
	}
}

// DocumentMutated is called by the host's document-wide backstop observer.
func (s *Session) DocumentMutated() {
	select {
	case s.docCh <- struct{}{}:
	default:
	}
}

// Undo restores the pre-roll state. ErrDenied when no old state exists or
// it is already showing; ErrNotReady when the container cannot be found.
func (s *Session) Undo(ctx context.Context) error {
	return s.command(ctx, cmdUndo)
}

// Redo restores the post-roll state. Symmetric to Undo.
func (s *Session) Redo(ctx context.Context) error {
	return s.command(ctx, cmdRedo)
}

// Status returns the current point-in-time view.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SnapshotHTML returns the stored markup for slot "old" or "new", or ""
// when that slot is empty. Snapshots are immutable, so reading them off
// the loop goroutine is safe.
func (s *Session) SnapshotHTML(slot string) string {
	return s.slot(slot).HTML()
}

// SnapshotDigest returns a markdown digest of a stored slot, or "" when
// the slot is empty.
func (s *Session) SnapshotDigest(slot string) string {
	return s.slot(slot).Digest()
}

func (s *Session) slot(name string) *snapshot.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch name {
	case "old":
		return s.statusOld
	case "new":
		return s.statusNew
	}
	return nil
}

func (s *Session) command(ctx context.Context, kind cmdKind) error {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-s.stopCh:
		return ErrStopped
	case <-s.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.doneCh)

	if err := s.host.ObserveDocument(ctx, true); err != nil {
		s.logger.Warn("regret: document observer unavailable", "error", err)
	}

	retry := time.NewTicker(s.cfg.Discovery.RetryInterval)
	defer retry.Stop()

	s.attemptDiscovery(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case <-retry.C:
			if s.bound || s.attempts >= s.cfg.Discovery.MaxAttempts {
				continue
			}
			s.attemptDiscovery(ctx)

		case <-s.docCh:
			// Backstop: a document-level swap may have replaced the whole
			// feed subtree. Attempt counting only applies to the interval
			// loop; the backstop stays free.
			if !s.bound || s.cfg.Policy.KeepDocumentObserver {
				s.attemptDiscovery(ctx)
			}

		case <-s.triggerCh:
			s.handleTrigger(ctx)

		case n := <-s.noticeCh:
			if s.guard.Held() || !n.Qualifies() {
				continue
			}
			s.deb.Note()

		case <-s.deb.C():
			s.deb.Settle()
			s.handleStabilized(ctx)

		case cmd := <-s.cmdCh:
			cmd.reply <- s.handleCommand(cmd.ctx, cmd.kind)
		}
	}
}

// attemptDiscovery runs one Locator pass and wires the handles when both
// land. Incomplete passes are not errors: the page is not ready yet.
func (s *Session) attemptDiscovery(ctx context.Context) {
	s.attempts++
	if !s.resolve(ctx) {
		s.publish()
		return
	}

	if err := s.host.BindTrigger(ctx, s.triggerXPath); err != nil {
		s.logger.Warn("regret: bind trigger failed", "xpath", s.triggerXPath, "error", err)
		s.publish()
		return
	}
	if err := s.host.ObserveContainer(ctx, s.containerXPath); err != nil {
		s.logger.Warn("regret: observe container failed", "xpath", s.containerXPath, "error", err)
		s.publish()
		return
	}

	first := !s.bound
	s.bound = true
	if s.state == StateSearching {
		s.state = StateIdle
	}

	if !s.cfg.Policy.KeepDocumentObserver {
		if err := s.host.ObserveDocument(ctx, false); err != nil {
			s.logger.Debug("regret: document observer teardown failed", "error", err)
		}
	}

	if first {
		s.logger.Info("regret: bound",
			"page", s.cfg.Page.ID,
			"container", s.containerXPath,
			"trigger", s.triggerXPath,
			"attempts", s.attempts)
		s.rec.Record(ctx, Event{
			Kind: EventBound, PageID: s.cfg.Page.ID,
			Detail: s.containerXPath, At: time.Now(),
		})
	}
	s.publish()
}

// resolve re-acquires the root, trigger and container from the live page.
// Held references are never trusted across suspension points.
func (s *Session) resolve(ctx context.Context) bool {
	root, err := s.host.Refresh(ctx)
	if err != nil {
		s.logger.Debug("regret: refresh failed", "error", err)
		return false
	}
	s.root = root
	s.trigger = s.loc.FindTrigger(root)
	s.container = s.loc.FindContainer(root, s.trigger)
	if s.trigger == nil || s.container == nil {
		return false
	}
	s.triggerXPath = dom.XPath(s.trigger)
	s.containerXPath = dom.XPath(s.container)
	return true
}

// handleTrigger captures the pre-roll state. The host page is about to
// replace the grid asynchronously; the change watcher takes it from here.
func (s *Session) handleTrigger(ctx context.Context) {
	if s.guard.Held() || !s.bound {
		return
	}

	resolved := true
	if *s.cfg.Policy.ReacquireOnTrigger || s.container == nil {
		resolved = s.resolve(ctx)
	}

	var cand *snapshot.Snapshot
	if resolved && s.container != nil {
		cand = s.store.Capture(s.container, s.trigger)
	}
	min := s.cfg.Heuristics.MinCards

	// Roll before the previous roll settled: the live grid is degenerate,
	// but the last stabilized state is exactly what the user is leaving.
	if cand.Len() < min && s.newSnap.Len() >= min {
		cand = s.newSnap
	}
	if cand.Len() < min {
		s.logger.Debug("regret: pre-roll capture below threshold", "cards", cand.Len())
		return
	}

	s.oldSnap = cand
	s.state = StateAwaitStabilization
	s.rec.Record(ctx, Event{
		Kind: EventCaptureOld, PageID: s.cfg.Page.ID,
		Cards: cand.Len(), Detail: cand.FirstLink(), At: time.Now(),
	})
	s.logger.Info("regret: captured pre-roll state", "cards", cand.Len())
	s.publish()
}

// handleStabilized captures the post-roll state once the burst of host
// insertions has gone quiet.
func (s *Session) handleStabilized(ctx context.Context) {
	if !s.bound || !s.resolve(ctx) {
		return
	}

	cand := s.store.Capture(s.container, s.trigger)
	if cand == nil {
		// Empty capture never overwrites a stored snapshot.
		return
	}
	if !snapshot.IsDifferent(cand, s.newSnap) {
		return
	}

	s.newSnap = cand
	s.showingOld = false
	s.state = StateShowingNew
	s.rec.Record(ctx, Event{
		Kind: EventCaptureNew, PageID: s.cfg.Page.ID,
		Cards: cand.Len(), Detail: cand.FirstLink(), At: time.Now(),
	})
	s.logger.Info("regret: captured post-roll state", "cards", cand.Len())
	s.publish()
}

func (s *Session) handleCommand(ctx context.Context, kind cmdKind) error {
	switch kind {
	case cmdUndo:
		if s.oldSnap == nil || s.showingOld {
			s.deny(ctx, "undo")
			return ErrDenied
		}
		return s.swap(ctx, s.oldSnap, true, EventUndo, "已换回上一批推荐")
	case cmdRedo:
		if s.newSnap == nil || !s.showingOld {
			s.deny(ctx, "redo")
			return ErrDenied
		}
		return s.swap(ctx, s.newSnap, false, EventRedo, "已换回新一批推荐")
	}
	return ErrDenied
}

func (s *Session) deny(ctx context.Context, what string) {
	s.rec.Record(ctx, Event{Kind: EventDenied, PageID: s.cfg.Page.ID, Detail: what, At: time.Now()})
	s.publish()
}

// swap is the restore transaction: re-acquire, rewrite mirror, replay the
// plan on the live page, flip the view flag, revalidate the trigger.
// The guard mutes the change watcher for the whole write plus a grace tail.
func (s *Session) swap(ctx context.Context, snap *snapshot.Snapshot, markOld bool, kind EventKind, notice string) error {
	if !s.resolve(ctx) {
		s.host.Notify(ctx, "后悔药：未找到推荐区域")
		s.rec.Record(ctx, Event{Kind: EventRestoreFailed, PageID: s.cfg.Page.ID, Detail: "container unavailable", At: time.Now()})
		return ErrNotReady
	}

	s.guard.Acquire()
	defer s.guard.ReleaseAfter(s.cfg.Restore.Grace)

	plan, err := reconcile.Restore(s.rules, s.container, s.trigger, snap)
	if err != nil {
		s.rec.Record(ctx, Event{Kind: EventRestoreFailed, PageID: s.cfg.Page.ID, Detail: err.Error(), At: time.Now()})
		return ErrNotReady
	}
	if err := s.host.Apply(ctx, s.containerXPath, plan); err != nil {
		s.host.Notify(ctx, "后悔药：恢复失败")
		s.rec.Record(ctx, Event{Kind: EventRestoreFailed, PageID: s.cfg.Page.ID, Detail: err.Error(), At: time.Now()})
		return fmt.Errorf("regret: apply restore: %w", err)
	}

	s.showingOld = markOld
	if markOld {
		s.state = StateShowingOld
	} else {
		s.state = StateShowingNew
	}

	// The host may have torn down and recreated the control during the
	// swap; rebind rather than trust the old hook.
	if s.resolve(ctx) {
		if err := s.host.BindTrigger(ctx, s.triggerXPath); err != nil {
			s.logger.Warn("regret: trigger rebind failed", "error", err)
		}
	}

	s.host.Notify(ctx, notice)
	s.rec.Record(ctx, Event{Kind: kind, PageID: s.cfg.Page.ID, Cards: snap.Len(), Detail: snap.FirstLink(), At: time.Now()})
	s.logger.Info("regret: restored", "kind", string(kind), "cards", snap.Len())
	s.publish()
	return nil
}

// publish refreshes the cross-goroutine status copy.
func (s *Session) publish() {
	st := Status{
		PageID:         s.cfg.Page.ID,
		PageURL:        s.cfg.Page.URL,
		State:          s.state,
		Bound:          s.bound,
		Attempts:       s.attempts,
		CanUndo:        s.oldSnap != nil && !s.showingOld,
		CanRedo:        s.newSnap != nil && s.showingOld,
		OldCards:       s.oldSnap.Len(),
		NewCards:       s.newSnap.Len(),
		OldFirst:       s.oldSnap.FirstLink(),
		NewFirst:       s.newSnap.FirstLink(),
		ContainerXPath: s.containerXPath,
		TriggerXPath:   s.triggerXPath,
		UpdatedAt:      time.Now(),
	}

	s.mu.Lock()
	s.status = st
	s.statusOld = s.oldSnap
	s.statusNew = s.newSnap
	s.mu.Unlock()
}
