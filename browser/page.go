package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/reconcile"
)

//go:embed page.js
var pageJS string

const bindingName = "__regret_binding"

// Events receives in-page occurrences. *regret.Session satisfies it.
type Events interface {
	TriggerActivated()
	MutationObserved(added, removed int)
	DocumentMutated()
}

// Page is one attached feed page. It implements the engine's host
// interface: the mirror side addresses nodes by structural XPath and this
// side resolves them against the live document.
type Page struct {
	mgr    *Manager
	logger *slog.Logger

	url string
	id  string

	mu     sync.RWMutex
	page   *rod.Page
	events Events

	listenOnce sync.Once
	cancel     context.CancelFunc
}

// OpenPage creates a stealth tab, navigates it to pageURL and prepares
// the in-page hooks. Call SetEvents before the engine starts.
func OpenPage(ctx context.Context, mgr *Manager, pageURL, pageID string) (*Page, error) {
	p := &Page{
		mgr:    mgr,
		logger: mgr.cfg.Logger,
		url:    pageURL,
		id:     pageID,
	}
	if err := p.attach(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// SetEvents wires the receiver for trigger, mutation and document events.
func (p *Page) SetEvents(ev Events) {
	p.mu.Lock()
	p.events = ev
	p.mu.Unlock()
}

// Reattach opens a fresh tab on a new browser handle, for use from the
// manager's AfterRecycle callback.
func (p *Page) Reattach(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.page = nil
	p.listenOnce = sync.Once{}
	p.mu.Unlock()
	return p.attach(ctx)
}

// Close closes the tab.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.page != nil {
		err := p.page.Close()
		p.page = nil
		return err
	}
	return nil
}

func (p *Page) attach(ctx context.Context) error {
	b := p.mgr.Browser()
	if b == nil {
		return fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return fmt.Errorf("browser: create tab: %w", err)
	}

	if len(p.mgr.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, p.mgr.cfg.ResourceBlocking); err != nil {
			p.logger.Warn("browser: resource blocking failed", "error", err)
		}
	}

	// Survive in-page navigations: the hook script reinstalls itself on
	// every new document. The script is a function for Eval, so the
	// persisted form invokes it.
	if _, err := page.EvalOnNewDocument(fmt.Sprintf("(%s)();", pageJS)); err != nil {
		p.logger.Warn("browser: persist hook script failed", "error", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(p.url); err != nil {
		page.Close()
		return fmt.Errorf("browser: navigate %s: %w", p.url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		p.logger.Warn("browser: wait load timeout", "url", p.url, "error", err)
	}

	p.mu.Lock()
	p.page = page
	p.mu.Unlock()
	return nil
}

func (p *Page) live() (*rod.Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.page == nil {
		return nil, fmt.Errorf("browser: page not attached")
	}
	return p.page, nil
}

// ensureHooks injects the hook script and installs the runtime binding.
// Both are idempotent, so calling before every host operation is safe
// even right after a navigation.
func (p *Page) ensureHooks(ctx context.Context) (*rod.Page, error) {
	page, err := p.live()
	if err != nil {
		return nil, err
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		p.logger.Debug("browser: add binding", "error", err)
	}
	p.listenOnce.Do(func() {
		lctx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()
		go p.listenBinding(lctx, page)
	})

	if _, err := page.Context(ctx).Eval(pageJS); err != nil {
		return nil, fmt.Errorf("browser: inject hooks: %w", err)
	}
	return page, nil
}

// listenBinding receives payloads from the in-page hooks and fans them
// out to the engine.
func (p *Page) listenBinding(ctx context.Context, page *rod.Page) {
	page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}

		var msg struct {
			Kind    string `json:"kind"`
			Added   int    `json:"added"`
			Removed int    `json:"removed"`
		}
		if err := json.Unmarshal([]byte(e.Payload), &msg); err != nil {
			p.logger.Warn("browser: parse binding payload", "error", err)
			return
		}

		p.mu.RLock()
		ev := p.events
		p.mu.RUnlock()
		if ev == nil {
			return
		}

		switch msg.Kind {
		case "trigger":
			ev.TriggerActivated()
		case "mutation":
			ev.MutationObserved(msg.Added, msg.Removed)
		case "document":
			ev.DocumentMutated()
		}
	})()
}

// Refresh pulls the live document into a freshly parsed mirror.
func (p *Page) Refresh(ctx context.Context) (*html.Node, error) {
	page, err := p.live()
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("browser: read document: %w", err)
	}
	root, err := dom.ParseDocument(res.Value.Str())
	if err != nil {
		return nil, fmt.Errorf("browser: parse document: %w", err)
	}
	return root, nil
}

// Apply replays a restore plan against the live container.
func (p *Page) Apply(ctx context.Context, containerXPath string, plan *reconcile.Plan) error {
	page, err := p.ensureHooks(ctx)
	if err != nil {
		return err
	}
	res, err := page.Context(ctx).Eval(
		`(xpath, plan) => window.__regretPill.apply(xpath, plan)`,
		containerXPath, plan,
	)
	if err != nil {
		return fmt.Errorf("browser: apply plan: %w", err)
	}
	if msg := res.Value.Str(); msg != "" {
		return fmt.Errorf("browser: apply plan: %s", msg)
	}
	return nil
}

// BindTrigger attaches the capture-phase click hook to the live trigger.
// Rebinding an already-hooked element is a no-op in the page.
func (p *Page) BindTrigger(ctx context.Context, triggerXPath string) error {
	page, err := p.ensureHooks(ctx)
	if err != nil {
		return err
	}
	res, err := page.Context(ctx).Eval(
		`(xpath) => window.__regretPill.bindTrigger(xpath)`,
		triggerXPath,
	)
	if err != nil {
		return fmt.Errorf("browser: bind trigger: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: trigger not found at %s", triggerXPath)
	}
	return nil
}

// ObserveContainer scopes child-list mutation reporting to the container.
func (p *Page) ObserveContainer(ctx context.Context, containerXPath string) error {
	page, err := p.ensureHooks(ctx)
	if err != nil {
		return err
	}
	res, err := page.Context(ctx).Eval(
		`(xpath) => window.__regretPill.observeContainer(xpath)`,
		containerXPath,
	)
	if err != nil {
		return fmt.Errorf("browser: observe container: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: container not found at %s", containerXPath)
	}
	return nil
}

// ObserveDocument toggles the document-wide discovery backstop.
func (p *Page) ObserveDocument(ctx context.Context, on bool) error {
	page, err := p.ensureHooks(ctx)
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Eval(
		`(on) => window.__regretPill.observeDocument(on)`, on,
	); err != nil {
		return fmt.Errorf("browser: observe document: %w", err)
	}
	return nil
}

// Notify shows a transient in-page toast. Best effort.
func (p *Page) Notify(ctx context.Context, message string) {
	page, err := p.ensureHooks(ctx)
	if err != nil {
		p.logger.Debug("browser: notify skipped", "error", err)
		return
	}
	if _, err := page.Context(ctx).Eval(
		`(msg) => window.__regretPill.notify(msg)`, message,
	); err != nil {
		p.logger.Debug("browser: notify failed", "error", err)
	}
}
