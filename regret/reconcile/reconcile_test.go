package reconcile

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/classify"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/snapshot"
)

var rules = classify.Default()

func container(t *testing.T, ids ...string) (*html.Node, *html.Node) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(`<div class="recommended-container">`)
	for _, id := range ids {
		fmt.Fprintf(&sb, `<div class="feed-card"><a href="/video/%s/">%s</a></div>`, id, id)
	}
	sb.WriteString(`<div class="roll-wrap"><button class="roll-btn">换一换</button></div>`)
	sb.WriteString(`<div class="load-sentinel" data-scroll-observer="1"></div>`)
	sb.WriteString(`</div>`)

	nodes, err := dom.ParseFragment(sb.String())
	if err != nil {
		t.Fatal(err)
	}
	c := nodes[0]
	return c, dom.Query(c, ".roll-btn")
}

func cardLinks(c *html.Node) []string {
	var out []string
	for _, child := range dom.ElementChildren(c) {
		if rules.IsContent(child) {
			out = append(out, rules.NormalizeLink(rules.ContentLink(child)))
		}
	}
	return out
}

func capture(t *testing.T, c, trig *html.Node) *snapshot.Snapshot {
	t.Helper()
	snap := snapshot.NewStore(rules, nil).Capture(c, trig)
	if snap == nil {
		t.Fatal("capture returned nil")
	}
	return snap
}

func TestRestoreSwapsContent(t *testing.T) {
	oldC, oldTrig := container(t, "BV1a", "BV2b", "BV3c")
	oldSnap := capture(t, oldC, oldTrig)

	liveC, liveTrig := container(t, "BV7x", "BV8y", "BV9z")
	plan, err := Restore(rules, liveC, liveTrig, oldSnap)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"/video/bv1a", "/video/bv2b", "/video/bv3c"}
	got := cardLinks(liveC)
	if len(got) != len(want) {
		t.Fatalf("cards: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("card[%d]: got %q, want %q", i, got[i], want[i])
		}
	}

	if len(plan.RemoveIndexes) != 3 {
		t.Errorf("plan removes: got %v", plan.RemoveIndexes)
	}
	if plan.InsertBefore != 3 {
		t.Errorf("plan insert_before: got %d, want 3", plan.InsertBefore)
	}
	if len(plan.InsertHTML) != 3 {
		t.Errorf("plan insert_html: got %d entries", len(plan.InsertHTML))
	}
}

func TestRestorePreservesInfrastructure(t *testing.T) {
	oldC, oldTrig := container(t, "BV1a", "BV2b")
	snap := capture(t, oldC, oldTrig)

	liveC, liveTrig := container(t, "BV7x", "BV8y")
	ui, _ := dom.ParseFragment(`<div data-regret-pill="toast">undone</div>`)
	liveC.AppendChild(ui[0])
	sentinel := dom.Query(liveC, ".load-sentinel")

	if _, err := Restore(rules, liveC, liveTrig, snap); err != nil {
		t.Fatal(err)
	}

	if !dom.Contains(liveC, liveTrig) {
		t.Error("trigger removed by restore")
	}
	if !dom.Contains(liveC, sentinel) {
		t.Error("sentinel removed by restore")
	}
	if dom.Query(liveC, "[data-regret-pill]") == nil {
		t.Error("own UI removed by restore")
	}
}

func TestRestoreIdempotent(t *testing.T) {
	oldC, oldTrig := container(t, "BV1a", "BV2b", "BV3c")
	snap := capture(t, oldC, oldTrig)

	liveC, liveTrig := container(t, "BV7x", "BV8y", "BV9z")
	if _, err := Restore(rules, liveC, liveTrig, snap); err != nil {
		t.Fatal(err)
	}
	once := cardLinks(liveC)

	if _, err := Restore(rules, liveC, liveTrig, snap); err != nil {
		t.Fatal(err)
	}
	twice := cardLinks(liveC)

	if len(once) != len(twice) {
		t.Fatalf("idempotency: %v vs %v", once, twice)
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("card[%d]: %q vs %q", i, once[i], twice[i])
		}
	}
}

func TestRestoreInsertsBeforePreserved(t *testing.T) {
	oldC, oldTrig := container(t, "BV1a")
	snap := capture(t, oldC, oldTrig)

	liveC, liveTrig := container(t, "BV7x")
	if _, err := Restore(rules, liveC, liveTrig, snap); err != nil {
		t.Fatal(err)
	}

	kids := dom.ElementChildren(liveC)
	if len(kids) != 3 {
		t.Fatalf("children: got %d, want 3", len(kids))
	}
	if !rules.IsContent(kids[0]) {
		t.Error("restored card not first")
	}
	if !dom.HasClass(kids[1], "roll-wrap") {
		t.Errorf("children[1]: got class %q, want roll-wrap", dom.Attr(kids[1], "class"))
	}
}

func TestRestoreFailsClosed(t *testing.T) {
	oldC, oldTrig := container(t, "BV1a", "BV2b")
	snap := capture(t, oldC, oldTrig)

	if _, err := Restore(rules, nil, nil, snap); err != ErrNotRestorable {
		t.Errorf("nil container: got %v, want ErrNotRestorable", err)
	}

	liveC, liveTrig := container(t, "BV7x", "BV8y")
	before := dom.Render(liveC)
	if _, err := Restore(rules, liveC, liveTrig, nil); err != ErrNotRestorable {
		t.Errorf("nil snapshot: got %v, want ErrNotRestorable", err)
	}
	if dom.Render(liveC) != before {
		t.Error("container mutated on failed restore")
	}
}

func TestRestoreAppendsWhenNoPreserved(t *testing.T) {
	oldC, oldTrig := container(t, "BV1a", "BV2b")
	snap := capture(t, oldC, oldTrig)

	nodes, _ := dom.ParseFragment(`<div class="bare-grid" style="display:grid">
		<div class="feed-card"><a href="/video/BV7x/">x</a></div>
	</div>`)
	liveC := nodes[0]
	plan, err := Restore(rules, liveC, nil, snap)
	if err != nil {
		t.Fatal(err)
	}
	if plan.InsertBefore != -1 {
		t.Errorf("insert_before: got %d, want -1", plan.InsertBefore)
	}
	got := cardLinks(liveC)
	if len(got) != 2 || got[0] != "/video/bv1a" {
		t.Errorf("cards: got %v", got)
	}
}
