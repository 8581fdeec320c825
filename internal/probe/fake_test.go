package probe

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/dgnsrekt/tabby_probe/internal/cdpcontrol"
	"github.com/dop251/goja"
)

// pageJS is a mock Tabby settings page. Clicking a link schedules a
// navigation that lands after navDelay further evaluations.
const pageJS = `
var CLICKABLE = %s;
function matches(el, sel) {
  if (sel === CLICKABLE) return true;
  var parts = sel.split(".");
  if (parts[0] && el.tagName.toLowerCase() !== parts[0]) return false;
  var classes = String(el.className || "").split(" ");
  for (var i = 1; i < parts.length; i++) {
    if (classes.indexOf(parts[i]) === -1) return false;
  }
  return true;
}
var document = {
  title: "Tabby - Settings",
  body: { innerText: HOME_BODY },
  els: [],
  querySelectorAll: function(sel) {
    return this.els.filter(function(el) { return matches(el, sel); });
  },
  querySelector: function(sel) {
    var found = this.querySelectorAll(sel);
    return found.length ? found[0] : null;
  }
};
var pendingNav = null;
function addEl(tag, text, cls) {
  var el = { tagName: tag, innerText: text, textContent: text, className: cls, clicks: 0 };
  el.click = function() { el.clicks++; pendingNav = { el: el, ticks: NAV_DELAY }; };
  document.els.push(el);
  return el;
}
function tick() {
  if (!pendingNav) return;
  if (pendingNav.ticks > 0) { pendingNav.ticks--; return; }
  document.els.forEach(function(e) { e.className = String(e.className).replace(" active", ""); });
  pendingNav.el.className += " active";
  document.body.innerText = NAV_BODY;
  pendingNav = null;
}
addEl("A", "Terminal", "nav-link active");
addEl("A", "Appearance", "nav-link");
addEl("BUTTON", "Save", "btn");
`

type pageSetup struct {
	homeBody string
	navBody  string
	navDelay int
	links    []string
}

type fakeSession struct {
	t   *testing.T
	tab cdpcontrol.TabInfo
	vm  *goja.Runtime

	mu        sync.Mutex
	exprs     []string
	byValue   []bool
	failAt    int // 1-based evaluation that fails, 0 never
	stops     int
	stopCtxOK bool
}

func newFakeSession(t *testing.T, tab cdpcontrol.TabInfo, page pageSetup) *fakeSession {
	t.Helper()
	vm := goja.New()
	for k, v := range map[string]any{"HOME_BODY": page.homeBody, "NAV_BODY": page.navBody, "NAV_DELAY": page.navDelay} {
		if err := vm.Set(k, v); err != nil {
			t.Fatalf("vm.Set(%s) = %v", k, err)
		}
	}
	sel, _ := json.Marshal(cdpcontrol.ClickableSelector)
	if _, err := vm.RunString(strings.Replace(pageJS, "%s", string(sel), 1)); err != nil {
		t.Fatalf("page setup failed: %v", err)
	}
	for _, l := range page.links {
		text, _ := json.Marshal(l)
		if _, err := vm.RunString(`addEl("A", ` + string(text) + `, "nav-link")`); err != nil {
			t.Fatalf("addEl(%s) = %v", l, err)
		}
	}
	return &fakeSession{t: t, tab: tab, vm: vm}
}

func (s *fakeSession) Tab() cdpcontrol.TabInfo { return s.tab }

func (s *fakeSession) Evaluate(ctx context.Context, expression string, returnByValue bool) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exprs = append(s.exprs, expression)
	s.byValue = append(s.byValue, returnByValue)
	if s.failAt == len(s.exprs) {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "evaluation failed", nil)
	}
	if _, err := s.vm.RunString("tick()"); err != nil {
		s.t.Fatalf("tick() = %v", err)
	}
	v, err := s.vm.RunString("JSON.stringify(" + expression + ")")
	if err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "evaluation failed", err)
	}
	if goja.IsUndefined(v) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(v.String()), nil
}

func (s *fakeSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.stopCtxOK = ctx.Err() == nil
	return nil
}

func (s *fakeSession) run(js string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.vm.RunString(js)
	if err != nil {
		s.t.Fatalf("RunString(%q) = %v", js, err)
	}
	return v.String()
}

type fakeDriver struct {
	tabs       []cdpcontrol.TabInfo
	session    *fakeSession
	connectErr error
	listErr    error

	connects int
	started  []string
	closed   bool
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.connects++
	return d.connectErr
}

func (d *fakeDriver) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	return d.tabs, d.listErr
}

func (d *fakeDriver) StartSession(ctx context.Context, tab cdpcontrol.TabInfo) (cdpcontrol.TabSession, error) {
	d.started = append(d.started, tab.ID)
	d.session.tab = tab
	return d.session, nil
}

func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}

type recordingSink struct {
	reports []Report
}

func (s *recordingSink) Append(r Report) error {
	s.reports = append(s.reports, r)
	return nil
}
