// Package probe drives the navigation check: click a nav link by its text in
// the first browser tab, let the UI settle, then read back what the page shows.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabby_probe/internal/cdpcontrol"
	"github.com/dgnsrekt/tabby_probe/internal/config"
	"github.com/google/uuid"
)

const (
	defaultSnippetLimit   = 500
	defaultExcerptLimit   = 300
	defaultClickableLimit = 30
	defaultFieldLimit     = 50

	stopTimeout = 2 * time.Second
)

// Options controls what the probe clicks and how it waits.
type Options struct {
	LinkText       string
	LinkSelector   string
	ActiveSelector string

	WaitMode     string
	SettleDelay  time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration

	SnippetLimit int
	ExcerptLimit int
}

func DefaultOptions() Options {
	return Options{
		LinkText:       "TabbySpaces",
		LinkSelector:   "a.nav-link",
		ActiveSelector: "a.nav-link.active",
		WaitMode:       config.WaitModePoll,
		SettleDelay:    300 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
		WaitTimeout:    3 * time.Second,
		SnippetLimit:   defaultSnippetLimit,
		ExcerptLimit:   defaultExcerptLimit,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.LinkText = cfg.LinkText
	opts.LinkSelector = cfg.LinkSelector
	opts.ActiveSelector = cfg.ActiveSelector
	opts.WaitMode = cfg.WaitMode
	opts.SettleDelay = cfg.SettleDelay()
	opts.PollInterval = cfg.PollInterval()
	opts.WaitTimeout = cfg.WaitTimeout()
	return opts
}

// ReportSink receives every finished report, failed runs included.
type ReportSink interface {
	Append(r Report) error
}

// Runner executes probe runs one at a time against a driver.
type Runner struct {
	driver Driver
	opts   Options
	out    io.Writer
	sink   ReportSink
	now    func() time.Time

	mu sync.Mutex
}

// NewRunner builds a runner printing its transcript to out (nil discards it).
func NewRunner(driver Driver, opts Options, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{driver: driver, opts: opts, out: out, now: time.Now}
}

// WithReportSink makes the runner append each report to sink.
func (r *Runner) WithReportSink(sink ReportSink) *Runner {
	r.sink = sink
	return r
}

func (r *Runner) Options() Options { return r.opts }

// ListTabs connects if needed and returns the page tabs.
func (r *Runner) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	if err := r.driver.Connect(ctx); err != nil {
		return nil, err
	}
	return r.driver.ListTabs(ctx)
}

// Run performs one probe run with the runner's link text.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	return r.RunLink(ctx, r.opts.LinkText)
}

// RunLink performs one probe run clicking the link with the given text.
func (r *Runner) RunLink(ctx context.Context, linkText string) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{ID: uuid.NewString(), StartedAt: r.now(), LinkText: linkText}
	err := r.run(ctx, &report)
	report.FinishedAt = r.now()
	if err != nil {
		report.Error = err.Error()
		slog.Error("probe run failed", "run_id", report.ID, "link_text", linkText, "error", err)
	} else {
		slog.Info("probe run finished",
			"run_id", report.ID,
			"click_result", report.ClickResult,
			"active_page", report.State.ActivePage,
			"has_workspace_content", report.State.HasWorkspaceContent,
			"wait_met", report.Wait.Met,
			"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		)
	}

	if r.sink != nil {
		if sinkErr := r.sink.Append(report); sinkErr != nil {
			slog.Warn("probe report append failed", "run_id", report.ID, "error", sinkErr)
		}
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, report *Report) error {
	if report.LinkText == "" {
		return cdpcontrol.NewError(cdpcontrol.CodeValidation, "link text is required", nil)
	}
	p := &printer{w: r.out}

	session, tabCount, err := r.startFirstTab(ctx)
	report.TabCount = tabCount
	if err != nil {
		return err
	}
	defer r.stop(ctx, session)
	report.Tab = session.Tab()
	p.tabs(tabCount)

	p.clicking(report.LinkText)
	raw, err := session.Evaluate(ctx, cdpcontrol.JSClickLink(r.opts.LinkSelector, report.LinkText), false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &report.ClickResult); err != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "click result is not a string", err)
	}
	report.Clicked = report.ClickResult == cdpcontrol.ClickResultFound(report.LinkText)
	p.clickResult(report.ClickResult)

	if err := r.settle(ctx, session, report); err != nil {
		return err
	}

	raw, err = session.Evaluate(ctx, cdpcontrol.JSPageState(r.opts.ActiveSelector, r.opts.SnippetLimit), true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &report.State); err != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "unexpected page state shape", err)
	}
	report.Excerpt, _ = truncateRunes(report.State.PageSnippet, r.opts.ExcerptLimit)
	p.state(report.State, report.Excerpt)
	p.done()

	if p.err != nil {
		slog.Warn("probe output write failed", "error", p.err)
	}
	return nil
}

func (r *Runner) settle(ctx context.Context, session cdpcontrol.TabSession, report *Report) error {
	start := r.now()
	report.Wait.Mode = r.opts.WaitMode

	switch r.opts.WaitMode {
	case config.WaitModeSleep:
		if err := cdpcontrol.Sleep(ctx, r.opts.SettleDelay); err != nil {
			return err
		}
	default:
		if !report.Clicked {
			report.Wait.Skipped = true
			slog.Info("probe settle skipped, link was not clicked", "link_text", report.LinkText)
			return nil
		}
		pred := cdpcontrol.JSActiveLinkIs(r.opts.ActiveSelector, report.LinkText)
		res, err := cdpcontrol.WaitFor(ctx, session, pred, r.opts.PollInterval, r.opts.WaitTimeout)
		report.Wait.Attempts = res.Attempts
		report.Wait.Met = res.Met
		if err != nil {
			var coded *cdpcontrol.CodedError
			if !errors.As(err, &coded) || coded.Code != cdpcontrol.CodeWaitTimeout {
				return err
			}
			report.Wait.TimedOut = true
			slog.Warn("probe settle timed out, inspecting page anyway",
				"link_text", report.LinkText, "attempts", res.Attempts, "timeout", r.opts.WaitTimeout)
		}
	}

	report.Wait.ElapsedMS = r.now().Sub(start).Milliseconds()
	return nil
}

// Inspect lists the first tab's title and clickable elements.
func (r *Runner) Inspect(ctx context.Context) (cdpcontrol.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inv cdpcontrol.Inventory
	session, _, err := r.startFirstTab(ctx)
	if err != nil {
		return inv, err
	}
	defer r.stop(ctx, session)

	raw, err := session.Evaluate(ctx, cdpcontrol.JSDocumentTitle, false)
	if err != nil {
		return inv, err
	}
	if err := json.Unmarshal(raw, &inv.Title); err != nil {
		return inv, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "title is not a string", err)
	}

	raw, err = session.Evaluate(ctx, cdpcontrol.JSClickables(defaultClickableLimit, defaultFieldLimit), true)
	if err != nil {
		return inv, err
	}
	if err := json.Unmarshal(raw, &inv.Clickables); err != nil {
		return inv, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "unexpected clickables shape", err)
	}
	if inv.Clickables == nil {
		inv.Clickables = []cdpcontrol.Clickable{}
	}

	p := &printer{w: r.out}
	p.inventory(inv)
	if p.err != nil {
		slog.Warn("probe output write failed", "error", p.err)
	}
	slog.Info("probe inspect finished", "title", inv.Title, "clickables", len(inv.Clickables))
	return inv, nil
}

func (r *Runner) startFirstTab(ctx context.Context) (cdpcontrol.TabSession, int, error) {
	if err := r.driver.Connect(ctx); err != nil {
		return nil, 0, err
	}
	tabs, err := r.driver.ListTabs(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(tabs) == 0 {
		return nil, 0, cdpcontrol.NewError(cdpcontrol.CodeTabNotFound, "browser has no open tabs", nil)
	}

	session, err := r.driver.StartSession(ctx, tabs[0])
	if err != nil {
		return nil, len(tabs), err
	}
	slog.Debug("probe using first tab", "target_id", tabs[0].ID, "url", tabs[0].URL, "tabs", len(tabs))
	return session, len(tabs), nil
}

// stop releases the session even when ctx is already done.
func (r *Runner) stop(ctx context.Context, session cdpcontrol.TabSession) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := session.Stop(stopCtx); err != nil {
		slog.Warn("probe session stop failed", "target_id", session.Tab().ID, "error", err)
	}
}
