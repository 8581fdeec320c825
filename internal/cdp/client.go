package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tabby_probe/internal/cdpcontrol"
)

const detachTimeout = time.Second

// Client is the chromedp driver. It keeps one browser-level context, which
// owns the websocket, and derives a context per started tab from it so every
// session shares that connection.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[*Tab]struct{}
}

// Tab is a chromedp context attached to an existing page target.
type Tab struct {
	client *Client
	info   cdpcontrol.TabInfo
	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	stopped atomic.Bool
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		tabs:        make(map[*Tab]struct{}),
	}
}

// Connect dials the browser websocket. It only lists targets while doing so,
// so no blank tab is created. A connection the browser dropped is replaced
// on the next call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx != nil {
		if c.browserCtx.Err() == nil {
			return nil
		}
		slog.Warn("chromedp connection lost, reconnecting", "url", c.cdpURL)
		c.teardownLocked()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Info("Connecting to browser (chromedp)", "url", c.cdpURL)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The connection lives as long as the context of the first call, so this
	// must be browserCtx itself rather than one derived from ctx.
	stop := context.AfterFunc(ctx, browserCancel)
	_, err := chromedp.Targets(browserCtx)
	interrupted := !stop()
	if err != nil || interrupted {
		browserCancel()
		allocCancel()
		if err == nil {
			err = ctx.Err()
		}
		return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "connect to CDP failed", fmt.Errorf("failed to connect to browser: %w", err))
	}

	c.allocCancel = allocCancel
	c.browserCtx, c.browserCancel = browserCtx, browserCancel
	return nil
}

// teardownLocked forgets the current connection and its sessions. Callers
// hold c.mu.
func (c *Client) teardownLocked() {
	for t := range c.tabs {
		if err := t.release(context.Background()); err != nil {
			slog.Warn("chromedp detach failed", "target_id", t.info.ID, "error", err)
		}
	}
	c.tabs = make(map[*Tab]struct{})
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.browserCtx, c.browserCancel = nil, nil
	c.allocCancel = nil
}

// Close detaches any live sessions before dropping the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	slog.Info("chromedp client closed")
	return nil
}

// ListTabs returns page targets in browser order.
func (c *Client) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	c.mu.Lock()
	browserCtx := c.browserCtx
	c.mu.Unlock()
	if browserCtx == nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	listCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	targets, err := chromedp.Targets(listCtx)
	if err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "failed to enumerate targets", err)
	}

	tabs := pageTabs(targets)
	slog.Debug("Found browser targets", "count", len(targets), "pages", len(tabs))
	return tabs, nil
}

func pageTabs(targets []*target.Info) []cdpcontrol.TabInfo {
	tabs := make([]cdpcontrol.TabInfo, 0, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		tabs = append(tabs, cdpcontrol.TabInfo{ID: string(t.TargetID), Type: t.Type, Title: t.Title, URL: t.URL})
	}
	return tabs
}

// StartSession attaches a chromedp context to the tab over the shared
// browser connection. Stop detaches from it and leaves the tab open.
func (c *Client) StartSession(ctx context.Context, tab cdpcontrol.TabInfo) (cdpcontrol.TabSession, error) {
	if tab.ID == "" {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "tab id is required", nil)
	}
	c.mu.Lock()
	browserCtx := c.browserCtx
	c.mu.Unlock()
	if browserCtx == nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The first Run must use tabCtx itself: a derived context would tear the
	// session down when it ends.
	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(target.ID(tab.ID)))
	t := &Tab{client: c, info: tab, ctx: tabCtx, cancel: tabCancel}
	if err := chromedp.Run(tabCtx); err != nil {
		if rerr := t.release(ctx); rerr != nil {
			slog.Debug("chromedp detach after failed attach", "target_id", tab.ID, "error", rerr)
		}
		return nil, cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "attach to tab failed", err)
	}

	c.mu.Lock()
	c.tabs[t] = struct{}{}
	c.mu.Unlock()
	slog.Info("Attached to tab", "target_id", tab.ID, "url", truncateURL(tab.URL))
	return t, nil
}

func (t *Tab) Tab() cdpcontrol.TabInfo { return t.info }

func (t *Tab) Evaluate(ctx context.Context, expression string, returnByValue bool) (json.RawMessage, error) {
	// Running on a released context would attach to the tab again.
	if t.stopped.Load() {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "session is stopped", nil)
	}
	if err := t.ctx.Err(); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "browser connection lost", err)
	}
	evalCtx, cancel := context.WithTimeout(t.ctx, t.client.evalTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		res *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err := chromedp.Run(evalCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		res, exc, err = runtime.Evaluate(expression).
			WithReturnByValue(returnByValue).
			WithAwaitPromise(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		slog.Warn("chromedp eval failed", "target_id", t.info.ID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeEvalTimeout, "evaluation timed out", err)
		}
		return nil, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "evaluation failed", err)
	}
	if exc != nil {
		msg := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			msg = exc.Exception.Description
		}
		return nil, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "evaluation failed", errors.New("eval exception: "+msg))
	}
	if res == nil || len(res.Value) == 0 {
		if res != nil && res.ObjectID != "" {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeEvalFailure, "evaluation returned a remote object ("+res.Description+"); request it by value", nil)
		}
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(res.Value), nil
}

func (t *Tab) Stop(ctx context.Context) error {
	t.client.mu.Lock()
	delete(t.client.tabs, t)
	t.client.mu.Unlock()
	if err := t.release(ctx); err != nil {
		slog.Warn("chromedp detach failed", "target_id", t.info.ID, "error", err)
	}
	return nil
}

// release detaches from the target itself and clears it from the chromedp
// context before cancelling. Cancelling a context that still holds its
// target makes chromedp close the tab, which belongs to the user.
func (t *Tab) release(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		t.stopped.Store(true)
		if cc := chromedp.FromContext(t.ctx); cc != nil && cc.Target != nil {
			sessionID := cc.Target.SessionID
			cc.Target = nil
			if sessionID != "" && t.ctx.Err() == nil && cc.Browser != nil {
				detachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachTimeout)
				err = target.DetachFromTarget().WithSessionID(sessionID).Do(cdp.WithExecutor(detachCtx, cc.Browser))
				cancel()
			}
		}
		t.cancel()
		slog.Debug("chromedp tab released", "target_id", t.info.ID)
	})
	return err
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
