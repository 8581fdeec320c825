package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Client is the raw CDP driver: one browser websocket, one flat session per
// started tab.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	mu       sync.Mutex
	cdp      *rawCDP
	sessions map[*Session]struct{}
}

// Session is a flat CDP session attached to one tab.
type Session struct {
	client    *Client
	tab       TabInfo
	mu        sync.Mutex
	sessionID string
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		sessions:    make(map[*Session]struct{}),
	}
}

// Connect dials the browser websocket. It is a no-op while the connection is
// healthy; after the browser drops it, live sessions are discarded and the
// client dials again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}
	if c.cdp != nil {
		if c.cdp.alive() {
			return nil
		}
		slog.Warn("cdpcontrol connection lost, reconnecting", "cdp_url", c.cdpURL, "sessions", len(c.sessions))
		c.cleanupLocked()
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	raw := newRawCDP(c.cdpURL)
	if err := raw.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.cdp = raw
	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL)
	return nil
}

// Close detaches every live session and drops the browser connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	if c.cdp == nil {
		return
	}
	alive := c.cdp.alive()
	for s := range c.sessions {
		s.mu.Lock()
		if s.sessionID != "" && alive {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := c.cdp.detachFromTarget(ctx, s.sessionID); err != nil {
				slog.Debug("cdpcontrol detach cleanup failed", "target_id", s.tab.ID, "error", err)
			}
			cancel()
		}
		s.sessionID = ""
		s.mu.Unlock()
	}
	c.sessions = make(map[*Session]struct{})
	c.cdp.close()
	c.cdp = nil
}

func (c *Client) conn() (*rawCDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return c.cdp, nil
}

// ListTabs returns the page targets in the order the browser lists them.
func (c *Client) ListTabs(ctx context.Context) ([]TabInfo, error) {
	cdp, err := c.conn()
	if err != nil {
		return nil, err
	}
	targets, err := cdp.listTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	tabs := make([]TabInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		tabs = append(tabs, TabInfo{ID: string(t.TargetID), Type: t.Type, Title: t.Title, URL: t.URL})
	}
	slog.Debug("cdpcontrol list tabs", "targets", len(targets), "pages", len(tabs))
	return tabs, nil
}

// StartSession attaches a debugging session to the tab.
func (c *Client) StartSession(ctx context.Context, tab TabInfo) (TabSession, error) {
	if tab.ID == "" {
		return nil, newError(CodeValidation, "tab id is required", nil)
	}
	cdp, err := c.conn()
	if err != nil {
		return nil, err
	}

	sessionID, err := cdp.attachToTarget(ctx, tab.ID)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "attach to tab failed", err)
	}

	s := &Session{client: c, tab: tab, sessionID: sessionID}
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	slog.Debug("cdpcontrol session started", "target_id", tab.ID, "session_id", sessionID)
	return s, nil
}

func (s *Session) Tab() TabInfo { return s.tab }

// Evaluate runs the expression with the client's evaluation timeout. Results
// that are neither values nor undefined are reported as failures, since the
// caller cannot use a remote object reference.
func (s *Session) Evaluate(ctx context.Context, expression string, returnByValue bool) (json.RawMessage, error) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return nil, newError(CodeValidation, "session is stopped", nil)
	}
	cdp, err := s.client.conn()
	if err != nil {
		return nil, err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, s.client.evalTimeout)
	defer evalCancel()

	res, err := cdp.evaluate(evalCtx, sessionID, expression, returnByValue)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", s.tab.ID, "error", err)
		if errors.Is(err, errConnClosed) || errors.Is(err, errNotConnected) {
			return nil, newError(CodeCDPUnavailable, "browser connection lost", err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return nil, newError(CodeEvalFailure, "evaluation failed", err)
	}

	if len(res.Value) > 0 {
		return res.Value, nil
	}
	if res.Type == "undefined" || res.ObjectID == "" {
		return json.RawMessage("null"), nil
	}
	return nil, newError(CodeEvalFailure, "evaluation returned a remote object ("+res.Description+"); request it by value", nil)
}

// Stop detaches the session. Stopping twice is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.sessionID = ""
	s.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	c := s.client
	c.mu.Lock()
	delete(c.sessions, s)
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return nil
	}

	if err := cdp.detachFromTarget(ctx, sessionID); err != nil {
		return newError(CodeCDPUnavailable, "detach from tab failed", err)
	}
	slog.Debug("cdpcontrol session stopped", "target_id", s.tab.ID)
	return nil
}
