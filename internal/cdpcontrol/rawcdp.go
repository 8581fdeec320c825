package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"
)

var (
	errNotConnected = errors.New("rawcdp: not connected")
	errConnClosed   = errors.New("rawcdp: connection closed")
)

// rawCDP talks to the browser-level websocket directly and multiplexes tab
// sessions over it with flat session ids.
type rawCDP struct {
	httpBase string // e.g. "http://localhost:9222"

	mu   sync.Mutex
	conn net.Conn
	done chan struct{} // closed when the read loop of conn exits
	seq  atomic.Int64

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex
}

// remoteValue is the part of a Runtime.evaluate reply the runner consumes.
type remoteValue struct {
	Type        string
	Value       json.RawMessage
	ObjectID    string
	Description string
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]chan json.RawMessage),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	done := make(chan struct{})
	r.conn = conn
	r.done = done
	r.pending = make(map[int64]chan json.RawMessage)
	go r.readLoop(conn, done)
	return nil
}

// alive reports whether the websocket is open and its read loop running.
func (r *rawCDP) alive() bool {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.mu.Unlock()
	if conn == nil || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			slog.Debug("rawcdp close failed", "error", err)
		}
		r.conn = nil
	}
}

// readLoop routes command replies to their waiters. Events are ignored.
// It closes done when the connection fails.
func (r *rawCDP) readLoop(conn net.Conn, done chan struct{}) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			close(done)
			r.closeAllPending()
			return
		}

		id := gjson.GetBytes(data, "id").Int()
		if id <= 0 {
			continue
		}
		r.pendingMu.Lock()
		ch, ok := r.pending[id]
		if ok {
			delete(r.pending, id)
		}
		r.pendingMu.Unlock()
		if ok {
			ch <- json.RawMessage(data)
		}
	}
}

func (r *rawCDP) closeAllPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *rawCDP) deletePending(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// sendRaw marshals an envelope, sends it over the WebSocket, and waits for
// the response keyed by the given id.
func (r *rawCDP) sendRaw(ctx context.Context, id int64, envelope any) (json.RawMessage, error) {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.mu.Unlock()
	if conn == nil {
		return nil, errNotConnected
	}
	select {
	case <-done:
		return nil, errConnClosed
	default:
	}

	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	data, err := json.Marshal(envelope)
	if err != nil {
		r.deletePending(id)
		return nil, fmt.Errorf("rawcdp: marshal: %w", err)
	}

	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.deletePending(id)
		return nil, fmt.Errorf("rawcdp: send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		return resp, nil
	case <-done:
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
		default:
		}
		r.deletePending(id)
		return nil, errConnClosed
	case <-ctx.Done():
		r.deletePending(id)
		return nil, ctx.Err()
	}
}

// send issues a command, optionally on a flat session, and returns the
// "result" member of the reply.
func (r *rawCDP) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := r.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	resp, err := r.sendRaw(ctx, id, req)
	if err != nil {
		return nil, err
	}

	reply := gjson.ParseBytes(resp)
	if e := reply.Get("error"); e.Exists() {
		return nil, fmt.Errorf("rawcdp: %s: %s", method, e.Get("message").String())
	}
	result := reply.Get("result")
	if !result.Exists() {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(result.Raw), nil
}

// attachToTarget attaches a flat session to the given target.
func (r *rawCDP) attachToTarget(ctx context.Context, targetID string) (string, error) {
	params := struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	raw, err := r.send(ctx, "", "Target.attachToTarget", params)
	if err != nil {
		return "", err
	}
	sessionID := gjson.GetBytes(raw, "sessionId").String()
	if sessionID == "" {
		return "", fmt.Errorf("rawcdp: attach: empty session id")
	}
	return sessionID, nil
}

// detachFromTarget detaches from a session without closing the target.
func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID string) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	_, err := r.send(ctx, "", "Target.detachFromTarget", params)
	return err
}

// evaluate runs Runtime.evaluate on a session. Page exceptions come back as
// errors carrying the exception description.
func (r *rawCDP) evaluate(ctx context.Context, sessionID, expression string, returnByValue bool) (remoteValue, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue,omitempty"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: expression, ReturnByValue: returnByValue, AwaitPromise: true}

	raw, err := r.send(ctx, sessionID, "Runtime.evaluate", params)
	if err != nil {
		return remoteValue{}, err
	}

	reply := gjson.ParseBytes(raw)
	if exc := reply.Get("exceptionDetails"); exc.Exists() {
		msg := exc.Get("exception.description").String()
		if msg == "" {
			msg = exc.Get("text").String()
		}
		return remoteValue{}, fmt.Errorf("rawcdp: eval exception: %s", msg)
	}

	res := reply.Get("result")
	out := remoteValue{
		Type:        res.Get("type").String(),
		ObjectID:    res.Get("objectId").String(),
		Description: res.Get("description").String(),
	}
	if v := res.Get("value"); v.Exists() {
		out.Value = json.RawMessage(v.Raw)
	}
	return out, nil
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func (r *rawCDP) listTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, r.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rawcdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("rawcdp: /json/list: invalid JSON")
	}

	entries := gjson.ParseBytes(body).Array()
	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.Get("id").String()),
			Type:     e.Get("type").String(),
			Title:    e.Get("title").String(),
			URL:      e.Get("url").String(),
		})
	}
	return out, nil
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rawcdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
