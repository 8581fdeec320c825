package cdp

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type browserCall struct {
	Method    string
	SessionID string
	Params    map[string]any
}

// fakeBrowser speaks enough of the browser websocket for chromedp to attach
// to existing page targets and evaluate in them.
type fakeBrowser struct {
	t       *testing.T
	srv     *httptest.Server
	targets []map[string]any
	// values maps an expression to the value Runtime.evaluate returns for it.
	values map[string]any

	mu    sync.Mutex
	calls []browserCall
	conns []net.Conn
	dials int
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	f := &fakeBrowser{
		t: t,
		targets: []map[string]any{
			{"targetId": "main", "type": "page", "title": "Tabby", "url": "app://index.html", "attached": false},
			{"targetId": "worker", "type": "service_worker", "title": "", "url": "app://sw.js", "attached": false},
			{"targetId": "devtools", "type": "page", "title": "DevTools", "url": "devtools://devtools/inspector.html", "attached": false},
		},
		values: map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBrowser) URL() string { return f.srv.URL }

func (f *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.dials++
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64          `json:"id"`
			Method    string         `json:"method"`
			SessionID string         `json:"sessionId"`
			Params    map[string]any `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		call := browserCall{Method: req.Method, SessionID: req.SessionID, Params: req.Params}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		reply := map[string]any{"id": req.ID, "result": f.result(call)}
		if req.SessionID != "" {
			reply["sessionId"] = req.SessionID
		}
		if !f.write(conn, reply) {
			return
		}
		if call.Method == "Target.detachFromTarget" {
			sessionID, _ := call.Params["sessionId"].(string)
			event := map[string]any{
				"method": "Target.detachedFromTarget",
				"params": map[string]any{"sessionId": sessionID, "targetId": targetOfSession(sessionID)},
			}
			if !f.write(conn, event) {
				return
			}
		}
	}
}

func (f *fakeBrowser) write(conn net.Conn, msg map[string]any) bool {
	out, _ := json.Marshal(msg)
	return wsutil.WriteServerText(conn, out) == nil
}

func (f *fakeBrowser) result(call browserCall) any {
	switch call.Method {
	case "Target.getTargets":
		return map[string]any{"targetInfos": f.targets}
	case "Target.attachToTarget":
		id, _ := call.Params["targetId"].(string)
		return map[string]any{"sessionId": "S-" + id}
	case "Target.closeTarget":
		return map[string]any{"success": true}
	case "Page.getFrameTree":
		return map[string]any{"frameTree": map[string]any{"frame": map[string]any{
			"id": "frame-main", "loaderId": "loader-1", "url": "app://index.html",
			"securityOrigin": "app://", "mimeType": "text/html",
		}}}
	case "DOM.getDocument":
		return map[string]any{"root": map[string]any{
			"nodeId": 1, "backendNodeId": 1, "nodeType": 9,
			"nodeName": "#document", "localName": "", "nodeValue": "",
		}}
	case "Runtime.evaluate":
		expr, _ := call.Params["expression"].(string)
		if expr == "self" {
			return map[string]any{"result": map[string]any{"type": "object", "className": "Window", "description": "Window"}}
		}
		v, ok := f.values[expr]
		if !ok {
			return map[string]any{"result": map[string]any{"type": "undefined"}}
		}
		return map[string]any{"result": map[string]any{"type": "object", "value": v}}
	}
	return map[string]any{}
}

func targetOfSession(sessionID string) string {
	if len(sessionID) > 2 {
		return sessionID[2:]
	}
	return sessionID
}

func (f *fakeBrowser) Calls() []browserCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browserCall(nil), f.calls...)
}

func (f *fakeBrowser) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeBrowser) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeBrowser) DropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
