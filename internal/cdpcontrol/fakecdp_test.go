package cdpcontrol

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// noReply makes the fake server swallow a command.
var noReply = &struct{}{}

type cdpCall struct {
	Method    string
	SessionID string
	Params    map[string]any
}

// fakeCDP serves /json/version, /json/list and a browser websocket that
// answers commands through handle.
type fakeCDP struct {
	t       *testing.T
	srv     *httptest.Server
	targets []map[string]any
	// handle returns the result object, or an error message, for a command.
	handle func(call cdpCall) (result any, errMsg string)

	mu    sync.Mutex
	calls []cdpCall
	conns []net.Conn
	dials int
}

func newFakeCDP(t *testing.T) *fakeCDP {
	t.Helper()
	f := &fakeCDP{t: t}
	f.handle = f.defaultHandle

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCDP) URL() string { return f.srv.URL }

func (f *fakeCDP) serveWS(w http.ResponseWriter, r *http.Request) {
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
		call := cdpCall{Method: req.Method, SessionID: req.SessionID, Params: req.Params}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		result, errMsg := f.handle(call)
		if result == noReply {
			continue
		}
		reply := map[string]any{"id": req.ID}
		if errMsg != "" {
			reply["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			reply["result"] = result
		}
		out, _ := json.Marshal(reply)
		if err := wsutil.WriteServerText(conn, out); err != nil {
			return
		}
	}
}

func (f *fakeCDP) defaultHandle(call cdpCall) (any, string) {
	switch call.Method {
	case "Target.attachToTarget":
		return map[string]any{"sessionId": "session-" + call.Params["targetId"].(string)}, ""
	case "Target.detachFromTarget":
		return map[string]any{}, ""
	case "Runtime.evaluate":
		return map[string]any{"result": map[string]any{"type": "string", "value": "ok"}}, ""
	}
	return nil, "unknown method " + call.Method
}

func (f *fakeCDP) Calls(method string) []cdpCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cdpCall
	for _, c := range f.calls {
		if method == "" || strings.EqualFold(c.Method, method) {
			out = append(out, c)
		}
	}
	return out
}

// Dials is the number of websocket connections accepted so far.
func (f *fakeCDP) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// DropConnections closes every open websocket, as a restarting browser would.
func (f *fakeCDP) DropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
