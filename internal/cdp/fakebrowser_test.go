package cdp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

// fakeBrowser is a minimal remote-debugging endpoint: it serves the http
// discovery documents and answers commands on a websocket.
type fakeBrowser struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []message
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Browser":"Fake/1.0","webSocketDebuggerUrl":%q}`, fb.wsURL())
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"T1","type":"page","title":"App","url":"http://app.test/"},`+
			`{"id":"W1","type":"service_worker","title":"sw","url":"http://app.test/sw.js"}]`)
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			fb.mu.Lock()
			fb.received = append(fb.received, msg)
			fb.mu.Unlock()
			fb.answer(msg)
		}
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
}

func (fb *fakeBrowser) write(msg message) {
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		return
	}
	data, _ := json.Marshal(msg)
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (fb *fakeBrowser) emit(method cdproto.MethodType, sessionID target.SessionID, params string) {
	fb.write(message{Method: method, SessionID: sessionID, Params: json.RawMessage(params)})
}

func (fb *fakeBrowser) answer(msg message) {
	resp := message{ID: msg.ID, SessionID: msg.SessionID}
	switch msg.Method {
	case "Slow.cmd":
		return
	case "Fail.me":
		resp.Error = &protocolError{Code: -32601, Message: "'Fail.me' wasn't found"}
	case cdproto.CommandTargetGetTargets:
		resp.Result = json.RawMessage(`{"targetInfos":[` +
			`{"targetId":"T1","type":"page","title":"App","url":"http://app.test/","attached":false},` +
			`{"targetId":"W1","type":"service_worker","title":"sw","url":"http://app.test/sw.js","attached":false}]}`)
	case cdproto.CommandTargetAttachToTarget:
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		sid := "S-" + p.TargetID
		fb.emit(cdproto.EventTargetAttachedToTarget, "", fmt.Sprintf(
			`{"sessionId":%q,"targetInfo":{"targetId":%q,"type":"page","title":"App","url":"http://app.test/"},"waitingForDebugger":false}`,
			sid, p.TargetID))
		resp.Result = json.RawMessage(fmt.Sprintf(`{"sessionId":%q}`, sid))
	case cdproto.CommandRuntimeEvaluate:
		resp.Result = json.RawMessage(`{"result":{"type":"number","value":2,"description":"2"}}`)
	default:
		resp.Result = json.RawMessage(`{}`)
	}
	fb.write(resp)
}

func (fb *fakeBrowser) calls(method string) []message {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []message
	for _, m := range fb.received {
		if string(m.Method) == method {
			out = append(out, m)
		}
	}
	return out
}
