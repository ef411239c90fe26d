package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type echoEndpoint struct {
	conn *Conn
}

func (e *echoEndpoint) Receive(data []byte) {
	_ = e.conn.Send(append([]byte("echo:"), data...))
}

type fakeFactory struct {
	mu     sync.Mutex
	opened map[string]*Conn
	closed chan Endpoint
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{opened: make(map[string]*Conn), closed: make(chan Endpoint, 4)}
}

func (f *fakeFactory) Open(id string, conn *Conn) (Endpoint, error) {
	f.mu.Lock()
	f.opened[id] = conn
	f.mu.Unlock()
	return &echoEndpoint{conn: conn}, nil
}

func (f *fakeFactory) Closed(ep Endpoint) {
	f.closed <- ep
}

func (f *fakeFactory) conn(id string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[id]
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: 2 * time.Second}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp.Header.Get("Sec-WebSocket-Protocol") != Subprotocol {
		t.Fatalf("subprotocol = %q", resp.Header.Get("Sec-WebSocket-Protocol"))
	}
	return ws
}

func TestChargePointID(t *testing.T) {
	cases := map[string]string{
		"/ocpp/CP_1":  "CP_1",
		"/CP_2/":      "CP_2",
		"/a/b/c/CP_3": "CP_3",
		"/":           "",
		"":            "",
	}
	for path, want := range cases {
		if got := ChargePointID(path); got != want {
			t.Fatalf("ChargePointID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestServerRejectsMissingID(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeFactory(), Config{}, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerRejectsLongID(t *testing.T) {
	factory := newFakeFactory()
	srv := httptest.NewServer(NewServer(factory, Config{}, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ocpp/" + strings.Repeat("x", MaxChargePointIDLength+1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// 恰好 64 个字符仍可连接
	ws := dial(t, srv, "/ocpp/"+strings.Repeat("x", MaxChargePointIDLength))
	ws.Close()
	select {
	case <-factory.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("factory not notified of client disconnect")
	}
}

func TestServerRoundTripAndClose(t *testing.T) {
	factory := newFakeFactory()
	srv := httptest.NewServer(NewServer(factory, Config{PingInterval: time.Hour}, zap.NewNop()))
	defer srv.Close()

	ws := dial(t, srv, "/ocpp/CP_1")
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `echo:[2,"1","Heartbeat",{}]` {
		t.Fatalf("unexpected reply %s", data)
	}

	// 服务端关闭：客户端收到关闭帧，工厂得到通知
	conn := factory.conn("CP_1")
	if conn == nil {
		t.Fatal("connection not opened")
	}
	conn.Close()
	if err := conn.Send([]byte("late")); err != ErrConnClosed {
		t.Fatalf("send after close: %v", err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	select {
	case <-factory.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("factory not notified")
	}
}

func TestServerClientDisconnect(t *testing.T) {
	factory := newFakeFactory()
	srv := httptest.NewServer(NewServer(factory, Config{}, zap.NewNop()))
	defer srv.Close()

	ws := dial(t, srv, "/CP_9")
	ws.Close()

	select {
	case <-factory.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("factory not notified of client disconnect")
	}
}
