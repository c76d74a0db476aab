package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/config"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/protocol"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/registry"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/testhelpers"
)

type testServer struct {
	srv  *Server
	http *httptest.Server
}

// newTestServer starts a server whose identities come from the "id" query
// parameter.
func newTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{testhelpers.TestOrigin}
	cfg.Session.DrainTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	opts = append([]Option{
		WithIdentityFunc(func(r *http.Request) string { return r.URL.Query().Get("id") }),
	}, opts...)
	srv, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testServer{srv: srv, http: ts}
}

func (ts *testServer) url(id string) string {
	u := testhelpers.WebSocketURL(ts.http.URL, ts.srv.Config().Server.Path)
	if id != "" {
		u += "?id=" + id
	}
	return u
}

func (ts *testServer) connect(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	conn := testhelpers.MustConnect(t, ts.url(id))
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		_, err := ts.srv.Session(id)
		return err == nil
	}, "session "+id+" registered")
	return conn
}

func (ts *testServer) join(t *testing.T, conn *websocket.Conn, roomName string) {
	t.Helper()
	testhelpers.MustSend(t, conn, EventJoin, roomName)
	ev := testhelpers.ExpectEvent(t, conn, EventJoined)
	if got := ev.StringArg(0); got != roomName {
		t.Fatalf("joined %q, want %q", got, roomName)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d (%s)", ce.Code, code, ce.Text)
		}
		return
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/")
	defer func() { _ = resp.Body.Close() }()

	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/plain")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Event server is running!" {
		t.Errorf("body = %q", body)
	}
}

func TestWebSocketEndpointRejectsPost(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, ts.http.URL+"/ws")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

func TestTestPageUsesConfiguredPath(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.Path = "/events" })

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/test")
	defer func() { _ = resp.Body.Close() }()

	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/html")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "'/events'") {
		t.Error("test page does not reference the configured WebSocket path")
	}
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")
	ts.join(t, a, "lobby")

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/stats")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Sessions != 1 || st.Rooms != 1 {
		t.Errorf("stats sessions=%d rooms=%d, want 1 and 1", st.Sessions, st.Rooms)
	}
	if st.Goroutines == 0 {
		t.Error("stats goroutines = 0")
	}

	mresp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/metrics")
	defer func() { _ = mresp.Body.Close() }()
	testhelpers.AssertStatusCode(t, mresp, http.StatusOK)
	body, _ := io.ReadAll(mresp.Body)
	for _, want := range []string{"awlog_active_sessions 1", "awlog_active_rooms 1", `awlog_events_received_total{event="join"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = false })

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.http.URL+"/metrics")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

func TestLobbyChatExcludesSender(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")
	b := ts.connect(t, "b1")
	ts.join(t, a, "lobby")
	ts.join(t, b, "lobby")

	if got := ts.srv.Members("lobby"); len(got) != 2 || got[0] != "a1" || got[1] != "b1" {
		t.Fatalf("Members(lobby) = %v, want [a1 b1]", got)
	}

	testhelpers.MustSend(t, a, EventChat, "hi")

	ev := testhelpers.ExpectEvent(t, b, EventChat)
	if ev.From != "a1" || ev.StringArg(0) != "hi" {
		t.Errorf("b1 received %+v, want chat from a1 [hi]", ev)
	}
	testhelpers.ExpectNoFrame(t, a, 200*time.Millisecond)
}

func TestLobbyChatIncludeSelf(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Rooms.IncludeSelf = true })
	a := ts.connect(t, "a1")
	b := ts.connect(t, "b1")
	ts.join(t, a, "lobby")
	ts.join(t, b, "lobby")

	testhelpers.MustSend(t, a, EventChat, "hi")

	for _, conn := range []*websocket.Conn{a, b} {
		ev := testhelpers.ExpectEvent(t, conn, EventChat)
		if ev.From != "a1" || ev.StringArg(0) != "hi" {
			t.Errorf("received %+v, want chat from a1 [hi]", ev)
		}
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")
	b := ts.connect(t, "b1")
	ts.join(t, a, "lobby")
	ts.join(t, b, "lobby")

	testhelpers.MustSend(t, b, EventLeave, "lobby")
	if ev := testhelpers.ExpectEvent(t, b, EventLeft); ev.StringArg(0) != "lobby" {
		t.Fatalf("left %q, want lobby", ev.StringArg(0))
	}

	testhelpers.MustSend(t, a, EventChat, "anyone?")
	testhelpers.ExpectNoFrame(t, b, 200*time.Millisecond)
}

func TestLifecycleEventOrder(t *testing.T) {
	ts := newTestServer(t, nil)

	var (
		mu  sync.Mutex
		seq []string
		// checked inside the disconnect handler
		registered, member bool
	)
	record := func(_ context.Context, sess *session.Session, ev protocol.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seq = append(seq, ev.Name)
		return nil
	}
	ts.srv.OnFunc(protocol.EventConnect, record)
	ts.srv.OnFunc("ping", record)
	ts.srv.OnFunc(protocol.EventDisconnect, func(ctx context.Context, sess *session.Session, ev protocol.Event) error {
		_, err := ts.srv.Session(sess.ID())
		mu.Lock()
		registered = err == nil
		for _, id := range ts.srv.Members("lobby") {
			if id == sess.ID() {
				member = true
			}
		}
		mu.Unlock()
		return record(ctx, sess, ev)
	})

	a := ts.connect(t, "a1")
	ts.join(t, a, "lobby")
	testhelpers.MustSend(t, a, "ping")
	testhelpers.MustSend(t, a, "ping")
	if err := testhelpers.CloseWebSocket(a); err != nil {
		t.Fatalf("CloseWebSocket: %v", err)
	}

	testhelpers.Eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seq) > 0 && seq[len(seq)-1] == protocol.EventDisconnect
	}, "disconnect dispatched")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"connect", "ping", "ping", "disconnect"}
	if strings.Join(seq, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", seq, want)
	}
	if registered {
		t.Error("session still registered when disconnect was dispatched")
	}
	if member {
		t.Error("session still a room member when disconnect was dispatched")
	}
	if ts.srv.rooms.Exists("lobby") {
		t.Error("empty room survived teardown")
	}
}

func TestMalformedFrameClosesOnlyOffender(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")
	b := ts.connect(t, "b1")

	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ev := testhelpers.ExpectEvent(t, a, protocol.EventError)
	if ev.StringArg(0) == "" {
		t.Error("error event carries no reason")
	}
	expectClose(t, a, websocket.CloseProtocolError)

	testhelpers.Eventually(t, 2*time.Second, func() bool {
		_, err := ts.srv.Session("a1")
		return errors.Is(err, registry.ErrNotFound)
	}, "offender deregistered")

	ts.join(t, b, "lobby")
	if ts.srv.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", ts.srv.SessionCount())
	}
}

func TestReservedEventClosesSession(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")

	testhelpers.MustSend(t, a, protocol.EventDisconnect)
	testhelpers.ExpectEvent(t, a, protocol.EventError)
	expectClose(t, a, websocket.CloseProtocolError)
}

func TestDuplicateIdentityRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	first := ts.connect(t, "a1")

	second, _, err := testhelpers.ConnectWebSocket(ts.url("a1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = second.Close() }()
	expectClose(t, second, websocket.ClosePolicyViolation)

	if ts.srv.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", ts.srv.SessionCount())
	}
	ts.join(t, first, "lobby")
}

func TestEmitToAndDisconnectSession(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")

	if err := ts.srv.EmitTo("a1", protocol.MustEvent("notice", "bye")); err != nil {
		t.Fatalf("EmitTo: %v", err)
	}
	if err := ts.srv.DisconnectSession("a1", "kicked"); err != nil {
		t.Fatalf("DisconnectSession: %v", err)
	}

	ev := testhelpers.ExpectEvent(t, a, "notice")
	if ev.StringArg(0) != "bye" {
		t.Errorf("notice = %+v", ev)
	}
	expectClose(t, a, websocket.CloseNormalClosure)

	testhelpers.Eventually(t, 2*time.Second, func() bool { return ts.srv.SessionCount() == 0 }, "session removed")

	if err := ts.srv.DisconnectSession("a1", ""); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("DisconnectSession after teardown = %v, want ErrNotFound", err)
	}
	if err := ts.srv.Join("a1", "lobby"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Join after teardown = %v, want ErrNotFound", err)
	}
}

func TestBroadcastAll(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")
	b := ts.connect(t, "b1")

	if n := ts.srv.BroadcastAll(protocol.MustEvent("notice", "hello"), "b1"); n != 1 {
		t.Fatalf("BroadcastAll delivered %d, want 1", n)
	}
	testhelpers.ExpectEvent(t, a, "notice")
	testhelpers.ExpectNoFrame(t, b, 200*time.Millisecond)
}

func TestBinaryRelay(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")
	b := ts.connect(t, "b1")

	payload := []byte{0x00, 0xff, 0x10}
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	if err := b.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	mt, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != string(payload) {
		t.Errorf("relayed (%d, %v), want binary %v", mt, data, payload)
	}
	testhelpers.ExpectNoFrame(t, a, 200*time.Millisecond)
}

func TestSetLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	ts := newTestServer(t, nil)
	a := ts.connect(t, "a1")

	testhelpers.MustSend(t, a, EventSetLevel, "debug")
	ev := testhelpers.ExpectEvent(t, a, EventNotice)
	if got := ev.StringArg(0); got != "log level changed to: debug" {
		t.Errorf("notice = %q", got)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level = %s, want debug", zerolog.GlobalLevel())
	}
}

func TestBuiltinsDisabled(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Events.Builtins = false })
	a := ts.connect(t, "a1")

	testhelpers.MustSend(t, a, EventJoin, "lobby")
	testhelpers.ExpectNoFrame(t, a, 200*time.Millisecond)
	if ts.srv.rooms.Exists("lobby") {
		t.Error("join handled with builtins disabled")
	}
}

func TestHandlerPanicKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.srv.OnFunc("boom", func(context.Context, *session.Session, protocol.Event) error {
		panic("boom")
	})
	a := ts.connect(t, "a1")

	testhelpers.MustSend(t, a, "boom")
	ts.join(t, a, "lobby")
}

func TestTokenRecorded(t *testing.T) {
	ts := newTestServer(t, nil)

	q, _, err := testhelpers.ConnectWebSocket(ts.url("q1")+"&token=abc", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = q.Close() }()

	header := http.Header{}
	header.Set("Authorization", "Bearer xyz")
	h, _, err := testhelpers.ConnectWebSocket(ts.url("h1"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = h.Close() }()

	for id, want := range map[string]string{"q1": "abc", "h1": "xyz"} {
		testhelpers.Eventually(t, 2*time.Second, func() bool {
			sess, err := ts.srv.Session(id)
			return err == nil && sess.Token() == want
		}, "token for "+id)
	}
}

func TestGeneratedIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	testhelpers.MustConnect(t, ts.url(""))

	testhelpers.Eventually(t, 2*time.Second, func() bool { return ts.srv.SessionCount() == 1 }, "session registered")
	sessions := ts.srv.registry.Sessions()
	if len(sessions[0].ID()) != 26 {
		t.Errorf("generated identity %q is not a ULID", sessions[0].ID())
	}
}

func TestOriginBlocked(t *testing.T) {
	ts := newTestServer(t, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	conn, resp, err := testhelpers.ConnectWebSocket(ts.url("a1"), header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected connection from disallowed origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status %d, got %v", http.StatusForbidden, resp)
	}
}

func TestMaxConnections(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxConnections = 1 })
	ts.connect(t, "a1")

	conn, resp, err := testhelpers.ConnectWebSocket(ts.url("b1"), nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected connection over the cap to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %v", http.StatusServiceUnavailable, resp)
	}
}

func TestMemoryGuard(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxMemoryPercent = 50 })
	ts.srv.resources.hostMemory = func() (float64, error) { return 99, nil }

	conn, resp, err := testhelpers.ConnectWebSocket(ts.url("a1"), nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected connection under memory pressure to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %v", http.StatusServiceUnavailable, resp)
	}
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.RateLimit.Burst = 2
		c.RateLimit.RefillInterval = time.Hour
	})

	var (
		mu    sync.Mutex
		count int
	)
	ts.srv.OnFunc("tick", func(context.Context, *session.Session, protocol.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	a := ts.connect(t, "a1")
	for i := 0; i < 5; i++ {
		testhelpers.MustSend(t, a, "tick", i)
	}

	testhelpers.Eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, "two ticks handled")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("handled %d ticks, want 2", count)
	}
	if ts.srv.SessionCount() != 1 {
		t.Error("rate limited session was closed")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	conns := []*websocket.Conn{ts.connect(t, "a1"), ts.connect(t, "b1"), ts.connect(t, "c1")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, conn := range conns {
		expectClose(t, conn, websocket.CloseGoingAway)
	}
	if ts.srv.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after shutdown", ts.srv.SessionCount())
	}

	conn, resp, err := testhelpers.ConnectWebSocket(ts.url("d1"), nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected connection after shutdown to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %v", http.StatusServiceUnavailable, resp)
	}
}

func TestShutdownClosesSessionRegisteredDuringShutdown(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	ts := newTestServer(t, nil, WithIdentityFunc(func(*http.Request) string {
		close(entered)
		<-release
		return "late"
	}))

	conn, _, err := testhelpers.ConnectWebSocket(ts.url(""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("identity function never called")
	}

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result <- ts.srv.Shutdown(ctx)
	}()

	testhelpers.Eventually(t, 2*time.Second, func() bool {
		ts.srv.mu.Lock()
		defer ts.srv.mu.Unlock()
		return ts.srv.shuttingDown
	}, "shutdown started")
	time.Sleep(50 * time.Millisecond)
	unblock()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if n := ts.srv.SessionCount(); n != 0 {
		t.Errorf("SessionCount = %d after shutdown, want 0", n)
	}
	expectClose(t, conn, websocket.CloseGoingAway)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Backpressure = "block"
	if _, err := New(cfg); err == nil {
		t.Error("New accepted an unknown backpressure policy")
	}
}

func TestMessageSizeLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Session.MaxMessageSize = 64 })
	a := ts.connect(t, "a1")

	big := strings.Repeat("x", 256)
	testhelpers.MustSend(t, a, EventChat, big)
	expectClose(t, a, websocket.CloseMessageTooBig)

	testhelpers.Eventually(t, 2*time.Second, func() bool { return ts.srv.SessionCount() == 0 }, "oversized sender removed")
}

func TestConcurrentClients(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Session.QueueSize = 1024 })

	const n = 10
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = ts.connect(t, "c"+string(rune('a'+i)))
		ts.join(t, conns[i], "lobby")
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			_ = testhelpers.SendEvent(conn, EventChat, "hello")
		}(conn)
	}
	wg.Wait()

	for _, conn := range conns {
		for i := 0; i < n-1; i++ {
			testhelpers.ExpectEvent(t, conn, EventChat)
		}
	}
}
