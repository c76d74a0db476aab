// Package testhelpers provides common utilities for testing the event server.
//
// It contains helpers for dialing WebSocket endpoints, exchanging events and
// asserting HTTP response properties, shared across package tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:1234"

// Event mirrors the JSON wire form of an event.
type Event struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
	From  string            `json:"from,omitempty"`
}

// StringArg decodes argument i as a string, returning "" if it is missing or
// not a string.
func (e Event) StringArg(i int) string {
	if i >= len(e.Args) {
		return ""
	}
	var s string
	_ = json.Unmarshal(e.Args[i], &s)
	return s
}

// WebSocketURL converts an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It fails the test if the request cannot be created or executed.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket dials url with TestOrigin and optional extra headers.
// The handshake response is returned so callers can inspect rejections.
func ConnectWebSocket(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	for k, vs := range header {
		headers.Del(k)
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url and fails the test on error. The connection is
// closed at test cleanup.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes an event frame with the given arguments.
func SendEvent(conn *websocket.Conn, name string, args ...any) error {
	msg := map[string]any{"event": name}
	if len(args) > 0 {
		msg["args"] = args
	}
	return conn.WriteJSON(msg)
}

// MustSend is SendEvent that fails the test on error.
func MustSend(t *testing.T, conn *websocket.Conn, name string, args ...any) {
	t.Helper()
	if err := SendEvent(conn, name, args...); err != nil {
		t.Fatalf("Failed to send %q: %v", name, err)
	}
}

// ReceiveEvent reads the next text frame as an event, waiting at most timeout.
func ReceiveEvent(conn *websocket.Conn, timeout time.Duration) (Event, error) {
	var ev Event
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ev, err
	}
	err := conn.ReadJSON(&ev)
	return ev, err
}

// ExpectEvent reads the next event and fails the test unless it has the
// wanted name.
func ExpectEvent(t *testing.T, conn *websocket.Conn, name string) Event {
	t.Helper()
	ev, err := ReceiveEvent(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("Expected %q event, got error: %v", name, err)
	}
	if ev.Event != name {
		t.Fatalf("Expected %q event, got %q (%+v)", name, ev.Event, ev)
	}
	return ev
}

// ExpectNoFrame fails the test if any frame arrives within wait. A read
// timeout is permanent in gorilla/websocket, so conn cannot be read again.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("Expected no frame, got %s", data)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", timeout, msg)
}
