package testutil

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thenoetrevino/boardsync/internal/auth"
	"github.com/thenoetrevino/boardsync/internal/events"
)

// TestSecret signs tokens accepted by test verifiers
const TestSecret = "test-secret"

// Token returns a valid HS256 token for userID
func Token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(TestSecret), userID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// WSURL turns an httptest server URL into a websocket URL for path
func WSURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// DialWS opens a websocket closed at test end
func DialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Handshake dials url, authenticates as userID and returns the connection
// and its welcome.
func Handshake(t *testing.T, url, userID string) (*websocket.Conn, events.Welcome) {
	t.Helper()
	conn := DialWS(t, url)
	Send(t, conn, events.Message{
		Version:   events.ProtocolVersion,
		Type:      events.TypeHandshake,
		Handshake: &events.Handshake{Token: Token(t, userID)},
	})
	msg := WaitForMessage(t, conn, events.TypeWelcome, 2*time.Second)
	return conn, *msg.Welcome
}

// Send writes one frame
func Send(t *testing.T, conn *websocket.Conn, msg events.Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to send %s: %v", msg.Type, err)
	}
}

// ReadMessage reads the next frame or fails the test on timeout
func ReadMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) events.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

// background frames arrive whenever the server or other users decide
func background(msg events.Message, want events.MessageType) bool {
	return msg.Type != want && (msg.Type == events.TypePing || msg.Type == events.TypePresence)
}

// WaitForMessage reads frames until one of type want arrives, skipping
// pings and presence changes. Any other frame fails the test.
func WaitForMessage(t *testing.T, conn *websocket.Conn, want events.MessageType, timeout time.Duration) events.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msg := ReadMessage(t, conn, time.Until(deadline))
		if background(msg, want) {
			continue
		}
		if msg.Type != want {
			t.Fatalf("Expected %s message, got %s: %+v", want, msg.Type, msg)
		}
		return msg
	}
}

// WaitForNoMessage verifies nothing but pings and presence changes arrive
// within timeout. The read deadline it hits leaves conn unusable for
// further reads.
func WaitForNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if !background(msg, "") {
			t.Fatalf("Unexpected message received: %+v", msg)
		}
	}
}
