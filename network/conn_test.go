package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"walletchat/models"
)

// newEchoServer accepts websocket connections and hands each wrapped Conn to
// onConn on its own goroutine.
func newEchoServer(t *testing.T, onConn func(*Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, ConnOptions{PeerID: r.URL.Query().Get("peerId"), AutoRespondPing: true})
		onConn(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnSendReceive(t *testing.T) {
	url := newEchoServer(t, func(conn *Conn) {
		for {
			payload, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			if err := conn.SendRaw(payload); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url+"?peerId=a", ConnOptions{PeerID: "hub"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if client.State() != models.ConnectionConnected || !client.IsOpen() {
		t.Fatalf("expected connected state, got %s", client.State())
	}

	if err := client.Send(PeerLeft{Type: TypePeerLeft, PeerID: "b"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	payload, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	got, err := Decode[PeerLeft](payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.PeerID != "b" {
		t.Fatalf("unexpected echo %+v", got)
	}
}

func TestConnAnswersApplicationPing(t *testing.T) {
	url := newEchoServer(t, func(conn *Conn) {
		<-conn.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = ws.Close()
	}()

	if err := ws.WriteJSON(PingMessage{Type: TypePing, Timestamp: 1}); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var pong PingMessage
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong failed: %v", err)
	}
	if pong.Type != TypePong {
		t.Fatalf("expected pong, got %q", pong.Type)
	}
}

func TestConnSurfacesCloseCode(t *testing.T) {
	url := newEchoServer(t, func(conn *Conn) {
		_ = conn.CloseWithCode(CloseMissingParams, "room and peerId are required")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, ConnOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatalf("connection was not closed by server")
	}

	var closeErr *websocket.CloseError
	if !errors.As(client.LastError(), &closeErr) {
		t.Fatalf("expected close error, got %v", client.LastError())
	}
	if closeErr.Code != CloseMissingParams {
		t.Fatalf("expected close code %d, got %d", CloseMissingParams, closeErr.Code)
	}
	if client.State() != models.ConnectionFailed {
		t.Fatalf("expected failed state, got %s", client.State())
	}
	if err := client.Send(PingMessage{Type: TypePing}); err == nil {
		t.Fatalf("expected send on closed connection to fail")
	}
}

func TestConnNormalCloseIsClean(t *testing.T) {
	url := newEchoServer(t, func(conn *Conn) {
		_ = conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, ConnOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatalf("connection was not closed by server")
	}
	if client.LastError() != nil {
		t.Fatalf("expected no error on normal close, got %v", client.LastError())
	}
	if client.State() != models.ConnectionDisconnected {
		t.Fatalf("expected disconnected state, got %s", client.State())
	}
	if !errors.Is(client.SendRaw([]byte(`{}`)), ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed")
	}
}
