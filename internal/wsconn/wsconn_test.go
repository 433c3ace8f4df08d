package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestSendDropsOnFullQueue(t *testing.T) {
	out := make(chan []byte, 1)
	if err := Send(out, map[string]string{"a": "1"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := Send(out, map[string]string{"a": "2"}); err == nil {
		t.Fatalf("expected ErrQueueFull on a full queue")
	}
}

func TestRunWriterAndReadLoopRoundTrip(t *testing.T) {
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		upgraded <- ws
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientWS, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientWS.Close(websocket.StatusNormalClosure, "")

	serverWS := <-upgraded
	defer serverWS.Close(websocket.StatusNormalClosure, "")

	conn := New(serverWS)
	go conn.RunWriter(ctx)
	if err := Send(conn.Out(), map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, data, err := clientWS.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"hello":"world"}` {
		t.Fatalf("got %s", data)
	}
}
