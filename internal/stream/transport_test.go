package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
}

func TestListenerOverWebsocket(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	got := make(chan string, 4)
	cfg := testConfig()
	cfg.URL = wsURL(srv.URL)
	l := NewListener(cfg, Callbacks{
		OnMessage: func(_ context.Context, msg []byte) { got <- string(msg) },
	}, WithDialer(WebsocketDialer{ReadTimeout: time.Minute}))

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Send(context.Background(), []byte("one")))
	require.NoError(t, l.Send(context.Background(), []byte("two")))

	for _, want := range []string{"echo:one", "echo:two"} {
		select {
		case msg := <-got:
			require.Equal(t, want, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s", want)
		}
	}
	require.NoError(t, l.Stop(context.Background()))
}

func TestWebsocketDialerAnswersPing(t *testing.T) {
	pong := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		_ = conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := WebsocketDialer{}.Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer conn.Close()
	// pings are handled while a read is pending
	go func() { _, _ = conn.ReadMessage() }()

	select {
	case data := <-pong:
		require.Equal(t, "hb", data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}
