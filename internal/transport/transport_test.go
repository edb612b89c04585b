package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServerAndClient(t *testing.T) (*Conn, *websocket.Conn) {
	serverConnCh := make(chan *Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		require.NoError(t, err)
		serverConnCh <- c
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { _ = serverConn.Close() })
	return serverConn, client
}

func TestWriteMessageThenReadMessageRoundTrips(t *testing.T) {
	server, client := newServerAndClient(t)

	require.NoError(t, server.WriteMessage([]byte("hello")))
	kind, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte("hello"), payload)
}

func TestReadMessageSkipsNonBinaryFrames(t *testing.T) {
	server, client := newServerAndClient(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("payload")))

	got, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestRemoteAddrIsPopulated(t *testing.T) {
	server, _ := newServerAndClient(t)
	assert.NotEmpty(t, server.RemoteAddr())
}

func TestCloseSendsCloseFrame(t *testing.T) {
	server, client := newServerAndClient(t)
	require.NoError(t, server.Close())

	_, _, err := client.ReadMessage()
	assert.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	if ok {
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	}
}
