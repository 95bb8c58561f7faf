package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsConnPair(t *testing.T) (*WSConn, *WSConn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	select {
	case conn := <-serverSide:
		a, b := NewWSConn(conn), NewWSConn(clientConn)
		t.Cleanup(func() { a.Close(); b.Close() })
		return a, b
	case <-time.After(5 * time.Second):
		t.Fatal("no server-side connection")
		return nil, nil
	}
}

func TestWSConnRoundTrip(t *testing.T) {
	a, b := wsConnPair(t)

	_, err := a.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestWSConnBuffersPartialReads(t *testing.T) {
	a, b := wsConnPair(t)

	_, err := a.Write([]byte("0123456789"))
	require.NoError(t, err)

	// A message larger than the read buffer is consumed across calls
	// without losing bytes; yamux depends on this.
	var got []byte
	buf := make([]byte, 3)
	for len(got) < 10 {
		n, err := b.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "0123456789", string(got))
}

func TestWSConnReadAfterClose(t *testing.T) {
	a, b := wsConnPair(t)
	require.NoError(t, a.Close())

	buf := make([]byte, 4)
	_, err := b.Read(buf)
	assert.Error(t, err)
}
