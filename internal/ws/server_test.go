package ws

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/auth"
	"github.com/carpool/ridematch/internal/logging"
	"github.com/carpool/ridematch/internal/protocol"
)

const testSecret = "test-secret"

type testClient struct {
	net.Conn
	br *bufio.Reader
}

func (c *testClient) Read(p []byte) (int, error) {
	if c.br != nil {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *testClient) send(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c, []byte(raw)))
}

func (c *testClient) recv(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

type testEnv struct {
	server       *Server
	dispatcher   *MessageDispatcher
	http         *httptest.Server
	verifier     *auth.Verifier
	connected    chan *Connection
	disconnected chan *Connection
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, DefaultServerConfig())
}

// newTestEnvWith registers handlers before the listener starts.
func newTestEnvWith(t *testing.T, cfg ServerConfig, register ...func(d *MessageDispatcher)) *testEnv {
	t.Helper()
	env := &testEnv{
		verifier:     auth.NewVerifier(testSecret, ""),
		connected:    make(chan *Connection, 8),
		disconnected: make(chan *Connection, 8),
	}
	env.server = NewServer(cfg, env.verifier, logging.Discard())
	env.dispatcher = NewMessageDispatcher(logging.Discard(), time.Second)
	env.server.SetOnConnect(func(c *Connection) { env.connected <- c })
	env.server.SetOnMessage(env.dispatcher.Dispatch)
	env.server.SetOnDisconnect(func(c *Connection) { env.disconnected <- c })
	for _, fn := range register {
		fn(env.dispatcher)
	}

	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
		env.http.Close()
	})
	return env
}

func (env *testEnv) dial(t *testing.T, userID string) (*testClient, *Connection) {
	t.Helper()
	tok, err := env.verifier.Issue(auth.Identity{UserID: userID, Name: "Rider " + userID}, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?token=" + tok
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	client := &testClient{Conn: conn, br: br}
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case c := <-env.connected:
		return client, c
	case <-time.After(2 * time.Second):
		t.Fatal("server did not register the connection")
		return nil, nil
	}
}

func TestHandshakeRequiresCredential(t *testing.T) {
	env := newTestEnv(t)

	for _, url := range []string{env.http.URL + "/ws", env.http.URL + "/ws?token=bogus"} {
		resp, err := http.Get(url)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, "not_authenticated", body["code"])
	}
	assert.Equal(t, 0, env.server.Connections().Count())
}

func TestHandshakeIdentity(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.dial(t, "u-1")

	assert.Equal(t, "u-1", c.UserID())
	assert.Equal(t, "Rider u-1", c.Identity.Name)
	assert.Equal(t, 1, env.server.Connections().Count())
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.dial(t, "u-1")

	client.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, client.recv(t)["type"])
}

func TestDispatcherReportsErrors(t *testing.T) {
	env := newTestEnvWith(t, DefaultServerConfig(), func(d *MessageDispatcher) {
		d.Register(protocol.TypeStartSearch, func(ctx context.Context, c *Connection, msg interface{}) error {
			return apperr.ErrInvalidCoordinates
		})
		d.Register(protocol.TypeApproveMatch, func(ctx context.Context, c *Connection, msg interface{}) error {
			panic("boom")
		})
		d.Register(protocol.TypeDenyMatch, func(ctx context.Context, c *Connection, msg interface{}) error {
			return errors.New("database exploded")
		})
	})
	client, _ := env.dial(t, "u-1")

	client.send(t, `{"type":"start_search","pickup":"a","drop":"b","pickupCoords":{"lat":1,"lng":2},"dropCoords":{"lat":1,"lng":2},"kind":"offer"}`)
	m := client.recv(t)
	assert.Equal(t, protocol.TypeSearchError, m["type"])
	assert.Equal(t, "invalid_coordinates", m["code"])

	client.send(t, `{"type":"approve_match","matchId":"m1"}`)
	m = client.recv(t)
	assert.Equal(t, protocol.TypeMatchError, m["type"])
	assert.Equal(t, "internal", m["code"])

	client.send(t, `{"type":"deny_match","matchId":"m1"}`)
	m = client.recv(t)
	assert.Equal(t, protocol.TypeMatchError, m["type"])
	assert.Equal(t, "internal error", m["message"], "uncoded errors do not leak")

	client.send(t, `{"type":"approve_match"}`)
	m = client.recv(t)
	assert.Equal(t, protocol.TypeMatchError, m["type"])
	assert.Equal(t, "invalid_request", m["code"])

	client.send(t, `not json`)
	m = client.recv(t)
	assert.Equal(t, protocol.TypeRequestError, m["type"])

	// The connection survives a panicking handler.
	client.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, client.recv(t)["type"])
}

func TestUnregisteredTypeIsRejected(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.dial(t, "u-1")

	client.send(t, `{"type":"join_chat_room","chatRoomId":"r1"}`)
	m := client.recv(t)
	assert.Equal(t, protocol.TypeChatError, m["type"])
	assert.Equal(t, "invalid_request", m["code"])
}

func TestDisconnectCallbackRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	client, c := env.dial(t, "u-1")

	require.NoError(t, client.Close())
	select {
	case got := <-env.disconnected:
		assert.Equal(t, c.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}

	env.server.RemoveConnection(c)
	select {
	case <-env.disconnected:
		t.Fatal("disconnect callback ran twice")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, env.server.Connections().Count())
}

func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.dial(t, "u-1")

	env.server.checkConnections(DefaultHeartbeatConfig(), time.Now())
	assert.Equal(t, 1, env.server.Connections().Count(), "fresh connection is only pinged")

	env.server.checkConnections(DefaultHeartbeatConfig(), time.Now().Add(time.Hour))
	select {
	case got := <-env.disconnected:
		assert.Equal(t, c.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection not evicted")
	}
}

func TestFragmentedMessageOverCapIsRejected(t *testing.T) {
	env := newTestEnv(t)
	client, c := env.dial(t, "u-1")

	// Every fragment is below the cap; together they are four times over it.
	var buf bytes.Buffer
	const fragments = 8
	for i := 0; i < fragments; i++ {
		op := ws.OpContinuation
		if i == 0 {
			op = ws.OpText
		}
		payload := bytes.Repeat([]byte("a"), MaxFrameBytes/2)
		frame := ws.MaskFrameInPlace(ws.NewFrame(op, i == fragments-1, payload))
		require.NoError(t, ws.WriteFrame(&buf, frame))
	}
	_, _ = client.Conn.Write(buf.Bytes())

	select {
	case got := <-env.disconnected:
		assert.Equal(t, c.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized message did not close the connection")
	}
}

func TestFragmentedMessageUnderCapIsDelivered(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.dial(t, "u-1")

	var buf bytes.Buffer
	parts := []string{`{"type":`, `"pi`, `ng"}`}
	for i, part := range parts {
		op := ws.OpContinuation
		if i == 0 {
			op = ws.OpText
		}
		frame := ws.MaskFrameInPlace(ws.NewFrame(op, i == len(parts)-1, []byte(part)))
		require.NoError(t, ws.WriteFrame(&buf, frame))
	}
	_, err := client.Conn.Write(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, client.recv(t)["type"])
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMaxConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	env := newTestEnvWith(t, cfg)
	env.dial(t, "u-1")

	tok, err := env.verifier.Issue(auth.Identity{UserID: "u-2"}, time.Minute)
	require.NoError(t, err)
	resp, err := http.Get(env.http.URL + "/ws?token=" + tok)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	server, client := net.Pipe()
	defer client.Close()

	c := newConnection("c1", auth.Identity{UserID: "u"}, server, 0)
	cm.Add(c)
	assert.Same(t, c, cm.Get("c1"))
	assert.Len(t, cm.All(), 1)

	assert.True(t, cm.Remove("c1"))
	assert.False(t, cm.Remove("c1"))
	assert.Nil(t, cm.Get("c1"))
	assert.Equal(t, 0, cm.Count())
	assert.NoError(t, c.Close(), "close is idempotent")
}
