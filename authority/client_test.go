package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/protocol"
)

// fakeAuthority is a scripted remote endpoint for client tests.
type fakeAuthority struct {
	ts       *httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	f := &fakeAuthority{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.accepted.Add(1)
		f.conns <- conn
	}))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeAuthority) url() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http")
}

func (f *fakeAuthority) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.SerialNumber = "WAC14089464"
	cfg.CPUSerial = "CPU123456789"
	cfg.RequestTimeout = 2 * time.Second
	cfg.Reconnect.InitialInterval = 20 * time.Millisecond
	cfg.Reconnect.MaxInterval = 100 * time.Millisecond
	return cfg
}

func startClient(t *testing.T, f *fakeAuthority) *Client {
	t.Helper()
	c, err := NewClient(testConfig(f.url()), nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(2 * time.Second) })
	return c
}

func TestClientRegisterHandshake(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	done := make(chan error, 1)
	go func() { done <- c.Register(context.Background()) }()

	req := readJSON(t, remote)
	assert.Equal(t, "reg", req["cmd"])
	assert.Equal(t, "WAC14089464", req["sn"])
	assert.Equal(t, "CPU123456789", req["cpusn"])
	assert.Equal(t, true, req["nosenduser"])
	assert.NotNil(t, req["devinfo"])

	writeJSON(t, remote, `{"ret":"reg","result":true}`)
	require.NoError(t, <-done)
}

func TestClientRegisterRejected(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	done := make(chan error, 1)
	go func() { done <- c.Register(context.Background()) }()

	readJSON(t, remote)
	writeJSON(t, remote, `{"ret":"reg","result":false}`)

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthRejected))
}

func TestClientSendLogs(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	type callResult struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		resp, err := c.SendLogs(context.Background(), []protocol.LogRecord{
			{EnrollID: int64(42), Name: "Alice", Time: "2026-08-30 09:00:00", Mode: 1},
		})
		done <- callResult{resp, err}
	}()

	req := readJSON(t, remote)
	assert.Equal(t, "sendlog", req["cmd"])
	assert.Equal(t, float64(1), req["count"])
	records := req["record"].([]any)
	require.Len(t, records, 1)
	entry := records[0].(map[string]any)
	assert.Equal(t, float64(42), entry["enrollid"])
	assert.Equal(t, "2026-08-30 09:00:00", entry["time"])

	writeJSON(t, remote, `{"ret":"sendlog","result":true,"count":1}`)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.resp.Result)
}

func TestClientSendUser(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.SendUser(context.Background(), protocol.SendUserRequest{
			EnrollID: 42,
			Name:     "Alice",
			Record:   "face-template",
		})
		done <- err
	}()

	req := readJSON(t, remote)
	assert.Equal(t, "senduser", req["cmd"])
	assert.Equal(t, float64(42), req["enrollid"])
	assert.Equal(t, "Alice", req["name"])
	assert.Equal(t, "face-template", req["record"])

	writeJSON(t, remote, `{"ret":"senduser","result":true}`)
	require.NoError(t, <-done)
}

func TestClientSetUserInfoAutoAck(t *testing.T) {
	f := newFakeAuthority(t)
	c, err := NewClient(testConfig(f.url()), nil, nil)
	require.NoError(t, err)

	observed := make(chan *protocol.UserInfoCommand, 1)
	c.SetCommandHandler(func(_ context.Context, cmd *protocol.UserInfoCommand) {
		observed <- cmd
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(2 * time.Second) })
	remote := f.accept(t)

	writeJSON(t, remote, `{"cmd":"setuserinfo","enrollid":42,"backupnum":0}`)

	ack := readJSON(t, remote)
	assert.Equal(t, "setuserinfo", ack["ret"])
	assert.Equal(t, "WAC14089464", ack["sn"])
	assert.Equal(t, float64(42), ack["enrollid"])
	assert.Equal(t, float64(0), ack["backupnum"])
	assert.Equal(t, true, ack["result"])

	select {
	case cmd := <-observed:
		assert.Equal(t, "setuserinfo", cmd.Cmd)
	case <-time.After(time.Second):
		t.Fatal("command handler not invoked")
	}

	// deleteuser gets the same echo treatment
	writeJSON(t, remote, `{"cmd":"deleteuser","enrollid":7,"backupnum":1}`)
	ack = readJSON(t, remote)
	assert.Equal(t, "deleteuser", ack["ret"])
	assert.Equal(t, float64(7), ack["enrollid"])
}

func TestClientUnmatchedResponseDropped(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	// Unsolicited response must not disturb a later call
	writeJSON(t, remote, `{"ret":"sendlog","result":true,"count":99}`)
	time.Sleep(50 * time.Millisecond)

	done := make(chan *protocol.Response, 1)
	go func() {
		resp, err := c.SendLogs(context.Background(), nil)
		require.NoError(t, err)
		done <- resp
	}()

	readJSON(t, remote)
	writeJSON(t, remote, `{"ret":"sendlog","result":true,"count":0}`)
	resp := <-done
	assert.Equal(t, 0, *resp.Count)
}

func TestClientCallTimeout(t *testing.T) {
	f := newFakeAuthority(t)
	c, err := NewClient(func() Config {
		cfg := testConfig(f.url())
		cfg.RequestTimeout = 100 * time.Millisecond
		return cfg
	}(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(2 * time.Second) })
	f.accept(t)

	_, err = c.SendLogs(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestClientDisconnectFailsPending(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.SendLogs(context.Background(), nil)
		done <- err
	}()
	readJSON(t, remote)

	remote.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on disconnect")
	}
}

func TestClientReconnects(t *testing.T) {
	f := newFakeAuthority(t)
	c := startClient(t, f)
	remote := f.accept(t)

	remote.Close()

	// The connect loop re-dials with backoff
	second := f.accept(t)
	require.NotNil(t, second)
	assert.GreaterOrEqual(t, f.accepted.Load(), int32(2))

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestClientConnectHandlerFailureRedials(t *testing.T) {
	f := newFakeAuthority(t)
	cfg := testConfig(f.url())

	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	c.SetConnectHandler(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("handshake failed")
		}
		return nil
	})

	// First dial fails its handshake so Start reports the error
	err = c.Start(context.Background())
	require.Error(t, err)

	// A fresh Start succeeds once the handshake passes
	c2, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)
	c2.SetConnectHandler(func(ctx context.Context) error { return nil })
	require.NoError(t, c2.Start(context.Background()))
	t.Cleanup(func() { c2.Stop(2 * time.Second) })
}

func TestClientStartUnreachable(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.HandshakeTimeout = 200 * time.Millisecond

	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestClientConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "url required")

	cfg.URL = "ws://auth.example:8080/ws"
	assert.NoError(t, cfg.Validate())

	cfg.RequestTimeout = 0
	assert.Error(t, cfg.Validate())
}
