package terminal

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ocx/device-agent/internal/config"
)

func TestWsURL(t *testing.T) {
	assert.Equal(t,
		"wss://hosted.example.com/api/devices/v1/deviceconnect/connect",
		wsURL("https://hosted.example.com"))
	assert.Equal(t,
		"ws://127.0.0.1:8080/api/devices/v1/deviceconnect/connect",
		wsURL("http://127.0.0.1:8080"))
}

// testShell writes a wrapper that ignores the interactive flag and execs
// cat, so whatever the test types comes straight back.
func testShell(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "shell")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec cat\n"), 0o755))
	return script
}

type fakeBackend struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:     t,
		conns: make(chan *websocket.Conn, 1),
		auth:  make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	r := mux.NewRouter()
	r.HandleFunc("/api/devices/v1/deviceconnect/connect",
		func(w http.ResponseWriter, req *http.Request) {
			b.auth <- req.Header.Get("Authorization")
			conn, err := upgrader.Upgrade(w, req, nil)
			require.NoError(t, err)
			b.conns <- conn
		})
	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) accept() *websocket.Conn {
	select {
	case conn := <-b.conns:
		b.t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		b.t.Fatal("the agent never connected")
		return nil
	}
}

func (b *fakeBackend) send(conn *websocket.Conn, msg ProtoMsg) {
	frame, err := msgpack.Marshal(msg)
	require.NoError(b.t, err)
	require.NoError(b.t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (b *fakeBackend) recv(conn *websocket.Conn) ProtoMsg {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(b.t, err)
	var msg ProtoMsg
	require.NoError(b.t, msgpack.Unmarshal(frame, &msg))
	return msg
}

// recvStatus skips shell output frames until a control reply arrives.
func (b *fakeBackend) recvStatus(conn *websocket.Conn) ProtoMsg {
	for {
		msg := b.recv(conn)
		if msg.Hdr.Typ != MsgTypeShell {
			return msg
		}
	}
}

func TestRemoteShellSession(t *testing.T) {
	backend := newFakeBackend(t)
	term := New()
	cfg := config.Config{ServerURL: backend.srv.URL}
	connect := config.ConnectConfig{RemoteTerminal: true, ShellCommand: testShell(t)}

	term.EnsureRunning(cfg, connect, "test-token")
	conn := backend.accept()
	assert.Equal(t, "Bearer test-token", <-backend.auth)

	backend.send(conn, ProtoMsg{
		Hdr: ProtoHeader{Proto: 1, Typ: MsgTypeSpawnShell, Sid: "sid-1"},
	})
	spawned := backend.recvStatus(conn)
	assert.Equal(t, MsgTypeSpawnShell, spawned.Hdr.Typ)
	assert.Equal(t, "sid-1", spawned.Hdr.Sid)
	assert.EqualValues(t, 1, spawned.Props["status"])

	backend.send(conn, ProtoMsg{
		Hdr:  ProtoHeader{Proto: 1, Typ: MsgTypeShell, Sid: "sid-1"},
		Body: []byte("hello over pty\n"),
	})
	var echo ProtoMsg
	for {
		msg := backend.recv(conn)
		if msg.Hdr.Typ == MsgTypeShell && len(msg.Body) > 0 {
			echo = msg
			break
		}
	}
	assert.Equal(t, "sid-1", echo.Hdr.Sid)

	backend.send(conn, ProtoMsg{
		Hdr: ProtoHeader{Proto: 1, Typ: MsgTypeStopShell, Sid: "sid-1"},
	})
	stopped := backend.recvStatus(conn)
	assert.Equal(t, MsgTypeStopShell, stopped.Hdr.Typ)
	assert.Equal(t, "sid-1", stopped.Hdr.Sid)

	conn.Close()
	// The serve goroutine must wind down and allow a reconnect.
	require.Eventually(t, func() bool {
		term.mu.Lock()
		defer term.mu.Unlock()
		return !term.running
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSecondSpawnIgnored(t *testing.T) {
	backend := newFakeBackend(t)
	term := New()
	cfg := config.Config{ServerURL: backend.srv.URL}
	connect := config.ConnectConfig{RemoteTerminal: true, ShellCommand: testShell(t)}

	term.EnsureRunning(cfg, connect, "tok")
	conn := backend.accept()
	<-backend.auth

	backend.send(conn, ProtoMsg{Hdr: ProtoHeader{Proto: 1, Typ: MsgTypeSpawnShell, Sid: "first"}})
	first := backend.recvStatus(conn)
	require.Equal(t, "first", first.Hdr.Sid)

	// A second spawn while a session is active is dropped without a reply;
	// the next control frame the backend sees is the stop acknowledgement
	// for the original session.
	backend.send(conn, ProtoMsg{Hdr: ProtoHeader{Proto: 1, Typ: MsgTypeSpawnShell, Sid: "second"}})
	backend.send(conn, ProtoMsg{Hdr: ProtoHeader{Proto: 1, Typ: MsgTypeStopShell, Sid: "first"}})
	next := backend.recvStatus(conn)
	assert.Equal(t, MsgTypeStopShell, next.Hdr.Typ)
	assert.Equal(t, "first", next.Hdr.Sid)
}

func TestDisabledTerminalNeverDials(t *testing.T) {
	backend := newFakeBackend(t)
	term := New()
	cfg := config.Config{ServerURL: backend.srv.URL}
	connect := config.ConnectConfig{RemoteTerminal: false, ShellCommand: "/bin/sh"}

	term.EnsureRunning(cfg, connect, "tok")
	select {
	case <-backend.conns:
		t.Fatal("the terminal must stay offline when the feature is disabled")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	term := New()
	cfg := config.Config{ServerURL: backend.srv.URL}
	connect := config.ConnectConfig{RemoteTerminal: true, ShellCommand: testShell(t)}

	term.EnsureRunning(cfg, connect, "tok")
	backend.accept()
	term.EnsureRunning(cfg, connect, "tok")

	select {
	case <-backend.conns:
		t.Fatal("a live connection must not be duplicated")
	case <-time.After(200 * time.Millisecond):
	}
}
