// Package terminal serves the remote shell feature over a persistent
// websocket to the deviceconnect endpoint. At most one interactive session
// is active at a time; frames are msgpack-encoded binary maps.
package terminal

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ocx/device-agent/internal/client"
	"github.com/ocx/device-agent/internal/config"
)

// Protocol message types, shared with the deviceconnect backend.
const (
	MsgTypeShell      = "shell"
	MsgTypeSpawnShell = "new"
	MsgTypeStopShell  = "stop"
)

const (
	connectPath   = "/api/devices/v1/deviceconnect/connect"
	protoVersion  = 1
	stdoutBufSize = 100 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// ProtoHeader addresses a frame to a session.
type ProtoHeader struct {
	Proto int    `msgpack:"proto"`
	Typ   string `msgpack:"typ"`
	Sid   string `msgpack:"sid"`
}

// ProtoMsg is the self-describing frame exchanged over the wire.
type ProtoMsg struct {
	Hdr   ProtoHeader    `msgpack:"hdr"`
	Props map[string]any `msgpack:"props,omitempty"`
	Body  []byte         `msgpack:"body,omitempty"`
}

// Terminal owns the single remote shell connection. EnsureRunning is
// idempotent; the state machine calls it every idle iteration.
type Terminal struct {
	mu      sync.Mutex
	running bool
}

// New returns an idle Terminal.
func New() *Terminal {
	return &Terminal{}
}

// EnsureRunning starts the connection goroutine unless it is already up,
// the feature is disabled, or the config is unusable. It never blocks the
// idle loop on network I/O.
func (t *Terminal) EnsureRunning(cfg config.Config, connect config.ConnectConfig, token string) {
	if !connect.RemoteTerminal {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	go func() {
		defer func() {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
		}()
		t.serve(cfg, connect, token)
	}()
}

// wsURL rewrites the server URL to the websocket scheme and appends the
// deviceconnect path.
func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		serverURL = "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		serverURL = "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return serverURL + connectPath
}

func (t *Terminal) serve(cfg config.Config, connect config.ConnectConfig, token string) {
	tlsConfig, err := client.TLSConfig(cfg.ServerCertificate)
	if err != nil {
		slog.Error("Remote terminal TLS setup failed", "error", err)
		return
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: writeWait,
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	uri := wsURL(cfg.ServerURL)
	conn, _, err := dialer.Dial(uri, header)
	if err != nil {
		slog.Error("Remote terminal connect failed", "uri", uri, "error", err)
		return
	}
	slog.Debug("Remote terminal connected", "uri", uri)

	w := &wire{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go w.writePump()
	defer w.close()

	t.readPump(w, connect.ShellCommand)
}

// wire serializes all writes to the websocket through one goroutine,
// so the stdout pump and the protocol replies never race.
type wire struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (w *wire) close() {
	w.once.Do(func() {
		close(w.done)
		w.conn.Close()
		slog.Debug("Remote terminal disconnected")
	})
}

func (w *wire) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.close()
	}()
	for {
		select {
		case frame := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Error("Remote terminal write failed", "error", err)
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

// sendMsg queues a frame without blocking the caller.
func (w *wire) sendMsg(msg ProtoMsg) {
	frame, err := msgpack.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode a remote terminal frame", "error", err)
		return
	}
	select {
	case w.send <- frame:
	case <-w.done:
	}
}

func (w *wire) sendStatus(typ, sid string) {
	w.sendMsg(ProtoMsg{
		Hdr:   ProtoHeader{Proto: protoVersion, Typ: typ, Sid: sid},
		Props: map[string]any{"status": 1},
	})
}

// session is one active shell attached to a pty.
type session struct {
	sid   string
	shell *exec.Cmd
	ptmx  *os.File
}

func (s *session) stop() {
	if s.shell.Process != nil {
		s.shell.Process.Kill()
	}
	s.ptmx.Close()
	s.shell.Wait()
}

// readPump is the single reader of the wire. It routes each frame to the
// active session and spawns the shell on demand. It returns when the wire
// closes; an active session is stopped on the way out.
func (t *Terminal) readPump(w *wire, shellCommand string) {
	conn := w.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var active *session
	defer func() {
		if active != nil {
			active.stop()
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("Remote terminal read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ProtoMsg
		if err := msgpack.Unmarshal(frame, &msg); err != nil {
			slog.Error("Invalid remote terminal frame", "error", err)
			continue
		}

		switch msg.Hdr.Typ {
		case MsgTypeSpawnShell:
			if active != nil {
				slog.Debug("Ignoring a shell spawn request, a session is already active")
				continue
			}
			s, err := spawnShell(shellCommand, msg.Hdr.Sid)
			if err != nil {
				slog.Error("Failed to spawn the shell", "error", err)
				continue
			}
			active = s
			w.sendStatus(MsgTypeSpawnShell, s.sid)
			go pumpShellOutput(w, s)
		case MsgTypeShell:
			if active == nil {
				slog.Debug("Dropping shell input, no session is active")
				continue
			}
			if _, err := active.ptmx.Write(msg.Body); err != nil {
				slog.Error("Failed to write to the shell", "error", err)
			}
		case MsgTypeStopShell:
			if active == nil {
				continue
			}
			active.stop()
			w.sendStatus(MsgTypeStopShell, active.sid)
			active = nil
		default:
			slog.Debug("Unhandled remote terminal message", "typ", msg.Hdr.Typ)
		}
	}
}

// spawnShell opens a pty pair and starts the shell on its slave side.
func spawnShell(shellCommand, sid string) (*session, error) {
	cmd := exec.Command(shellCommand, "-i")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", shellCommand, err)
	}
	slog.Info("Remote shell session started", "sid", sid, "shell", shellCommand)
	return &session{sid: sid, shell: cmd, ptmx: ptmx}, nil
}

// pumpShellOutput reads the shell's output from the pty master and wraps
// each chunk as a shell frame. It terminates when the pty closes.
func pumpShellOutput(w *wire, s *session) {
	buf := make([]byte, stdoutBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			body := make([]byte, n)
			copy(body, buf[:n])
			w.sendMsg(ProtoMsg{
				Hdr:   ProtoHeader{Proto: protoVersion, Typ: MsgTypeShell, Sid: s.sid},
				Props: map[string]any{"status": 1},
				Body:  body,
			})
		}
		if err != nil {
			return
		}
	}
}
