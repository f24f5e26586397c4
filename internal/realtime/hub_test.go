package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentCommand struct {
	pid    int
	name   string
	params map[string]interface{}
}

type fakeBackend struct {
	mu           sync.Mutex
	registered   map[string]string
	disconnected []string
	commands     []sentCommand
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{registered: make(map[string]string)}
}

func (f *fakeBackend) Register(connID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[connID] = clientID
}

func (f *fakeBackend) Disconnect(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connID)
	_, ok := f.registered[connID]
	delete(f.registered, connID)
	return ok
}

func (f *fakeBackend) SendCommand(pid int, name string, params map[string]interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, sentCommand{pid: pid, name: name, params: params})
	return true
}

func (f *fakeBackend) clients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.registered))
	for _, c := range f.registered {
		out = append(out, c)
	}
	return out
}

func (f *fakeBackend) sent() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.commands...)
}

func (f *fakeBackend) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

type fakeMirror struct {
	mu   sync.Mutex
	pids []int
}

func (m *fakeMirror) MirrorCommand(pid int, name string, params map[string]interface{}) {
	m.mu.Lock()
	m.pids = append(m.pids, pid)
	m.mu.Unlock()
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pids)
}

func startHub(t *testing.T) (*Hub, *fakeBackend, string) {
	t.Helper()
	backend := newFakeBackend()
	hub := NewHub(backend, nil)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return hub, backend, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: b}))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestRegisterClient(t *testing.T) {
	hub, backend, url := startHub(t)
	conn := dial(t, url)

	sendEvent(t, conn, EventRegisterClient, map[string]string{"clientId": "c1"})

	require.Eventually(t, func() bool {
		return len(backend.clients()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"c1"}, backend.clients())
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestJoinAndRelay(t *testing.T) {
	hub, _, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)
	other := dial(t, url)

	sendEvent(t, a, EventJoinChannel, map[string]string{"data_channel_id": "chan-1"})
	sendEvent(t, b, EventJoinChannel, map[string]string{"data_channel_id": "chan-1"})
	sendEvent(t, other, EventJoinChannel, map[string]string{"data_channel_id": "chan-2"})

	require.Eventually(t, func() bool {
		return hub.Subscribers("chan-1") == 2 && hub.Subscribers("chan-2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload := json.RawMessage(`{"type":"progress","t":0.5,"values":[1,2,3]}`)
	assert.Equal(t, 2, hub.Relay("chan-1", payload, "http"))

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, EventSimulationData, env.Event)
		assert.JSONEq(t, string(payload), string(env.Data))
	}

	// chan-2 received nothing
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestRelayToUnknownChannel(t *testing.T) {
	hub, _, _ := startHub(t)
	assert.Equal(t, 0, hub.Relay("nobody", json.RawMessage(`1`), "http"))
}

func TestSimCommandForwarded(t *testing.T) {
	hub, backend, url := startHub(t)
	mirror := &fakeMirror{}
	hub.SetCommandMirror(mirror)
	conn := dial(t, url)

	sendEvent(t, conn, EventSimCommand, map[string]interface{}{
		"pid":     4242,
		"command": "start",
		"params":  map[string]interface{}{"runtime": 2},
	})
	// pid as a string is accepted
	sendEvent(t, conn, EventSimCommand, map[string]interface{}{
		"pid":     "4243",
		"command": "stop",
	})
	// missing command and bad pid are ignored
	sendEvent(t, conn, EventSimCommand, map[string]interface{}{"pid": 1})
	sendEvent(t, conn, EventSimCommand, map[string]interface{}{"pid": "abc", "command": "x"})

	require.Eventually(t, func() bool {
		return len(backend.sent()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := backend.sent()
	assert.Equal(t, 4242, sent[0].pid)
	assert.Equal(t, "start", sent[0].name)
	assert.Equal(t, float64(2), sent[0].params["runtime"])
	assert.Equal(t, 4243, sent[1].pid)
	assert.Equal(t, "stop", sent[1].name)

	require.Eventually(t, func() bool { return mirror.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFramesIgnored(t *testing.T) {
	hub, backend, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendEvent(t, conn, "unknown_event", map[string]string{})
	sendEvent(t, conn, EventRegisterClient, map[string]string{"clientId": "c1"})

	require.Eventually(t, func() bool {
		return len(backend.clients()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestCloseDisconnectsSession(t *testing.T) {
	hub, backend, url := startHub(t)
	conn := dial(t, url)

	sendEvent(t, conn, EventRegisterClient, map[string]string{"clientId": "c1"})
	sendEvent(t, conn, EventJoinChannel, map[string]string{"data_channel_id": "chan-1"})
	require.Eventually(t, func() bool {
		return hub.Subscribers("chan-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return backend.disconnects() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, backend.clients())
	assert.Equal(t, 0, hub.Subscribers("chan-1"))
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestHubCloseReleasesSessions(t *testing.T) {
	hub, backend, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)

	sendEvent(t, a, EventRegisterClient, map[string]string{"clientId": "c1"})
	sendEvent(t, b, EventRegisterClient, map[string]string{"clientId": "c2"})
	require.Eventually(t, func() bool {
		return len(backend.clients()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0 && backend.disconnects() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, backend.clients())

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

func TestPIDUnmarshal(t *testing.T) {
	cases := map[string]int{
		`12`:   12,
		`"34"`: 34,
		`null`: 0,
	}
	for in, want := range cases {
		var p PID
		require.NoError(t, json.Unmarshal([]byte(in), &p), in)
		assert.Equal(t, want, int(p), in)
	}

	var p PID
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`1.5`), &p))
}
