package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/transcript"
	"github.com/normanking/cortexcompanion/internal/voice"
)

type fakeController struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]error
	turns    []transcript.Turn
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, name)
	return f.fail[name]
}

func (f *fakeController) EnterSession(context.Context) error    { return f.record("enter") }
func (f *fakeController) ExitSession(context.Context) error     { return f.record("exit") }
func (f *fakeController) StartListening(context.Context) error  { return f.record("start") }
func (f *fakeController) ToggleListening(context.Context) error { return f.record("toggle") }
func (f *fakeController) Stop(context.Context) error            { return f.record("stop") }
func (f *fakeController) Interrupt(context.Context) error       { return f.record("interrupt") }
func (f *fakeController) ClearTranscript(context.Context) error { return f.record("clear") }

func (f *fakeController) State() voice.State {
	return voice.State{Phase: voice.PhaseListening, SessionActive: true, VoiceAvailable: true}
}

func (f *fakeController) Transcript() []transcript.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.Turn{}, f.turns...)
}

func (f *fakeController) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeAudio struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (f *fakeAudio) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, pcm)
	return nil
}

func (f *fakeAudio) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	ctrl  *fakeController
	audio *fakeAudio
	bus   *bus.EventBus
	logs  *logging.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ctrl:  &fakeController{fail: map[string]error{}},
		audio: &fakeAudio{},
		bus:   bus.NewEventBus(),
		logs:  logging.Nop(),
	}
	env.srv = New(env.ctrl, Options{Bus: env.bus, Audio: env.audio, Logs: env.logs}, zerolog.Nop())
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		env.http.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)
	require.Eventually(t, func() bool { return e.srv.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTranscriptEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.turns = []transcript.Turn{
		{ID: "1", Speaker: transcript.SpeakerAssistant, Text: "Hi there!", CreatedAt: time.Unix(100, 0)},
		{ID: "2", Speaker: transcript.SpeakerUser, Text: "I feel anxious", CreatedAt: time.Unix(101, 0)},
	}

	resp, err := http.Get(env.http.URL + "/transcript")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var turns []transcript.Turn
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turns))
	require.Len(t, turns, 2)
	assert.Equal(t, "I feel anxious", turns[1].Text)
}

func TestStateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var state map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "listening", state["phase"])
	assert.Equal(t, true, state["sessionActive"])
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.logs.Info("config", "Configuration reloaded", nil)
	env.logs.Warn("archive", "Transcript archive disabled", map[string]any{"error": "locked"})
	env.logs.Info("avatar", "Avatar ready", nil)

	resp, err := http.Get(env.http.URL + "/logs?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []logging.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "archive", entries[0].Component)
	assert.Equal(t, "error=locked", entries[0].Data)
	assert.Equal(t, "Avatar ready", entries[1].Message)
}

func TestLogsEndpoint_RejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/logs?limit=lots")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogsEndpoint_NoSource(t *testing.T) {
	srv := New(&fakeController{}, Options{}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []logging.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Empty(t, entries)
}

func TestWebSocket_ControlFrames(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	for _, cmd := range []string{"enter", "toggle", "stop", "interrupt", "clear", "exit"} {
		require.NoError(t, conn.WriteJSON(ControlMessage{Type: cmd}))
	}

	require.Eventually(t, func() bool { return len(env.ctrl.seen()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"enter", "toggle", "stop", "interrupt", "clear", "exit"}, env.ctrl.seen())
}

func TestWebSocket_CommandErrors(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.fail["clear"] = errors.New("a turn is in flight")
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: "clear"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "a turn is in flight", frame.Error)
	assert.Equal(t, "clear", frame.Data["command"])

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: "dance"}))
	frame = readFrame(t, conn)
	assert.Contains(t, frame.Error, "unknown command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = readFrame(t, conn)
	assert.Equal(t, "invalid control message", frame.Error)
}

func TestWebSocket_BroadcastsBusEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	env.bus.PublishSync(bus.Event{
		Type: bus.EventTypePhaseChanged,
		Data: map[string]any{"from": "listening", "to": "finalizing"},
	})

	frame := readFrame(t, conn)
	assert.Equal(t, string(bus.EventTypePhaseChanged), frame.Type)
	assert.Equal(t, "finalizing", frame.Data["to"])
}

func TestWebSocket_ForwardsAudio(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x03, 0x04}))

	require.Eventually(t, func() bool { return env.audio.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWebSocket_DisconnectRemovesClient(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.srv.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// Broadcasting with no clients is harmless.
	env.srv.Broadcast(Frame{Type: "noop"})
}
