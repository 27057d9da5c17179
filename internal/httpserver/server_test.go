package httpserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
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

	"github.com/chadiek/avatar-overlay/internal/barrage"
	"github.com/chadiek/avatar-overlay/internal/llm"
	"github.com/chadiek/avatar-overlay/internal/state"
	"github.com/chadiek/avatar-overlay/internal/turn"
)

type fakeTurns struct {
	err        error
	texts      []string
	interrupts int
}

func (f *fakeTurns) SubmitUserText(_ context.Context, text string) error {
	f.texts = append(f.texts, text)
	return f.err
}

func (f *fakeTurns) Interrupt()          { f.interrupts++ }
func (f *fakeTurns) Status() turn.Status { return turn.Status{Turns: 3} }

type fakeFeed struct {
	running  bool
	room     string
	interval time.Duration
}

func (f *fakeFeed) Start(context.Context) bool {
	was := f.running
	f.running = true
	return !was
}

func (f *fakeFeed) Stop() bool {
	was := f.running
	f.running = false
	return was
}

func (f *fakeFeed) SetRoomID(id string) bool {
	if id == "" {
		return false
	}
	f.room = id
	return true
}

func (f *fakeFeed) SetCheckInterval(d time.Duration) error {
	if d < time.Second {
		return barrage.ErrIntervalTooShort
	}
	f.interval = d
	return nil
}

func (f *fakeFeed) Status(context.Context) barrage.Status {
	return barrage.Status{Running: f.running, RoomID: f.room}
}

func (f *fakeFeed) Recent(context.Context) ([]barrage.Message, error) {
	return []barrage.Message{{Nickname: "alice", Text: "hi", Timeline: "2024-05-01 12:00:00"}}, nil
}

type fakeMic struct {
	mu     sync.Mutex
	frames [][]float32
}

func (m *fakeMic) Feed(frame []float32) {
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
}

func (m *fakeMic) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func newTestServer(turns *fakeTurns, feed *fakeFeed, token string) *Server {
	deps := Deps{Turns: turns, AuthToken: token, Log: zerolog.Nop()}
	if feed != nil {
		deps.Barrage = feed
	}
	return New(deps)
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(&fakeTurns{}, nil, "secret")
	w := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestServer_RequiresToken(t *testing.T) {
	srv := newTestServer(&fakeTurns{}, nil, "secret")
	assert.Equal(t, http.StatusUnauthorized, do(srv, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/api/status?token=secret", "").Code)
}

func TestServer_Status(t *testing.T) {
	srv := newTestServer(&fakeTurns{}, &fakeFeed{running: true, room: "42"}, "")
	w := do(srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Turn    turn.Status    `json:"turn"`
		Barrage barrage.Status `json:"barrage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.EqualValues(t, 3, got.Turn.Turns)
	assert.True(t, got.Barrage.Running)
	assert.Equal(t, "42", got.Barrage.RoomID)
}

func TestServer_Text(t *testing.T) {
	turns := &fakeTurns{}
	srv := newTestServer(turns, nil, "")

	assert.Equal(t, http.StatusNoContent, do(srv, http.MethodPost, "/api/text", `{"text":"你好"}`).Code)
	assert.Equal(t, []string{"你好"}, turns.texts)

	turns.err = state.ErrBusy
	assert.Equal(t, http.StatusConflict, do(srv, http.MethodPost, "/api/text", `{"text":"again"}`).Code)

	turns.err = turn.ErrEmptyText
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/api/text", `{"text":""}`).Code)

	turns.err = &llm.APIError{Status: 401}
	w := do(srv, http.MethodPost, "/api/text", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "API密钥错误")
}

func TestServer_Interrupt(t *testing.T) {
	turns := &fakeTurns{}
	srv := newTestServer(turns, nil, "")
	assert.Equal(t, http.StatusAccepted, do(srv, http.MethodPost, "/api/interrupt", "").Code)
	assert.Equal(t, 1, turns.interrupts)
}

func TestServer_BarrageControls(t *testing.T) {
	feed := &fakeFeed{}
	srv := newTestServer(&fakeTurns{}, feed, "")

	assert.Equal(t, http.StatusNoContent, do(srv, http.MethodPost, "/api/barrage/start", "").Code)
	assert.Equal(t, http.StatusConflict, do(srv, http.MethodPost, "/api/barrage/start", "").Code)

	assert.Equal(t, http.StatusNoContent, do(srv, http.MethodPut, "/api/barrage/room", `{"room_id":"7"}`).Code)
	assert.Equal(t, "7", feed.room)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPut, "/api/barrage/room", `{}`).Code)

	assert.Equal(t, http.StatusNoContent, do(srv, http.MethodPut, "/api/barrage/interval", `{"seconds":2.5}`).Code)
	assert.Equal(t, 2500*time.Millisecond, feed.interval)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPut, "/api/barrage/interval", `{"seconds":0.5}`).Code)

	w := do(srv, http.MethodGet, "/api/barrage/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []barrage.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	assert.Equal(t, "alice", msgs[0].Nickname)

	assert.Equal(t, http.StatusNoContent, do(srv, http.MethodPost, "/api/barrage/stop", "").Code)
	assert.Equal(t, http.StatusConflict, do(srv, http.MethodPost, "/api/barrage/stop", "").Code)
}

func TestServer_BarrageRoutesAbsentWithoutFeed(t *testing.T) {
	srv := newTestServer(&fakeTurns{}, nil, "")
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/api/barrage/recent", "").Code)
}

func TestServer_MicFeedsCapture(t *testing.T) {
	mic := &fakeMic{}
	srv := New(Deps{Turns: &fakeTurns{}, Mic: mic, Log: zerolog.Nop()})
	ts := httptest.NewServer(srv.Echo)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/mic", nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := make([]byte, 8)
	binary.LittleEndian.PutUint16(frame[0:], uint16(16384))
	binary.LittleEndian.PutUint16(frame[2:], 0x8000) // -32768
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	require.Eventually(t, func() bool { return mic.count() == 1 }, time.Second, 5*time.Millisecond)
	mic.mu.Lock()
	got := mic.frames[0]
	mic.mu.Unlock()
	require.Len(t, got, 4)
	assert.InDelta(t, 0.5, got[0], 1e-6)
	assert.InDelta(t, -1, got[1], 1e-6)
}

func TestPCM16ToFloat_OddTail(t *testing.T) {
	assert.Len(t, PCM16ToFloat([]byte{0, 0, 1}), 1)
}
