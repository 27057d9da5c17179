package httpserver

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/avatar-overlay/internal/barrage"
	"github.com/chadiek/avatar-overlay/internal/state"
	"github.com/chadiek/avatar-overlay/internal/turn"
)

var micUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handlers struct {
	deps Deps
}

type statusResponse struct {
	Turn    turn.Status     `json:"turn"`
	Barrage *barrage.Status `json:"barrage,omitempty"`
	Queued  []barrage.Item  `json:"queued,omitempty"`
}

type textRequest struct {
	Text string `json:"text"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type intervalRequest struct {
	Seconds float64 `json:"seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/status", h.status)
	e.POST("/api/interrupt", h.interrupt)
	e.POST("/api/text", h.text)

	if h.deps.Barrage != nil {
		e.GET("/api/barrage/recent", h.barrageRecent)
		e.POST("/api/barrage/start", h.barrageStart)
		e.POST("/api/barrage/stop", h.barrageStop)
		e.PUT("/api/barrage/room", h.barrageRoom)
		e.PUT("/api/barrage/interval", h.barrageInterval)
	}
	if h.deps.Overlay != nil {
		e.GET("/ws/overlay", echo.WrapHandler(h.deps.Overlay))
	}
	if h.deps.Mic != nil {
		e.GET("/ws/mic", h.mic)
	}
}

func (h Handlers) status(c echo.Context) error {
	resp := statusResponse{Turn: h.deps.Turns.Status()}
	if h.deps.Barrage != nil {
		st := h.deps.Barrage.Status(c.Request().Context())
		resp.Barrage = &st
	}
	if h.deps.Queue != nil {
		resp.Queued = h.deps.Queue.Items()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h Handlers) interrupt(c echo.Context) error {
	h.deps.Turns.Interrupt()
	return c.NoContent(http.StatusAccepted)
}

// text runs a typed turn. It returns once the reply has been handed to the
// speaker; playback continues after the response.
func (h Handlers) text(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	ctx := context.WithoutCancel(c.Request().Context())
	err := h.deps.Turns.SubmitUserText(ctx, req.Text)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, turn.ErrEmptyText):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "text is empty"})
	case errors.Is(err, state.ErrBusy):
		return c.JSON(http.StatusConflict, errorResponse{Error: "a turn is already running"})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusConflict, errorResponse{Error: "interrupted"})
	default:
		return c.JSON(http.StatusBadGateway, errorResponse{Error: turn.Caption(err)})
	}
}

func (h Handlers) barrageRecent(c echo.Context) error {
	msgs, err := h.deps.Barrage.Recent(c.Request().Context())
	if err != nil {
		h.deps.Log.Error().Err(err).Msg("barrage recent")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "cache unavailable"})
	}
	if msgs == nil {
		msgs = []barrage.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h Handlers) barrageStart(c echo.Context) error {
	if !h.deps.Barrage.Start(h.deps.Context) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "already running"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) barrageStop(c echo.Context) error {
	if !h.deps.Barrage.Stop() {
		return c.JSON(http.StatusConflict, errorResponse{Error: "not running"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) barrageRoom(c echo.Context) error {
	var req roomRequest
	if err := c.Bind(&req); err != nil || !h.deps.Barrage.SetRoomID(req.RoomID) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "room_id required"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) barrageInterval(c echo.Context) error {
	var req intervalRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	d := time.Duration(req.Seconds * float64(time.Second))
	if err := h.deps.Barrage.SetCheckInterval(d); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// mic reads binary frames of 16-bit little-endian mono PCM and feeds them
// to capture as float32.
func (h Handlers) mic(c echo.Context) error {
	conn, err := micUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.deps.Log.Warn().Err(err).Msg("mic ws upgrade")
		return nil
	}
	defer func() { _ = conn.Close() }()
	h.deps.Log.Info().Str("remote", c.RealIP()).Msg("microphone connected")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.deps.Log.Warn().Err(err).Msg("mic ws read")
			}
			h.deps.Log.Info().Msg("microphone disconnected")
			return nil
		}
		if kind != websocket.BinaryMessage || len(data) < 2 {
			continue
		}
		h.deps.Mic.Feed(PCM16ToFloat(data))
	}
}

// PCM16ToFloat converts little-endian 16-bit samples to [-1,1). A trailing
// odd byte is ignored.
func PCM16ToFloat(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(b[2*i:]))
		out[i] = float32(s) / 32768
	}
	return out
}
