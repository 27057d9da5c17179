// Package hub bridges the pipeline to the overlay renderer over a
// websocket: mouth values, motions, captions and audio all go out as
// events to every connected renderer.
package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// the renderer is a local window, not a browser page
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one renderer message. Audio frames travel as binary messages
// after an "audio_format" event announcing the sample rate.
type Event struct {
	Type       string  `json:"type"`
	Value      float64 `json:"value,omitempty"`
	Group      string  `json:"group,omitempty"`
	Index      *int    `json:"index,omitempty"`
	Text       string  `json:"text,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Audio      []byte  `json:"audio,omitempty"`
}

type outbound struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan outbound
}

// Hub fans events out to renderers. Renderers may send {"type":"interrupt"}
// (the desktop hotkey), which is passed to OnInterrupt.
type Hub struct {
	OnInterrupt func()

	log zerolog.Logger

	mu         sync.Mutex
	clients    map[*client]struct{}
	captionSeq uint64
	rate       int
}

func New(log zerolog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades a renderer connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("overlay ws upgrade")
		return
	}
	c := &client{conn: conn, send: make(chan outbound, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	// a renderer joining mid-reply needs the format before any frame
	if h.rate != 0 {
		b, _ := json.Marshal(Event{Type: "audio_format", SampleRate: h.rate})
		c.send <- outbound{kind: websocket.TextMessage, data: b}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", n).Msg("renderer connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every renderer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) SetMouth(v float64) {
	h.broadcast(Event{Type: "mouth", Value: v})
}

func (h *Hub) TriggerMotion(group string, index int) {
	h.broadcast(Event{Type: "motion", Group: group, Index: &index})
}

// ShowCaption displays text; a positive d hides it again unless another
// caption replaced it in the meantime.
func (h *Hub) ShowCaption(text string, d time.Duration) {
	h.mu.Lock()
	h.captionSeq++
	seq := h.captionSeq
	h.mu.Unlock()
	h.broadcast(Event{Type: "caption", Text: text, DurationMS: d.Milliseconds()})
	if d <= 0 {
		return
	}
	time.AfterFunc(d, func() {
		h.mu.Lock()
		current := h.captionSeq == seq
		h.mu.Unlock()
		if current {
			h.HideCaption()
		}
	})
}

func (h *Hub) HideCaption() {
	h.mu.Lock()
	h.captionSeq++
	h.mu.Unlock()
	h.broadcast(Event{Type: "caption_hide"})
}

// WritePCM sends one PCM16LE frame, announcing the rate when it changes.
func (h *Hub) WritePCM(frame []byte, sampleRate int) {
	h.mu.Lock()
	changed := h.rate != sampleRate
	h.rate = sampleRate
	h.mu.Unlock()
	if changed {
		h.broadcast(Event{Type: "audio_format", SampleRate: sampleRate})
	}
	h.send(outbound{kind: websocket.BinaryMessage, data: append([]byte(nil), frame...)})
}

// WriteClip hands a compressed clip to the renderer to decode and play.
func (h *Hub) WriteClip(clip []byte) {
	h.broadcast(Event{Type: "clip", Audio: clip})
}

func (h *Hub) StopAudio() {
	h.broadcast(Event{Type: "audio_stop"})
}

func (h *Hub) broadcast(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("encode overlay event")
		return
	}
	h.send(outbound{kind: websocket.TextMessage, data: b})
}

// send queues msg for every client. A client whose buffer is full is
// disconnected rather than allowed to stall the pipeline.
func (h *Hub) send(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn().Msg("renderer too slow, dropping connection")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		n := len(h.clients)
		h.mu.Unlock()
		_ = c.conn.Close()
		h.log.Info().Int("clients", n).Msg("renderer disconnected")
	}()
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if strings.EqualFold(ev.Type, "interrupt") && h.OnInterrupt != nil {
			h.OnInterrupt()
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
