// Package vad connects to the remote voice-activity detector.
package vad

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client streams float32 microphone frames to the detector and surfaces
// its {"is_speech": bool} verdicts on Speech(). After MaxRetries failed
// reconnects in a row it stays disconnected and frames are dropped.
type Client struct {
	URL        string
	MaxRetries int
	RetryDelay time.Duration
	Dialer     websocket.Dialer
	log        zerolog.Logger

	speech    chan bool
	out       chan []byte
	connected atomic.Bool
	gaveUp    atomic.Bool
	attempts  atomic.Int32
	closeOnce sync.Once
}

type verdict struct {
	IsSpeech bool `json:"is_speech"`
}

func NewClient(url string, maxRetries int, retryDelay time.Duration, log zerolog.Logger) *Client {
	return &Client{
		URL:        url,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:        log,
		speech:     make(chan bool, 64),
		out:        make(chan []byte, 256),
	}
}

// Speech delivers verdicts in arrival order. It is closed when Run returns.
func (c *Client) Speech() <-chan bool { return c.speech }

// Connected reports whether a detector connection is live.
func (c *Client) Connected() bool { return c.connected.Load() }

// GaveUp reports whether the retry budget is exhausted.
func (c *Client) GaveUp() bool { return c.gaveUp.Load() }

// Attempts counts dial attempts made so far.
func (c *Client) Attempts() int { return int(c.attempts.Load()) }

// SendFrame queues a frame for the detector; it never blocks.
func (c *Client) SendFrame(samples []float32) {
	if !c.connected.Load() {
		return
	}
	b := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
	select {
	case c.out <- b:
	default:
		c.log.Debug().Msg("vad send buffer full, dropping frame")
	}
}

// Run keeps a connection open until ctx ends or the retry budget runs
// out. Running out is not an error: capture simply stays silent.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeOnce.Do(func() { close(c.speech) })
	retries := 0
	for {
		c.attempts.Add(1)
		conn, resp, err := c.Dialer.DialContext(ctx, c.URL, nil)
		if err == nil {
			retries = 0
			c.log.Info().Str("url", c.URL).Msg("vad connected")
			c.serve(ctx, conn)
			c.log.Warn().Msg("vad disconnected")
		} else {
			ev := c.log.Warn().Err(err)
			if resp != nil {
				ev = ev.Int("status", resp.StatusCode)
			}
			ev.Msg("vad dial failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		if retries >= c.MaxRetries {
			c.gaveUp.Store(true)
			c.log.Error().Int("retries", retries).Msg("vad unreachable, capture disabled")
			return nil
		}
		retries++
		c.log.Info().Int("attempt", retries).Int("max", c.MaxRetries).Msg("vad reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.RetryDelay):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.connected.Store(true)
	defer c.connected.Store(false)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Msg("recovered in vad writer")
			}
		}()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case frame := <-c.out:
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var v verdict
		if err := json.Unmarshal(msg, &v); err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed vad message")
			continue
		}
		select {
		case c.speech <- v.IsSpeech:
		default:
			c.log.Debug().Msg("speech verdict dropped, consumer too slow")
		}
	}
	close(done)
	_ = conn.Close()
	wg.Wait()
}
