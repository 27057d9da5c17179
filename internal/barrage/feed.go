// Package barrage polls a live-stream chat feed and queues new messages
// for the turn arbiter.
package barrage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TimelineLayout is the feed's timestamp format, in local time.
const TimelineLayout = "2006-01-02 15:04:05"

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.36"

// ErrIntervalTooShort rejects poll intervals under a second.
var ErrIntervalTooShort = errors.New("check interval must be at least 1s")

// Message is one chat line as the feed returns it.
type Message struct {
	Nickname string `json:"nickname"`
	Text     string `json:"text"`
	Timeline string `json:"timeline"`
}

// Time parses Timeline in the local zone.
func (m Message) Time() (time.Time, error) {
	return time.ParseInLocation(TimelineLayout, m.Timeline, time.Local)
}

type feedResponse struct {
	Data *struct {
		Room []Message `json:"room"`
	} `json:"data"`
}

type FeedConfig struct {
	APIURL        string
	RoomID        string
	CheckInterval time.Duration
}

// Status is what the control API reports about the poller.
type Status struct {
	Running       bool          `json:"running"`
	RoomID        string        `json:"room_id"`
	CheckInterval time.Duration `json:"check_interval"`
	LastChecked   time.Time     `json:"last_checked"`
	Cached        int           `json:"cached"`
}

// Feed polls the chat API. Only messages strictly newer than the
// high-water mark are dispatched; the mark moves to "now" only when a poll
// found something new.
type Feed struct {
	HTTPClient *http.Client

	cache Cache
	onNew func(Message)
	log   zerolog.Logger
	now   func() time.Time

	mu          sync.Mutex
	cfg         FeedConfig
	lastChecked time.Time
	parent      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewFeed(cfg FeedConfig, cache Cache, onNew func(Message), log zerolog.Logger) *Feed {
	if cfg.CheckInterval < time.Second {
		cfg.CheckInterval = 5 * time.Second
	}
	if cache == nil {
		cache = NewMemoryCache(50)
	}
	return &Feed{
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		cache:       cache,
		onNew:       onNew,
		log:         log,
		now:         time.Now,
		cfg:         cfg,
		lastChecked: time.Now(),
	}
}

// Start begins polling, fetching once immediately. It reports false if
// the poller was already running.
func (f *Feed) Start(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return false
	}
	f.parent = ctx
	f.startLocked()
	f.log.Info().Str("room_id", f.cfg.RoomID).Dur("interval", f.cfg.CheckInterval).Msg("barrage feed started")
	return true
}

// Stop halts polling and waits for an in-flight fetch to end.
func (f *Feed) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel == nil {
		return false
	}
	f.stopLocked()
	f.log.Info().Msg("barrage feed stopped")
	return true
}

// SetRoomID switches rooms, restarting a running poller.
func (f *Feed) SetRoomID(id string) bool {
	if id == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.RoomID = id
	f.restartLocked()
	return true
}

// SetCheckInterval changes the poll period, restarting a running poller.
func (f *Feed) SetCheckInterval(d time.Duration) error {
	if d < time.Second {
		return ErrIntervalTooShort
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.CheckInterval = d
	f.restartLocked()
	return nil
}

func (f *Feed) Status(ctx context.Context) Status {
	n, err := f.cache.Len(ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("barrage cache size")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		Running:       f.cancel != nil,
		RoomID:        f.cfg.RoomID,
		CheckInterval: f.cfg.CheckInterval,
		LastChecked:   f.lastChecked,
		Cached:        n,
	}
}

// Recent returns the cached messages, oldest first.
func (f *Feed) Recent(ctx context.Context) ([]Message, error) { return f.cache.Recent(ctx) }

func (f *Feed) restartLocked() {
	if f.cancel == nil {
		return
	}
	f.stopLocked()
	f.startLocked()
}

func (f *Feed) startLocked() {
	ctx, cancel := context.WithCancel(f.parent)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.loop(ctx, f.cfg, f.done)
}

func (f *Feed) stopLocked() {
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
}

func (f *Feed) loop(ctx context.Context, cfg FeedConfig, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()
	for {
		if _, err := f.Poll(ctx, cfg); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Str("room_id", cfg.RoomID).Msg("barrage poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the room once and dispatches whatever is new.
func (f *Feed) Poll(ctx context.Context, cfg FeedConfig) ([]Message, error) {
	u, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse barrage url")
	}
	q := u.Query()
	q.Set("roomid", cfg.RoomID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch barrage")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("fetch barrage: status %d", resp.StatusCode)
	}
	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode barrage")
	}
	if body.Data == nil || body.Data.Room == nil {
		return nil, errors.New("decode barrage: missing data.room")
	}

	f.mu.Lock()
	mark := f.lastChecked
	f.mu.Unlock()

	var fresh []Message
	for _, m := range body.Data.Room {
		at, err := m.Time()
		if err != nil {
			f.log.Debug().Str("timeline", m.Timeline).Msg("skipping barrage with bad timeline")
			continue
		}
		if at.After(mark) {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	f.mu.Lock()
	f.lastChecked = f.now()
	f.mu.Unlock()
	if err := f.cache.Add(ctx, fresh...); err != nil {
		f.log.Warn().Err(err).Msg("barrage cache add")
	}
	for _, m := range fresh {
		f.log.Debug().Str("nickname", m.Nickname).Str("text", m.Text).Msg("new barrage")
		if f.onNew != nil {
			f.onNew(m)
		}
	}
	return fresh, nil
}
